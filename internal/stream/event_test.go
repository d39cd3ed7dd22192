package stream

import (
	"encoding/json"
	"testing"
)

func classifyLine(t *testing.T, line string) Event {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal([]byte(line), &payload); err != nil {
		t.Fatalf("test line is not valid JSON: %v", err)
	}
	return classifyEvent(payload)
}

func TestClassifyCompletionsContentDelta(t *testing.T) {
	ev := classifyLine(t, `{"object":"response.chunk","delta":{"content":"Hel"}}`)
	if ev.Kind != EventCompletionsDelta {
		t.Fatalf("expected completions delta, got %v", ev.Kind)
	}
	if ev.Delta.Content != "Hel" {
		t.Errorf("expected content 'Hel', got %q", ev.Delta.Content)
	}
	if ev.Delta.Finish {
		t.Error("unexpected finish flag")
	}
}

func TestClassifyCompletionsFunctionCallStart(t *testing.T) {
	ev := classifyLine(t, `{"object":"response.chunk","delta":{"function_call":{"name":"search","arguments":"{\"q\":"}}}`)
	if ev.Kind != EventCompletionsDelta {
		t.Fatalf("expected completions delta, got %v", ev.Kind)
	}
	if len(ev.Delta.Calls) != 1 {
		t.Fatalf("expected 1 call delta, got %d", len(ev.Delta.Calls))
	}
	call := ev.Delta.Calls[0]
	if !call.HasName || call.Name != "search" {
		t.Errorf("expected named call 'search', got %+v", call)
	}
	if call.Arguments != `{"q":` {
		t.Errorf("unexpected arguments fragment: %q", call.Arguments)
	}
}

func TestClassifyCompletionsFunctionCallContinuation(t *testing.T) {
	ev := classifyLine(t, `{"object":"response.chunk","delta":{"function_call":{"arguments":"\"hi\"}"}}}`)
	if len(ev.Delta.Calls) != 1 {
		t.Fatalf("expected 1 call delta, got %d", len(ev.Delta.Calls))
	}
	if ev.Delta.Calls[0].HasName {
		t.Error("continuation fragment must not carry a name")
	}
	if ev.Delta.Calls[0].Arguments != `"hi"}` {
		t.Errorf("unexpected arguments fragment: %q", ev.Delta.Calls[0].Arguments)
	}
}

func TestClassifyCompletionsToolCallsArray(t *testing.T) {
	ev := classifyLine(t, `{"object":"response.chunk","delta":{"tool_calls":[{"function":{"name":"lookup"}},{"function":{"arguments":"{}"}}]}}`)
	if len(ev.Delta.Calls) != 2 {
		t.Fatalf("expected 2 call deltas, got %d", len(ev.Delta.Calls))
	}
	if !ev.Delta.Calls[0].HasName || ev.Delta.Calls[0].Name != "lookup" {
		t.Errorf("unexpected first call delta: %+v", ev.Delta.Calls[0])
	}
	if ev.Delta.Calls[1].HasName || ev.Delta.Calls[1].Arguments != "{}" {
		t.Errorf("unexpected second call delta: %+v", ev.Delta.Calls[1])
	}
}

func TestClassifyCompletionsFinishReasonRidesAlong(t *testing.T) {
	ev := classifyLine(t, `{"object":"response.chunk","delta":{"content":"done","finish_reason":"stop"}}`)
	if !ev.Delta.Finish {
		t.Error("expected finish flag")
	}
	if ev.Delta.Content != "done" {
		t.Errorf("finish must not swallow content, got %q", ev.Delta.Content)
	}
}

func TestClassifyRealtimeItemAdded(t *testing.T) {
	ev := classifyLine(t, `{"type":"response.output_item.added","item":{"id":"x1","type":"function_call","tool_name":"search","inputs":{"q":"go"}}}`)
	if ev.Kind != EventRealtimeItem {
		t.Fatalf("expected realtime event, got %v", ev.Kind)
	}
	if ev.Realtime.Op != RealtimeItemAdded {
		t.Fatalf("expected item-added op, got %v", ev.Realtime.Op)
	}
	item := ev.Realtime.Item
	if item.ID != "x1" || item.ToolName != "search" || !item.HasInputs {
		t.Errorf("unexpected item: %+v", item)
	}
	if !item.IsCall() {
		t.Error("function_call item should classify as a call")
	}
}

func TestClassifyRealtimeTextDelta(t *testing.T) {
	ev := classifyLine(t, `{"type":"response.output_text.delta","delta":"lo"}`)
	if ev.Kind != EventRealtimeItem || ev.Realtime.Op != RealtimeTextDelta {
		t.Fatalf("expected realtime text delta, got %+v", ev)
	}
	if ev.Realtime.Text != "lo" {
		t.Errorf("expected text 'lo', got %q", ev.Realtime.Text)
	}
}

func TestClassifyNativeDialects(t *testing.T) {
	cases := []struct {
		name string
		line string
		text string
	}{
		{"output_text", `{"output_text":"a"}`, "a"},
		{"bare delta string", `{"delta":"b"}`, "b"},
		{"delta object content", `{"delta":{"content":"c"}}`, "c"},
		{"delta object text", `{"delta":{"text":"d"}}`, "d"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev := classifyLine(t, tc.line)
			if ev.Kind != EventNativeText {
				t.Fatalf("expected native text, got %v", ev.Kind)
			}
			if ev.Text != tc.text {
				t.Errorf("expected %q, got %q", tc.text, ev.Text)
			}
		})
	}
}

func TestClassifyResponseIDExtraction(t *testing.T) {
	ev := classifyLine(t, `{"id":"resp-1","delta":"x"}`)
	if ev.ResponseID != "resp-1" {
		t.Errorf("expected id 'resp-1', got %q", ev.ResponseID)
	}

	ev = classifyLine(t, `{"response_id":"resp-2","type":"response.output_text.delta","delta":"x"}`)
	if ev.ResponseID != "resp-2" {
		t.Errorf("expected fallback to response_id, got %q", ev.ResponseID)
	}

	ev = classifyLine(t, `{"id":"wins","response_id":"loses"}`)
	if ev.ResponseID != "wins" {
		t.Errorf("id must win over response_id, got %q", ev.ResponseID)
	}
}

func TestClassifyUnrecognizedStillCarriesID(t *testing.T) {
	ev := classifyLine(t, `{"type":"response.created","response_id":"resp-3"}`)
	if ev.Kind != EventUnrecognized {
		t.Fatalf("expected unrecognized event, got %v", ev.Kind)
	}
	if ev.ResponseID != "resp-3" {
		t.Errorf("expected response id extraction on unrecognized events, got %q", ev.ResponseID)
	}
}

func TestClassifyCompletionsRequiresDeltaObject(t *testing.T) {
	// object without a delta falls through; a bare output_text should then
	// match the native dialect instead.
	ev := classifyLine(t, `{"object":"response.chunk","output_text":"hi"}`)
	if ev.Kind != EventNativeText || ev.Text != "hi" {
		t.Fatalf("expected native fallback, got %+v", ev)
	}
}
