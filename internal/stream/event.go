// Package stream implements the streaming chat response parser: it consumes
// the chunked, line-delimited JSON event stream emitted by the RAG backend,
// reconciles the three wire dialects the backend may speak, and builds an
// incrementally growing assistant message out of the deltas.
package stream

import "strings"

// EventKind identifies which wire dialect a parsed event belongs to.
type EventKind int

const (
	// EventUnrecognized carries no content for the transcript. The event may
	// still contribute a response id.
	EventUnrecognized EventKind = iota

	// EventCompletionsDelta is the Chat Completions chunk dialect:
	// object == "response.chunk" with a delta object.
	EventCompletionsDelta

	// EventRealtimeItem is the Realtime item dialect: a type field naming an
	// output_item or output_text operation.
	EventRealtimeItem

	// EventNativeText is the backend-native fallback dialect: a bare
	// output_text string, or a delta that is a string or a {content|text}
	// object.
	EventNativeText
)

// RealtimeOp is the operation named by a Realtime dialect event.
type RealtimeOp int

const (
	RealtimeItemAdded RealtimeOp = iota
	RealtimeItemDone
	RealtimeTextDelta
)

// Event is the tagged union produced by classifyEvent. Exactly one of the
// dialect payloads is meaningful, selected by Kind; ResponseID is filled for
// every kind when the event carried one.
type Event struct {
	Kind       EventKind
	ResponseID string

	Delta    CompletionsDelta // EventCompletionsDelta
	Realtime RealtimeEvent    // EventRealtimeItem
	Text     string           // EventNativeText
}

// CompletionsDelta is the content of one Chat Completions chunk. A chunk
// carries either call fragments or text content, never both; finish may
// co-occur with either.
type CompletionsDelta struct {
	Content string
	Calls   []CallDelta
	Finish  bool
}

// CallDelta is one function/tool-call fragment. A fragment with HasName set
// starts a new call; otherwise it continues the most recent call's argument
// text.
type CallDelta struct {
	HasName   bool
	Name      string
	Arguments string
}

// RealtimeEvent is the content of one Realtime dialect event.
type RealtimeEvent struct {
	Op   RealtimeOp
	Text string       // RealtimeTextDelta
	Item RealtimeItem // RealtimeItemAdded / RealtimeItemDone
}

// RealtimeItem is the item payload of an output_item event.
type RealtimeItem struct {
	ID         string
	Type       string
	Name       string
	ToolName   string
	Status     string
	Inputs     map[string]any
	HasInputs  bool
	Results    any
	HasResults bool
}

// IsCall reports whether the item describes a tool/function invocation.
func (it RealtimeItem) IsCall() bool {
	return strings.HasSuffix(it.Type, "_call")
}

// DisplayName resolves the best available name for the item's call, in the
// order the backend populates them.
func (it RealtimeItem) DisplayName() string {
	if it.ToolName != "" {
		return it.ToolName
	}
	if it.Name != "" {
		return it.Name
	}
	return it.Type
}

// classifyEvent interprets one parsed JSON event against the three dialects,
// in precedence order: Chat Completions chunk, Realtime item, backend-native
// text. Response-id extraction runs for every event regardless of dialect:
// id wins over response_id, and later events overwrite earlier ones.
func classifyEvent(payload map[string]any) Event {
	ev := Event{Kind: EventUnrecognized}

	if id := asString(payload["id"]); id != "" {
		ev.ResponseID = id
	} else if id := asString(payload["response_id"]); id != "" {
		ev.ResponseID = id
	}

	if asString(payload["object"]) == "response.chunk" {
		if delta, ok := payload["delta"].(map[string]any); ok {
			ev.Kind = EventCompletionsDelta
			ev.Delta = classifyCompletionsDelta(delta)
			return ev
		}
	}

	switch asString(payload["type"]) {
	case "response.output_item.added":
		ev.Kind = EventRealtimeItem
		ev.Realtime = RealtimeEvent{Op: RealtimeItemAdded, Item: classifyRealtimeItem(payload["item"])}
		return ev
	case "response.output_item.done":
		ev.Kind = EventRealtimeItem
		ev.Realtime = RealtimeEvent{Op: RealtimeItemDone, Item: classifyRealtimeItem(payload["item"])}
		return ev
	case "response.output_text.delta":
		ev.Kind = EventRealtimeItem
		ev.Realtime = RealtimeEvent{Op: RealtimeTextDelta, Text: asString(payload["delta"])}
		return ev
	}

	if text, ok := payload["output_text"].(string); ok {
		ev.Kind = EventNativeText
		ev.Text = text
		return ev
	}
	switch delta := payload["delta"].(type) {
	case string:
		ev.Kind = EventNativeText
		ev.Text = delta
		return ev
	case map[string]any:
		if text, ok := delta["content"].(string); ok {
			ev.Kind = EventNativeText
			ev.Text = text
			return ev
		}
		if text, ok := delta["text"].(string); ok {
			ev.Kind = EventNativeText
			ev.Text = text
			return ev
		}
	}

	return ev
}

// classifyCompletionsDelta maps a delta object onto call fragments or text
// content. The first matching shape wins: a function_call start, a
// function_call argument continuation, a tool_calls array, then plain
// content. finish_reason is checked independently since it can ride along
// with any of them.
func classifyCompletionsDelta(delta map[string]any) CompletionsDelta {
	out := CompletionsDelta{}

	if _, ok := delta["finish_reason"]; ok && delta["finish_reason"] != nil {
		out.Finish = true
	}

	if fc, ok := delta["function_call"].(map[string]any); ok {
		if name := asString(fc["name"]); name != "" {
			out.Calls = []CallDelta{{HasName: true, Name: name, Arguments: asString(fc["arguments"])}}
			return out
		}
		if args, ok := fc["arguments"].(string); ok {
			out.Calls = []CallDelta{{Arguments: args}}
			return out
		}
	}

	if toolCalls, ok := delta["tool_calls"].([]any); ok {
		for _, raw := range toolCalls {
			entry, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			fn, ok := entry["function"].(map[string]any)
			if !ok {
				continue
			}
			if name := asString(fn["name"]); name != "" {
				out.Calls = append(out.Calls, CallDelta{HasName: true, Name: name, Arguments: asString(fn["arguments"])})
			} else if args, ok := fn["arguments"].(string); ok {
				out.Calls = append(out.Calls, CallDelta{Arguments: args})
			}
		}
		if len(out.Calls) > 0 {
			return out
		}
	}

	if content, ok := delta["content"].(string); ok {
		out.Content = content
	}
	return out
}

func classifyRealtimeItem(raw any) RealtimeItem {
	payload, _ := raw.(map[string]any)
	if payload == nil {
		return RealtimeItem{}
	}

	item := RealtimeItem{
		ID:       asString(payload["id"]),
		Type:     asString(payload["type"]),
		Name:     asString(payload["name"]),
		ToolName: asString(payload["tool_name"]),
		Status:   asString(payload["status"]),
	}
	if inputs, ok := payload["inputs"].(map[string]any); ok {
		item.Inputs = inputs
		item.HasInputs = true
	}
	if results, ok := payload["results"]; ok && results != nil {
		item.Results = results
		item.HasResults = true
	}
	return item
}

// asString returns v when it is a string and "" otherwise. Content deltas
// are never trimmed; whitespace in streamed text is significant.
func asString(v any) string {
	s, _ := v.(string)
	return s
}
