package stream

import (
	"encoding/json"
	"strings"
	"time"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// CallStatus is the lifecycle state of a FunctionCall.
type CallStatus string

const (
	CallPending   CallStatus = "pending"
	CallCompleted CallStatus = "completed"
	CallError     CallStatus = "error"
)

// FunctionCall is one tool/function invocation surfaced by the model.
// ArgumentsString accumulates raw argument fragments while the call is
// pending; Arguments is set once the payload parses. A call is immutable
// once Status leaves CallPending, except that Result may attach in the same
// event that completes it.
type FunctionCall struct {
	ID              string         `json:"id,omitempty"`
	Name            string         `json:"name"`
	Type            string         `json:"type,omitempty"`
	Arguments       map[string]any `json:"arguments,omitempty"`
	ArgumentsString string         `json:"argumentsString,omitempty"`
	Status          CallStatus     `json:"status"`
	Result          any            `json:"result,omitempty"`
}

// Message is one turn in a conversation. Content and FunctionCalls grow
// monotonically while IsStreaming is true and are immutable afterwards.
type Message struct {
	Role          Role           `json:"role"`
	Content       string         `json:"content"`
	Timestamp     time.Time      `json:"timestamp"`
	FunctionCalls []FunctionCall `json:"functionCalls,omitempty"`
	IsStreaming   bool           `json:"isStreaming"`
}

// Transcript accumulates classified events into the in-progress assistant
// message for one stream. Calls are correlated by upstream id where one has
// been issued, falling back to a reverse scan for a pending, unidentified
// call with a matching name.
type Transcript struct {
	started    time.Time
	content    strings.Builder
	calls      []FunctionCall
	callByID   map[string]int
	responseID string
}

func NewTranscript() *Transcript {
	return &Transcript{
		started:  time.Now(),
		callByID: make(map[string]int),
	}
}

// Apply folds one event into the transcript and reports whether any
// renderable state changed.
func (t *Transcript) Apply(ev Event) bool {
	if ev.ResponseID != "" {
		t.responseID = ev.ResponseID
	}

	switch ev.Kind {
	case EventCompletionsDelta:
		return t.applyCompletions(ev.Delta)
	case EventRealtimeItem:
		return t.applyRealtime(ev.Realtime)
	case EventNativeText:
		return t.appendContent(ev.Text)
	default:
		return false
	}
}

// ResponseID returns the most recent conversation/response identifier seen
// in the stream, or "" when no event carried one.
func (t *Transcript) ResponseID() string {
	return t.responseID
}

// Snapshot returns the accumulated state as a still-streaming message.
func (t *Transcript) Snapshot() Message {
	return Message{
		Role:          RoleAssistant,
		Content:       t.content.String(),
		Timestamp:     t.started,
		FunctionCalls: t.copyCalls(),
		IsStreaming:   true,
	}
}

// Finalize seals the transcript into an immutable message.
func (t *Transcript) Finalize() Message {
	return Message{
		Role:          RoleAssistant,
		Content:       t.content.String(),
		Timestamp:     t.started,
		FunctionCalls: t.copyCalls(),
		IsStreaming:   false,
	}
}

func (t *Transcript) copyCalls() []FunctionCall {
	if len(t.calls) == 0 {
		return nil
	}
	out := make([]FunctionCall, len(t.calls))
	copy(out, t.calls)
	return out
}

func (t *Transcript) appendContent(text string) bool {
	if text == "" {
		return false
	}
	t.content.WriteString(text)
	return true
}

func (t *Transcript) applyCompletions(delta CompletionsDelta) bool {
	changed := false

	for _, call := range delta.Calls {
		if call.HasName {
			t.calls = append(t.calls, FunctionCall{
				Name:            call.Name,
				Status:          CallPending,
				ArgumentsString: call.Arguments,
			})
			changed = true
			continue
		}
		if t.continueLastCall(call.Arguments) {
			changed = true
		}
	}

	if delta.Content != "" && t.appendContent(delta.Content) {
		changed = true
	}

	if delta.Finish && t.flushPendingCalls() {
		changed = true
	}

	return changed
}

// continueLastCall appends an argument fragment to the most recent call and
// attempts a parse once the accumulated text could plausibly be complete.
func (t *Transcript) continueLastCall(fragment string) bool {
	if len(t.calls) == 0 {
		return false
	}
	call := &t.calls[len(t.calls)-1]
	if call.Status != CallPending {
		return false
	}

	call.ArgumentsString += fragment
	if strings.Contains(call.ArgumentsString, "}") {
		if args, ok := parseArguments(call.ArgumentsString); ok {
			call.Arguments = args
			call.Status = CallCompleted
		}
	}
	return true
}

// flushPendingCalls forces every pending call with accumulated argument text
// to a terminal state when the stream signals a finish reason.
func (t *Transcript) flushPendingCalls() bool {
	changed := false
	for i := range t.calls {
		call := &t.calls[i]
		if call.Status != CallPending || call.ArgumentsString == "" {
			continue
		}
		if args, ok := parseArguments(call.ArgumentsString); ok {
			call.Arguments = args
			call.Status = CallCompleted
		} else {
			call.Arguments = map[string]any{"raw": call.ArgumentsString}
			call.Status = CallError
		}
		changed = true
	}
	return changed
}

func (t *Transcript) applyRealtime(ev RealtimeEvent) bool {
	switch ev.Op {
	case RealtimeTextDelta:
		return t.appendContent(ev.Text)
	case RealtimeItemAdded:
		return t.applyItemAdded(ev.Item)
	case RealtimeItemDone:
		return t.applyItemDone(ev.Item)
	}
	return false
}

// applyItemAdded stitches an upstream-announced call to a locally pending
// one, or records a new pending call when nothing matches.
func (t *Transcript) applyItemAdded(item RealtimeItem) bool {
	if !item.IsCall() {
		return false
	}

	idx := t.locateByID(item.ID)
	if idx < 0 {
		idx = t.locatePendingByName(item.DisplayName())
	}
	if idx >= 0 {
		call := &t.calls[idx]
		if item.ID != "" {
			call.ID = item.ID
			t.callByID[item.ID] = idx
		}
		if item.Type != "" {
			call.Type = item.Type
		}
		if name := item.DisplayName(); name != "" {
			call.Name = name
		}
		if item.HasInputs {
			call.Arguments = item.Inputs
		}
		return true
	}

	call := FunctionCall{
		ID:     item.ID,
		Type:   item.Type,
		Status: CallPending,
	}
	if call.Name = item.DisplayName(); call.Name == "" {
		call.Name = "unknown"
	}
	if item.HasInputs {
		call.Arguments = item.Inputs
	}
	t.calls = append(t.calls, call)
	if item.ID != "" {
		t.callByID[item.ID] = len(t.calls) - 1
	}
	return true
}

// applyItemDone resolves a call to its terminal state. When neither the id
// nor the fuzzy name match finds a home, the done event is recorded as a new
// call outright: the upstream occasionally emits done without a preceding
// added.
func (t *Transcript) applyItemDone(item RealtimeItem) bool {
	if !item.IsCall() {
		return false
	}

	idx := t.locateByID(item.ID)
	if idx < 0 {
		idx = t.locateFuzzy(item)
	}

	status := CallError
	if item.Status == "completed" {
		status = CallCompleted
	}

	if idx >= 0 {
		call := &t.calls[idx]
		if item.HasInputs {
			call.Arguments = item.Inputs
		}
		call.Status = status
		if item.HasResults {
			call.Result = item.Results
		}
		return true
	}

	call := FunctionCall{
		ID:     item.ID,
		Type:   item.Type,
		Status: status,
		Result: item.Results,
	}
	if call.Name = item.DisplayName(); call.Name == "" {
		call.Name = "unknown"
	}
	if item.HasInputs {
		call.Arguments = item.Inputs
	}
	t.calls = append(t.calls, call)
	if item.ID != "" {
		t.callByID[item.ID] = len(t.calls) - 1
	}
	return true
}

func (t *Transcript) locateByID(id string) int {
	if id == "" {
		return -1
	}
	if idx, ok := t.callByID[id]; ok {
		return idx
	}
	return -1
}

// locatePendingByName scans newest-first for a pending call that has not yet
// been assigned an upstream id and whose name matches.
func (t *Transcript) locatePendingByName(name string) int {
	if name == "" {
		return -1
	}
	for i := len(t.calls) - 1; i >= 0; i-- {
		if t.calls[i].Status == CallPending && t.calls[i].ID == "" && t.calls[i].Name == name {
			return i
		}
	}
	return -1
}

// locateFuzzy matches a done item against existing calls by name, tool name,
// or a substring match on the item type with its "_call" suffix stripped.
// The heuristic can mismatch concurrent same-named calls; it mirrors the
// backend's observed behavior and is kept as-is.
func (t *Transcript) locateFuzzy(item RealtimeItem) int {
	base := strings.TrimSuffix(item.Type, "_call")
	for i := len(t.calls) - 1; i >= 0; i-- {
		name := t.calls[i].Name
		if name == "" {
			continue
		}
		if (item.ToolName != "" && name == item.ToolName) || (item.Name != "" && name == item.Name) {
			return i
		}
		if base != "" && (strings.Contains(name, base) || strings.Contains(base, name)) {
			return i
		}
	}
	return -1
}

func parseArguments(raw string) (map[string]any, bool) {
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, false
	}
	return args, true
}
