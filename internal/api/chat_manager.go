package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aruiz/ragrelay/internal/db"
	"github.com/aruiz/ragrelay/internal/stream"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrChatTurnBusy         = errors.New("chat turn already running")
)

const chatSubBufferSize = 256

// maxDerivedTitleLen bounds titles derived from the first prompt.
const maxDerivedTitleLen = 80

type ChatTurnResult struct {
	ConversationID string
	Err            error
	Interrupted    bool
}

type StartChatTurnInput struct {
	ConversationID string
	Prompt         string
	Filters        *stream.Filters
	Limit          int
	ScoreThreshold float64
}

// RetrievalDefaults are applied to a turn when the request leaves the
// corresponding field unset.
type RetrievalDefaults struct {
	Limit          int
	ScoreThreshold float64
	Filters        *stream.Filters
}

// BackendOptions configures how the manager talks to the chat backend.
type BackendOptions struct {
	ChatURL        string
	RequestTimeout time.Duration
}

type conversationState struct {
	id string

	mu             sync.Mutex
	lastResponseID string
	seq            int64
	messages       []ChatMessage
	subs           map[uint64]chan ChatMessage
	nextSub        uint64

	running     bool
	client      *stream.Client
	streamMsgID string
	streaming   *ChatMessage
	resultCh    chan ChatTurnResult
}

// ChatManager owns the in-memory state of every active conversation: the
// replayable transcript, the streaming turn in flight and the set of
// attached websocket subscribers.
type ChatManager struct {
	db       *db.DB
	backend  BackendOptions
	defaults RetrievalDefaults

	mu            sync.RWMutex
	conversations map[string]*conversationState
}

func NewChatManager(database *db.DB, backend BackendOptions, defaults RetrievalDefaults) *ChatManager {
	return &ChatManager{
		db:            database,
		backend:       backend,
		defaults:      defaults,
		conversations: make(map[string]*conversationState),
	}
}

// RemoveConversation drops the in-memory state for a conversation, aborting
// any turn in flight. Persisted history is untouched.
func (m *ChatManager) RemoveConversation(conversationID string) {
	m.mu.Lock()
	state, ok := m.conversations[conversationID]
	delete(m.conversations, conversationID)
	m.mu.Unlock()
	if !ok {
		return
	}

	state.mu.Lock()
	client := state.client
	state.mu.Unlock()
	if client != nil {
		client.AbortStream()
	}
}

// Interrupt aborts the turn currently streaming for a conversation. It
// reports whether there was a turn to interrupt. The aborted stream produces
// no further snapshots; the manager records the interruption itself.
func (m *ChatManager) Interrupt(conversationID string) bool {
	state, err := m.ensureConversation(conversationID)
	if err != nil {
		return false
	}

	state.mu.Lock()
	if !state.running || state.client == nil {
		state.mu.Unlock()
		return false
	}
	client := state.client
	state.mu.Unlock()

	client.AbortStream()

	resultCh := m.finishTurn(state)
	if resultCh == nil {
		// A completion raced the interrupt and already finished the turn.
		return false
	}

	m.appendMessage(state, ChatMessage{
		Kind:      ChatMessageKindSystem,
		Text:      "Interrupted",
		Data:      map[string]any{"type": "interrupt"},
		CreatedAt: time.Now().UTC(),
	})

	resultCh <- ChatTurnResult{ConversationID: conversationID, Interrupted: true}
	close(resultCh)
	return true
}

// Attach returns the transcript snapshot (including the in-flight streaming
// message, if any) plus a live channel of subsequent updates and a cancel
// function that detaches the subscriber.
func (m *ChatManager) Attach(conversationID string) ([]ChatMessage, <-chan ChatMessage, func(), error) {
	state, err := m.ensureConversation(conversationID)
	if err != nil {
		return nil, nil, nil, err
	}

	state.mu.Lock()
	snapshot := make([]ChatMessage, len(state.messages))
	copy(snapshot, state.messages)
	if state.streaming != nil {
		snapshot = append(snapshot, *state.streaming)
	}

	subID := state.nextSub
	state.nextSub++
	ch := make(chan ChatMessage, chatSubBufferSize)
	state.subs[subID] = ch
	state.mu.Unlock()

	cancel := func() {
		state.mu.Lock()
		if existing, ok := state.subs[subID]; ok {
			close(existing)
			delete(state.subs, subID)
		}
		state.mu.Unlock()
	}

	return snapshot, ch, cancel, nil
}

// StartTurn records the user prompt and begins streaming the assistant
// response. At most one turn runs per conversation; a second StartTurn while
// one is in flight returns ErrChatTurnBusy.
func (m *ChatManager) StartTurn(input StartChatTurnInput) (<-chan ChatTurnResult, error) {
	prompt := strings.TrimSpace(input.Prompt)
	if prompt == "" {
		return nil, fmt.Errorf("prompt is required")
	}

	state, err := m.ensureConversation(input.ConversationID)
	if err != nil {
		return nil, err
	}

	opts := m.turnOptions(state, input)

	resultCh := make(chan ChatTurnResult, 1)
	streamMsgID := db.NewID()
	client := stream.NewClientWithTimeout(m.backend.ChatURL, stream.Handlers{
		OnSnapshot: func(snapshot stream.Message) {
			m.publishStreaming(state, streamMsgID, snapshot)
		},
		OnComplete: func(final stream.Message, responseID string) {
			m.completeTurn(state, final, responseID)
		},
		OnError: func(err error) {
			m.failTurn(state, err)
		},
	}, m.backend.RequestTimeout)

	state.mu.Lock()
	if state.running {
		state.mu.Unlock()
		return nil, ErrChatTurnBusy
	}
	state.running = true
	state.client = client
	state.streamMsgID = streamMsgID
	state.streaming = nil
	state.resultCh = resultCh
	state.mu.Unlock()

	m.appendMessage(state, ChatMessage{
		Kind:      ChatMessageKindUserText,
		Role:      "user",
		Text:      prompt,
		CreatedAt: time.Now().UTC(),
	})
	m.maybeDeriveTitle(state, prompt)

	client.StartStream(context.Background(), prompt, opts)
	return resultCh, nil
}

// turnOptions merges per-request retrieval settings with the configured
// defaults and threads the previous response id for conversation continuity.
func (m *ChatManager) turnOptions(state *conversationState, input StartChatTurnInput) stream.Options {
	state.mu.Lock()
	previous := state.lastResponseID
	state.mu.Unlock()

	opts := stream.Options{
		PreviousResponseID: previous,
		Filters:            input.Filters,
		Limit:              input.Limit,
		ScoreThreshold:     input.ScoreThreshold,
	}
	if opts.Filters == nil {
		opts.Filters = m.defaults.Filters
	}
	if opts.Limit == 0 {
		opts.Limit = m.defaults.Limit
	}
	if opts.ScoreThreshold == 0 {
		opts.ScoreThreshold = m.defaults.ScoreThreshold
	}
	return opts
}

// publishStreaming broadcasts the in-progress assistant message under a
// stable id so clients replace rather than append on every update. It is
// never persisted; only the finalized message reaches the database.
func (m *ChatManager) publishStreaming(state *conversationState, streamMsgID string, snapshot stream.Message) {
	msg := ChatMessage{
		ID:             streamMsgID,
		ConversationID: state.id,
		Kind:           ChatMessageKindAgentText,
		Role:           "assistant",
		Text:           snapshot.Content,
		FunctionCalls:  snapshot.FunctionCalls,
		IsStreaming:    snapshot.IsStreaming,
		CreatedAt:      snapshot.Timestamp,
	}

	state.mu.Lock()
	if state.streamMsgID != streamMsgID {
		state.mu.Unlock()
		return
	}
	if msg.IsStreaming {
		state.streaming = &msg
	} else {
		state.streaming = nil
	}
	subs := collectSubs(state)
	state.mu.Unlock()

	broadcast(subs, msg)
}

func (m *ChatManager) completeTurn(state *conversationState, final stream.Message, responseID string) {
	resultCh := m.finishTurn(state)
	if resultCh == nil {
		return
	}

	m.appendMessage(state, ChatMessage{
		Kind:          ChatMessageKindAgentText,
		Role:          "assistant",
		Text:          final.Content,
		FunctionCalls: final.FunctionCalls,
		CreatedAt:     final.Timestamp,
	})

	if responseID != "" {
		state.mu.Lock()
		state.lastResponseID = responseID
		state.mu.Unlock()
		if err := m.db.UpdateConversationResponseID(state.id, &responseID); err != nil && !errors.Is(err, db.ErrNotFound) {
			slog.Warn("failed to persist response id", "conversation_id", state.id, "error", err)
		}
	}

	resultCh <- ChatTurnResult{ConversationID: state.id}
	close(resultCh)
}

func (m *ChatManager) failTurn(state *conversationState, err error) {
	resultCh := m.finishTurn(state)
	if resultCh == nil {
		return
	}

	m.appendMessage(state, ChatMessage{
		Kind:      ChatMessageKindSystem,
		Text:      stream.ConnectFailureText,
		Data:      map[string]any{"type": "error", "detail": err.Error()},
		CreatedAt: time.Now().UTC(),
	})

	resultCh <- ChatTurnResult{ConversationID: state.id, Err: err}
	close(resultCh)
}

// finishTurn clears the running turn and returns its result channel, or nil
// when the turn was already finished by a concurrent completion/interrupt.
func (m *ChatManager) finishTurn(state *conversationState) chan ChatTurnResult {
	state.mu.Lock()
	if !state.running {
		state.mu.Unlock()
		return nil
	}
	state.running = false
	state.client = nil
	state.streamMsgID = ""
	state.streaming = nil
	resultCh := state.resultCh
	state.resultCh = nil
	state.mu.Unlock()
	return resultCh
}

func (m *ChatManager) appendMessage(state *conversationState, msg ChatMessage) (ChatMessage, error) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.ConversationID = state.id
	msg.IsStreaming = false

	state.mu.Lock()
	state.seq++
	msg.Seq = state.seq
	subs := collectSubs(state)
	state.mu.Unlock()

	payload, err := json.Marshal(msg)
	if err != nil {
		return ChatMessage{}, err
	}

	row, err := m.db.CreateMessage(db.CreateMessageInput{
		ConversationID: state.id,
		Seq:            msg.Seq,
		Kind:           string(msg.Kind),
		PayloadJSON:    string(payload),
	})
	if err != nil {
		slog.Warn("failed to persist chat message", "conversation_id", state.id, "seq", msg.Seq, "error", err)
		msg.ID = db.NewID()
	} else {
		msg.ID = row.ID
	}

	state.mu.Lock()
	state.messages = append(state.messages, msg)
	state.mu.Unlock()

	broadcast(subs, msg)
	return msg, nil
}

// maybeDeriveTitle names an untitled conversation after its first prompt.
func (m *ChatManager) maybeDeriveTitle(state *conversationState, prompt string) {
	conv, err := m.db.GetConversation(state.id)
	if err != nil || conv.Title != "" {
		return
	}
	title := prompt
	if runes := []rune(title); len(runes) > maxDerivedTitleLen {
		title = string(runes[:maxDerivedTitleLen])
	}
	if err := m.db.UpdateConversationTitle(state.id, title); err != nil {
		slog.Warn("failed to derive conversation title", "conversation_id", state.id, "error", err)
	}
}

func (m *ChatManager) ensureConversation(conversationID string) (*conversationState, error) {
	m.mu.RLock()
	if state, ok := m.conversations[conversationID]; ok {
		m.mu.RUnlock()
		return state, nil
	}
	m.mu.RUnlock()

	conv, err := m.db.GetConversation(conversationID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}

	rows, err := m.db.ListMessagesByConversation(conversationID)
	if err != nil {
		return nil, err
	}

	state := &conversationState{
		id:   conversationID,
		subs: make(map[uint64]chan ChatMessage),
	}
	if conv.LastResponseID != nil {
		state.lastResponseID = *conv.LastResponseID
	}

	for _, row := range rows {
		var msg ChatMessage
		if err := json.Unmarshal([]byte(row.PayloadJSON), &msg); err != nil {
			continue
		}
		if msg.ID == "" {
			msg.ID = row.ID
		}
		if msg.Seq == 0 {
			msg.Seq = row.Seq
		}
		msg.ConversationID = conversationID
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = row.CreatedAt
		}
		state.messages = append(state.messages, msg)
		if msg.Seq > state.seq {
			state.seq = msg.Seq
		}
	}

	m.mu.Lock()
	if existing, ok := m.conversations[conversationID]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.conversations[conversationID] = state
	m.mu.Unlock()
	return state, nil
}

func collectSubs(state *conversationState) []chan ChatMessage {
	subs := make([]chan ChatMessage, 0, len(state.subs))
	for _, ch := range state.subs {
		subs = append(subs, ch)
	}
	return subs
}

func broadcast(subs []chan ChatMessage, msg ChatMessage) {
	for _, ch := range subs {
		select {
		case ch <- msg:
		default:
		}
	}
}
