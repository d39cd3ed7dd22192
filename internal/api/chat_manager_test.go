package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aruiz/ragrelay/internal/db"
)

func openChatTestDB(t *testing.T) *db.DB {
	t.Helper()

	database, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() {
		_ = database.Close()
	})
	if err := database.Migrate(); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	return database
}

// setupChatManager wires a manager to a fake chat backend.
func setupChatManager(t *testing.T, backend http.HandlerFunc) (*ChatManager, string) {
	t.Helper()

	database := openChatTestDB(t)
	server := httptest.NewServer(backend)
	t.Cleanup(server.Close)

	conv, err := database.CreateConversation(db.CreateConversationInput{})
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	manager := NewChatManager(database, BackendOptions{ChatURL: server.URL}, RetrievalDefaults{})
	return manager, conv.ID
}

func ndjsonBackend(lines ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, _ := w.(http.Flusher)
		for _, line := range lines {
			w.Write([]byte(line + "\n"))
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

func waitTurn(t *testing.T, resultCh <-chan ChatTurnResult) ChatTurnResult {
	t.Helper()
	select {
	case result := <-resultCh:
		return result
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for turn result")
		return ChatTurnResult{}
	}
}

func TestChatManager_TurnPersistsUserAndAgentMessages(t *testing.T) {
	manager, convID := setupChatManager(t, ndjsonBackend(
		`{"id":"resp-1","delta":{"content":"Hel"}}`,
		`{"delta":{"content":"lo"}}`,
	))

	resultCh, err := manager.StartTurn(StartChatTurnInput{ConversationID: convID, Prompt: "hi"})
	if err != nil {
		t.Fatalf("start turn: %v", err)
	}
	result := waitTurn(t, resultCh)
	if result.Err != nil {
		t.Fatalf("unexpected turn error: %v", result.Err)
	}

	state, err := manager.ensureConversation(convID)
	if err != nil {
		t.Fatalf("ensure conversation: %v", err)
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if len(state.messages) != 2 {
		t.Fatalf("expected user + agent message, got %d", len(state.messages))
	}
	if state.messages[0].Kind != ChatMessageKindUserText || state.messages[0].Text != "hi" {
		t.Errorf("unexpected user message: %+v", state.messages[0])
	}
	if state.messages[1].Kind != ChatMessageKindAgentText || state.messages[1].Text != "Hello" {
		t.Errorf("unexpected agent message: %+v", state.messages[1])
	}
	if state.messages[1].IsStreaming {
		t.Error("persisted agent message must not be streaming")
	}
	if state.lastResponseID != "resp-1" {
		t.Errorf("expected response id 'resp-1' threaded, got %q", state.lastResponseID)
	}

	rows, err := manager.db.ListMessagesByConversation(convID)
	if err != nil {
		t.Fatalf("list persisted messages: %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("expected 2 persisted rows, got %d", len(rows))
	}
}

func TestChatManager_ResponseIDPersistedOnConversation(t *testing.T) {
	manager, convID := setupChatManager(t, ndjsonBackend(
		`{"response_id":"resp-7","delta":"ok"}`,
	))

	resultCh, _ := manager.StartTurn(StartChatTurnInput{ConversationID: convID, Prompt: "hi"})
	waitTurn(t, resultCh)

	conv, err := manager.db.GetConversation(convID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if conv.LastResponseID == nil || *conv.LastResponseID != "resp-7" {
		t.Errorf("expected persisted response id 'resp-7', got %v", conv.LastResponseID)
	}
}

func TestChatManager_SecondTurnWhileBusyIsRejected(t *testing.T) {
	release := make(chan struct{})
	manager, convID := setupChatManager(t, func(w http.ResponseWriter, r *http.Request) {
		flusher, _ := w.(http.Flusher)
		w.Write([]byte(`{"delta":"partial"}` + "\n"))
		if flusher != nil {
			flusher.Flush()
		}
		<-release
	})
	t.Cleanup(func() { close(release) })

	resultCh, err := manager.StartTurn(StartChatTurnInput{ConversationID: convID, Prompt: "first"})
	if err != nil {
		t.Fatalf("start turn: %v", err)
	}

	if _, err := manager.StartTurn(StartChatTurnInput{ConversationID: convID, Prompt: "second"}); err != ErrChatTurnBusy {
		t.Fatalf("expected ErrChatTurnBusy, got %v", err)
	}

	if !manager.Interrupt(convID) {
		t.Fatal("expected interrupt to land on the running turn")
	}
	result := waitTurn(t, resultCh)
	if !result.Interrupted {
		t.Error("expected interrupted result")
	}

	state, _ := manager.ensureConversation(convID)
	state.mu.Lock()
	defer state.mu.Unlock()
	last := state.messages[len(state.messages)-1]
	if last.Kind != ChatMessageKindSystem || last.Text != "Interrupted" {
		t.Errorf("expected trailing interrupt notice, got %+v", last)
	}
	if state.streaming != nil {
		t.Error("interrupt must clear the streaming placeholder")
	}
}

func TestChatManager_InterruptWithoutTurnIsNoop(t *testing.T) {
	manager, convID := setupChatManager(t, ndjsonBackend())

	if manager.Interrupt(convID) {
		t.Error("interrupt with no running turn must report false")
	}
}

func TestChatManager_TransportErrorAppendsSystemNotice(t *testing.T) {
	manager, convID := setupChatManager(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend down", http.StatusBadGateway)
	})

	resultCh, err := manager.StartTurn(StartChatTurnInput{ConversationID: convID, Prompt: "hi"})
	if err != nil {
		t.Fatalf("start turn: %v", err)
	}
	result := waitTurn(t, resultCh)
	if result.Err == nil {
		t.Fatal("expected a turn error")
	}

	state, _ := manager.ensureConversation(convID)
	state.mu.Lock()
	defer state.mu.Unlock()
	last := state.messages[len(state.messages)-1]
	if last.Kind != ChatMessageKindSystem {
		t.Fatalf("expected system notice, got %q", last.Kind)
	}
	if last.Data["type"] != "error" {
		t.Errorf("expected error metadata, got %v", last.Data)
	}
}

func TestChatManager_AttachStreamsStableStreamingID(t *testing.T) {
	manager, convID := setupChatManager(t, ndjsonBackend(
		`{"delta":"one "}`,
		`{"delta":"two"}`,
	))

	_, updates, cancel, err := manager.Attach(convID)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer cancel()

	resultCh, _ := manager.StartTurn(StartChatTurnInput{ConversationID: convID, Prompt: "hi"})
	waitTurn(t, resultCh)

	var streamID string
	var finalSeen bool
	deadline := time.After(3 * time.Second)
	for !finalSeen {
		select {
		case msg := <-updates:
			if msg.IsStreaming {
				if streamID == "" {
					streamID = msg.ID
				} else if msg.ID != streamID {
					t.Fatalf("streaming id changed mid-turn: %q then %q", streamID, msg.ID)
				}
			} else if msg.Kind == ChatMessageKindAgentText {
				if msg.ID == streamID {
					t.Error("finalized message must carry its own id")
				}
				if msg.Text != "one two" {
					t.Errorf("unexpected final text: %q", msg.Text)
				}
				finalSeen = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for finalized broadcast")
		}
	}
}

func TestChatManager_EnsureConversationRestoresHistory(t *testing.T) {
	manager, convID := setupChatManager(t, ndjsonBackend())

	_, err := manager.db.CreateMessage(db.CreateMessageInput{
		ConversationID: convID,
		Seq:            1,
		Kind:           string(ChatMessageKindAgentText),
		PayloadJSON: `{
			"id":"stored-1",
			"kind":"agent-text",
			"conversationId":"old-conversation-id",
			"text":"from history"
		}`,
	})
	if err != nil {
		t.Fatalf("create stored message: %v", err)
	}

	manager.RemoveConversation(convID)
	restored, err := manager.ensureConversation(convID)
	if err != nil {
		t.Fatalf("ensure conversation: %v", err)
	}
	if len(restored.messages) != 1 {
		t.Fatalf("expected 1 restored message, got %d", len(restored.messages))
	}
	if restored.messages[0].ConversationID != convID {
		t.Fatalf("expected restored conversationId %q, got %q", convID, restored.messages[0].ConversationID)
	}
	if restored.seq != 1 {
		t.Errorf("expected sequence restored to 1, got %d", restored.seq)
	}
}

func TestChatManager_TitleDerivedFromFirstPrompt(t *testing.T) {
	manager, convID := setupChatManager(t, ndjsonBackend(`{"delta":"ok"}`))

	resultCh, _ := manager.StartTurn(StartChatTurnInput{ConversationID: convID, Prompt: "where are the release notes?"})
	waitTurn(t, resultCh)

	conv, err := manager.db.GetConversation(convID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if conv.Title != "where are the release notes?" {
		t.Errorf("expected derived title, got %q", conv.Title)
	}
}
