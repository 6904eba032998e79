package server_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-assistant/core"
	"github.com/becomeliminal/nim-assistant/engine"
	"github.com/becomeliminal/nim-assistant/index/chromem"
	"github.com/becomeliminal/nim-assistant/knowledge"
	"github.com/becomeliminal/nim-assistant/memory"
	"github.com/becomeliminal/nim-assistant/memory/embedder/mock"
	"github.com/becomeliminal/nim-assistant/metrics"
	"github.com/becomeliminal/nim-assistant/oracle"
	"github.com/becomeliminal/nim-assistant/server"
	"github.com/becomeliminal/nim-assistant/session"
	"github.com/becomeliminal/nim-assistant/tools"
)

type fixture struct {
	srv      *httptest.Server
	sessions *session.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	emb := mock.New()
	store := memory.NewStore(memory.NewMemRepository(), emb, chromem.NewRegistry(), nil)

	idx, err := chromem.New(knowledge.Namespace)
	require.NoError(t, err)
	repo := knowledge.NewMemChunkRepository()

	m := metrics.New()
	eng, err := engine.New(oracle.Offline{},
		engine.WithMemory(store),
		engine.WithKnowledge(knowledge.NewRetriever(repo, emb, idx, knowledge.LexicalScorer{}, nil)),
		engine.WithTools(tools.NewExecutor(tools.DefaultRegistry(), tools.WithObserver(m.ToolObserver()))),
		engine.WithMetrics(m),
	)
	require.NoError(t, err)

	sessions := session.NewMemoryStore(time.Hour)
	s, err := server.New(server.Config{
		Engine:   eng,
		Sessions: sessions,
		Ingestor: knowledge.NewIngestor(repo, emb, idx, nil),
		Metrics:  m,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, sessions: sessions}
}

// chat posts to /chat and decodes the SSE stream.
func (f *fixture) chat(t *testing.T, req server.ChatRequest) []core.Event {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	resp, err := f.srv.Client().Post(f.srv.URL+"/chat", "application/json", strings.NewReader(string(body)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var events []core.Event
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		data, ok := strings.CutPrefix(sc.Text(), "data: ")
		if !ok {
			continue
		}
		var ev core.Event
		require.NoError(t, json.Unmarshal([]byte(data), &ev))
		events = append(events, ev)
	}
	return events
}

func tokens(events []core.Event) string {
	var sb strings.Builder
	for _, ev := range events {
		if ev.Type == core.EventToken {
			sb.WriteString(ev.Value)
		}
	}
	return sb.String()
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp, err := f.srv.Client().Get(f.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestChatStreamsAndPersistsSession(t *testing.T) {
	f := newFixture(t)

	events := f.chat(t, server.ChatRequest{OwnerID: "u1", Message: "Remember that I prefer window seats"})
	require.NotEmpty(t, events)
	assert.Equal(t, server.EventSession, events[0].Type)
	assert.Equal(t, server.EventDone, events[len(events)-1].Type)
	sessionID := events[0].Value

	var sawMemory bool
	for _, ev := range events {
		sawMemory = sawMemory || ev.Type == core.EventMemory
	}
	assert.True(t, sawMemory)

	events = f.chat(t, server.ChatRequest{SessionID: sessionID, OwnerID: "u1", Message: "What seats do I prefer?"})
	assert.Equal(t, sessionID, events[0].Value)
	assert.Contains(t, tokens(events), "window seats")

	s, err := f.sessions.Get(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Len(t, s.TurnHistory, 4)
}

func TestChatRejectsBadRequests(t *testing.T) {
	f := newFixture(t)
	post := func(body string) int {
		resp, err := f.srv.Client().Post(f.srv.URL+"/chat", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusBadRequest, post(`{"message":"hi"}`))
	assert.Equal(t, http.StatusBadRequest, post(`not json`))
	assert.Equal(t, http.StatusBadRequest, post(`{"owner_id":"u1","message":"hi","categories":["gossip"]}`))

	events := f.chat(t, server.ChatRequest{OwnerID: "u1", Message: "hello there"})
	sessionID := events[0].Value
	assert.Equal(t, http.StatusForbidden, post(`{"owner_id":"u2","session_id":"`+sessionID+`","message":"hi"}`))
}

func TestWebsocketConversation(t *testing.T) {
	f := newFixture(t)
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	readTurn := func() []core.Event {
		var events []core.Event
		for {
			require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
			var ev core.Event
			require.NoError(t, conn.ReadJSON(&ev))
			events = append(events, ev)
			if ev.Type == server.EventDone || ev.Type == core.EventError {
				return events
			}
		}
	}

	require.NoError(t, conn.WriteJSON(server.ChatRequest{OwnerID: "u1", Message: "I want to add a property"}))
	events := readTurn()
	sessionID := events[0].Value
	assert.Contains(t, tokens(events), "Before saving the property")

	require.NoError(t, conn.WriteJSON(server.ChatRequest{SessionID: sessionID, OwnerID: "u1", Message: "cancel"}))
	events = readTurn()
	assert.Equal(t, engine.CancelledMessage, tokens(events))

	require.NoError(t, conn.WriteJSON(server.ChatRequest{Message: "no owner"}))
	events = readTurn()
	require.Len(t, events, 1)
	assert.Equal(t, core.EventError, events[0].Type)
}

func TestKnowledgeEndpoints(t *testing.T) {
	f := newFixture(t)
	post := func(body string) (int, map[string]any) {
		resp, err := f.srv.Client().Post(f.srv.URL+"/knowledge", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close()
		var out map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		return resp.StatusCode, out
	}

	doc := `{"title":"Refunds","category":"policy","body":"Refunds are issued within 30 days."}`
	status, out := post(doc)
	require.Equal(t, http.StatusCreated, status)
	docID := out["document_id"].(string)
	assert.Equal(t, 1.0, out["chunks"])

	status, out = post(doc)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, docID, out["document_id"])

	status, _ = post(`{"title":"Other","category":"gossip","body":"x"}`)
	assert.Equal(t, http.StatusBadRequest, status)

	events := f.chat(t, server.ChatRequest{OwnerID: "u1", Message: "when are refunds issued"})
	assert.Contains(t, tokens(events), "30 days")

	del := func() int {
		req, err := http.NewRequest(http.MethodDelete, f.srv.URL+"/knowledge/"+docID, nil)
		require.NoError(t, err)
		resp, err := f.srv.Client().Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		return resp.StatusCode
	}
	assert.Equal(t, http.StatusNoContent, del())
	assert.Equal(t, http.StatusNotFound, del())
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.chat(t, server.ChatRequest{OwnerID: "u1", Message: "what is 2 + 2"})

	resp, err := f.srv.Client().Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `assistant_turns_total{outcome="answered"} 1`)
	assert.Contains(t, string(body), `assistant_tool_executions_total{action="calculator",outcome="success"} 1`)
}
