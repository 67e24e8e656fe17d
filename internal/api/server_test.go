package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/aki/internal/agent"
	"github.com/nugget/aki/internal/compactor"
	"github.com/nugget/aki/internal/connwatch"
	"github.com/nugget/aki/internal/events"
	"github.com/nugget/aki/internal/gateway"
	"github.com/nugget/aki/internal/llm"
	"github.com/nugget/aki/internal/session"
	"github.com/nugget/aki/internal/tokens"
	"github.com/nugget/aki/internal/tools"
)

const testModel = "(anthropic)claude-3-7-sonnet-20250219"

// fakeLLM streams its reply word by word. When block is set it streams
// one token and then waits for cancellation.
type fakeLLM struct {
	reply   string
	block   bool
	started chan struct{}
	once    sync.Once
}

func (f *fakeLLM) Chat(ctx context.Context, req *llm.ChatRequest, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	if f.block {
		cb(llm.StreamEvent{Kind: llm.KindToken, Token: "thinking"})
		f.once.Do(func() { close(f.started) })
		<-ctx.Done()
		return nil, ctx.Err()
	}
	for _, w := range strings.SplitAfter(f.reply, " ") {
		if cb != nil {
			cb(llm.StreamEvent{Kind: llm.KindToken, Token: w})
		}
	}
	return &llm.ChatResponse{
		Model:      req.Model,
		Message:    llm.NewAIMessage(llm.TextBlock(f.reply)),
		Usage:      llm.Usage{InputTokens: 12, OutputTokens: 3},
		StopReason: "end_turn",
	}, nil
}

func (f *fakeLLM) Ping(context.Context) error { return nil }

type testServer struct {
	srv   *Server
	store *session.SQLiteStore
	bus   *events.Bus
	llm   *fakeLLM
}

func newTestServer(t *testing.T, client *fakeLLM) *testServer {
	t.Helper()
	if client.started == nil {
		client.started = make(chan struct{})
	}
	router := llm.NewRouter("anthropic")
	router.AddProvider("anthropic", client)
	est := tokens.NewEstimator(tokens.Heuristic{})
	gw := gateway.New(router, est, gateway.Config{MaxAttempts: 1, BaseDelay: time.Millisecond}, nil, nil)
	comp := compactor.New(
		&compactor.GatewaySummarizer{Gateway: gw, Options: gateway.Options{ModelID: testModel}},
		est, compactor.Config{Threshold: 100000}, nil, nil,
	)
	bus := events.New()
	reg := tools.NewRegistry()
	eng := agent.New(agent.Deps{
		Gateway:    gw,
		Registry:   reg,
		Dispatcher: tools.NewDispatcher(reg, est, tools.Config{}, nil, nil),
		Compactor:  comp,
		Estimator:  est,
		Bus:        bus,
	}, agent.Config{})

	store, err := session.NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	srv := NewServer("", 0, eng, store, nil)
	srv.SetBus(bus)
	srv.SetDefaults(agent.ModelConfig{ModelID: testModel, Temperature: 0.6}, "")
	return &testServer{srv: srv, store: store, bus: bus, llm: client}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestTurn_ReplyAndPersist(t *testing.T) {
	ts := newTestServer(t, &fakeLLM{reply: "hello there"})

	rec := ts.do(t, http.MethodPost, "/v1/conversations/c1/turns", `{"message": "hi"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp TurnResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Reply != "hello there" || resp.ConversationID != "c1" || resp.Stopped {
		t.Errorf("response = %+v", resp)
	}
	if resp.Usage.InputTokens != 12 || resp.Iterations != 1 {
		t.Errorf("usage/iterations = %+v/%d", resp.Usage, resp.Iterations)
	}

	st, err := ts.store.Load(context.Background(), "c1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(st.Messages) != 2 {
		t.Errorf("persisted %d messages, want 2", len(st.Messages))
	}

	rec = ts.do(t, http.MethodGet, "/v1/conversations/c1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET status = %d", rec.Code)
	}
	var flat map[string]any
	json.Unmarshal(rec.Body.Bytes(), &flat)
	if flat["id"] != "c1" || len(flat["messages"].([]any)) != 2 {
		t.Errorf("GET body = %s", rec.Body)
	}

	// A second turn continues the same conversation.
	ts.do(t, http.MethodPost, "/v1/conversations/c1/turns", `{"message": "again"}`)
	st, _ = ts.store.Load(context.Background(), "c1")
	if len(st.Messages) != 4 {
		t.Errorf("after second turn: %d messages, want 4", len(st.Messages))
	}

	rec = ts.do(t, http.MethodGet, "/v1/conversations", "")
	if !strings.Contains(rec.Body.String(), `"id":"c1"`) {
		t.Errorf("list body = %s", rec.Body)
	}
}

func TestTurn_BadRequests(t *testing.T) {
	ts := newTestServer(t, &fakeLLM{reply: "x"})
	for _, body := range []string{`not json`, `{}`, `{"message": "   "}`} {
		if rec := ts.do(t, http.MethodPost, "/v1/conversations/c/turns", body); rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, rec.Code)
		}
	}
	if _, err := ts.store.Load(context.Background(), "c"); err == nil {
		t.Error("rejected request created a conversation")
	}
}

func TestTurn_ConflictAndStop(t *testing.T) {
	ts := newTestServer(t, &fakeLLM{block: true})

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- ts.do(t, http.MethodPost, "/v1/conversations/busy/turns", `{"message": "go"}`)
	}()

	select {
	case <-ts.llm.started:
	case <-time.After(5 * time.Second):
		t.Fatal("turn never reached the model")
	}

	if rec := ts.do(t, http.MethodPost, "/v1/conversations/busy/turns", `{"message": "me too"}`); rec.Code != http.StatusConflict {
		t.Errorf("concurrent turn status = %d, want 409", rec.Code)
	}
	if rec := ts.do(t, http.MethodDelete, "/v1/conversations/busy", ""); rec.Code != http.StatusConflict {
		t.Errorf("delete during turn status = %d, want 409", rec.Code)
	}
	if rec := ts.do(t, http.MethodDelete, "/v1/conversations/busy/turn", ""); rec.Code != http.StatusAccepted {
		t.Errorf("stop status = %d, want 202", rec.Code)
	}

	var rec *httptest.ResponseRecorder
	select {
	case rec = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stopped turn did not return")
	}
	var resp TurnResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if rec.Code != http.StatusOK || !resp.Stopped {
		t.Errorf("stopped turn = %d %+v", rec.Code, resp)
	}
	if !strings.Contains(resp.Reply, "thinking") {
		t.Errorf("reply %q lost the partial text", resp.Reply)
	}

	if rec := ts.do(t, http.MethodDelete, "/v1/conversations/busy/turn", ""); rec.Code != http.StatusNotFound {
		t.Errorf("stop with nothing in flight = %d, want 404", rec.Code)
	}
}

func TestStopTurn(t *testing.T) {
	ts := newTestServer(t, &fakeLLM{block: true})
	if ts.srv.StopTurn("idle") {
		t.Error("StopTurn on an idle conversation = true")
	}

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- ts.do(t, http.MethodPost, "/v1/conversations/remote/turns", `{"message": "go"}`)
	}()
	select {
	case <-ts.llm.started:
	case <-time.After(5 * time.Second):
		t.Fatal("turn never reached the model")
	}

	if !ts.srv.StopTurn("remote") {
		t.Error("StopTurn on a running turn = false")
	}
	select {
	case rec := <-done:
		if rec.Code != http.StatusOK {
			t.Errorf("stopped turn status = %d", rec.Code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stopped turn did not return")
	}
}

func TestTurn_Stream(t *testing.T) {
	ts := newTestServer(t, &fakeLLM{reply: "one two three"})

	rec := ts.do(t, http.MethodPost, "/v1/conversations/s1/turns", `{"message": "count", "stream": true}`)
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	var kinds []string
	var lastSeq uint64
	sc := bufio.NewScanner(bytes.NewReader(rec.Body.Bytes()))
	var event string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
			kinds = append(kinds, event)
		case strings.HasPrefix(line, "data: ") && event != "result":
			var ev events.TurnEvent
			json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev)
			if ev.Seq != lastSeq+1 {
				t.Errorf("%s event seq = %d after %d", event, ev.Seq, lastSeq)
			}
			lastSeq = ev.Seq
		}
	}

	got := strings.Join(kinds, ",")
	want := "token,token,token,usage,turn_end,result"
	if got != want {
		t.Errorf("events = %s, want %s", got, want)
	}
}

func TestConversation_NotFoundAndDelete(t *testing.T) {
	ts := newTestServer(t, &fakeLLM{reply: "ok"})

	if rec := ts.do(t, http.MethodGet, "/v1/conversations/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("GET unknown = %d, want 404", rec.Code)
	}
	ts.do(t, http.MethodPost, "/v1/conversations/d1/turns", `{"message": "hi"}`)
	if rec := ts.do(t, http.MethodDelete, "/v1/conversations/d1", ""); rec.Code != http.StatusNoContent {
		t.Errorf("DELETE = %d, want 204", rec.Code)
	}
	if rec := ts.do(t, http.MethodDelete, "/v1/conversations/d1", ""); rec.Code != http.StatusNotFound {
		t.Errorf("second DELETE = %d, want 404", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/v1/conversations/d1/usage", ""); rec.Code != http.StatusNotFound {
		t.Errorf("usage without tracking = %d, want 404", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, &fakeLLM{reply: "ok"})
	rec := ts.do(t, http.MethodGet, "/v1/health", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"healthy"`) {
		t.Errorf("health = %d %s", rec.Code, rec.Body)
	}

	ts.srv.SetHealth(staticHealth{
		"ollama": {Ready: true},
		"mqtt":   {Ready: false, LastError: "connection refused"},
	})
	rec = ts.do(t, http.MethodGet, "/v1/health", "")
	var body struct {
		Status   string                      `json:"status"`
		Services map[string]connwatch.Status `json:"services"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("health body: %v", err)
	}
	if body.Status != "degraded" || body.Services["mqtt"].LastError != "connection refused" || !body.Services["ollama"].Ready {
		t.Errorf("health = %+v", body)
	}
}

type staticHealth map[string]connwatch.Status

func (h staticHealth) Status() map[string]connwatch.Status { return h }

func TestEvents_Websocket(t *testing.T) {
	ts := newTestServer(t, &fakeLLM{reply: "streamed reply"})
	hs := httptest.NewServer(ts.srv.Handler())
	defer hs.Close()

	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "/v1/events?conversation=w1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Wait for the subscription to register before starting the turn.
	deadline := time.Now().Add(5 * time.Second)
	for ts.bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("websocket never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Events of other conversations are filtered out.
	resp, err := http.Post(hs.URL+"/v1/conversations/other/turns", "application/json", strings.NewReader(`{"message": "x"}`))
	if err != nil {
		t.Fatalf("POST other: %v", err)
	}
	resp.Body.Close()
	resp, err = http.Post(hs.URL+"/v1/conversations/w1/turns", "application/json", strings.NewReader(`{"message": "hi"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var kinds []string
	for {
		var ev events.TurnEvent
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read: %v (got %v)", err, kinds)
		}
		if ev.ConversationID != "w1" {
			t.Fatalf("event for %q leaked through the filter", ev.ConversationID)
		}
		kinds = append(kinds, ev.Kind)
		if ev.Kind == events.KindTurnEnd {
			if ev.State["id"] != "w1" {
				t.Errorf("turn_end state id = %v", ev.State["id"])
			}
			break
		}
	}
	if kinds[0] != events.KindToken {
		t.Errorf("first event = %s, want token", kinds[0])
	}
}

func TestEvents_DisabledWithoutBus(t *testing.T) {
	ts := newTestServer(t, &fakeLLM{reply: "ok"})
	ts.srv.SetBus(nil)
	if rec := ts.do(t, http.MethodGet, "/v1/events", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}
