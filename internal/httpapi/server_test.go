package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/hamza-roujdami/clinic-voice-agent/internal/config"
	"github.com/hamza-roujdami/clinic-voice-agent/internal/observability"
	"github.com/hamza-roujdami/clinic-voice-agent/internal/protocol"
	"github.com/hamza-roujdami/clinic-voice-agent/internal/session"
	"github.com/hamza-roujdami/clinic-voice-agent/internal/triage"
)

type fakeTriage struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
	ended    []string
	ready    atomic.Bool
}

func newFakeTriage() *fakeTriage {
	f := &fakeTriage{sessions: make(map[string]*session.Session)}
	f.ready.Store(true)
	return f
}

func (f *fakeTriage) HandleMessage(_ context.Context, sessionID, message string) (triage.Reply, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return triage.Reply{}, triage.ErrEmptyMessage
	}
	if message == "boom" {
		return triage.Reply{}, errors.New("postgres: connection refused at 10.0.0.7")
	}
	if sessionID == "" {
		sessionID = "generated-1"
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[sessionID]
	if !ok {
		now := time.Now().UTC()
		sess = &session.Session{ID: sessionID, CreatedAt: now, UpdatedAt: now, ExpiresAt: now.Add(time.Hour)}
		f.sessions[sessionID] = sess
	}
	sess.Turns = append(sess.Turns,
		session.Turn{Role: session.RoleUser, Text: message},
		session.Turn{Role: session.RoleAssistant, Text: "echo: " + message, ToolCalls: []string{"lookup_patient"}},
	)
	return triage.Reply{
		SessionID:   sessionID,
		Response:    "echo: " + message,
		Agent:       "triage-agent",
		ToolsCalled: []string{"lookup_patient"},
		RoundTrips:  2,
	}, nil
}

func (f *fakeTriage) EndSession(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, sessionID)
	f.ended = append(f.ended, sessionID)
	return nil
}

func (f *fakeTriage) Session(_ context.Context, sessionID string) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[sessionID]
	if !ok {
		return nil, session.ErrNotFound
	}
	return sess, nil
}

func (f *fakeTriage) History(ctx context.Context, sessionID string) ([]session.Turn, error) {
	sess, err := f.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return sess.Turns, nil
}

func (f *fakeTriage) ListRecent(_ context.Context, limit int) ([]session.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []session.Summary{}
	for id, s := range f.sessions {
		if len(out) >= limit {
			break
		}
		out = append(out, session.Summary{SessionID: id, TurnCount: len(s.Turns)})
	}
	return out, nil
}

func (f *fakeTriage) Ready() bool { return f.ready.Load() }

func newTestServer(t *testing.T, svc Triage) *httptest.Server {
	t.Helper()
	metrics := observability.NewMetricsWith(prometheus.NewRegistry(), "test_httpapi")
	srv := New(config.Config{AgentName: "clinic-voice-agent", BrainMode: "mock"}, svc, metrics, zerolog.Nop())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, _ := json.Marshal(body)
	res, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s error = %v", url, err)
	}
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func decode(t *testing.T, res *http.Response) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return payload
}

func TestChatCreatesSessionAndReportsTools(t *testing.T) {
	ts := newTestServer(t, newFakeTriage())

	res := postJSON(t, ts.URL+"/v1/chat", map[string]string{"message": "My MRN is MRN-5001"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	payload := decode(t, res)
	if payload["session_id"] != "generated-1" {
		t.Fatalf("session_id = %v, want generated-1", payload["session_id"])
	}
	tools, _ := payload["tools_called"].([]any)
	if len(tools) != 1 || tools[0] != "lookup_patient" {
		t.Fatalf("tools_called = %v, want [lookup_patient]", payload["tools_called"])
	}
	if payload["agent"] != "triage-agent" {
		t.Fatalf("agent = %v, want triage-agent", payload["agent"])
	}
}

func TestChatRejectsEmptyMessage(t *testing.T) {
	ts := newTestServer(t, newFakeTriage())

	res := postJSON(t, ts.URL+"/v1/chat", map[string]string{"message": "  "})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}

	bad, err := http.Post(ts.URL+"/v1/chat", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	defer bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed body status = %d, want %d", bad.StatusCode, http.StatusBadRequest)
	}
}

func TestChatFailureHidesInternalDetail(t *testing.T) {
	ts := newTestServer(t, newFakeTriage())

	res := postJSON(t, ts.URL+"/v1/chat", map[string]string{"message": "boom", "session_id": "S1"})
	if res.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusInternalServerError)
	}
	payload := decode(t, res)
	if payload["error"] != "internal error" || payload["code"] != "turn_failed" {
		t.Fatalf("payload = %v, want generic turn_failed error", payload)
	}
}

func TestSessionEndpoints(t *testing.T) {
	fake := newFakeTriage()
	ts := newTestServer(t, fake)
	postJSON(t, ts.URL+"/v1/chat", map[string]string{"message": "hello", "session_id": "S1"})

	res, err := http.Get(ts.URL + "/v1/sessions/S1")
	if err != nil {
		t.Fatalf("GET session error = %v", err)
	}
	defer res.Body.Close()
	view := decode(t, res)
	if view["active"] != true || view["turn_count"] != float64(2) {
		t.Fatalf("session view = %v, want active with 2 turns", view)
	}

	hist, err := http.Get(ts.URL + "/v1/sessions/S1/history")
	if err != nil {
		t.Fatalf("GET history error = %v", err)
	}
	defer hist.Body.Close()
	history, _ := decode(t, hist)["history"].([]any)
	if len(history) != 2 {
		t.Fatalf("len(history) = %d, want 2", len(history))
	}

	list, err := http.Get(ts.URL + "/v1/sessions?limit=10")
	if err != nil {
		t.Fatalf("GET sessions error = %v", err)
	}
	defer list.Body.Close()
	if sessions, _ := decode(t, list)["sessions"].([]any); len(sessions) != 1 {
		t.Fatalf("len(sessions) = %d, want 1", len(sessions))
	}

	badLimit, err := http.Get(ts.URL + "/v1/sessions?limit=abc")
	if err != nil {
		t.Fatalf("GET sessions error = %v", err)
	}
	defer badLimit.Body.Close()
	if badLimit.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d, want %d", badLimit.StatusCode, http.StatusBadRequest)
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/sessions/S1", nil)
	del, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE session error = %v", err)
	}
	defer del.Body.Close()
	if del.StatusCode != http.StatusOK || decode(t, del)["ended"] != true {
		t.Fatalf("DELETE status = %d, want ended", del.StatusCode)
	}

	gone, err := http.Get(ts.URL + "/v1/sessions/S1")
	if err != nil {
		t.Fatalf("GET session error = %v", err)
	}
	defer gone.Body.Close()
	if view := decode(t, gone); view["active"] != false {
		t.Fatalf("session view after delete = %v, want inactive", view)
	}
}

func TestVoiceTurnNotImplemented(t *testing.T) {
	ts := newTestServer(t, newFakeTriage())
	res := postJSON(t, ts.URL+"/v1/voice/turn", map[string]string{})
	if res.StatusCode != http.StatusNotImplemented {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotImplemented)
	}
}

func TestHealthAndReadiness(t *testing.T) {
	fake := newFakeTriage()
	ts := newTestServer(t, fake)

	health, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	defer health.Body.Close()
	if payload := decode(t, health); payload["store_mode"] != "in-memory" || payload["brain_mode"] != "mock" {
		t.Fatalf("health = %v", payload)
	}

	ready, err := http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz error = %v", err)
	}
	ready.Body.Close()
	if ready.StatusCode != http.StatusOK {
		t.Fatalf("ready status = %d, want %d", ready.StatusCode, http.StatusOK)
	}

	fake.ready.Store(false)
	notReady, err := http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz error = %v", err)
	}
	notReady.Body.Close()
	if notReady.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("not ready status = %d, want %d", notReady.StatusCode, http.StatusServiceUnavailable)
	}

	perf, err := http.Get(ts.URL + "/v1/perf/turns")
	if err != nil {
		t.Fatalf("GET /v1/perf/turns error = %v", err)
	}
	defer perf.Body.Close()
	snapshot, _ := decode(t, perf)["snapshot"].(map[string]any)
	if _, ok := snapshot["window_size"]; !ok {
		t.Fatalf("perf snapshot missing window_size")
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/perf/turns", nil)
	reset, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE /v1/perf/turns error = %v", err)
	}
	reset.Body.Close()
	if reset.StatusCode != http.StatusNoContent {
		t.Fatalf("reset status = %d, want %d", reset.StatusCode, http.StatusNoContent)
	}
}

func TestChatWebsocket(t *testing.T) {
	fake := newFakeTriage()
	ts := newTestServer(t, fake)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/chat/ws?session_id=WS1"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	if err := conn.WriteJSON(protocol.ChatMessage{Type: protocol.TypeChatMessage, Text: "hello"}); err != nil {
		t.Fatalf("write chat error = %v", err)
	}
	var reply protocol.AssistantMessage
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read reply error = %v", err)
	}
	if reply.Type != protocol.TypeAssistantMessage || reply.SessionID != "WS1" || reply.Text != "echo: hello" {
		t.Fatalf("reply = %+v", reply)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"wat"}`)); err != nil {
		t.Fatalf("write error = %v", err)
	}
	var errEvent protocol.ErrorEvent
	if err := conn.ReadJSON(&errEvent); err != nil {
		t.Fatalf("read error event = %v", err)
	}
	if errEvent.Code != "invalid_client_message" || errEvent.SessionID != "WS1" {
		t.Fatalf("error event = %+v", errEvent)
	}

	if err := conn.WriteJSON(protocol.ClientControl{Type: protocol.TypeClientControl, SessionID: "WS1", Action: protocol.ActionEndSession}); err != nil {
		t.Fatalf("write control error = %v", err)
	}
	var ended protocol.SystemEvent
	if err := conn.ReadJSON(&ended); err != nil {
		t.Fatalf("read system event error = %v", err)
	}
	if ended.Code != "session_ended" {
		t.Fatalf("system event = %+v, want session_ended", ended)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.ended) != 1 || fake.ended[0] != "WS1" {
		t.Fatalf("ended = %v, want [WS1]", fake.ended)
	}
}
