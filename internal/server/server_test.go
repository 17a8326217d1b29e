package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"concierge/internal/breaker"
	"concierge/internal/config"
	"concierge/internal/db"
	"concierge/internal/domain"
	"concierge/internal/engine"
	"concierge/internal/lock"
	"concierge/internal/migrate"
	"concierge/internal/policy"
	"concierge/internal/repo"
	"concierge/internal/tools"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, secret string) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := repo.New(conn)
	breakers := breaker.NewRegistry()
	gw := tools.NewGateway(tools.GatewayOptions{
		Tools:    tools.Simulated(map[string]time.Duration{domain.ToolCheckAvailability: 0, domain.ToolBookAppointment: 0, domain.ToolCreateTicket: 0}),
		Breakers: breakers,
		Auditor:  store,
	})
	e := engine.New(store, policy.NewRuleBased(cfg.Turn.LowConfidenceThreshold), gw, lock.NewLocal(), cfg, nil)
	handler, err := New(Config{Engine: e, Breakers: breakers, BasePath: "/v1", Auth: AuthConfig{JWTSecret: secret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func createConversation(t *testing.T, srv *testServer) domain.Conversation {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/conversations", map[string]any{"user_id": "u-1"}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create conversation status %d: %s", res.StatusCode, string(data))
	}
	var c domain.Conversation
	if err := json.Unmarshal(data, &c); err != nil {
		t.Fatalf("unmarshal conversation: %v", err)
	}
	return c
}

func bearer(t *testing.T, subject string, roles ...string) map[string]string {
	t.Helper()
	token, err := SignToken(testSecret, subject, roles, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func TestConversationTurnFlow(t *testing.T) {
	srv, cleanup := newTestServer(t, "")
	defer cleanup()
	c := createConversation(t, srv)
	if c.Status != domain.StatusActive || c.UserID != "u-1" {
		t.Fatalf("unexpected conversation %+v", c)
	}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/conversations/"+c.ID+"/messages", map[string]any{"content": "I have a problem with billing"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("send message status %d: %s", res.StatusCode, string(data))
	}
	var turn engine.TurnResult
	if err := json.Unmarshal(data, &turn); err != nil {
		t.Fatalf("unmarshal turn: %v", err)
	}
	if !strings.HasPrefix(turn.Reply, "I created ticket TKT-") || len(turn.ToolCalls) != 1 {
		t.Fatalf("unexpected turn %+v", turn)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/chat", map[string]any{"conversation_id": c.ID, "message": "what can you do for me"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("chat status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/conversations/"+c.ID+"/history", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("history status %d", res.StatusCode)
	}
	var history []domain.Message
	if err := json.Unmarshal(data, &history); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	if len(history) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(history))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/conversations/"+c.ID+"/tool-calls", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("tool-calls status %d", res.StatusCode)
	}
	var records []domain.ToolInvocationRecord
	if err := json.Unmarshal(data, &records); err != nil {
		t.Fatalf("unmarshal records: %v", err)
	}
	if len(records) != 1 || records[0].ToolName != domain.ToolCreateTicket {
		t.Fatalf("unexpected records %+v", records)
	}
}

func TestErrorsUseEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t, "")
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/conversations/nope/messages", map[string]any{"content": "hello"}, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "not_found" {
		t.Fatalf("unexpected code %q", envelope.Error.Code)
	}

	c := createConversation(t, srv)
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/conversations/"+c.ID+"/messages", map[string]any{"content": ""}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty content, got %d: %s", res.StatusCode, string(data))
	}
}

func TestOperatorRoutesRequireRole(t *testing.T) {
	srv, cleanup := newTestServer(t, testSecret)
	defer cleanup()
	c := createConversation(t, srv)
	handoffURL := srv.URL + "/v1/conversations/" + c.ID + "/handoff"

	res, _ := doJSON(t, srv.Client(), http.MethodPost, handoffURL, map[string]any{"reason": "vip"}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodPost, handoffURL, map[string]any{"reason": "vip"}, map[string]string{"Authorization": "Bearer garbage"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodPost, handoffURL, map[string]any{"reason": "vip"}, bearer(t, "agent-7"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 without operator role, got %d", res.StatusCode)
	}

	op := bearer(t, "op-1", OperatorRole)
	res, data := doJSON(t, srv.Client(), http.MethodPost, handoffURL, map[string]any{"reason": "vip"}, op)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("handoff status %d: %s", res.StatusCode, string(data))
	}
	var h engine.HandoffResult
	if err := json.Unmarshal(data, &h); err != nil {
		t.Fatalf("unmarshal handoff: %v", err)
	}
	if h.Status != domain.StatusHandoff || h.Reason != "vip" {
		t.Fatalf("unexpected handoff %+v", h)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/conversations/"+c.ID+"/messages", map[string]any{"content": "hello?"}, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), engine.HandoffActiveReply) {
		t.Fatalf("expected sticky handoff reply, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/conversations/"+c.ID+"/reset", nil, op)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), `"status":"active"`) {
		t.Fatalf("reset status %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/conversations/"+c.ID+"/reset", nil, op)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second reset should conflict, got %d", res.StatusCode)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/events?conversation_id="+c.ID, nil, op)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var evts []EventResponse
	if err := json.Unmarshal(data, &evts); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(evts) != 3 || evts[0].Type != "conversation.reset" || evts[1].ActorID != "op-1" {
		t.Fatalf("unexpected events %+v", evts)
	}
}

func TestBreakersEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t, "")
	defer cleanup()
	c := createConversation(t, srv)
	doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/conversations/"+c.ID+"/messages", map[string]any{"content": "show me availability"}, nil)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/breakers", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("breakers status %d: %s", res.StatusCode, string(data))
	}
	var states []BreakerResponse
	if err := json.Unmarshal(data, &states); err != nil {
		t.Fatalf("unmarshal breakers: %v", err)
	}
	if len(states) != 1 || states[0].Tool != domain.ToolCheckAvailability || states[0].Open {
		t.Fatalf("unexpected breakers %+v", states)
	}
}

func TestHealthAndOpenAPI(t *testing.T) {
	srv, cleanup := newTestServer(t, testSecret)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "ok") {
		t.Fatalf("health %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "bearerAuth") {
		t.Fatalf("openapi %d", res.StatusCode)
	}
}
