package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	gateway "github.com/eugener/elrond/internal"
	"github.com/eugener/elrond/internal/app"
	"github.com/eugener/elrond/internal/auth"
	"github.com/eugener/elrond/internal/credstore"
	"github.com/eugener/elrond/internal/provider"
	"github.com/eugener/elrond/internal/ratelimit"
	"github.com/eugener/elrond/internal/session"
	"github.com/eugener/elrond/internal/storage/sqlite"
	"github.com/eugener/elrond/internal/telemetry"
	"github.com/eugener/elrond/internal/testutil"
)

type fixture struct {
	ts    *httptest.Server
	fake  *testutil.FakeProvider
	store *sqlite.Store
}

// generous quotas by default; individual tests tighten them.
func testPolicy() ratelimit.Policy {
	return ratelimit.Policy{
		gateway.ClassAuth:    {Window: time.Minute, Limit: 1000},
		gateway.ClassChat:    {Window: time.Minute, Limit: 1000},
		gateway.ClassFile:    {Window: time.Minute, Limit: 1000},
		gateway.ClassGeneral: {Window: time.Minute, Limit: 1000},
	}
}

func newFixture(t *testing.T, opts ...func(*Deps, *ratelimit.Policy)) *fixture {
	t.Helper()

	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	key := bytes.Repeat([]byte{0x42}, 32)
	creds, err := credstore.New(store, key)
	if err != nil {
		t.Fatalf("credstore: %v", err)
	}

	fake := &testutil.FakeProvider{ProviderName: "fake"}
	providers := provider.NewRegistry()
	providers.Register(fake)

	policy := testPolicy()
	sessions := session.NewService(store)
	tokens := auth.NewTokenIssuer("test-secret", time.Hour)

	deps := Deps{
		Auth:     tokens,
		Tokens:   tokens,
		Users:    store,
		Sessions: sessions,
		Creds:    creds,
		Providers: providers,
		DBCheck:  store.Ping,
	}
	for _, opt := range opts {
		opt(&deps, &policy)
	}

	limiter := ratelimit.New(policy)
	deps.Limiter = limiter
	deps.Turns = app.NewTurnService(providers, sessions, creds, limiter,
		map[string]string{"fake": "default-key"}, 0)

	ts := httptest.NewServer(New(deps))
	t.Cleanup(ts.Close)
	return &fixture{ts: ts, fake: fake, store: store}
}

func (f *fixture) request(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

// registerAndLogin creates an account and returns its bearer token.
func (f *fixture) registerAndLogin(t *testing.T, username string) string {
	t.Helper()
	creds := map[string]string{"username": username, "password": "hunter2secret"}

	resp := f.request(t, http.MethodPost, "/api/v1/auth/register", "", creds)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d", resp.StatusCode)
	}

	resp = f.request(t, http.MethodPost, "/api/v1/auth/login", "", creds)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d", resp.StatusCode)
	}
	login := decodeBody[loginResponse](t, resp)
	if login.Token == "" {
		t.Fatal("login returned empty token")
	}
	return login.Token
}

func TestRegisterLoginFlow(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	token := f.registerAndLogin(t, "alice")

	// Duplicate username conflicts.
	resp := f.request(t, http.MethodPost, "/api/v1/auth/register", "",
		map[string]string{"username": "alice", "password": "hunter2secret"})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate register status = %d, want 409", resp.StatusCode)
	}
	apiErr := decodeBody[apiError](t, resp)
	if apiErr.ErrorKind != "conflict" {
		t.Errorf("error_kind = %q, want conflict", apiErr.ErrorKind)
	}

	// Wrong password is indistinguishable from unknown user.
	for _, creds := range []map[string]string{
		{"username": "alice", "password": "wrong-password"},
		{"username": "nobody", "password": "wrong-password"},
	} {
		resp := f.request(t, http.MethodPost, "/api/v1/auth/login", "", creds)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("bad login status = %d, want 401", resp.StatusCode)
		}
		apiErr := decodeBody[apiError](t, resp)
		if apiErr.Message != "invalid credentials" {
			t.Errorf("bad login message = %q, want generic", apiErr.Message)
		}
	}

	// Token works against an authenticated endpoint.
	resp = f.request(t, http.MethodGet, "/api/v1/sessions", token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("authed list status = %d", resp.StatusCode)
	}
}

func TestAuthRequired(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	resp := f.request(t, http.MethodGet, "/api/v1/sessions", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	apiErr := decodeBody[apiError](t, resp)
	if apiErr.ErrorKind != "unauthenticated" {
		t.Errorf("error_kind = %q, want unauthenticated", apiErr.ErrorKind)
	}
}

func TestChangePassword(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	token := f.registerAndLogin(t, "alice")

	resp := f.request(t, http.MethodPost, "/api/v1/auth/change-password", token,
		map[string]string{"current_password": "wrong", "new_password": "anothersecret"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong current password status = %d, want 401", resp.StatusCode)
	}

	resp = f.request(t, http.MethodPost, "/api/v1/auth/change-password", token,
		map[string]string{"current_password": "hunter2secret", "new_password": "anothersecret"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("change password status = %d, want 204", resp.StatusCode)
	}

	resp = f.request(t, http.MethodPost, "/api/v1/auth/login", "",
		map[string]string{"username": "alice", "password": "anothersecret"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("login with new password status = %d", resp.StatusCode)
	}
}

// sseFrames posts a chat request and parses every data frame until [DONE].
func sseFrames(t *testing.T, f *fixture, token string, body any) []map[string]any {
	t.Helper()
	resp := f.request(t, http.MethodPost, "/api/v1/chat", token, body)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("chat status = %d, body %s", resp.StatusCode, raw)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	var frames []map[string]any
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			return frames
		}
		var frame map[string]any
		if err := json.Unmarshal([]byte(payload), &frame); err != nil {
			t.Fatalf("bad frame %q: %v", payload, err)
		}
		frames = append(frames, frame)
	}
	t.Fatal("stream ended without [DONE]")
	return nil
}

func TestChatStreamsSSE(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	token := f.registerAndLogin(t, "alice")

	f.fake.StreamFn = func(ctx context.Context, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
		return testutil.FakeStreamChan(
			gateway.StreamChunk{Text: "Hello"},
			gateway.StreamChunk{Text: ", world"},
			gateway.StreamChunk{Usage: &gateway.TokenUsage{InputTokens: 3, OutputTokens: 2, TotalTokens: 5}},
		), nil
	}

	frames := sseFrames(t, f, token, map[string]any{
		"provider": "fake",
		"model":    "fake-model",
		"messages": []map[string]string{{"role": "user", "content": "say hello"}},
	})

	if len(frames) != 4 {
		t.Fatalf("frames = %d, want start+2 chunks+complete", len(frames))
	}
	if frames[0]["type"] != "start" || frames[0]["session_id"] == "" {
		t.Errorf("first frame = %v, want start with session_id", frames[0])
	}
	if frames[1]["type"] != "chunk" || frames[1]["text"] != "Hello" || frames[1]["seq"] != float64(0) {
		t.Errorf("chunk 0 = %v", frames[1])
	}
	if frames[2]["seq"] != float64(1) {
		t.Errorf("chunk 1 seq = %v, want 1", frames[2]["seq"])
	}
	last := frames[3]
	if last["type"] != "complete" || last["full_text"] != "Hello, world" {
		t.Errorf("complete frame = %v", last)
	}
	if last["provider"] != "fake" || last["model"] != "fake-model" {
		t.Errorf("complete provenance = %v/%v", last["provider"], last["model"])
	}

	// The turn persisted a named session with both log entries.
	resp := f.request(t, http.MethodGet, "/api/v1/sessions", token, nil)
	list := decodeBody[struct {
		Sessions []*gateway.SessionSummary `json:"sessions"`
	}](t, resp)
	if len(list.Sessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(list.Sessions))
	}
	if got := list.Sessions[0].Name; got != "say hello" {
		t.Errorf("session name = %q", got)
	}
	if got := list.Sessions[0].MessageCount; got != 2 {
		t.Errorf("message count = %d, want 2", got)
	}
}

func TestChatUnknownProvider(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	token := f.registerAndLogin(t, "alice")

	resp := f.request(t, http.MethodPost, "/api/v1/chat", token, map[string]any{
		"provider": "nonesuch",
		"model":    "m",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	apiErr := decodeBody[apiError](t, resp)
	if apiErr.ErrorKind != "invalid_input" {
		t.Errorf("error_kind = %q", apiErr.ErrorKind)
	}
}

func TestChatRateLimited(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(_ *Deps, p *ratelimit.Policy) {
		(*p)[gateway.ClassChat] = ratelimit.Rule{Window: time.Minute, Limit: 1}
	})
	token := f.registerAndLogin(t, "alice")

	body := map[string]any{
		"provider": "fake",
		"model":    "fake-model",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	}
	sseFrames(t, f, token, body)

	resp := f.request(t, http.MethodPost, "/api/v1/chat", token, body)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
	apiErr := decodeBody[apiError](t, resp)
	if apiErr.ErrorKind != "rate_limited" || apiErr.RetryAfterSeconds <= 0 {
		t.Errorf("body = %+v", apiErr)
	}
}

func TestSessionOwnership(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	alice := f.registerAndLogin(t, "alice")
	bob := f.registerAndLogin(t, "bob")

	resp := f.request(t, http.MethodPost, "/api/v1/sessions", alice, map[string]string{"name": "mine"})
	sess := decodeBody[gateway.Session](t, resp)

	resp = f.request(t, http.MethodGet, "/api/v1/sessions/"+sess.ID, bob, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("foreign read status = %d, want 403", resp.StatusCode)
	}
	resp.Body.Close()

	resp = f.request(t, http.MethodGet, "/api/v1/sessions/does-not-exist", alice, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing read status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestSessionBranchAndEdit(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	token := f.registerAndLogin(t, "alice")

	sseFrames(t, f, token, map[string]any{
		"provider": "fake",
		"model":    "fake-model",
		"messages": []map[string]string{{"role": "user", "content": "first question"}},
	})

	resp := f.request(t, http.MethodGet, "/api/v1/sessions", token, nil)
	list := decodeBody[struct {
		Sessions []*gateway.SessionSummary `json:"sessions"`
	}](t, resp)
	sessID := list.Sessions[0].ID

	// Branch at the first message.
	resp = f.request(t, http.MethodPost, "/api/v1/sessions/"+sessID+"/branch", token,
		map[string]any{"at_message_id": 1, "name": "fork"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("branch status = %d", resp.StatusCode)
	}
	child := decodeBody[gateway.Session](t, resp)
	if child.ParentID != sessID || child.BranchPointID != 1 {
		t.Errorf("child lineage = %q/%d", child.ParentID, child.BranchPointID)
	}

	// Edit the user message in the child.
	resp = f.request(t, http.MethodPatch,
		fmt.Sprintf("/api/v1/sessions/%s/messages/1", child.ID), token,
		map[string]string{"content": "revised question"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("edit status = %d", resp.StatusCode)
	}

	resp = f.request(t, http.MethodGet, "/api/v1/sessions/"+child.ID+"/messages", token, nil)
	msgs := decodeBody[struct {
		Messages []*gateway.Message `json:"messages"`
	}](t, resp)
	if len(msgs.Messages) != 1 {
		t.Fatalf("child messages = %d", len(msgs.Messages))
	}
	if msgs.Messages[0].Content != "revised question" || msgs.Messages[0].EditedAt == nil {
		t.Errorf("edited message = %+v", msgs.Messages[0])
	}

	// Assistant messages cannot be edited.
	resp = f.request(t, http.MethodPatch,
		fmt.Sprintf("/api/v1/sessions/%s/messages/2", sessID), token,
		map[string]string{"content": "rewrite history"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("edit assistant status = %d, want 400", resp.StatusCode)
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	token := f.registerAndLogin(t, "alice")

	resp := f.request(t, http.MethodPost, "/api/v1/api-keys/fake", token,
		map[string]string{"api_key": "sk-secret-raw-key"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("store key status = %d", resp.StatusCode)
	}

	// Listing never echoes the plaintext.
	resp = f.request(t, http.MethodGet, "/api/v1/api-keys", token, nil)
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if bytes.Contains(raw, []byte("sk-secret-raw-key")) {
		t.Fatal("stored key leaked through list endpoint")
	}
	var list struct {
		APIKeys []gateway.CredentialInfo `json:"api_keys"`
	}
	if err := json.Unmarshal(raw, &list); err != nil {
		t.Fatal(err)
	}
	if len(list.APIKeys) != 1 || !list.APIKeys[0].HasKey || list.APIKeys[0].Provider != "fake" {
		t.Errorf("list = %+v", list.APIKeys)
	}

	// Unknown provider on store is rejected.
	resp = f.request(t, http.MethodPost, "/api/v1/api-keys/nonesuch", token,
		map[string]string{"api_key": "x"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("store for unknown provider status = %d, want 400", resp.StatusCode)
	}

	resp = f.request(t, http.MethodDelete, "/api/v1/api-keys/fake", token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete key status = %d", resp.StatusCode)
	}

	resp = f.request(t, http.MethodGet, "/api/v1/api-keys/fake", token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get deleted key status = %d, want 404", resp.StatusCode)
	}
}

func TestStoredKeyReachesProvider(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	token := f.registerAndLogin(t, "alice")

	resp := f.request(t, http.MethodPost, "/api/v1/api-keys/fake", token,
		map[string]string{"api_key": "sk-user-key"})
	resp.Body.Close()

	sseFrames(t, f, token, map[string]any{
		"provider": "fake",
		"model":    "fake-model",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})

	if got := f.fake.LastRequest.APIKey; got != "sk-user-key" {
		t.Errorf("provider saw key %q, want stored user key", got)
	}
}

func TestModelsEndpoint(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	token := f.registerAndLogin(t, "alice")

	resp := f.request(t, http.MethodGet, "/api/v1/models", token, nil)
	body := decodeBody[struct {
		Models map[string][]string `json:"models"`
	}](t, resp)
	if got := body.Models["fake"]; len(got) != 1 || got[0] != "fake-model" {
		t.Errorf("models = %v", body.Models)
	}
}

func TestQuotaEndpoint(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	token := f.registerAndLogin(t, "alice")

	resp := f.request(t, http.MethodGet, "/api/v1/rate-limits/quota", token, nil)
	body := decodeBody[struct {
		Quotas []ratelimit.ClassQuota `json:"quotas"`
	}](t, resp)
	if len(body.Quotas) != 4 {
		t.Fatalf("quota classes = %d, want 4", len(body.Quotas))
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	resp, err := f.ts.Client().Get(f.ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
	st := decodeBody[healthStatus](t, resp)
	if st.Status != "ok" || st.Providers != 1 {
		t.Errorf("health = %+v", st)
	}
}

func TestHealthDegraded(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(d *Deps, _ *ratelimit.Policy) {
		d.DBCheck = func(context.Context) error { return fmt.Errorf("gone") }
	})

	resp, err := f.ts.Client().Get(f.ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("health status = %d, want 503", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestFileUploadGate(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(d *Deps, _ *ratelimit.Policy) {
		d.MaxRequestBytes = 64
	})
	token := f.registerAndLogin(t, "alice")

	upload := func(contentType string, size int) *http.Response {
		req, err := http.NewRequest(http.MethodPost, f.ts.URL+"/api/v1/files",
			bytes.NewReader(bytes.Repeat([]byte("a"), size)))
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", contentType)
		resp, err := f.ts.Client().Do(req)
		if err != nil {
			t.Fatal(err)
		}
		return resp
	}

	resp := upload("text/plain", 10)
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("small text upload status = %d, want 202", resp.StatusCode)
	}
	resp.Body.Close()

	resp = upload("application/x-msdownload", 10)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("disallowed type status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()

	resp = upload("text/plain", 1024)
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("oversize upload status = %d, want 413", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestOversizeJSONBody(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(d *Deps, _ *ratelimit.Policy) {
		d.MaxRequestBytes = 128
	})
	token := f.registerAndLogin(t, "alice")

	resp := f.request(t, http.MethodPost, "/api/v1/sessions", token,
		map[string]string{"name": strings.Repeat("x", 4096)})
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", resp.StatusCode)
	}
	resp.Body.Close()
}

// wsDial connects to the session socket using the query-parameter token form.
func wsDial(t *testing.T, f *fixture, token, sessionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") +
		"/api/v1/ws/chat/" + sessionID + "?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial: %v (status %d)", err, status)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWebSocketChat(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	token := f.registerAndLogin(t, "alice")

	resp := f.request(t, http.MethodPost, "/api/v1/sessions", token, map[string]string{"name": "ws chat"})
	sess := decodeBody[gateway.Session](t, resp)

	conn := wsDial(t, f, token, sess.ID)

	// Ping round-trips.
	if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatal(err)
	}
	var pong map[string]any
	if err := conn.ReadJSON(&pong); err != nil {
		t.Fatal(err)
	}
	if pong["type"] != "pong" {
		t.Fatalf("first frame = %v, want pong", pong)
	}

	// A chat frame runs a full turn broadcast back on the same socket.
	err := conn.WriteJSON(map[string]any{
		"type":     "chat",
		"provider": "fake",
		"model":    "fake-model",
		"messages": []map[string]string{{"role": "user", "content": "over websocket"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	var types []string
	for {
		var frame map[string]any
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read frame: %v (got %v)", err, types)
		}
		ft, _ := frame["type"].(string)
		types = append(types, ft)
		if ft == "complete" {
			if frame["full_text"] != "hello" {
				t.Errorf("full_text = %v", frame["full_text"])
			}
			break
		}
		if ft == "error" {
			t.Fatalf("error frame: %v", frame)
		}
	}
	if types[0] != "start" {
		t.Errorf("frame order = %v, want start first", types)
	}
}

func TestWebSocketChatContentForm(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	token := f.registerAndLogin(t, "alice")

	resp := f.request(t, http.MethodPost, "/api/v1/sessions", token, map[string]string{"name": "short form"})
	sess := decodeBody[gateway.Session](t, resp)
	conn := wsDial(t, f, token, sess.ID)

	// The single-message form: content instead of a messages array.
	err := conn.WriteJSON(map[string]any{
		"type":     "chat",
		"provider": "fake",
		"model":    "fake-model",
		"content":  "hello over websocket",
	})
	if err != nil {
		t.Fatal(err)
	}

	for {
		var frame map[string]any
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read frame: %v", err)
		}
		switch frame["type"] {
		case "error":
			t.Fatalf("error frame: %v", frame)
		case "complete":
			if frame["full_text"] != "hello" {
				t.Errorf("full_text = %v", frame["full_text"])
			}
		default:
			continue
		}
		break
	}

	// The content became one user message in the prompt.
	msgs := f.fake.LastRequest.Messages
	if len(msgs) != 1 || msgs[0].Role != gateway.RoleUser || msgs[0].Content != "hello over websocket" {
		t.Errorf("prompt = %+v", msgs)
	}
}

func TestTurnMetricsLabels(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	f := newFixture(t, func(d *Deps, _ *ratelimit.Policy) {
		d.Metrics = telemetry.NewMetrics(reg)
	})
	token := f.registerAndLogin(t, "alice")

	// Draining the body guarantees the handler, and its observation, is done.
	chat := func(providerName, model string) {
		resp := f.request(t, http.MethodPost, "/api/v1/chat", token, map[string]any{
			"provider": providerName,
			"model":    model,
			"messages": []map[string]string{{"role": "user", "content": "hi"}},
		})
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}

	chat("fake", "fake-model")
	chat("fake", "totally-made-up-model")
	chat("nonesuch", "fake-model")

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	var pairs [][2]string
	for _, mf := range mfs {
		if mf.GetName() != "elrond_turns_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			pairs = append(pairs, [2]string{labels["provider"], labels["model"]})
		}
	}

	// Client-chosen strings never become label values: the unknown provider
	// records nothing and the unknown model collapses to "other".
	want := map[[2]string]bool{
		{"fake", "fake-model"}: true,
		{"fake", "other"}:      true,
	}
	if len(pairs) != 2 {
		t.Fatalf("turn series = %v, want exactly 2", pairs)
	}
	for _, p := range pairs {
		if !want[p] {
			t.Errorf("unexpected series labels %v", p)
		}
	}
}

func TestWebSocketForeignSessionRejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	alice := f.registerAndLogin(t, "alice")
	bob := f.registerAndLogin(t, "bob")

	resp := f.request(t, http.MethodPost, "/api/v1/sessions", alice, map[string]string{"name": "private"})
	sess := decodeBody[gateway.Session](t, resp)

	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") +
		"/api/v1/ws/chat/" + sess.ID + "?token=" + bob
	_, wsResp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("foreign session upgrade succeeded")
	}
	if wsResp == nil || wsResp.StatusCode != http.StatusForbidden {
		t.Fatalf("upgrade response = %+v, want 403", wsResp)
	}
}

func TestRequestIDHeader(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	resp, err := f.ts.Client().Get(f.ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.Header.Get("X-Request-Id") == "" {
		t.Error("missing X-Request-Id header")
	}
}
