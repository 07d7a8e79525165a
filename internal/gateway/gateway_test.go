package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/extensiond/internal/bus"
	"github.com/basket/extensiond/internal/gateway"
	"github.com/basket/extensiond/internal/locks"
	"github.com/basket/extensiond/internal/manager"
	"github.com/basket/extensiond/internal/persistence"
	"github.com/basket/extensiond/internal/restart"
	"github.com/basket/extensiond/internal/shared"
)

const testToken = "test-token"

// fakeManager is guarded by mu because handlers run on server goroutines.
type fakeManager struct {
	mu        sync.Mutex
	err       error
	lastID    string
	lastOpts  any
	lastOpID  string
	installed []persistence.Extension
}

func (f *fakeManager) record(ctx context.Context, id string, opts any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastID = id
	f.lastOpts = opts
	f.lastOpID = shared.OperationID(ctx)
}

func (f *fakeManager) failWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeManager) failure() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeManager) seen() (id string, opts any, opID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastID, f.lastOpts, f.lastOpID
}

func (f *fakeManager) ext(id string) *persistence.Extension {
	return &persistence.Extension{Identifier: id, Name: id, Version: "1.0.0", Status: persistence.StatusEnabled}
}

func (f *fakeManager) Install(ctx context.Context, id string, opts manager.InstallOptions) (*persistence.Extension, error) {
	f.record(ctx, id, opts)
	if err := f.failure(); err != nil {
		return nil, err
	}
	return f.ext(id), nil
}

func (f *fakeManager) Upgrade(ctx context.Context, id string, opts manager.UpgradeOptions) (*persistence.Extension, error) {
	f.record(ctx, id, opts)
	if err := f.failure(); err != nil {
		return nil, err
	}
	return f.ext(id), nil
}

func (f *fakeManager) Uninstall(ctx context.Context, id string) (*manager.UninstallReport, error) {
	f.record(ctx, id, nil)
	if err := f.failure(); err != nil {
		return nil, err
	}
	return &manager.UninstallReport{Identifier: id, Steps: []manager.StepOutcome{{Step: "drop_schema"}}}, nil
}

func (f *fakeManager) Enable(ctx context.Context, id string) (*persistence.Extension, error) {
	f.record(ctx, id, nil)
	if err := f.failure(); err != nil {
		return nil, err
	}
	return f.ext(id), nil
}

func (f *fakeManager) Disable(ctx context.Context, id string) (*persistence.Extension, error) {
	f.record(ctx, id, nil)
	if err := f.failure(); err != nil {
		return nil, err
	}
	e := f.ext(id)
	e.Status = persistence.StatusDisabled
	return e, nil
}

func (f *fakeManager) CreateLocal(ctx context.Context, id, name string) (*persistence.Extension, error) {
	f.record(ctx, id, name)
	if err := f.failure(); err != nil {
		return nil, err
	}
	e := f.ext(id)
	e.Name = name
	e.IsLocal = true
	return e, nil
}

func (f *fakeManager) List(context.Context) ([]persistence.Extension, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.installed, f.err
}

func (f *fakeManager) Get(ctx context.Context, id string) (*persistence.Extension, error) {
	f.record(ctx, id, nil)
	if err := f.failure(); err != nil {
		return nil, err
	}
	return f.ext(id), nil
}

type fakeLocks map[string]locks.Entry

func (f fakeLocks) List(context.Context) (map[string]locks.Entry, error) { return f, nil }

type fakeRestarts struct{ scheduled atomic.Int32 }

func (f *fakeRestarts) Schedule() { f.scheduled.Add(1) }

func (f *fakeRestarts) Status() restart.Status {
	state := "idle"
	if f.scheduled.Load() > 0 {
		state = "scheduled"
	}
	return restart.Status{State: state, Pending: int64(f.scheduled.Load())}
}

type testServer struct {
	ts       *httptest.Server
	mgr      *fakeManager
	restarts *fakeRestarts
	bus      *bus.Bus
}

func newTestServer(t *testing.T, opts ...func(*gateway.Config)) *testServer {
	t.Helper()
	mgr := &fakeManager{}
	restarts := &fakeRestarts{}
	b := bus.New()
	cfg := gateway.Config{
		Manager:           mgr,
		Locks:             fakeLocks{"ext_blog": {Identifier: "blog", Operation: locks.OpInstall}},
		Restarts:          restarts,
		Bus:               b,
		AuthToken:         testToken,
		ConfigFingerprint: "cfg-abc",
		Version:           "test",
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	ts := httptest.NewServer(gateway.New(cfg).Handler())
	t.Cleanup(ts.Close)
	return &testServer{ts: ts, mgr: mgr, restarts: restarts, bus: b}
}

func (s *testServer) do(t *testing.T, method, path, body string, authenticated bool) (*http.Response, map[string]any) {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, s.ts.URL+path, rdr)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if authenticated {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode %s: %v", raw, err)
		}
	}
	return resp, out
}

func TestHealthz_NoAuthRequired(t *testing.T) {
	s := newTestServer(t)
	resp, body := s.do(t, http.MethodGet, "/healthz", "", false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["config_fingerprint"] != "cfg-abc" || body["healthy"] != true || body["restart_state"] != "idle" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestHealthz_Unhealthy(t *testing.T) {
	s := newTestServer(t, func(c *gateway.Config) {
		c.Health = func(context.Context) error { return errors.New("db gone") }
	})
	resp, body := s.do(t, http.MethodGet, "/healthz", "", false)
	if resp.StatusCode != http.StatusServiceUnavailable || body["db_ok"] != false {
		t.Fatalf("status = %d body = %v", resp.StatusCode, body)
	}
}

func TestAuth(t *testing.T) {
	s := newTestServer(t)
	resp, body := s.do(t, http.MethodGet, "/api/extensions", "", false)
	if resp.StatusCode != http.StatusUnauthorized || body["kind"] != "unauthorized" {
		t.Fatalf("status = %d body = %v", resp.StatusCode, body)
	}
	resp, _ = s.do(t, http.MethodGet, "/api/extensions", "", true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authenticated status = %d", resp.StatusCode)
	}

	open := newTestServer(t, func(c *gateway.Config) { c.AuthToken = "" })
	resp, _ = open.do(t, http.MethodGet, "/api/extensions", "", false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("open server status = %d", resp.StatusCode)
	}
}

func TestListExtensions(t *testing.T) {
	s := newTestServer(t)
	resp, body := s.do(t, http.MethodGet, "/api/extensions", "", true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if list, ok := body["extensions"].([]any); !ok || len(list) != 0 {
		t.Fatalf("expected empty list, got %v", body)
	}

	s.mgr.mu.Lock()
	s.mgr.installed = []persistence.Extension{{Identifier: "blog"}, {Identifier: "shop"}}
	s.mgr.mu.Unlock()
	_, body = s.do(t, http.MethodGet, "/api/extensions", "", true)
	if list := body["extensions"].([]any); len(list) != 2 {
		t.Fatalf("expected two extensions, got %v", body)
	}
}

func TestLifecycleRoutes(t *testing.T) {
	tests := []struct {
		method string
		path   string
		body   string
		status int
		check  func(t *testing.T, mgr *fakeManager, body map[string]any)
	}{
		{http.MethodPost, "/api/extensions/blog/install", `{"version": "1.2.0"}`, http.StatusCreated, func(t *testing.T, mgr *fakeManager, _ map[string]any) {
			_, raw, _ := mgr.seen()
			if opts := raw.(manager.InstallOptions); opts.Version != "1.2.0" {
				t.Fatalf("opts = %+v", opts)
			}
		}},
		{http.MethodPost, "/api/extensions/blog/install", "", http.StatusCreated, nil},
		{http.MethodPost, "/api/extensions/blog/upgrade", `{"force": true}`, http.StatusOK, func(t *testing.T, mgr *fakeManager, _ map[string]any) {
			_, raw, _ := mgr.seen()
			if opts := raw.(manager.UpgradeOptions); !opts.Force {
				t.Fatalf("opts = %+v", opts)
			}
		}},
		{http.MethodPost, "/api/extensions/blog/uninstall", "", http.StatusOK, func(t *testing.T, _ *fakeManager, body map[string]any) {
			if steps := body["steps"].([]any); len(steps) != 1 {
				t.Fatalf("body = %v", body)
			}
		}},
		{http.MethodDelete, "/api/extensions/blog", "", http.StatusOK, nil},
		{http.MethodPost, "/api/extensions/blog/enable", "", http.StatusOK, nil},
		{http.MethodPost, "/api/extensions/blog/disable", "", http.StatusOK, func(t *testing.T, _ *fakeManager, body map[string]any) {
			if body["status"] != "disabled" {
				t.Fatalf("body = %v", body)
			}
		}},
		{http.MethodGet, "/api/extensions/blog", "", http.StatusOK, nil},
		{http.MethodPost, "/api/extensions", `{"identifier": "notes", "name": "Notes"}`, http.StatusCreated, func(t *testing.T, mgr *fakeManager, body map[string]any) {
			if id, _, _ := mgr.seen(); id != "notes" || body["is_local"] != true {
				t.Fatalf("id = %q body = %v", id, body)
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			s := newTestServer(t)
			resp, body := s.do(t, tt.method, tt.path, tt.body, true)
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d (body %v)", resp.StatusCode, tt.status, body)
			}
			if id, _, _ := s.mgr.seen(); tt.path != "/api/extensions" && id != "blog" {
				t.Fatalf("manager saw id %q", id)
			}
			if tt.check != nil {
				tt.check(t, s.mgr, body)
			}
		})
	}
}

func TestErrorKindsMapToStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
		kind   string
	}{
		{&manager.Error{Kind: manager.KindConflict, Message: `extension "Blog" is currently being upgraded (upgrade in progress)`}, http.StatusConflict, "conflict"},
		{&manager.Error{Kind: manager.KindValidation, Message: "bad package"}, http.StatusUnprocessableEntity, "validation"},
		{&manager.Error{Kind: manager.KindNotFound, Message: "missing"}, http.StatusNotFound, "not_found"},
		{errors.New("disk full"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		s := newTestServer(t)
		s.mgr.failWith(tt.err)
		resp, body := s.do(t, http.MethodPost, "/api/extensions/blog/install", "", true)
		if resp.StatusCode != tt.status || body["kind"] != tt.kind {
			t.Fatalf("%v: status = %d body = %v", tt.err, resp.StatusCode, body)
		}
		if body["error"] != tt.err.Error() {
			t.Fatalf("error message = %v, want %q", body["error"], tt.err.Error())
		}
	}
}

func TestBadRequestBody(t *testing.T) {
	s := newTestServer(t)
	resp, _ := s.do(t, http.MethodPost, "/api/extensions/blog/install", `{"version":`, true)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	resp, _ = s.do(t, http.MethodPost, "/api/extensions/blog/install", `{"unknown": 1}`, true)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown field status = %d", resp.StatusCode)
	}
}

func TestOperationIDPropagation(t *testing.T) {
	s := newTestServer(t)
	req, _ := http.NewRequest(http.MethodPost, s.ts.URL+"/api/extensions/blog/enable", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("X-Operation-ID", "op-123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if _, _, opID := s.mgr.seen(); resp.Header.Get("X-Operation-ID") != "op-123" || opID != "op-123" {
		t.Fatalf("header = %q manager saw %q", resp.Header.Get("X-Operation-ID"), opID)
	}

	resp, _ = s.do(t, http.MethodPost, "/api/extensions/blog/enable", "", true)
	if resp.Header.Get("X-Operation-ID") == "" {
		t.Fatal("expected a generated operation id")
	}
}

func TestLocksAndRestart(t *testing.T) {
	s := newTestServer(t)
	_, body := s.do(t, http.MethodGet, "/api/locks", "", true)
	held, ok := body["locks"].(map[string]any)
	if !ok || held["ext_blog"] == nil {
		t.Fatalf("unexpected locks body: %v", body)
	}

	_, body = s.do(t, http.MethodGet, "/api/restart", "", true)
	if body["state"] != "idle" {
		t.Fatalf("state = %v", body["state"])
	}
	resp, body := s.do(t, http.MethodPost, "/api/restart", "", true)
	if resp.StatusCode != http.StatusAccepted || body["state"] != "scheduled" {
		t.Fatalf("status = %d body = %v", resp.StatusCode, body)
	}
	if s.restarts.scheduled.Load() != 1 {
		t.Fatalf("scheduled = %d", s.restarts.scheduled.Load())
	}
}

func TestEventsWebsocket(t *testing.T) {
	s := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(s.ts.URL, "http") + "/ws/events?topic=extension."
	if _, _, err := websocket.Dial(ctx, url, nil); err == nil {
		t.Fatal("expected unauthenticated dial to fail")
	}
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + testToken}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(2 * time.Second)
	for s.bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}
	s.bus.Publish(bus.TopicRestartScheduled, bus.RestartEvent{Requests: 1})
	s.bus.Publish(bus.TopicExtensionInstalled, bus.LifecycleEvent{Identifier: "blog", Version: "1.0.0"})

	var frame struct {
		Topic   string             `json:"topic"`
		Payload bus.LifecycleEvent `json:"payload"`
	}
	if err := wsjson.Read(ctx, conn, &frame); err != nil {
		t.Fatalf("read: %v", err)
	}
	if frame.Topic != bus.TopicExtensionInstalled || frame.Payload.Identifier != "blog" {
		t.Fatalf("unexpected frame: %+v", frame)
	}
}
