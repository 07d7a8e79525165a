package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/extensiond/internal/config"
)

func setTestConfig(t *testing.T, addr string, extra ...string) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("EXTENSIOND_HOME", home)
	body := `bind_addr: "` + addr + `"` + "\n" + strings.Join(extra, "\n")
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return home
}

func captureOutput(t *testing.T) (*bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	var out, errOut bytes.Buffer
	prevOut, prevErr := stdout, stderr
	stdout, stderr = &out, &errOut
	t.Cleanup(func() { stdout, stderr = prevOut, prevErr })
	return &out, &errOut
}

func TestRunStatusCommand_ExtraArgs(t *testing.T) {
	captureOutput(t)
	if code := runStatusCommand(context.Background(), []string{"extra"}); code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestRunStatusCommand_HealthyServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{"healthy": true})
	}))
	defer ts.Close()
	setTestConfig(t, ts.Listener.Addr().String())
	out, _ := captureOutput(t)

	if code := runStatusCommand(context.Background(), nil); code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
	if !strings.Contains(out.String(), `"healthy":true`) {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestRunStatusCommand_UnhealthyServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"healthy":false}`))
	}))
	defer ts.Close()
	setTestConfig(t, ts.Listener.Addr().String())
	captureOutput(t)

	if code := runStatusCommand(context.Background(), nil); code != 1 {
		t.Fatalf("got exit code %d, want 1", code)
	}
}

func TestRunStatusCommand_ConnectionRefused(t *testing.T) {
	setTestConfig(t, "127.0.0.1:1")
	captureOutput(t)

	if code := runStatusCommand(context.Background(), nil); code != 1 {
		t.Fatalf("got exit code %d, want 1 for connection refused", code)
	}
}

func TestRunExtCommand_ListPrintsJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/api/extensions" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"extensions":[{"identifier":"blog","version":"1.2.0","status":"enabled"}]}`))
	}))
	defer ts.Close()
	setTestConfig(t, ts.Listener.Addr().String())
	out, _ := captureOutput(t)

	if code := runExtCommand(context.Background(), []string{"list"}); code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
	var decoded struct {
		Extensions []struct {
			Identifier string `json:"identifier"`
			Version    string `json:"version"`
		} `json:"extensions"`
	}
	if err := json.Unmarshal(out.Bytes(), &decoded); err != nil {
		t.Fatalf("decode output %q: %v", out.String(), err)
	}
	if len(decoded.Extensions) != 1 || decoded.Extensions[0].Version != "1.2.0" {
		t.Fatalf("unexpected list %+v", decoded.Extensions)
	}
}

func TestRunExtCommand_InstallSendsVersionAndToken(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/extensions/blog/install" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"identifier":"blog","version":"1.1.0"}`))
	}))
	defer ts.Close()
	setTestConfig(t, ts.Listener.Addr().String(), "auth_token: s3cret")
	out, _ := captureOutput(t)

	code := runExtCommand(context.Background(), []string{"install", "blog", "-version", "1.1.0"})
	if code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
	if gotAuth != "Bearer s3cret" {
		t.Fatalf("authorization = %q", gotAuth)
	}
	if gotBody["version"] != "1.1.0" {
		t.Fatalf("body = %v", gotBody)
	}
	if !strings.Contains(out.String(), `"version": "1.1.0"`) {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestRunExtCommand_UpgradeForce(t *testing.T) {
	var gotBody map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/extensions/blog/upgrade" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"identifier":"blog"}`))
	}))
	defer ts.Close()
	setTestConfig(t, ts.Listener.Addr().String())
	captureOutput(t)

	if code := runExtCommand(context.Background(), []string{"upgrade", "blog", "-force"}); code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
	if gotBody["force"] != true {
		t.Fatalf("body = %v", gotBody)
	}
}

func TestRunExtCommand_CreatePostsIdentifierAndName(t *testing.T) {
	var gotBody map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/extensions" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"identifier":"notes","is_local":true}`))
	}))
	defer ts.Close()
	setTestConfig(t, ts.Listener.Addr().String())
	captureOutput(t)

	if code := runExtCommand(context.Background(), []string{"create", "notes", "-name", "My Notes"}); code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
	if gotBody["identifier"] != "notes" || gotBody["name"] != "My Notes" {
		t.Fatalf("body = %v", gotBody)
	}
}

func TestRunExtCommand_ReportsAPIError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"another install or upgrade is in progress","kind":"conflict"}`))
	}))
	defer ts.Close()
	setTestConfig(t, ts.Listener.Addr().String())
	_, errOut := captureOutput(t)

	if code := runExtCommand(context.Background(), []string{"uninstall", "blog"}); code != 1 {
		t.Fatalf("got exit code %d, want 1", code)
	}
	if !strings.Contains(errOut.String(), "conflict") || !strings.Contains(errOut.String(), "409") {
		t.Fatalf("unexpected stderr %q", errOut.String())
	}
}

func TestRunExtCommand_UsageErrors(t *testing.T) {
	setTestConfig(t, "127.0.0.1:1")
	captureOutput(t)

	cases := [][]string{
		nil,
		{"install"},
		{"list", "extra"},
		{"bogus", "blog"},
		{"install", "blog", "stray"},
	}
	for _, args := range cases {
		if code := runExtCommand(context.Background(), args); code != 2 {
			t.Fatalf("args %v: got exit code %d, want 2", args, code)
		}
	}
}

func TestRunConfigCommand_Set(t *testing.T) {
	setTestConfig(t, "127.0.0.1:7000")
	captureOutput(t)

	if code := runConfigCommand([]string{"set", "marketplace.base_url", "https://m.example.com/"}); code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Marketplace.BaseURL != "https://m.example.com" {
		t.Fatalf("base url = %q", cfg.Marketplace.BaseURL)
	}
	if cfg.BindAddr != "127.0.0.1:7000" {
		t.Fatalf("bind addr lost: %q", cfg.BindAddr)
	}
}

func TestRunConfigCommand_Usage(t *testing.T) {
	captureOutput(t)
	if code := runConfigCommand([]string{"get", "bind_addr"}); code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestBaseURL(t *testing.T) {
	cases := map[string]string{
		"":                       "http://127.0.0.1:18790",
		"127.0.0.1:9000":         "http://127.0.0.1:9000",
		"[::1]:9000":             "http://[::1]:9000",
		"https://ext.example/":   "https://ext.example",
		"http://localhost:18790": "http://localhost:18790",
	}
	for in, want := range cases {
		if got := baseURL(in); got != want {
			t.Fatalf("baseURL(%q) = %q, want %q", in, got, want)
		}
	}
}
