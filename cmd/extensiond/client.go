package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/extensiond/internal/config"
	"github.com/basket/extensiond/internal/persistence"
)

var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

// baseURL turns bind_addr into an http:// origin.
func baseURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		addr = "127.0.0.1:18790"
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr
}

type apiClient struct {
	base  string
	token string
	http  *http.Client
}

type apiError struct {
	Status  int
	Kind    string
	Message string
}

func (e *apiError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s (%s, HTTP %d)", e.Message, e.Kind, e.Status)
	}
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
}

func newAPIClient(cfg config.Config, timeout time.Duration) *apiClient {
	return &apiClient{
		base:  baseURL(cfg.BindAddr),
		token: cfg.AuthToken,
		http:  &http.Client{Timeout: timeout},
	}
}

// do sends body as JSON and decodes a 2xx response into out.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb struct {
			Error string `json:"error"`
			Kind  string `json:"kind"`
		}
		if json.Unmarshal(raw, &eb) != nil || eb.Error == "" {
			eb.Error = strings.TrimSpace(string(raw))
		}
		return &apiError{Status: resp.StatusCode, Kind: eb.Kind, Message: eb.Error}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func printExtUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: extensiond ext <list|info|install|upgrade|uninstall|enable|disable|create> [id] [flags]")
}

// splitID pulls a leading identifier off args so flags may follow it.
func splitID(args []string) (string, []string) {
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		return strings.TrimSpace(args[0]), args[1:]
	}
	return "", args
}

func runExtCommand(ctx context.Context, args []string) int {
	if len(args) == 0 {
		printExtUsage(stderr)
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config load: %v\n", err)
		return 1
	}
	// Lifecycle calls may wait on downloads and schema work.
	client := newAPIClient(cfg, 10*time.Minute)

	action := strings.ToLower(strings.TrimSpace(args[0]))
	if action == "list" {
		if len(args) != 1 {
			printExtUsage(stderr)
			return 2
		}
		var out struct {
			Extensions []persistence.Extension `json:"extensions"`
		}
		if err := client.do(ctx, http.MethodGet, "/api/extensions", nil, &out); err != nil {
			return fail(err)
		}
		if isTerminal() {
			printTable(out.Extensions)
			return 0
		}
		return printJSON(out)
	}

	id, rest := splitID(args[1:])
	if id == "" {
		fmt.Fprintf(stderr, "ext %s: identifier is required\n", action)
		return 2
	}
	path := "/api/extensions/" + url.PathEscape(id)

	fs := flag.NewFlagSet("ext "+action, flag.ContinueOnError)
	fs.SetOutput(stderr)
	version := fs.String("version", "", "pin a marketplace version")
	force := fs.Bool("force", false, "allow reinstalling the same or an older version")
	name := fs.String("name", "", "display name for a local extension")
	if err := fs.Parse(rest); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintf(stderr, "ext %s: unexpected arguments %v\n", action, fs.Args())
		return 2
	}

	var out any
	switch action {
	case "info", "get":
		out = &persistence.Extension{}
		err = client.do(ctx, http.MethodGet, path, nil, out)
	case "install":
		out = &persistence.Extension{}
		err = client.do(ctx, http.MethodPost, path+"/install", map[string]any{"version": *version}, out)
	case "upgrade":
		out = &persistence.Extension{}
		err = client.do(ctx, http.MethodPost, path+"/upgrade", map[string]any{"version": *version, "force": *force}, out)
	case "uninstall", "remove":
		out = &map[string]any{}
		err = client.do(ctx, http.MethodPost, path+"/uninstall", nil, out)
	case "enable", "disable":
		out = &persistence.Extension{}
		err = client.do(ctx, http.MethodPost, path+"/"+action, nil, out)
	case "create":
		out = &persistence.Extension{}
		err = client.do(ctx, http.MethodPost, "/api/extensions", map[string]any{"identifier": id, "name": *name}, out)
	default:
		fmt.Fprintf(stderr, "unknown ext action %q\n", action)
		printExtUsage(stderr)
		return 2
	}
	if err != nil {
		return fail(err)
	}
	return printJSON(out)
}

func fail(err error) int {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		fmt.Fprintf(stderr, "error: %v\n", apiErr)
		return 1
	}
	fmt.Fprintf(stderr, "request failed: %v\n", err)
	return 1
}

func isTerminal() bool {
	f, ok := stdout.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}

func printJSON(v any) int {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(stderr, "encode output: %v\n", err)
		return 1
	}
	return 0
}

func printTable(list []persistence.Extension) {
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "IDENTIFIER\tVERSION\tSTATUS\tLOCAL\tNAME")
	for _, ext := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", ext.Identifier, ext.Version, ext.Status, ext.IsLocal, ext.Name)
	}
	_ = tw.Flush()
}

func runStatusCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(stderr, "usage: extensiond status")
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config load: %v\n", err)
		return 1
	}

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, baseURL(cfg.BindAddr)+"/healthz", nil)
	if err != nil {
		fmt.Fprintf(stderr, "request: %v\n", err)
		return 1
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(stderr, "status: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	_, _ = stdout.Write(body)
	if len(body) == 0 || body[len(body)-1] != '\n' {
		_, _ = stdout.Write([]byte("\n"))
	}
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

func runConfigCommand(args []string) int {
	if len(args) != 3 || args[0] != "set" {
		fmt.Fprintln(stderr, "usage: extensiond config set <key> <value>")
		return 2
	}
	home := config.HomeDir()
	if err := os.MkdirAll(home, 0o755); err != nil {
		fmt.Fprintf(stderr, "create home: %v\n", err)
		return 1
	}
	if err := config.SetValue(home, args[1], args[2]); err != nil {
		fmt.Fprintf(stderr, "config set: %v\n", err)
		return 1
	}
	if _, err := config.Load(); err != nil {
		fmt.Fprintf(stderr, "warning: config no longer loads: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "%s updated in %s\n", args[1], config.ConfigPath(home))
	return 0
}
