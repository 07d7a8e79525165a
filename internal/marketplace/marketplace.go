// Package marketplace is the client for the marketplace service that lists
// extension versions and issues download URLs.
package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var ErrNotFound = errors.New("application not found")

// Detail describes an application listed on the marketplace.
type Detail struct {
	Identifier         string   `json:"identifier"`
	Name               string   `json:"name"`
	Description        string   `json:"description,omitempty"`
	Author             string   `json:"author,omitempty"`
	SupportedTerminals []string `json:"supportedTerminals,omitempty"`
	// Compatible is false when the marketplace knows the application
	// cannot run on this host.
	Compatible *bool  `json:"compatible,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// IsCompatible treats a missing flag as compatible.
func (d Detail) IsCompatible() bool {
	return d.Compatible == nil || *d.Compatible
}

type VersionInfo struct {
	Version     string    `json:"version"`
	PublishedAt time.Time `json:"publishedAt,omitempty"`
}

type Download struct {
	URL string `json:"url"`
}

// Client is the marketplace surface the manager depends on.
type Client interface {
	GetApplicationDetail(ctx context.Context, identifier string) (*Detail, error)
	GetApplicationVersions(ctx context.Context, identifier string) ([]VersionInfo, error)
	DownloadApplication(ctx context.Context, identifier, version, kind string) (*Download, error)
}

// Download kinds.
const (
	KindInstall = "install"
	KindUpgrade = "upgrade"
)

type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) GetApplicationDetail(ctx context.Context, identifier string) (*Detail, error) {
	var d Detail
	if err := c.do(ctx, http.MethodGet, "/applications/"+url.PathEscape(identifier), nil, &d); err != nil {
		return nil, fmt.Errorf("get application %s: %w", identifier, err)
	}
	if d.Identifier == "" {
		d.Identifier = identifier
	}
	return &d, nil
}

func (c *HTTPClient) GetApplicationVersions(ctx context.Context, identifier string) ([]VersionInfo, error) {
	var out []VersionInfo
	if err := c.do(ctx, http.MethodGet, "/applications/"+url.PathEscape(identifier)+"/versions", nil, &out); err != nil {
		return nil, fmt.Errorf("list versions of %s: %w", identifier, err)
	}
	return out, nil
}

func (c *HTTPClient) DownloadApplication(ctx context.Context, identifier, version, kind string) (*Download, error) {
	body := map[string]string{"version": version, "kind": kind}
	var d Download
	if err := c.do(ctx, http.MethodPost, "/applications/"+url.PathEscape(identifier)+"/download", body, &d); err != nil {
		return nil, fmt.Errorf("download url for %s@%s: %w", identifier, version, err)
	}
	if d.URL == "" {
		return nil, fmt.Errorf("download url for %s@%s: empty url in response", identifier, version)
	}
	return &d, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	if c.baseURL == "" {
		return fmt.Errorf("marketplace base_url is not configured")
	}
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("marketplace returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
