package manager

import (
	"encoding/json"
	"fmt"
	"html"
	"os"
	"path/filepath"
	"strings"
)

const templateVersion = "0.1.0"

// localTemplate is the scaffold written by CreateLocal.
type localTemplate struct {
	Identifier  string
	Name        string
	PackageName string
	Version     string
}

func newTemplate(id, name string) localTemplate {
	return localTemplate{
		Identifier:  id,
		Name:        name,
		PackageName: "local-" + strings.ToLower(id),
		Version:     templateVersion,
	}
}

func (t localTemplate) files() (map[string][]byte, error) {
	manifest, err := json.MarshalIndent(map[string]any{
		"name":        t.PackageName,
		"version":     t.Version,
		"displayName": t.Name,
		"description": "Local extension " + t.Name,
		"private":     true,
	}, "", "  ")
	if err != nil {
		return nil, err
	}
	return map[string][]byte{
		"package.json":              append(manifest, '\n'),
		"build/index.js":            []byte(fmt.Sprintf("export const id = %q;\n\nexport default function setup(host) {\n  return {};\n}\n", t.Identifier)),
		"build/entities.json":       []byte("{\n  \"entities\": []\n}\n"),
		".output/public/index.html": []byte(fmt.Sprintf("<!doctype html>\n<title>%s</title>\n<h1>%s</h1>\n", html.EscapeString(t.Name), html.EscapeString(t.Name))),
	}, nil
}

// write creates dir and the scaffold, including empty data/ and storage/.
func (t localTemplate) write(dir string) error {
	files, err := t.files()
	if err != nil {
		return fmt.Errorf("render template: %w", err)
	}
	for _, sub := range []string{"data", "storage"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return fmt.Errorf("create %s: %w", sub, err)
		}
	}
	for rel, body := range files {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create %s: %w", filepath.Dir(rel), err)
		}
		if err := os.WriteFile(path, body, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", rel, err)
		}
	}
	return nil
}
