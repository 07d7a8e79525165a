package acquire

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/basket/extensiond/internal/shared"
)

//go:embed manifest.schema.json
var manifestSchemaJSON []byte

var manifestSchema = shared.MustCompileSchema("manifest.schema.json", manifestSchemaJSON)

// ManifestFile is the package manifest at the package root.
const ManifestFile = "package.json"

// Manifest holds the fields of package.json the host cares about.
type Manifest struct {
	Name               string   `json:"name"`
	Version            string   `json:"version,omitempty"`
	Description        string   `json:"description,omitempty"`
	DisplayName        string   `json:"displayName,omitempty"`
	Author             Author   `json:"author,omitempty"`
	SupportedTerminals []string `json:"supportedTerminals,omitempty"`
}

// Author accepts both "name <email>" strings and {"name": ...} objects.
type Author string

func (a *Author) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*a = Author(s)
		return nil
	}
	var obj struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("author: %w", err)
	}
	*a = Author(obj.Name)
	return nil
}

// ReadManifest loads and validates root/package.json.
func ReadManifest(root string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(root, ManifestFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &ValidationError{Message: "package.json not found at package root"}
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	if err := shared.ValidateDocument(manifestSchema, data); err != nil {
		return nil, &ValidationError{Message: "invalid package.json", Err: err}
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &ValidationError{Message: "invalid package.json", Err: err}
	}
	return &m, nil
}
