package schema

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/extensiond/internal/persistence"
	"github.com/basket/extensiond/internal/shared"
)

//go:embed entities.schema.json
var entitiesSchemaJSON []byte

var entitiesSchema = shared.MustCompileSchema("entities.schema.json", entitiesSchemaJSON)

// EntitiesFile is the entity definition document shipped in build/.
const EntitiesFile = "entities.json"

type EntityColumn struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	PrimaryKey bool   `json:"primaryKey,omitempty"`
	NotNull    bool   `json:"notNull,omitempty"`
	References string `json:"references,omitempty"`
}

type Entity struct {
	Name    string         `json:"name"`
	Columns []EntityColumn `json:"columns"`
}

type entitiesDocument struct {
	Entities []Entity `json:"entities"`
}

// LoadEntities reads build/entities.json. A missing file means the
// extension declares no entities.
func LoadEntities(buildDir string) ([]Entity, error) {
	data, err := os.ReadFile(filepath.Join(buildDir, EntitiesFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read entity definitions: %w", err)
	}
	if err := shared.ValidateDocument(entitiesSchema, data); err != nil {
		return nil, fmt.Errorf("entity definitions: %w", err)
	}
	var doc entitiesDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode entity definitions: %w", err)
	}
	return doc.Entities, nil
}

// checkEntityNames rejects entities that share a name with a host table,
// since unqualified statements could not tell the two apart.
func checkEntityNames(entities []Entity, host []persistence.Table) error {
	taken := make(map[string]bool, len(host))
	for _, t := range host {
		taken[strings.ToLower(t.Name)] = true
	}
	for _, e := range entities {
		if taken[strings.ToLower(e.Name)] {
			return fmt.Errorf("entity %q collides with a host table", e.Name)
		}
	}
	return nil
}

// checkReferences verifies every column reference names a host table or
// an extension entity, and the column when one is given.
func checkReferences(entities []Entity, host []persistence.Table) error {
	known := make(map[string]map[string]bool)
	add := func(table string, cols []string) {
		key := strings.ToLower(table)
		if known[key] == nil {
			known[key] = make(map[string]bool)
		}
		for _, c := range cols {
			known[key][strings.ToLower(c)] = true
		}
	}
	for _, t := range host {
		cols := make([]string, 0, len(t.Columns))
		for _, c := range t.Columns {
			cols = append(cols, c.Name)
		}
		add(t.Name, cols)
	}
	for _, e := range entities {
		cols := make([]string, 0, len(e.Columns))
		for _, c := range e.Columns {
			cols = append(cols, c.Name)
		}
		add(e.Name, cols)
	}

	for _, e := range entities {
		for _, c := range e.Columns {
			if c.References == "" {
				continue
			}
			table, column, _ := strings.Cut(c.References, ".")
			cols, ok := known[strings.ToLower(table)]
			if !ok {
				return fmt.Errorf("%s.%s references unknown entity %q", e.Name, c.Name, table)
			}
			if column != "" && !cols[strings.ToLower(column)] {
				return fmt.Errorf("%s.%s references unknown column %q", e.Name, c.Name, c.References)
			}
		}
	}
	return nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func columnDDL(c EntityColumn) string {
	def := quoteIdent(c.Name) + " " + c.Type
	if c.PrimaryKey {
		def += " PRIMARY KEY"
	}
	if c.NotNull {
		def += " NOT NULL"
	}
	return def
}
