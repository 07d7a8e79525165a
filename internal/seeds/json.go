package seeds

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	"github.com/basket/extensiond/internal/shared"
)

//go:embed seeds.schema.json
var documentSchemaJSON []byte

var documentSchema = shared.MustCompileSchema("seeds.schema.json", documentSchemaJSON)

// Document is the declarative seed format shared by seeds.json and the
// stdout of a seed module.
type Document struct {
	Units []StatementUnit `json:"units"`
}

// StatementUnit runs its SQL statements in order.
type StatementUnit struct {
	UnitName   string   `json:"name"`
	Statements []string `json:"statements"`
}

func (u StatementUnit) Name() string { return u.UnitName }

func (u StatementUnit) Run(ctx context.Context, tx *sql.Tx) error {
	for i, stmt := range u.Statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("statement %d: %w", i+1, err)
		}
	}
	return nil
}

// ParseDocument validates data and returns its units in order.
func ParseDocument(data []byte) ([]Unit, error) {
	if err := shared.ValidateDocument(documentSchema, data); err != nil {
		return nil, fmt.Errorf("seed document: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode seed document: %w", err)
	}
	units := make([]Unit, 0, len(doc.Units))
	for _, u := range doc.Units {
		units = append(units, u)
	}
	return units, nil
}

// JSONProvider reads units from a seeds.json file.
type JSONProvider struct {
	Path string
}

func (p *JSONProvider) Units(context.Context) ([]Unit, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p.Path, err)
	}
	return ParseDocument(data)
}
