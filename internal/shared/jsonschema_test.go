package shared

import "testing"

func TestValidateDocument(t *testing.T) {
	schema, err := CompileSchema("thing.json", []byte(`{
		"type": "object",
		"required": ["name"],
		"properties": {"name": {"type": "string", "minLength": 1}, "count": {"type": "integer"}}
	}`))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	tests := []struct {
		doc     string
		wantErr bool
	}{
		{`{"name": "blog"}`, false},
		{`{"name": "blog", "count": 3}`, false},
		{`{"name": ""}`, true},
		{`{"count": 1.5, "name": "x"}`, true},
		{`{}`, true},
		{`not json`, true},
	}
	for _, tt := range tests {
		err := ValidateDocument(schema, []byte(tt.doc))
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateDocument(%s) err=%v, wantErr=%v", tt.doc, err, tt.wantErr)
		}
	}
}

func TestCompileSchema_RejectsBadDocument(t *testing.T) {
	if _, err := CompileSchema("bad.json", []byte(`{"type": 12}`)); err == nil {
		t.Fatal("expected compile error")
	}
}
