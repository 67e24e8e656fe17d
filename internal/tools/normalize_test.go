package tools

import (
	"testing"

	"github.com/nugget/aki/internal/llm"
)

func TestCamelToSnake(t *testing.T) {
	tests := []struct{ in, want string }{
		{"path", "path"},
		{"filePath", "file_path"},
		{"FilePath", "file_path"},
		{"userID", "user_id"},
		{"PDFFile", "pdf_file"},
		{"parseHTML", "parse_html"},
		{"already_snake", "already_snake"},
		{"line2Text", "line2_text"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := CamelToSnake(tt.in); got != tt.want {
			t.Errorf("CamelToSnake(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeArgs(t *testing.T) {
	params := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"old_text": map[string]any{},
			"new_text": map[string]any{},
			"fooBar":   map[string]any{},
		},
	}
	args := llm.Args{
		{Key: "oldText", Value: "a"},
		{Key: "old_text", Value: "dup"},
		{Key: "newText", Value: "b"},
		{Key: "fooBar", Value: 1},
		{Key: "unknownKey", Value: 2},
	}

	got := NormalizeArgs(params, args)
	want := llm.Args{
		{Key: "old_text", Value: "a"},
		{Key: "new_text", Value: "b"},
		{Key: "fooBar", Value: 1},
		{Key: "unknownKey", Value: 2},
	}
	if len(got) != len(want) {
		t.Fatalf("NormalizeArgs = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestNormalizeArgs_NoSchema(t *testing.T) {
	args := llm.Args{{Key: "someKey", Value: "v"}}
	got := NormalizeArgs(nil, args)
	if len(got) != 1 || got[0].Key != "someKey" {
		t.Errorf("NormalizeArgs(nil) = %v", got)
	}
}
