package tools

import (
	"context"
	"testing"
)

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	if reg.Get("nope") != nil {
		t.Fatal("empty registry returned a tool")
	}

	reg.Register(echoTool("b"))
	reg.Register(echoTool("a"))

	if got := reg.Names(); len(got) != 2 || got[0] != "b" || got[1] != "a" {
		t.Errorf("Names = %v, want registration order [b a]", got)
	}
	if reg.Get("a") == nil {
		t.Error("Get(a) = nil")
	}
}

func TestRegistry_ReplaceKeepsOrder(t *testing.T) {
	reg := NewRegistry()
	reg.Register(echoTool("first"))
	reg.Register(echoTool("second"))
	reg.Register(&Tool{
		Name:        "first",
		Description: "replacement",
		Handler: func(context.Context, map[string]any) (string, error) {
			return "new", nil
		},
	})

	names := reg.Names()
	if len(names) != 2 || names[0] != "first" {
		t.Errorf("Names = %v", names)
	}
	out, _ := reg.Get("first").Handler(context.Background(), nil)
	if out != "new" {
		t.Errorf("replacement not used, got %q", out)
	}
}

func TestRegistry_Specs(t *testing.T) {
	reg := NewRegistry()
	reg.Register(echoTool("echo"))

	specs := reg.Specs()
	if len(specs) != 1 {
		t.Fatalf("len(Specs) = %d, want 1", len(specs))
	}
	if specs[0].Name != "echo" {
		t.Errorf("Name = %q", specs[0].Name)
	}
	props, _ := specs[0].Parameters["properties"].(map[string]any)
	if _, ok := props["text"]; !ok {
		t.Errorf("Parameters = %v, want text property", specs[0].Parameters)
	}
}

func TestRegistry_NamesIsCopy(t *testing.T) {
	reg := NewRegistry()
	reg.Register(echoTool("x"))
	names := reg.Names()
	names[0] = "mutated"
	if reg.Names()[0] != "x" {
		t.Error("Names exposed internal slice")
	}
}
