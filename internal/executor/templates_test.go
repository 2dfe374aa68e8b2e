package executor

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/oriys/zephyr/internal/domain"
)

func TestRenderEntryScript_Python(t *testing.T) {
	action := &domain.Action{
		FunctionName: "compute",
		Type:         domain.ActionTypePython,
		Arguments:    json.RawMessage(`{"x": 1}`),
	}
	out, err := renderEntryScript(action, "/work/dir", "user_function", 8080)
	if err != nil {
		t.Fatalf("renderEntryScript: %v", err)
	}
	script := string(out)
	if !strings.Contains(script, "127.0.0.1:8080") {
		t.Errorf("expected sidecar port in script: %s", script)
	}
	if !strings.Contains(script, `"compute"`) {
		t.Errorf("expected function name literal in script: %s", script)
	}
}

func TestRenderEntryScript_R(t *testing.T) {
	action := &domain.Action{
		FunctionName: "compute",
		Type:         domain.ActionTypeR,
		Arguments:    json.RawMessage(`{"x": 1}`),
	}
	out, err := renderEntryScript(action, "/work/dir", "user_function", 9090)
	if err != nil {
		t.Fatalf("renderEntryScript: %v", err)
	}
	script := string(out)
	if !strings.Contains(script, "127.0.0.1:9090") {
		t.Errorf("expected sidecar port in script: %s", script)
	}
	if !strings.Contains(script, "jsonlite::fromJSON") {
		t.Errorf("expected jsonlite call in R script: %s", script)
	}
}

func TestRenderEntryScript_UnsupportedType(t *testing.T) {
	action := &domain.Action{FunctionName: "f", Type: domain.ActionType("Go")}
	if _, err := renderEntryScript(action, "/work", "m", 1234); err == nil {
		t.Fatal("expected error for unsupported action type")
	}
}

func TestRenderEntryScript_DefaultsEmptyArguments(t *testing.T) {
	action := &domain.Action{FunctionName: "f", Type: domain.ActionTypePython}
	out, err := renderEntryScript(action, "/work", "m", 1)
	if err != nil {
		t.Fatalf("renderEntryScript: %v", err)
	}
	if !strings.Contains(string(out), `"{}"`) {
		t.Errorf("expected empty-object literal, got %s", out)
	}
}
