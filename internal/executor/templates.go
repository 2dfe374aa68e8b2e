package executor

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"text/template"

	"github.com/oriys/zephyr/internal/domain"
)

//go:embed templates/entry_python.py.tmpl templates/entry_r.R.tmpl
var entryTemplatesFS embed.FS

var (
	pythonEntryTemplate = template.Must(template.ParseFS(entryTemplatesFS, "templates/entry_python.py.tmpl"))
	rEntryTemplate      = template.Must(template.ParseFS(entryTemplatesFS, "templates/entry_r.R.tmpl"))
)

type entryScriptParams struct {
	SidecarPort int

	ModuleDirLiteral    string
	ModuleNameLiteral   string
	FunctionNameLiteral string
	ArgumentsLiteral    string
}

// pyLiteral renders s as a JSON string literal, which is also a valid
// Python and R string literal for the ASCII content this runtime deals in.
func pyLiteral(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// renderEntryScript builds the interpreter-language entry script that
// imports the user's module, wires the sidecar-stub calls, and
// invokes the named function with the action's Arguments.
func renderEntryScript(action *domain.Action, moduleDir, moduleName string, sidecarPort int) ([]byte, error) {
	args := "{}"
	if len(action.Arguments) > 0 {
		args = string(action.Arguments)
	}

	params := entryScriptParams{
		SidecarPort:         sidecarPort,
		ModuleDirLiteral:    pyLiteral(moduleDir),
		ModuleNameLiteral:   pyLiteral(moduleName),
		FunctionNameLiteral: pyLiteral(action.FunctionName),
		ArgumentsLiteral:    pyLiteral(args),
	}

	var tmpl *template.Template
	switch action.Type {
	case domain.ActionTypeR:
		tmpl = rEntryTemplate
	case domain.ActionTypePython:
		tmpl = pythonEntryTemplate
	default:
		return nil, fmt.Errorf("unsupported action type for entry script: %q", action.Type)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, params); err != nil {
		return nil, fmt.Errorf("render entry script: %w", err)
	}
	return buf.Bytes(), nil
}
