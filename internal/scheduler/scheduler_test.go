package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/oriys/zephyr/internal/domain"
)

func mustInvokeNext(t *testing.T, raw string) domain.InvokeNext {
	t.Helper()
	var n domain.InvokeNext
	if err := json.Unmarshal([]byte(raw), &n); err != nil {
		t.Fatalf("unmarshal InvokeNext %s: %v", raw, err)
	}
	return n
}

func TestTriggerAll_NoTriggersIsNoop(t *testing.T) {
	doc := &domain.WorkflowDocument{
		ActionList: map[string]*domain.Action{"A": {FunctionName: "A"}},
	}
	s := New(doc, nil, "")
	if err := s.TriggerAll(context.Background(), "A", nil); err != nil {
		t.Fatalf("TriggerAll: %v", err)
	}
}

func TestTriggerAll_ConditionalWithoutReturnFails(t *testing.T) {
	doc := &domain.WorkflowDocument{
		ActionList: map[string]*domain.Action{
			"A": {FunctionName: "A", InvokeNext: mustInvokeNext(t, `[{"0": ["B"]}]`)},
			"B": {FunctionName: "B"},
		},
	}
	s := New(doc, nil, "")

	// Both a missing result and an explicit JSON null count as "no
	// return value" under a conditional: the entry script always posts
	// a result, so a function returning nothing arrives as null.
	for _, returnValue := range [][]byte{nil, []byte(`null`), []byte(" null\n")} {
		err := s.TriggerAll(context.Background(), "A", returnValue)
		if !errors.Is(err, ErrConditionalWithoutReturn) {
			t.Fatalf("returnValue %q: expected ErrConditionalWithoutReturn, got %v", returnValue, err)
		}
	}
}

func TestTriggerAll_GitHubActionsDispatch(t *testing.T) {
	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	doc := &domain.WorkflowDocument{
		ActionList: map[string]*domain.Action{
			"A": {FunctionName: "A", FaaSServer: "gh", InvokeNext: mustInvokeNext(t, `["B"]`)},
			"B": {FunctionName: "B", FaaSServer: "gh"},
		},
		ComputeServers: map[string]*domain.ComputeServer{
			"gh": {FaaSType: domain.FaaSGitHubActions, Token: "pat", UserName: "org", ActionRepoName: "repo", Branch: "main"},
		},
	}
	s := New(doc, map[string]json.RawMessage{"InvocationID": json.RawMessage(`"id-1"`)}, "org/repo/main/wf.json")
	s.GitHubAPIBase = srv.URL

	if err := s.TriggerAll(context.Background(), "A", nil); err != nil {
		t.Fatalf("TriggerAll: %v", err)
	}
	if gotAuth != "token pat" {
		t.Fatalf("unexpected auth header: %q", gotAuth)
	}
	if gotPath != "/repos/org/repo/actions/workflows/B.yml/dispatches" {
		t.Fatalf("unexpected dispatch path: %q", gotPath)
	}
}

func TestTriggerFunc_RankedFanOutSetsOverlay(t *testing.T) {
	var sawRanks []float64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var generic map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&generic)
		inputs, _ := generic["inputs"].(map[string]interface{})
		overlayRaw, _ := inputs["OVERWRITTEN"].(string)
		var overlay map[string]interface{}
		_ = json.Unmarshal([]byte(overlayRaw), &overlay)
		if rank, ok := overlay["FunctionRank"]; ok {
			sawRanks = append(sawRanks, rank.(float64))
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	doc := &domain.WorkflowDocument{
		ActionList: map[string]*domain.Action{
			"A": {FunctionName: "A", FaaSServer: "gh", InvokeNext: mustInvokeNext(t, `["B(3)"]`)},
			"B": {FunctionName: "B", FaaSServer: "gh"},
		},
		ComputeServers: map[string]*domain.ComputeServer{
			"gh": {FaaSType: domain.FaaSGitHubActions, Token: "pat", UserName: "org", ActionRepoName: "repo", Branch: "main"},
		},
	}
	s := New(doc, map[string]json.RawMessage{}, "org/repo/main/wf.json")
	s.GitHubAPIBase = srv.URL

	if err := s.TriggerAll(context.Background(), "A", nil); err != nil {
		t.Fatalf("TriggerAll: %v", err)
	}
	if len(sawRanks) != 3 {
		t.Fatalf("expected 3 dispatches with ranks, got %d: %v", len(sawRanks), sawRanks)
	}
}

func TestTriggerFunc_SecretStoreStripsOverlay(t *testing.T) {
	var sawKeys map[string]bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var generic map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&generic)
		inputs, _ := generic["inputs"].(map[string]interface{})
		overlayRaw, _ := inputs["OVERWRITTEN"].(string)
		var overlay map[string]interface{}
		_ = json.Unmarshal([]byte(overlayRaw), &overlay)
		sawKeys = map[string]bool{}
		for k := range overlay {
			sawKeys[k] = true
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	doc := &domain.WorkflowDocument{
		ActionList: map[string]*domain.Action{
			"A": {FunctionName: "A", FaaSServer: "gh", InvokeNext: mustInvokeNext(t, `["B"]`)},
			"B": {FunctionName: "B", FaaSServer: "gh"},
		},
		ComputeServers: map[string]*domain.ComputeServer{
			"gh": {FaaSType: domain.FaaSGitHubActions, Token: "pat", UserName: "org", ActionRepoName: "repo", Branch: "main", UseSecretStore: true},
		},
	}
	overlay := map[string]json.RawMessage{
		"ComputeServers": json.RawMessage(`{}`),
		"DataStores":     json.RawMessage(`{}`),
		"InvocationID":   json.RawMessage(`"id-1"`),
	}
	s := New(doc, overlay, "org/repo/main/wf.json")
	s.GitHubAPIBase = srv.URL

	if err := s.TriggerAll(context.Background(), "A", nil); err != nil {
		t.Fatalf("TriggerAll: %v", err)
	}
	if sawKeys["ComputeServers"] || sawKeys["DataStores"] {
		t.Fatalf("expected secrets stripped, got keys: %v", sawKeys)
	}
	if !sawKeys["InvocationID"] {
		t.Fatalf("expected non-secret keys preserved, got keys: %v", sawKeys)
	}
}

func TestTriggerAll_ConditionalBranchSelection(t *testing.T) {
	tests := []struct {
		name        string
		invokeNext  string
		returnValue string
		wantPath    string
	}{
		{"bool true", `[{"true": ["B"], "false": ["C"]}]`, `true`, "/repos/org/repo/actions/workflows/B.yml/dispatches"},
		{"bool false", `[{"true": ["B"], "false": ["C"]}]`, `false`, "/repos/org/repo/actions/workflows/C.yml/dispatches"},
		{"string key unquoted", `[{"retry": ["B"], "done": ["C"]}]`, `"done"`, "/repos/org/repo/actions/workflows/C.yml/dispatches"},
		{"number key", `[{"1": ["B"], "2": ["C"]}]`, `2`, "/repos/org/repo/actions/workflows/C.yml/dispatches"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotPaths []string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotPaths = append(gotPaths, r.URL.Path)
				w.WriteHeader(http.StatusNoContent)
			}))
			defer srv.Close()

			doc := &domain.WorkflowDocument{
				ActionList: map[string]*domain.Action{
					"A": {FunctionName: "A", FaaSServer: "gh", InvokeNext: mustInvokeNext(t, tt.invokeNext)},
					"B": {FunctionName: "B", FaaSServer: "gh"},
					"C": {FunctionName: "C", FaaSServer: "gh"},
				},
				ComputeServers: map[string]*domain.ComputeServer{
					"gh": {FaaSType: domain.FaaSGitHubActions, Token: "pat", UserName: "org", ActionRepoName: "repo", Branch: "main"},
				},
			}
			s := New(doc, map[string]json.RawMessage{}, "org/repo/main/wf.json")
			s.GitHubAPIBase = srv.URL

			if err := s.TriggerAll(context.Background(), "A", []byte(tt.returnValue)); err != nil {
				t.Fatalf("TriggerAll: %v", err)
			}
			if len(gotPaths) != 1 || gotPaths[0] != tt.wantPath {
				t.Fatalf("dispatched %v, want exactly [%s]", gotPaths, tt.wantPath)
			}
		})
	}
}

func TestTriggerAll_MissingConditionalKeyDispatchesNothing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected dispatch: %s", r.URL.Path)
	}))
	defer srv.Close()

	doc := &domain.WorkflowDocument{
		ActionList: map[string]*domain.Action{
			"A": {FunctionName: "A", FaaSServer: "gh", InvokeNext: mustInvokeNext(t, `[{"true": ["B"]}]`)},
			"B": {FunctionName: "B", FaaSServer: "gh"},
		},
		ComputeServers: map[string]*domain.ComputeServer{
			"gh": {FaaSType: domain.FaaSGitHubActions, Token: "pat", UserName: "org", ActionRepoName: "repo", Branch: "main"},
		},
	}
	s := New(doc, map[string]json.RawMessage{}, "org/repo/main/wf.json")
	s.GitHubAPIBase = srv.URL

	if err := s.TriggerAll(context.Background(), "A", []byte(`false`)); err != nil {
		t.Fatalf("TriggerAll: %v", err)
	}
}

func TestTriggerAll_UnknownComputeServer(t *testing.T) {
	doc := &domain.WorkflowDocument{
		ActionList: map[string]*domain.Action{
			"A": {FunctionName: "A", InvokeNext: mustInvokeNext(t, `["B"]`)},
			"B": {FunctionName: "B", FaaSServer: "missing"},
		},
	}
	s := New(doc, nil, "")
	err := s.TriggerAll(context.Background(), "A", nil)
	var unknown *ErrUnknownComputeServer
	if !errors.As(err, &unknown) {
		t.Fatalf("expected ErrUnknownComputeServer, got %v", err)
	}
}
