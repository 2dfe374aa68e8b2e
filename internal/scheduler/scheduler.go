// Package scheduler dispatches successor actions to their configured
// compute-server backend once the current action has produced a
// return value.
package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/oriys/zephyr/internal/domain"
	"github.com/oriys/zephyr/internal/observability"
)

// ErrConditionalWithoutReturn is returned when an InvokeNext entry is
// conditional but the current action produced no return value.
var ErrConditionalWithoutReturn = fmt.Errorf("invoke next has a conditional branch but no return value was produced")

// ErrProviderDispatch wraps a dispatch failure from any backend.
type ErrProviderDispatch struct {
	Action   string
	Provider domain.FaaSType
	Err      error
}

func (e *ErrProviderDispatch) Error() string {
	return fmt.Sprintf("dispatch %q to %s: %v", e.Action, e.Provider, e.Err)
}
func (e *ErrProviderDispatch) Unwrap() error { return e.Err }

// ErrUnknownComputeServer names a FaaSServer that has no ComputeServers entry.
type ErrUnknownComputeServer struct{ Name string }

func (e *ErrUnknownComputeServer) Error() string {
	return fmt.Sprintf("unknown compute server: %s", e.Name)
}

// SlurmDispatcher is the subset of internal/scheduler/slurm the
// Scheduler needs, kept as an interface so tests never need a real
// SLURM cluster.
type SlurmDispatcher interface {
	Dispatch(ctx context.Context, server *domain.ComputeServer, action *domain.Action, overlay map[string]json.RawMessage, sourceURL string) error
}

// Scheduler triggers one action's successors against their configured
// compute-server backends.
type Scheduler struct {
	Doc       *domain.WorkflowDocument
	SourceURL string
	Overlay   map[string]json.RawMessage

	HTTPClient *http.Client
	Slurm      SlurmDispatcher

	// GitHubAPIBase lets tests point dispatch at an httptest.Server
	// instead of the real GitHub API.
	GitHubAPIBase string

	Logf func(format string, args ...interface{})

	// Observe, when set, records each dispatch attempt's provider and
	// outcome ("ok" or "error") for the metrics registry.
	Observe func(provider, outcome string)
}

const defaultGitHubAPIBase = "https://api.github.com"

// New builds a Scheduler bound to one invocation's document, overlay,
// and originating payload URL.
func New(doc *domain.WorkflowDocument, overlay map[string]json.RawMessage, sourceURL string) *Scheduler {
	return &Scheduler{
		Doc:           doc,
		SourceURL:     sourceURL,
		Overlay:       overlay,
		HTTPClient:    &http.Client{Timeout: 30 * time.Second},
		GitHubAPIBase: defaultGitHubAPIBase,
		Logf:          func(string, ...interface{}) {},
	}
}

// TriggerAll reads the current action's InvokeNext and dispatches
// every resulting successor, choosing conditional branches by the
// stringified returnValue when present.
func (s *Scheduler) TriggerAll(ctx context.Context, currentAction string, returnValue []byte) error {
	action, ok := s.Doc.ActionList[currentAction]
	if !ok {
		return fmt.Errorf("action %q not found", currentAction)
	}
	if len(action.InvokeNext) == 0 {
		s.Logf("action %q has no triggers", currentAction)
		return nil
	}
	return s.triggerList(ctx, action.InvokeNext, returnValue)
}

func (s *Scheduler) triggerList(ctx context.Context, targets domain.InvokeNext, returnValue []byte) error {
	if targets.ContainsConditional() && returnAbsent(returnValue) {
		return ErrConditionalWithoutReturn
	}

	for _, target := range targets {
		switch target.Kind {
		case domain.InvokeTargetPlain:
			if err := s.triggerFunc(ctx, target.Name, 1); err != nil {
				return err
			}
		case domain.InvokeTargetRanked:
			if err := s.triggerFunc(ctx, target.Name, target.Rank); err != nil {
				return err
			}
		case domain.InvokeTargetConditional:
			branch, ok := target.Conditional[branchKey(returnValue)]
			if !ok {
				continue
			}
			if err := s.triggerList(ctx, branch, returnValue); err != nil {
				return err
			}
		}
	}
	return nil
}

// returnAbsent reports whether the function produced no usable return
// value: nothing at all, or an explicit JSON null (the entry script
// always reports a result, so a function returning nothing arrives
// here as the literal null).
func returnAbsent(returnValue []byte) bool {
	trimmed := bytes.TrimSpace(returnValue)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// branchKey maps a raw JSON return value onto the conditional map's
// string keys: a JSON string selects by its unquoted contents, every
// other value (bool, number) by its literal JSON text.
func branchKey(returnValue []byte) string {
	var s string
	if json.Unmarshal(returnValue, &s) == nil {
		return s
	}
	return string(bytes.TrimSpace(returnValue))
}

// triggerFunc dispatches N copies of function f (N==1 for an
// unranked successor), setting overlay FunctionInvoke/FunctionRank
// per copy before building the dispatch payload.
func (s *Scheduler) triggerFunc(ctx context.Context, f string, n int) error {
	action, ok := s.Doc.ActionList[f]
	if !ok {
		return fmt.Errorf("trigger_func: action %q not found", f)
	}
	server, ok := s.Doc.ComputeServers[action.FaaSServer]
	if !ok {
		return &ErrUnknownComputeServer{Name: action.FaaSServer}
	}

	for k := 1; k <= n; k++ {
		overlay := s.overlayFor(f, n, k, server)
		if err := s.dispatch(ctx, f, action, server, overlay); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) overlayFor(f string, n, k int, server *domain.ComputeServer) map[string]json.RawMessage {
	overlay := make(map[string]json.RawMessage, len(s.Overlay)+2)
	for key, v := range s.Overlay {
		overlay[key] = v
	}

	nameJSON, _ := json.Marshal(f)
	overlay["FunctionInvoke"] = nameJSON
	if n > 1 {
		rankJSON, _ := json.Marshal(k)
		overlay["FunctionRank"] = rankJSON
	} else {
		delete(overlay, "FunctionRank")
	}

	if server.UseSecretStore {
		delete(overlay, "ComputeServers")
		delete(overlay, "DataStores")
	}
	return overlay
}

func (s *Scheduler) dispatch(ctx context.Context, f string, action *domain.Action, server *domain.ComputeServer, overlay map[string]json.RawMessage) error {
	var err error
	switch server.FaaSType {
	case domain.FaaSGitHubActions:
		err = s.dispatchGitHubActions(ctx, f, server, overlay)
	case domain.FaaSLambda:
		err = s.dispatchLambda(ctx, f, server, overlay)
	case domain.FaaSOpenWhisk:
		err = s.dispatchOpenWhisk(ctx, f, server, overlay)
	case domain.FaaSSLURM:
		if s.Slurm == nil {
			err = fmt.Errorf("no SLURM dispatcher configured")
		} else {
			err = s.Slurm.Dispatch(ctx, server, action, overlay, s.SourceURL)
		}
	default:
		err = fmt.Errorf("unsupported FaaSType: %s", server.FaaSType)
	}
	if s.Observe != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		s.Observe(string(server.FaaSType), outcome)
	}
	if err != nil {
		return &ErrProviderDispatch{Action: f, Provider: server.FaaSType, Err: err}
	}
	return nil
}

type dispatchBody struct {
	Overwritten map[string]json.RawMessage `json:"OVERWRITTEN"`
	PayloadURL  string                     `json:"PAYLOAD_URL"`
}

func (s *Scheduler) dispatchGitHubActions(ctx context.Context, f string, server *domain.ComputeServer, overlay map[string]json.RawMessage) error {
	base := s.GitHubAPIBase
	if base == "" {
		base = defaultGitHubAPIBase
	}
	dispatchURL := fmt.Sprintf("%s/repos/%s/%s/actions/workflows/%s.yml/dispatches",
		base, server.UserName, server.ActionRepoName, f)

	body := struct {
		Ref    string          `json:"ref"`
		Inputs json.RawMessage `json:"inputs"`
	}{Ref: server.Branch}

	// GitHub Actions workflow_dispatch inputs must all be strings, so
	// the overlay is JSON-encoded and passed as a single string field
	// rather than embedded as a nested object.
	overlayJSON, err := json.Marshal(overlay)
	if err != nil {
		return fmt.Errorf("marshal overlay: %w", err)
	}
	inputs, err := json.Marshal(map[string]string{
		"OVERWRITTEN": string(overlayJSON),
		"PAYLOAD_URL": s.SourceURL,
	})
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}
	body.Inputs = inputs

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dispatchURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "token "+server.Token)
	req.Header.Set("Accept", "application/vnd.github+json")
	observability.InjectHTTPHeaders(ctx, req.Header)

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil
	case http.StatusUnauthorized:
		return fmt.Errorf("GitHub Actions dispatch unauthorized (check Token)")
	case http.StatusNotFound:
		return fmt.Errorf("GitHub Actions workflow not found: %s/%s %s.yml", server.UserName, server.ActionRepoName, f)
	case http.StatusUnprocessableEntity:
		return fmt.Errorf("GitHub Actions dispatch rejected: invalid ref %q or inputs", server.Branch)
	default:
		return fmt.Errorf("unexpected GitHub Actions dispatch status: %d", resp.StatusCode)
	}
}

func (s *Scheduler) dispatchOpenWhisk(ctx context.Context, f string, server *domain.ComputeServer, overlay map[string]json.RawMessage) error {
	dispatchURL := fmt.Sprintf("%s/api/v1/namespaces/%s/actions/%s?blocking=false&result=false",
		server.Endpoint, server.Namespace, f)

	key, secret := splitAPIKey(server.APIKey)

	body, err := json.Marshal(dispatchBody{Overwritten: overlay, PayloadURL: s.SourceURL})
	if err != nil {
		return fmt.Errorf("marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dispatchURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(key, secret)
	observability.InjectHTTPHeaders(ctx, req.Header)

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("unexpected OpenWhisk dispatch status: %d", resp.StatusCode)
	}
	return nil
}

// splitAPIKey parses OpenWhisk's conventional "uuid:secret" API key format.
func splitAPIKey(apiKey string) (key, secret string) {
	parts := strings.SplitN(apiKey, ":", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return apiKey, ""
}
