// Package payload implements the in-memory workflow document: an
// immutable base fetched once from the workflow source, plus a
// mutable overlay ("overwritten") that is the only thing mutated
// during an invocation and the only thing propagated downstream.
package payload

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/oriys/zephyr/internal/domain"
)

// secretExcludedKeys name the subtrees ReplaceSecrets never touches:
// function-source and package fields whose values may legitimately
// collide with secret names.
var secretExcludedKeys = map[string]bool{
	"FunctionGitRepo":       true,
	"ActionList":            true,
	"FunctionCRANPackage":   true,
	"FunctionGitHubPackage": true,
	"PyPIPackageDownloads":  true,
	"PackageImports":        true,
}

// ErrInvocationAlreadyExists is returned by InitLogFolder when the
// invocation's log prefix already has objects under it.
type ErrInvocationAlreadyExists struct{ InvocationID string }

func (e *ErrInvocationAlreadyExists) Error() string {
	return fmt.Sprintf("invocation already exists: %s", e.InvocationID)
}

// ErrDataStoreUnreachable wraps a head-bucket failure for a named store.
type ErrDataStoreUnreachable struct {
	Store string
	Err   error
}

func (e *ErrDataStoreUnreachable) Error() string {
	return fmt.Sprintf("data store %q unreachable: %v", e.Store, e.Err)
}
func (e *ErrDataStoreUnreachable) Unwrap() error { return e.Err }

// ErrInvalidEndpoint is returned when a data store's Endpoint does not
// start with "http".
type ErrInvalidEndpoint struct{ Store, Endpoint string }

func (e *ErrInvalidEndpoint) Error() string {
	return fmt.Sprintf("data store %q has invalid endpoint %q: must start with http", e.Store, e.Endpoint)
}

// ObjectStore is the object-store surface Payload needs; satisfied by
// *objectstore.Client.
type ObjectStore interface {
	HeadBucket(ctx context.Context, name string) error
	Put(ctx context.Context, name, key string, body []byte) error
	List(ctx context.Context, name, prefix string) ([]string, error)
}

// HTTPDoer is the minimal surface Payload needs to fetch its source
// document; satisfied by *http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Payload is a workflow document with overlay-first field lookup.
type Payload struct {
	base     *domain.WorkflowDocument
	overlay  map[string]json.RawMessage
	sourceURL string
}

// New constructs a Payload from an already-fetched base document and
// an initial overlay (the "OVERWRITTEN" input). sourceURL is the URL
// this document was fetched from, propagated to successors as
// PAYLOAD_URL.
func New(base *domain.WorkflowDocument, overlay map[string]json.RawMessage, sourceURL string) *Payload {
	if overlay == nil {
		overlay = make(map[string]json.RawMessage)
	}
	return &Payload{base: base, overlay: overlay, sourceURL: sourceURL}
}

// Fetch retrieves the workflow document from a GitHub raw content URL
// in "owner/repo/branch/path" form, using an optional bearer token.
func Fetch(ctx context.Context, client HTTPDoer, path, token string, overlay map[string]json.RawMessage) (*Payload, error) {
	url := "https://raw.githubusercontent.com/" + strings.TrimPrefix(path, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build payload fetch request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch payload: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch payload: unexpected status %d", resp.StatusCode)
	}

	var doc domain.WorkflowDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse payload json: %w", err)
	}

	return New(&doc, overlay, path), nil
}

// SourceURL returns the URL the base document was fetched from.
func (p *Payload) SourceURL() string { return p.sourceURL }

// Base returns the immutable base document (read-only; callers must
// not mutate it).
func (p *Payload) Base() *domain.WorkflowDocument { return p.base }

// Overlay returns the mutable overlay map that is the exclusive
// channel for propagating state to successor invocations.
func (p *Payload) Overlay() map[string]json.RawMessage { return p.overlay }

// Get looks up a top-level field, overlay first, falling back to the
// base document's JSON-tagged fields. Returns ok=false if the field is
// present in neither.
func (p *Payload) Get(key string) (json.RawMessage, bool) {
	if v, ok := p.overlay[key]; ok {
		return v, true
	}
	baseJSON, err := json.Marshal(p.base)
	if err != nil {
		return nil, false
	}
	var asMap map[string]json.RawMessage
	if err := json.Unmarshal(baseJSON, &asMap); err != nil {
		return nil, false
	}
	v, ok := asMap[key]
	return v, ok
}

// Set writes only to the overlay, never the base.
func (p *Payload) Set(key string, value json.RawMessage) {
	p.overlay[key] = value
}

// FunctionInvoke returns the name of the action being run now, overlay
// taking precedence over base.
func (p *Payload) FunctionInvoke() string {
	if v, ok := p.overlay["FunctionInvoke"]; ok {
		var s string
		if json.Unmarshal(v, &s) == nil {
			return s
		}
	}
	return p.base.FunctionInvoke
}

// SetFunctionInvoke sets the current action name in the overlay.
func (p *Payload) SetFunctionInvoke(name string) {
	b, _ := json.Marshal(name)
	p.overlay["FunctionInvoke"] = b
}

// FunctionRank returns the 1-based rank of this invocation when it is
// a fan-out instance, 0 otherwise. Overlay takes precedence.
func (p *Payload) FunctionRank() int {
	if v, ok := p.overlay["FunctionRank"]; ok {
		var k int
		if json.Unmarshal(v, &k) == nil {
			return k
		}
	}
	return p.base.FunctionRank
}

// InvocationID returns the overlay/base InvocationID, generating and
// storing a fresh UUID in the overlay if absent.
func (p *Payload) InvocationID() string {
	if v, ok := p.overlay["InvocationID"]; ok {
		var s string
		if json.Unmarshal(v, &s) == nil && s != "" {
			return s
		}
	}
	if p.base.InvocationID != "" {
		if _, err := uuid.Parse(p.base.InvocationID); err == nil {
			return p.base.InvocationID
		}
	}
	fresh := uuid.NewString()
	b, _ := json.Marshal(fresh)
	p.overlay["InvocationID"] = b
	return fresh
}

// FaaSrLog returns the log-object prefix, defaulting to "FaaSrLog".
func (p *Payload) FaaSrLog() string {
	if p.base.FaaSrLog != "" {
		return p.base.FaaSrLog
	}
	return "FaaSrLog"
}

// LoggingDataStore returns the data store used for log/coordination
// objects, falling back to DefaultDataStore.
func (p *Payload) LoggingDataStore() string {
	if p.base.LoggingDataStore != "" {
		return p.base.LoggingDataStore
	}
	return p.base.DefaultDataStore
}

// Action returns the ActionList entry for name.
func (p *Payload) Action(name string) (*domain.Action, bool) {
	a, ok := p.base.ActionList[name]
	return a, ok
}

// CurrentAction returns the ActionList entry for FunctionInvoke().
func (p *Payload) CurrentAction() (*domain.Action, bool) {
	return p.Action(p.FunctionInvoke())
}

// ReplaceSecrets recursively walks the base document's JSON
// representation, replacing any string leaf value that is a key in
// secrets with its mapped value, skipping the excluded subtrees
// (ActionList, FunctionGitRepo, FunctionCRANPackage,
// FunctionGitHubPackage, PyPIPackageDownloads, PackageImports).
// Returns a new document; the original base is left untouched.
func ReplaceSecrets(doc *domain.WorkflowDocument, secrets map[string]string) (*domain.WorkflowDocument, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	var generic map[string]interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("unmarshal document: %w", err)
	}

	for k, v := range generic {
		if secretExcludedKeys[k] {
			continue
		}
		generic[k] = substituteSecrets(v, secrets)
	}

	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("remarshal document: %w", err)
	}
	var result domain.WorkflowDocument
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, fmt.Errorf("unmarshal replaced document: %w", err)
	}
	return &result, nil
}

func substituteSecrets(v interface{}, secrets map[string]string) interface{} {
	switch val := v.(type) {
	case string:
		if repl, ok := secrets[val]; ok {
			return repl
		}
		return val
	case map[string]interface{}:
		for k, sub := range val {
			val[k] = substituteSecrets(sub, secrets)
		}
		return val
	case []interface{}:
		for i, sub := range val {
			val[i] = substituteSecrets(sub, secrets)
		}
		return val
	default:
		return v
	}
}

// S3Check validates every configured data store: Endpoint must begin
// with "http", empty Region defaults to us-east-1, and the bucket
// must respond to a head-bucket check (credentials omitted for
// Anonymous stores, per the runtime's resolution of that field).
func S3Check(ctx context.Context, store ObjectStore, doc *domain.WorkflowDocument) error {
	for name, ds := range doc.DataStores {
		if !strings.HasPrefix(ds.Endpoint, "http") {
			return &ErrInvalidEndpoint{Store: name, Endpoint: ds.Endpoint}
		}
		if ds.Region == "" {
			ds.Region = "us-east-1"
		}
		if err := store.HeadBucket(ctx, name); err != nil {
			return &ErrDataStoreUnreachable{Store: name, Err: err}
		}
	}
	return nil
}

// InitLogFolder ensures InvocationID is set and creates the
// invocation's marker folder in the logging data store. If objects
// already exist under that prefix, it fails with
// ErrInvocationAlreadyExists.
func InitLogFolder(ctx context.Context, store ObjectStore, p *Payload) error {
	invocationID := p.InvocationID()
	logFolder := fmt.Sprintf("%s/%s/", p.FaaSrLog(), invocationID)

	existing, err := store.List(ctx, p.LoggingDataStore(), logFolder)
	if err != nil {
		return fmt.Errorf("list log folder: %w", err)
	}
	if len(existing) > 0 {
		return &ErrInvocationAlreadyExists{InvocationID: invocationID}
	}

	if err := store.Put(ctx, p.LoggingDataStore(), logFolder, nil); err != nil {
		return fmt.Errorf("init log folder: %w", err)
	}
	return nil
}
