package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/oriys/zephyr/internal/config"
	"github.com/oriys/zephyr/internal/domain"
	"github.com/oriys/zephyr/internal/executor"
)

func (f *fakeStore) HeadBucket(context.Context, string) error { return nil }

func (f *fakeStore) Exists(_ context.Context, _, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok, nil
}

// stubTransport serves a fixed document body for payload fetches
// against raw.githubusercontent.com and passes every other request
// (provider dispatch against an httptest server) through untouched.
type stubTransport struct {
	body []byte
}

func (s stubTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if r.URL.Host != "raw.githubusercontent.com" {
		return http.DefaultTransport.RoundTrip(r)
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(bytes.NewReader(s.body)),
		Header:     make(http.Header),
	}, nil
}

func testDriver(t *testing.T, doc *domain.WorkflowDocument, store *fakeStore) *Driver {
	t.Helper()
	body, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal test doc: %v", err)
	}
	d := New(config.Default())
	d.HTTP = &http.Client{Transport: stubTransport{body: body}}
	d.newStore = func(map[string]*domain.DataStore) Store { return store }
	return d
}

func baseTestDoc() *domain.WorkflowDocument {
	return &domain.WorkflowDocument{
		ActionList: map[string]*domain.Action{
			"A": {FunctionName: "a_func", Type: domain.ActionTypePython, FaaSServer: "gh",
				InvokeNext: domain.InvokeNext{
					{Kind: domain.InvokeTargetPlain, Name: "B"},
					{Kind: domain.InvokeTargetPlain, Name: "C"},
				}},
			"B": {FunctionName: "b_func", Type: domain.ActionTypePython, FaaSServer: "gh",
				InvokeNext: domain.InvokeNext{{Kind: domain.InvokeTargetPlain, Name: "D"}}},
			"C": {FunctionName: "c_func", Type: domain.ActionTypePython, FaaSServer: "gh",
				InvokeNext: domain.InvokeNext{{Kind: domain.InvokeTargetPlain, Name: "D"}}},
			"D": {FunctionName: "d_func", Type: domain.ActionTypePython, FaaSServer: "gh"},
		},
		DataStores: map[string]*domain.DataStore{
			"s3-main": {Endpoint: "http://minio.local", Bucket: "bucket-main", Region: "us-east-1"},
		},
		DefaultDataStore: "s3-main",
		FunctionInvoke:   "A",
	}
}

const testInvocationID = "11111111-1111-1111-1111-111111111111"

// fakeExecutor stands in for the real child-process launch: it writes
// the done flag the way the executor would and reports a fixed
// function result.
func fakeExecutor(store *fakeStore, result []byte) func(context.Context, *executor.Executor, *domain.WorkflowDocument, string, string) (*executor.Result, error) {
	return func(ctx context.Context, _ *executor.Executor, doc *domain.WorkflowDocument, loggingStore, invocationFolder string) (*executor.Result, error) {
		doneName := doc.FunctionInvoke
		if doc.FunctionRank > 0 {
			doneName = fmt.Sprintf("%s.%d", doneName, doc.FunctionRank)
		}
		if err := store.Put(ctx, loggingStore, fmt.Sprintf("%s/%s.done", invocationFolder, doneName), []byte("True")); err != nil {
			return nil, err
		}
		return &executor.Result{FunctionResult: result}, nil
	}
}

func TestRun_LinearChain_DispatchesSuccessor(t *testing.T) {
	var dispatches []string
	var gotRef string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dispatches = append(dispatches, r.URL.Path)
		var body struct {
			Ref string `json:"ref"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotRef = body.Ref
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	doc := &domain.WorkflowDocument{
		ActionList: map[string]*domain.Action{
			"A": {FunctionName: "a_func", Type: domain.ActionTypePython, FaaSServer: "gh",
				InvokeNext: domain.InvokeNext{{Kind: domain.InvokeTargetPlain, Name: "B"}}},
			"B": {FunctionName: "b_func", Type: domain.ActionTypePython, FaaSServer: "gh"},
		},
		ComputeServers: map[string]*domain.ComputeServer{
			"gh": {FaaSType: domain.FaaSGitHubActions, Token: "pat", UserName: "org", ActionRepoName: "repo", Branch: "main"},
		},
		DataStores: map[string]*domain.DataStore{
			"s3-main": {Endpoint: "http://minio.local", Bucket: "bucket-main"},
		},
		DefaultDataStore: "s3-main",
		FunctionInvoke:   "A",
	}

	store := newFakeStore()
	d := testDriver(t, doc, store)
	d.Cfg.Scheduler.GitHubAPIBase = srv.URL
	d.Cfg.Observability.Logging.CaptureDir = t.TempDir()
	d.runExecutor = fakeExecutor(store, []byte(`"done"`))

	err := d.Run(context.Background(), Input{PayloadPath: "org/repo/main/wf.json", Overlay: map[string]interface{}{
		"InvocationID": testInvocationID,
	}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	invocationFolder := "FaaSrLog/" + testInvocationID
	if _, ok := store.objects[invocationFolder+"/"]; !ok {
		t.Fatal("expected log-folder marker for the source node")
	}
	if _, ok := store.objects[invocationFolder+"/A.done"]; !ok {
		t.Fatal("expected A.done flag")
	}
	if len(dispatches) != 1 || dispatches[0] != "/repos/org/repo/actions/workflows/B.yml/dispatches" {
		t.Fatalf("dispatches = %v, want one POST for B", dispatches)
	}
	if gotRef != "main" {
		t.Fatalf("dispatch ref = %q, want main", gotRef)
	}
}

func TestRun_ValidationFailureWritesNothing(t *testing.T) {
	doc := baseTestDoc()
	// Introduce a cycle so the DAG check fails after schema validation.
	doc.ActionList["D"].InvokeNext = domain.InvokeNext{{Kind: domain.InvokeTargetPlain, Name: "A"}}
	store := newFakeStore()
	d := testDriver(t, doc, store)

	err := d.Run(context.Background(), Input{PayloadPath: "org/repo/main/wf.json", Overlay: map[string]interface{}{
		"InvocationID": testInvocationID,
	}})
	if err == nil {
		t.Fatal("expected DAG failure")
	}
	if len(store.objects) != 0 {
		t.Fatalf("expected no object-store writes on validation failure, got %v", store.objects)
	}
}

func TestRun_SchemaViolation(t *testing.T) {
	doc := baseTestDoc()
	doc.FunctionInvoke = "nonexistent"
	store := newFakeStore()
	d := testDriver(t, doc, store)

	err := d.Run(context.Background(), Input{PayloadPath: "org/repo/main/wf.json", Overlay: map[string]interface{}{
		"InvocationID": testInvocationID,
	}})
	if err == nil {
		t.Fatal("expected schema violation error, got nil")
	}
}

func TestRun_CycleDetected(t *testing.T) {
	doc := baseTestDoc()
	// Make D point back to A, introducing a cycle.
	doc.ActionList["D"].InvokeNext = domain.InvokeNext{{Kind: domain.InvokeTargetPlain, Name: "A"}}
	store := newFakeStore()
	d := testDriver(t, doc, store)

	err := d.Run(context.Background(), Input{PayloadPath: "org/repo/main/wf.json", Overlay: map[string]interface{}{
		"InvocationID": testInvocationID,
	}})
	if err == nil {
		t.Fatal("expected cycle error, got nil")
	}
}

func TestRun_FanIn_NotLastTrigger_NoFlag(t *testing.T) {
	doc := baseTestDoc()
	store := newFakeStore()
	d := testDriver(t, doc, store)

	// Neither B.done nor C.done is present, so D's invocation must
	// exit cleanly without reaching the executor.
	err := d.Run(context.Background(), Input{PayloadPath: "org/repo/main/wf.json", Overlay: map[string]interface{}{
		"InvocationID":   testInvocationID,
		"FunctionInvoke": "D",
	}})
	if err != nil {
		t.Fatalf("expected clean exit, got error: %v", err)
	}
}

func TestRun_FanIn_NotLastTrigger_NotFirstWriter(t *testing.T) {
	doc := baseTestDoc()
	store := newFakeStore()

	invocationFolder := "FaaSrLog/" + testInvocationID
	store.objects[invocationFolder+"/B.done"] = []byte("True")
	store.objects[invocationFolder+"/C.done"] = []byte("True")
	// Pre-seed the candidate ballot with another writer's entry so
	// this invocation's append can never be the first line.
	store.objects[invocationFolder+"/D.candidate"] = []byte("999999999\n")

	d := testDriver(t, doc, store)

	err := d.Run(context.Background(), Input{PayloadPath: "org/repo/main/wf.json", Overlay: map[string]interface{}{
		"InvocationID":   testInvocationID,
		"FunctionInvoke": "D",
	}})
	if err != nil {
		t.Fatalf("expected clean exit, got error: %v", err)
	}
}

func TestRun_FanIn_RankedPredecessorBarrier(t *testing.T) {
	doc := baseTestDoc()
	// A fans out to three B instances which all converge on D.
	doc.ActionList["A"].InvokeNext = domain.InvokeNext{{Kind: domain.InvokeTargetRanked, Name: "B", Rank: 3}}
	doc.ActionList["B"].InvokeNext = domain.InvokeNext{{Kind: domain.InvokeTargetPlain, Name: "D"}}
	delete(doc.ActionList, "C")

	store := newFakeStore()
	invocationFolder := "FaaSrLog/" + testInvocationID
	// Only two of the three rank instances have finished.
	store.objects[invocationFolder+"/B.1.done"] = []byte("True")
	store.objects[invocationFolder+"/B.2.done"] = []byte("True")

	d := testDriver(t, doc, store)
	err := d.Run(context.Background(), Input{PayloadPath: "org/repo/main/wf.json", Overlay: map[string]interface{}{
		"InvocationID":   testInvocationID,
		"FunctionInvoke": "D",
	}})
	if err != nil {
		t.Fatalf("expected clean exit while B.3.done is missing, got %v", err)
	}
	if _, ok := store.objects[invocationFolder+"/D.candidate"]; ok {
		t.Fatal("election must not run before the barrier is satisfied")
	}
}

func TestRun_DataStoreUnreachable(t *testing.T) {
	doc := baseTestDoc()
	doc.DataStores["s3-main"].Endpoint = "not-a-url"
	store := newFakeStore()
	d := testDriver(t, doc, store)

	err := d.Run(context.Background(), Input{PayloadPath: "org/repo/main/wf.json", Overlay: map[string]interface{}{
		"InvocationID": testInvocationID,
	}})
	if err == nil {
		t.Fatal("expected invalid-endpoint error, got nil")
	}
}
