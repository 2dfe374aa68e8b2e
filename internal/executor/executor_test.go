package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"testing"

	"github.com/oriys/zephyr/internal/domain"
	"github.com/oriys/zephyr/internal/sidecar"
)

type fakeStore struct {
	mu   sync.Mutex
	puts map[string][]byte
}

func newFakeStore() *fakeStore { return &fakeStore{puts: make(map[string][]byte)} }

func (f *fakeStore) Put(_ context.Context, _, key string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts[key] = body
	return nil
}

func docWithAction(name string) *domain.WorkflowDocument {
	return &domain.WorkflowDocument{
		InvocationID:   "inv-1",
		FunctionInvoke: name,
		ActionList: map[string]*domain.Action{
			name: {FunctionName: name, Type: domain.ActionTypePython},
		},
	}
}

func TestRun_SuccessWritesDoneFlagAndReturnsResult(t *testing.T) {
	store := newFakeStore()
	e := New(store, nil)
	e.BaseWorkDir = t.TempDir()
	e.launch = func(ctx context.Context, workDir string, action *domain.Action, port int) ([]byte, []byte, error) {
		return []byte("stdout"), nil, nil
	}

	doc := docWithAction("A")
	result, err := e.Run(context.Background(), doc, "logs", "FaaSrLog/inv-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if string(result.Stdout) != "stdout" {
		t.Errorf("unexpected stdout: %s", result.Stdout)
	}
	if _, ok := store.puts["FaaSrLog/inv-1/A.done"]; !ok {
		t.Fatalf("expected done flag to be written, got %+v", store.puts)
	}
}

func TestRun_RankedInvocationWritesRankedDoneFlag(t *testing.T) {
	store := newFakeStore()
	e := New(store, nil)
	e.BaseWorkDir = t.TempDir()
	e.launch = func(ctx context.Context, workDir string, action *domain.Action, port int) ([]byte, []byte, error) {
		return nil, nil, nil
	}

	doc := docWithAction("B")
	doc.FunctionRank = 2
	if _, err := e.Run(context.Background(), doc, "logs", "FaaSrLog/inv-1"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, ok := store.puts["FaaSrLog/inv-1/B.2.done"]; !ok {
		t.Fatalf("expected rank-suffixed done flag, got %+v", store.puts)
	}
}

func TestRun_ChildFailureWritesNoDoneFlag(t *testing.T) {
	store := newFakeStore()
	e := New(store, nil)
	e.BaseWorkDir = t.TempDir()
	e.launch = func(ctx context.Context, workDir string, action *domain.Action, port int) ([]byte, []byte, error) {
		return nil, []byte("traceback"), errors.New("exit status 1")
	}

	doc := docWithAction("A")
	_, err := e.Run(context.Background(), doc, "logs", "FaaSrLog/inv-1")

	var childErr *ErrChildFailed
	if !errors.As(err, &childErr) {
		t.Fatalf("expected ErrChildFailed, got %v", err)
	}
	// A failed node must never satisfy a downstream fan-in barrier.
	if _, ok := store.puts["FaaSrLog/inv-1/A.done"]; ok {
		t.Fatal("done flag must not be written on child failure")
	}
}

func TestRun_FunctionReportedErrorSurfaces(t *testing.T) {
	store := newFakeStore()
	var capturedHandlers map[string]sidecar.ProcedureHandler
	e := New(store, func(ctx context.Context, doc *domain.WorkflowDocument, action *domain.Action, workDir string) map[string]sidecar.ProcedureHandler {
		capturedHandlers = map[string]sidecar.ProcedureHandler{}
		return capturedHandlers
	})
	e.BaseWorkDir = t.TempDir()

	doc := docWithAction("A")
	e.launch = func(ctx context.Context, workDir string, action *domain.Action, port int) ([]byte, []byte, error) {
		reportExit(t, port, true, "division by zero")
		return nil, nil, nil
	}

	_, err := e.Run(context.Background(), doc, "logs", "FaaSrLog/inv-1")
	var reported *ErrFunctionReportedError
	if !errors.As(err, &reported) {
		t.Fatalf("expected ErrFunctionReportedError, got %v", err)
	}
	if reported.Message != "division by zero" {
		t.Errorf("unexpected message: %s", reported.Message)
	}
	if _, ok := store.puts["FaaSrLog/inv-1/A.done"]; ok {
		t.Fatal("done flag must not be written when the function reports an error")
	}
}

func TestRun_ShutdownRejectsNewRuns(t *testing.T) {
	e := New(newFakeStore(), nil)
	if err := e.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	_, err := e.Run(context.Background(), docWithAction("A"), "logs", "FaaSrLog/inv-1")
	if !errors.Is(err, ErrExecutorClosing) {
		t.Fatalf("expected ErrExecutorClosing, got %v", err)
	}
}

// reportExit posts directly to the sidecar's /faasr-exit endpoint to
// simulate what the rendered entry script would do from the child
// process, without actually spawning an interpreter.
func reportExit(t *testing.T, port int, errored bool, message string) {
	t.Helper()
	body, _ := json.Marshal(struct {
		Error   bool   `json:"Error"`
		Message string `json:"Message"`
	}{Error: errored, Message: message})
	resp, err := http.Post("http://127.0.0.1:"+strconv.Itoa(port)+"/faasr-exit", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post faasr-exit: %v", err)
	}
	resp.Body.Close()
}
