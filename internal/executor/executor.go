// Package executor runs a single action's user function as an
// isolated child process, coordinating its lifecycle through the
// loopback sidecar.
//
// # Invocation pipeline
//
//  1. Drain-check: reject if the executor is shutting down.
//  2. Parallel pre-flight: the action's work directory is created and
//     its dependencies are installed concurrently via errgroup.
//  3. Sidecar start: a fresh *sidecar.Server is bound to a free
//     loopback port and polled for readiness.
//  4. Child launch: the interpreter (python3 or Rscript) runs a
//     rendered entry script that imports the function and calls it
//     with Arguments, talking back to the sidecar over HTTP.
//  5. Join: a non-zero exit is a runtime error, but the sidecar is
//     always torn down afterward regardless of outcome.
//  6. Result: the sidecar's recorded FunctionResult/Error/Message is
//     read; an error reported through /faasr-exit fails the run.
//  7. Done-flag: `<FunctionInvoke>[.<rank>].done` is written to the
//     logging data store, only once the function has succeeded.
//
// The user function never shares memory with the Executor; all
// communication crosses the sidecar's HTTP boundary, isolating
// crashes and language mismatches from this process.
package executor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oriys/zephyr/internal/domain"
	"github.com/oriys/zephyr/internal/observability"
	"github.com/oriys/zephyr/internal/sidecar"
)

// ErrExecutorClosing is returned when Run is called after Shutdown.
var ErrExecutorClosing = fmt.Errorf("executor is shutting down")

// ErrChildFailed wraps a non-zero child process exit.
type ErrChildFailed struct {
	Action string
	Err    error
}

func (e *ErrChildFailed) Error() string {
	return fmt.Sprintf("action %q: child process failed: %v", e.Action, e.Err)
}
func (e *ErrChildFailed) Unwrap() error { return e.Err }

// ErrFunctionReportedError wraps an error the user function itself
// reported through /faasr-exit.
type ErrFunctionReportedError struct {
	Action  string
	Message string
}

func (e *ErrFunctionReportedError) Error() string {
	return fmt.Sprintf("action %q reported an error: %s", e.Action, e.Message)
}

// ObjectStore is the subset the Executor needs to persist a done-flag.
type ObjectStore interface {
	Put(ctx context.Context, storeName, key string, body []byte) error
}

// Result is what Run returns on success. When the child process fails
// or the function reports an error, Run returns it alongside the error
// with only Stdout, Stderr and DurationMs set.
type Result struct {
	FunctionResult []byte
	Stdout         []byte
	Stderr         []byte
	DurationMs     int64
}

// Executor launches one action's user function per Run call. Safe for
// concurrent use; Shutdown drains in-flight calls.
type Executor struct {
	Installer DependencyInstaller
	Store     ObjectStore

	// PythonBin / RBin name the interpreter binaries to exec; default
	// to "python3" / "Rscript" when empty.
	PythonBin string
	RBin      string

	// BaseWorkDir is the parent of each invocation's scratch
	// directory; defaults to os.TempDir().
	BaseWorkDir string

	// HandlersFor builds the sidecar procedure table for one action
	// invocation, bound to the object store and logging context the
	// caller already holds. workDir is the invocation's scratch
	// directory, already created by the time this is called.
	HandlersFor func(ctx context.Context, doc *domain.WorkflowDocument, action *domain.Action, workDir string) map[string]sidecar.ProcedureHandler

	ReadyTimeout time.Duration

	// launch runs the child process and is overridden in tests to
	// avoid depending on a real python3/Rscript install.
	launch func(ctx context.Context, workDir string, action *domain.Action, sidecarPort int) (stdout, stderr []byte, err error)

	inflight sync.WaitGroup
	closing  atomic.Bool
}

// New builds an Executor ready to use, defaulting to a ShellInstaller.
func New(store ObjectStore, handlersFor func(context.Context, *domain.WorkflowDocument, *domain.Action, string) map[string]sidecar.ProcedureHandler) *Executor {
	e := &Executor{
		Installer:    NewShellInstaller(),
		Store:        store,
		HandlersFor:  handlersFor,
		ReadyTimeout: 5 * time.Second,
	}
	e.launch = e.launchChild
	return e
}

// Shutdown marks the Executor as closing and blocks until in-flight
// Run calls finish.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.closing.Store(true)
	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) pythonBin() string {
	if e.PythonBin != "" {
		return e.PythonBin
	}
	return "python3"
}

func (e *Executor) rBin() string {
	if e.RBin != "" {
		return e.RBin
	}
	return "Rscript"
}

func (e *Executor) baseWorkDir() string {
	if e.BaseWorkDir != "" {
		return e.BaseWorkDir
	}
	return os.TempDir()
}

// Run executes doc's current action (FunctionInvoke) as a child
// process and returns its reported result.
func (e *Executor) Run(ctx context.Context, doc *domain.WorkflowDocument, loggingStore, invocationFolder string) (*Result, error) {
	if e.closing.Load() {
		return nil, ErrExecutorClosing
	}
	e.inflight.Add(1)
	defer e.inflight.Done()

	action, ok := doc.ActionList[doc.FunctionInvoke]
	if !ok {
		return nil, fmt.Errorf("action %q not found in ActionList", doc.FunctionInvoke)
	}

	workDir := filepath.Join(e.baseWorkDir(), "zephyr-"+doc.InvocationID+"-"+doc.FunctionInvoke)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := os.MkdirAll(workDir, 0o755); err != nil {
			return fmt.Errorf("create work dir: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if e.Installer == nil {
			return nil
		}
		if err := e.Installer.Install(gctx, workDir, action, doc); err != nil {
			return fmt.Errorf("install dependencies: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var handlers map[string]sidecar.ProcedureHandler
	if e.HandlersFor != nil {
		handlers = e.HandlersFor(ctx, doc, action, workDir)
	}
	srv := sidecar.New(handlers, nil)
	srv.Middleware = observability.SidecarMiddleware
	port, err := srv.Start(0)
	if err != nil {
		return nil, fmt.Errorf("start sidecar: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Stop(shutdownCtx)
	}()

	if err := sidecar.WaitReady(ctx, port, e.ReadyTimeout); err != nil {
		return nil, fmt.Errorf("sidecar readiness: %w", err)
	}

	start := time.Now()
	launch := e.launch
	if launch == nil {
		launch = e.launchChild
	}
	stdout, stderr, childErr := launch(ctx, workDir, action, port)
	duration := time.Since(start).Milliseconds()

	if childErr != nil {
		return &Result{Stdout: stdout, Stderr: stderr, DurationMs: duration}, &ErrChildFailed{Action: doc.FunctionInvoke, Err: childErr}
	}

	functionResult, errored, message := srv.Result()
	if errored {
		return &Result{Stdout: stdout, Stderr: stderr, DurationMs: duration}, &ErrFunctionReportedError{Action: doc.FunctionInvoke, Message: message}
	}

	// The done-flag is written only after the function has verifiably
	// succeeded: a failed node must never satisfy a downstream fan-in
	// barrier.
	doneName := doc.FunctionInvoke
	if doc.FunctionRank > 0 {
		doneName = fmt.Sprintf("%s.%d", doneName, doc.FunctionRank)
	}
	doneKey := fmt.Sprintf("%s/%s.done", invocationFolder, doneName)
	if err := e.writeDoneFlag(ctx, workDir, loggingStore, doneKey); err != nil {
		return nil, fmt.Errorf("write done flag: %w", err)
	}

	return &Result{FunctionResult: functionResult, Stdout: stdout, Stderr: stderr, DurationMs: duration}, nil
}

func (e *Executor) launchChild(ctx context.Context, workDir string, action *domain.Action, sidecarPort int) (stdout, stderr []byte, err error) {
	script, err := renderEntryScript(action, workDir, moduleNameFor(action), sidecarPort)
	if err != nil {
		return nil, nil, err
	}

	ext := ".py"
	bin := e.pythonBin()
	if action.Type == domain.ActionTypeR {
		ext = ".R"
		bin = e.rBin()
	}

	scriptPath := filepath.Join(workDir, "entry"+ext)
	if err := os.WriteFile(scriptPath, script, 0o644); err != nil {
		return nil, nil, fmt.Errorf("write entry script: %w", err)
	}

	cmd := exec.CommandContext(ctx, bin, scriptPath)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), observability.EnvForChild(ctx)...)

	var outBuf, errBuf []byte
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		return nil, nil, fmt.Errorf("create stderr pipe: %w", err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("start child process: %w", err)
	}
	outW.Close()
	errW.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); defer outR.Close(); outBuf, _ = io.ReadAll(outR) }()
	go func() { defer wg.Done(); defer errR.Close(); errBuf, _ = io.ReadAll(errR) }()

	runErr := cmd.Wait()
	wg.Wait()

	return outBuf, errBuf, runErr
}

func (e *Executor) writeDoneFlag(ctx context.Context, workDir, loggingStore, key string) error {
	localPath := filepath.Join(workDir, ".done")
	if err := os.WriteFile(localPath, []byte("True"), 0o644); err != nil {
		return fmt.Errorf("write local done flag: %w", err)
	}
	if e.Store == nil {
		return nil
	}
	return e.Store.Put(ctx, loggingStore, key, []byte("True"))
}

func moduleNameFor(action *domain.Action) string {
	return "user_function"
}
