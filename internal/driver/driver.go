// Package driver is the top-level orchestration for one action
// invocation: fetch the workflow document, validate it as a DAG, run
// the fan-in barrier and election when needed, execute the user
// function behind the sidecar, and trigger its successors.
package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/oriys/zephyr/internal/arbiter"
	"github.com/oriys/zephyr/internal/config"
	"github.com/oriys/zephyr/internal/domain"
	"github.com/oriys/zephyr/internal/executor"
	"github.com/oriys/zephyr/internal/graph"
	"github.com/oriys/zephyr/internal/lock"
	"github.com/oriys/zephyr/internal/logging"
	"github.com/oriys/zephyr/internal/metrics"
	"github.com/oriys/zephyr/internal/objectstore"
	"github.com/oriys/zephyr/internal/payload"
	"github.com/oriys/zephyr/internal/scheduler"
	"github.com/oriys/zephyr/internal/scheduler/slurm"
	"github.com/oriys/zephyr/internal/secrets"
)

// Input is what the cmd/zephyr entry point assembles from its
// environment before handing off to Run.
type Input struct {
	PayloadPath string // "owner/repo/branch/path.json", per payload.Fetch
	Token       string
	Overlay     map[string]interface{} // raw OVERWRITTEN, re-marshaled per field
}

// Store is the full object-store surface the Driver wires into every
// downstream component (payload, lock, arbiter,
// executor, sidecar handlers, log sink). Satisfied by
// *objectstore.Client; tests substitute an in-memory fake.
type Store interface {
	HeadBucket(ctx context.Context, name string) error
	Put(ctx context.Context, name, key string, body []byte) error
	Get(ctx context.Context, name, key string) ([]byte, error)
	List(ctx context.Context, name, prefix string) ([]string, error)
	Exists(ctx context.Context, name, key string) (bool, error)
	Delete(ctx context.Context, name, key string) error
	Download(ctx context.Context, name, key, path string) error
}

// Driver runs the full orchestration for one invocation.
type Driver struct {
	Cfg    *config.Config
	HTTP   *http.Client
	Logger *logging.Logger

	// newStore, newSlurmDispatcher, and runExecutor are overridden in
	// tests so a run never touches a real S3 endpoint, SLURM cluster,
	// or interpreter binary.
	newStore           func(map[string]*domain.DataStore) Store
	newSlurmDispatcher func() scheduler.SlurmDispatcher
	runExecutor        func(ctx context.Context, exec *executor.Executor, doc *domain.WorkflowDocument, loggingStore, invocationFolder string) (*executor.Result, error)
}

// New builds a Driver from a Config, defaulting the HTTP client,
// logger, object store, and SLURM dispatcher to their real
// implementations.
func New(cfg *config.Config) *Driver {
	return &Driver{
		Cfg:    cfg,
		HTTP:   &http.Client{Timeout: 30 * time.Second},
		Logger: logging.Default(),
		newStore: func(stores map[string]*domain.DataStore) Store {
			return objectstore.New(stores)
		},
		newSlurmDispatcher: func() scheduler.SlurmDispatcher {
			sd := slurm.NewDispatcher()
			sd.DefaultBaseURL = cfg.Scheduler.SlurmBaseURL
			return sd
		},
		runExecutor: func(ctx context.Context, exec *executor.Executor, doc *domain.WorkflowDocument, loggingStore, invocationFolder string) (*executor.Result, error) {
			return exec.Run(ctx, doc, loggingStore, invocationFolder)
		},
	}
}

// Run executes the full pipeline described in the Driver's contract
// and returns nil on both a genuine success and a clean fan-in
// non-winner exit; any other error is fatal and should map to a
// non-zero process exit code.
func (d *Driver) Run(ctx context.Context, in Input) error {
	overlay, err := marshalOverlay(in.Overlay)
	if err != nil {
		return fmt.Errorf("marshal overlay: %w", err)
	}

	p, err := payload.Fetch(ctx, d.HTTP, in.PayloadPath, in.Token, overlay)
	if err != nil {
		d.logFatal(ctx, nil, "", "", "", "payload fetch failed", err)
		return fmt.Errorf("payload fetch: %w", err)
	}

	base := *p.Base()
	doc := &base
	doc.FunctionInvoke = p.FunctionInvoke()
	invocationFolder := fmt.Sprintf("%s/%s", p.FaaSrLog(), p.InvocationID())
	loggingStore := p.LoggingDataStore()

	// Validation, DAG, and reachability failures happen before the
	// invocation's log folder exists; they go to the process Logger
	// (stdout) only and must
	// never write to the object store.
	if err := graph.Validate(doc); err != nil {
		d.logFatal(ctx, nil, "", "", p.InvocationID(), "schema validation failed", err)
		return fmt.Errorf("schema validation: %w", err)
	}

	store := d.newStore(doc.DataStores)

	predecessors, err := graph.CheckDAG(doc)
	if err != nil {
		d.logFatal(ctx, nil, "", "", p.InvocationID(), "DAG check failed", err)
		return fmt.Errorf("dag check: %w", err)
	}

	if err := payload.S3Check(ctx, store, doc); err != nil {
		d.logFatal(ctx, nil, "", "", p.InvocationID(), "data store unreachable", err)
		return fmt.Errorf("s3 check: %w", err)
	}

	// A ranked predecessor counts as one done-flag per instance, so
	// the barrier decision works on the expanded set.
	expectedFlags := graph.ExpandRanked(doc, predecessors)

	if len(expectedFlags) == 0 {
		if err := payload.InitLogFolder(ctx, store, p); err != nil {
			d.logFatal(ctx, nil, "", "", p.InvocationID(), "init log folder failed", err)
			return fmt.Errorf("init log folder: %w", err)
		}
	}

	if len(expectedFlags) > 1 {
		lockSvc := lock.New(store, loggingStore, fmt.Sprintf("%s/%s", invocationFolder, p.FunctionInvoke()))
		lockSvc.MaxWait = d.Cfg.Lock.MaxWait
		lockSvc.MaxBackoffExp = d.Cfg.Lock.MaxBackoffExp
		lockSvc.Observe = metrics.Global().ObserveLockAcquire
		arb := arbiter.New(store, loggingStore, invocationFolder, p.FunctionInvoke(), lockSvc)
		if err := arb.Run(ctx, expectedFlags); err != nil {
			var noFlag *arbiter.ErrNotLastTriggerNoFlag
			var notFirst *arbiter.ErrNotLastTriggerNotFirstWriter
			if errors.As(err, &noFlag) || errors.As(err, &notFirst) {
				outcome := "not-last-no-flag"
				if errors.As(err, &notFirst) {
					outcome = "not-last-not-first-writer"
				}
				metrics.Global().ObserveFanIn(outcome)
				d.Logger.Log(logging.Record{
					Severity:     logging.SeverityInfo,
					InvocationID: p.InvocationID(),
					Action:       p.FunctionInvoke(),
					Message:      "not the last trigger, exiting cleanly: " + err.Error(),
				})
				return nil
			}
			d.logFatal(ctx, store, loggingStore, invocationFolder, p.InvocationID(), "fan-in failed", err)
			return fmt.Errorf("fan-in: %w", err)
		}
		metrics.Global().ObserveFanIn("won")
	}

	sink := logging.NewS3Sink(store, loggingStore, fmt.Sprintf("%s/%s.txt", invocationFolder, p.FunctionInvoke()))

	finalDoc, err := d.applySecrets(doc, p)
	if err != nil {
		d.logFatal(ctx, store, loggingStore, invocationFolder, p.InvocationID(), "secret substitution failed", err)
		return fmt.Errorf("apply secrets: %w", err)
	}
	finalDoc.InvocationID = p.InvocationID()
	finalDoc.FunctionInvoke = p.FunctionInvoke()
	finalDoc.FunctionRank = p.FunctionRank()

	exec := &executor.Executor{
		Installer:    executor.NewShellInstaller(),
		Store:        store,
		PythonBin:    d.Cfg.Executor.PythonBin,
		RBin:         d.Cfg.Executor.RBin,
		BaseWorkDir:  d.Cfg.Executor.BaseWorkDir,
		ReadyTimeout: d.Cfg.Executor.ReadyTimeout,
		HandlersFor:  handlersFactory(store, d.Logger, p.InvocationID()),
	}

	start := time.Now()
	result, err := d.runExecutor(ctx, exec, finalDoc, loggingStore, invocationFolder)
	duration := time.Since(start).Milliseconds()

	d.captureOutput(p, result, err)

	if err != nil {
		metrics.Global().ObserveInvocation(p.FunctionInvoke(), "error", time.Since(start))
		entry := logging.Record{
			Severity:     logging.SeverityError,
			InvocationID: p.InvocationID(),
			Action:       p.FunctionInvoke(),
			Rank:         p.FunctionRank(),
			DurationMs:   duration,
			Message:      "user function failed",
			Error:        err.Error(),
		}
		_ = sink.LogAndFlush(ctx, d.Logger, entry)
		return fmt.Errorf("executor run: %w", err)
	}

	metrics.Global().ObserveInvocation(p.FunctionInvoke(), "ok", time.Since(start))
	d.Logger.Log(logging.Record{
		Severity:     logging.SeverityInfo,
		InvocationID: p.InvocationID(),
		Action:       p.FunctionInvoke(),
		Rank:         p.FunctionRank(),
		DurationMs:   duration,
		Message:      "action completed",
	})
	_ = sink.Flush(ctx)

	sched := scheduler.New(finalDoc, p.Overlay(), p.SourceURL())
	sched.HTTPClient = d.dispatchClient()
	sched.Slurm = d.newSlurmDispatcher()
	sched.Observe = metrics.Global().ObserveDispatch
	if d.Cfg.Scheduler.GitHubAPIBase != "" {
		sched.GitHubAPIBase = d.Cfg.Scheduler.GitHubAPIBase
	}
	sched.Logf = func(format string, args ...interface{}) {
		d.Logger.Log(logging.Record{
			InvocationID: p.InvocationID(),
			Action:       p.FunctionInvoke(),
			Severity:     logging.SeverityInfo,
			Message:      fmt.Sprintf(format, args...),
		})
	}

	if err := sched.TriggerAll(ctx, p.FunctionInvoke(), result.FunctionResult); err != nil {
		d.logFatal(ctx, store, loggingStore, invocationFolder, p.InvocationID(), "trigger successors failed", err)
		return fmt.Errorf("trigger all: %w", err)
	}

	return nil
}

// dispatchClient derives the scheduler's HTTP client from the
// driver's, applying the configured dispatch timeout while keeping
// any test transport in place.
func (d *Driver) dispatchClient() *http.Client {
	timeout := d.Cfg.Scheduler.DispatchTimeout
	if timeout <= 0 {
		return d.HTTP
	}
	return &http.Client{Transport: d.HTTP.Transport, Timeout: timeout}
}

// captureOutput keeps the child process's stdout/stderr on local disk
// so a failed action can be inspected after the object-store log has
// already been flushed. Capture failures never fail the invocation.
func (d *Driver) captureOutput(p *payload.Payload, result *executor.Result, runErr error) {
	lc := d.Cfg.Observability.Logging
	if result == nil || lc.CaptureDir == "" {
		return
	}
	capture, err := logging.NewOutputCapture(lc.CaptureDir, lc.CaptureMaxBytes, lc.CaptureRetention)
	if err != nil {
		logging.Op().Warn("output capture unavailable", "error", err)
		return
	}
	if err := capture.Store(p.InvocationID(), p.FunctionInvoke(), p.FunctionRank(), result.Stdout, result.Stderr, runErr); err != nil {
		logging.Op().Warn("output capture failed", "error", err)
	}
}

func (d *Driver) applySecrets(doc *domain.WorkflowDocument, p *payload.Payload) (*domain.WorkflowDocument, error) {
	if !d.Cfg.Secrets.Enabled {
		return doc, nil
	}
	cipher, err := secrets.NewCipher(d.Cfg.Secrets.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("load secret cipher: %w", err)
	}
	secretMap, err := secrets.LoadMap(d.Cfg.Secrets.File, cipher)
	if err != nil {
		return nil, fmt.Errorf("load secret map: %w", err)
	}
	action, ok := doc.ActionList[p.FunctionInvoke()]
	if !ok || !action.UseSecretStore {
		return doc, nil
	}
	return payload.ReplaceSecrets(doc, secretMap)
}

// logFatal records a fatal error on the process Logger (stdout) and, when the
// invocation's log folder already exists (store and invocationFolder
// are set), mirrors it into the logging data store. Failures before
// the log folder is initialized pass a nil store so they never write
// to object storage.
func (d *Driver) logFatal(ctx context.Context, store ObjectStore, loggingStore, invocationFolder, invocationID, message string, err error) {
	entry := logging.Record{
		Severity:     logging.SeverityError,
		InvocationID: invocationID,
		Message:      message,
		Error:        err.Error(),
	}
	d.Logger.Log(entry)
	if store == nil || invocationFolder == "" || loggingStore == "" {
		return
	}
	sink := logging.NewS3Sink(store, loggingStore, invocationFolder+"/fatal.log")
	_ = sink.LogAndFlush(ctx, d.Logger, entry)
}

func marshalOverlay(overlay map[string]interface{}) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(overlay))
	for k, v := range overlay {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		out[k] = b
	}
	return out, nil
}
