// Package arbiter implements the fan-in barrier and election: when an
// action has more than one predecessor, every triggering invocation
// races to this point, but exactly one must proceed to execute the
// user function.
package arbiter

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/oriys/zephyr/internal/lock"
)

// ErrNotLastTriggerNoFlag is a quiet, non-fatal outcome: not every
// predecessor has finished yet, so this invocation is not the last
// trigger and should exit cleanly without running the user function.
type ErrNotLastTriggerNoFlag struct{ Missing []string }

func (e *ErrNotLastTriggerNoFlag) Error() string {
	return fmt.Sprintf("function was not the last invoked - no flag: missing %v", e.Missing)
}

// ErrNotLastTriggerNotFirstWriter is a quiet, non-fatal outcome: this
// invocation lost the candidate-ballot election.
type ErrNotLastTriggerNotFirstWriter struct{}

func (e *ErrNotLastTriggerNotFirstWriter) Error() string {
	return "not the last trigger invoked - random number in candidate does not match"
}

// ObjectStore is the subset of object-store operations the arbiter needs.
type ObjectStore interface {
	List(ctx context.Context, storeName, prefix string) ([]string, error)
	Get(ctx context.Context, storeName, key string) ([]byte, error)
	Put(ctx context.Context, storeName, key string, body []byte) error
	Exists(ctx context.Context, storeName, key string) (bool, error)
}

// Lock is the subset of lock.Service the arbiter needs.
type Lock interface {
	Acquire(ctx context.Context) error
	Release(ctx context.Context) error
}

// Arbiter runs the barrier-then-election protocol for one action
// invocation against the logging data store.
type Arbiter struct {
	store            ObjectStore
	storeName        string
	invocationFolder string // "<FaaSrLog>/<InvocationID>"
	functionInvoke   string
	lock             Lock

	randomInt func() (int64, error)
}

// New builds an Arbiter. invocationFolder is "<FaaSrLog>/<InvocationID>",
// functionInvoke is the current action name, lockSvc guards the
// candidate-file critical section.
func New(store ObjectStore, storeName, invocationFolder, functionInvoke string, lockSvc Lock) *Arbiter {
	return &Arbiter{
		store:            store,
		storeName:        storeName,
		invocationFolder: invocationFolder,
		functionInvoke:   functionInvoke,
		lock:             lockSvc,
		randomInt:        lock.RandomInt31,
	}
}

func (a *Arbiter) candidateKey() string {
	return fmt.Sprintf("%s/%s.candidate", a.invocationFolder, a.functionInvoke)
}

func (a *Arbiter) doneKey(pred string) string {
	return fmt.Sprintf("%s/%s.done", a.invocationFolder, pred)
}

// Barrier lists the invocation folder and checks every expected
// predecessor done-flag is present. expectedPredecessors is taken as
// given: a ranked predecessor must already appear as p.1..p.N (the
// Driver expands it with graph.ExpandRanked). Returns
// ErrNotLastTriggerNoFlag if any is missing.
func (a *Arbiter) Barrier(ctx context.Context, expectedPredecessors []string) error {
	listing, err := a.store.List(ctx, a.storeName, a.invocationFolder)
	if err != nil {
		return fmt.Errorf("list invocation folder: %w", err)
	}
	present := make(map[string]bool, len(listing))
	for _, k := range listing {
		present[k] = true
	}

	var missing []string
	for _, pred := range expectedPredecessors {
		if !present[a.doneKey(pred)] {
			missing = append(missing, pred)
		}
	}
	if len(missing) > 0 {
		return &ErrNotLastTriggerNoFlag{Missing: missing}
	}
	return nil
}

// Elect runs the candidate-ballot election inside the lock-protected
// critical section and reports whether this invocation won.
func (a *Arbiter) Elect(ctx context.Context) error {
	own, err := a.randomInt()
	if err != nil {
		return fmt.Errorf("generate candidate number: %w", err)
	}

	if err := a.lock.Acquire(ctx); err != nil {
		return fmt.Errorf("acquire election lock: %w", err)
	}
	defer a.lock.Release(ctx)

	key := a.candidateKey()
	var existing []byte
	if ok, err := a.store.Exists(ctx, a.storeName, key); err != nil {
		return fmt.Errorf("check candidate ballot: %w", err)
	} else if ok {
		existing, err = a.store.Get(ctx, a.storeName, key)
		if err != nil {
			return fmt.Errorf("download candidate ballot: %w", err)
		}
	}

	var buf bytes.Buffer
	buf.Write(existing)
	if len(existing) > 0 && !bytes.HasSuffix(existing, []byte("\n")) {
		buf.WriteByte('\n')
	}
	buf.WriteString(strconv.FormatInt(own, 10))
	buf.WriteByte('\n')

	if err := a.store.Put(ctx, a.storeName, key, buf.Bytes()); err != nil {
		return fmt.Errorf("upload candidate ballot: %w", err)
	}

	final, err := a.store.Get(ctx, a.storeName, key)
	if err != nil {
		return fmt.Errorf("re-download candidate ballot: %w", err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(final))
	if !scanner.Scan() {
		return fmt.Errorf("candidate ballot is empty after write")
	}
	firstLine := strings.TrimSpace(scanner.Text())
	first, err := strconv.ParseInt(firstLine, 10, 64)
	if err != nil {
		return fmt.Errorf("parse candidate ballot first line %q: %w", firstLine, err)
	}

	if first != own {
		return &ErrNotLastTriggerNotFirstWriter{}
	}
	return nil
}

// Run executes the full fan-in protocol: Barrier then Elect. Callers
// should treat ErrNotLastTriggerNoFlag / ErrNotLastTriggerNotFirstWriter
// as a clean, non-fatal exit rather than a failure.
func (a *Arbiter) Run(ctx context.Context, expectedPredecessors []string) error {
	if err := a.Barrier(ctx, expectedPredecessors); err != nil {
		return err
	}
	return a.Elect(ctx)
}
