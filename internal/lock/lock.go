// Package lock implements a read-and-set-memory (RSM) mutex over
// object-store primitives: a coarse-grained, low-contention critical
// section suitable for fan-in election, built on nothing but
// PUT/LIST/DELETE against the logging data store.
package lock

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"time"
)

// ErrLockTimeout is returned when acquire fails after maxWait attempts.
type ErrLockTimeout struct{ Key string }

func (e *ErrLockTimeout) Error() string {
	return fmt.Sprintf("lock acquire timeout: %s", e.Key)
}

const (
	maxBackoffExp = 4  // backoff caps at 2^4 seconds
	maxWait       = 13 // total attempts before fatal
)

// Store is the minimal object-store surface the lock needs.
type Store interface {
	Put(ctx context.Context, storeName, key string, body []byte) error
	List(ctx context.Context, storeName, prefix string) ([]string, error)
	Delete(ctx context.Context, storeName, key string) error
}

// Service acquires and releases an RSM lock over a single logical
// invocation + action. Flag and lock object layout follows the
// persisted object layout: flags live under
// "<prefix>/flag/<rand>", the lock object at "<prefix>./lock".
type Service struct {
	store     Store
	storeName string
	prefix    string

	// MaxWait and MaxBackoffExp override the default attempt budget
	// and backoff cap when set to a nonzero value.
	MaxWait       int
	MaxBackoffExp int

	// Observe, when set, records each Acquire's outcome ("acquired"
	// or "timeout") and total wait including backoff.
	Observe func(outcome string, waited time.Duration)

	sleep func(time.Duration)
}

// New builds a lock Service bound to one action's coordination prefix
// ("<FaaSrLog>/<InvocationID>/<FunctionInvoke>").
func New(store Store, storeName, prefix string) *Service {
	return &Service{store: store, storeName: storeName, prefix: prefix, sleep: time.Sleep}
}

func (s *Service) flagPath(n int64) string {
	return fmt.Sprintf("%s/flag/%d", s.prefix, n)
}

func (s *Service) flagPrefix() string {
	return fmt.Sprintf("%s/flag/", s.prefix)
}

func (s *Service) lockPath() string {
	return s.prefix + "./lock"
}

func randomFlag() (int64, error) {
	return RandomInt31()
}

// RandomInt31 returns a random integer in [1, 2^31-1], used both for
// lock flag names and for fan-in candidate-ballot entries.
func RandomInt31() (int64, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<31-1))
	if err != nil {
		return 0, fmt.Errorf("generate random int: %w", err)
	}
	return n.Int64() + 1, nil
}

// Acquire blocks until the lock is held or returns ErrLockTimeout
// after maxWait attempts. Each attempt runs the RSM protocol: PUT a
// flag, check for contention, then race to PUT the lock object.
func (s *Service) Acquire(ctx context.Context) error {
	attempts := s.MaxWait
	if attempts <= 0 {
		attempts = maxWait
	}
	backoffCap := s.MaxBackoffExp
	if backoffCap <= 0 {
		backoffCap = maxBackoffExp
	}

	start := time.Now()
	for attempt := 0; attempt < attempts; attempt++ {
		ok, err := s.tryAcquireOnce(ctx)
		if err != nil {
			return err
		}
		if ok {
			if s.Observe != nil {
				s.Observe("acquired", time.Since(start))
			}
			return nil
		}

		exp := attempt
		if exp > backoffCap {
			exp = backoffCap
		}
		s.sleep(time.Duration(1<<exp) * time.Second)
	}
	if s.Observe != nil {
		s.Observe("timeout", time.Since(start))
	}
	return &ErrLockTimeout{Key: s.lockPath()}
}

func (s *Service) tryAcquireOnce(ctx context.Context) (bool, error) {
	flagNum, err := randomFlag()
	if err != nil {
		return false, err
	}
	flagKey := s.flagPath(flagNum)

	if err := s.store.Put(ctx, s.storeName, flagKey, []byte(strconv.FormatInt(flagNum, 10))); err != nil {
		return false, fmt.Errorf("put lock flag: %w", err)
	}

	busy, err := s.anyoneElseInterested(ctx, flagKey)
	if err != nil {
		_ = s.store.Delete(ctx, s.storeName, flagKey)
		return false, err
	}
	if busy {
		_ = s.store.Delete(ctx, s.storeName, flagKey)
		return false, nil
	}

	locks, err := s.store.List(ctx, s.storeName, s.lockPath())
	if err != nil {
		_ = s.store.Delete(ctx, s.storeName, flagKey)
		return false, fmt.Errorf("list lock object: %w", err)
	}
	if len(locks) > 0 {
		_ = s.store.Delete(ctx, s.storeName, flagKey)
		return false, nil
	}

	if err := s.store.Put(ctx, s.storeName, s.lockPath(), []byte(strconv.FormatInt(flagNum, 10))); err != nil {
		_ = s.store.Delete(ctx, s.storeName, flagKey)
		return false, fmt.Errorf("put lock object: %w", err)
	}
	_ = s.store.Delete(ctx, s.storeName, flagKey)
	return true, nil
}

// anyoneElseInterested reports whether any flag other than ours is
// currently present under the flag prefix.
func (s *Service) anyoneElseInterested(ctx context.Context, ownFlagKey string) (bool, error) {
	flags, err := s.store.List(ctx, s.storeName, s.flagPrefix())
	if err != nil {
		return false, fmt.Errorf("list lock flags: %w", err)
	}
	for _, f := range flags {
		if f != ownFlagKey {
			return true, nil
		}
	}
	return false, nil
}

// Release unconditionally deletes the lock object.
func (s *Service) Release(ctx context.Context) error {
	if err := s.store.Delete(ctx, s.storeName, s.lockPath()); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}
