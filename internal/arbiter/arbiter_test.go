package arbiter

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[string][]byte)}
}

func (f *fakeStore) List(_ context.Context, _, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (f *fakeStore) Get(_ context.Context, _, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.objects[key]
	if !ok {
		return nil, errors.New("not found")
	}
	return append([]byte(nil), v...), nil
}

func (f *fakeStore) Put(_ context.Context, _, key string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = append([]byte(nil), body...)
	return nil
}

func (f *fakeStore) Exists(_ context.Context, _, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok, nil
}

type noopLock struct {
	mu sync.Mutex
}

func (n *noopLock) Acquire(context.Context) error { n.mu.Lock(); return nil }
func (n *noopLock) Release(context.Context) error { n.mu.Unlock(); return nil }

func TestBarrier_MissingFlag(t *testing.T) {
	store := newFakeStore()
	a := New(store, "logs", "FaaSrLog/id", "D", &noopLock{})
	err := a.Barrier(context.Background(), []string{"B", "C"})
	var missing *ErrNotLastTriggerNoFlag
	if !errors.As(err, &missing) {
		t.Fatalf("expected ErrNotLastTriggerNoFlag, got %v", err)
	}
}

func TestBarrier_AllPresent(t *testing.T) {
	store := newFakeStore()
	_ = store.Put(context.Background(), "logs", "FaaSrLog/id/B.done", []byte("True"))
	_ = store.Put(context.Background(), "logs", "FaaSrLog/id/C.done", []byte("True"))
	a := New(store, "logs", "FaaSrLog/id", "D", &noopLock{})
	if err := a.Barrier(context.Background(), []string{"B", "C"}); err != nil {
		t.Fatalf("Barrier: %v", err)
	}
}

func TestElect_SingleWinner(t *testing.T) {
	store := newFakeStore()
	a := New(store, "logs", "FaaSrLog/id", "D", &noopLock{})
	if err := a.Elect(context.Background()); err != nil {
		t.Fatalf("Elect: %v", err)
	}
}

func TestElect_SecondWriterLoses(t *testing.T) {
	store := newFakeStore()
	lk := &noopLock{}

	a1 := New(store, "logs", "FaaSrLog/id", "D", lk)
	if err := a1.Elect(context.Background()); err != nil {
		t.Fatalf("first Elect: %v", err)
	}

	a2 := New(store, "logs", "FaaSrLog/id", "D", lk)
	err := a2.Elect(context.Background())
	var lost *ErrNotLastTriggerNotFirstWriter
	if !errors.As(err, &lost) {
		t.Fatalf("expected second writer to lose, got %v", err)
	}
}
