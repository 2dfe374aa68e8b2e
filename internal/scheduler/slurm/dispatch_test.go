package slurm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/oriys/zephyr/internal/domain"
)

func TestDispatch_Success(t *testing.T) {
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := &Dispatcher{
		HTTPClient: srv.Client(),
		Now:        func() time.Time { return time.Unix(1000, 0) },
	}
	server := &domain.ComputeServer{
		JWTToken: makeToken(t, 2000),
		Username: "faasr",
		BaseURL:  srv.URL,
	}
	action := &domain.Action{FunctionName: "compute"}

	err := d.Dispatch(context.Background(), server, action, map[string]json.RawMessage{}, "org/repo/branch/wf.json")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if gotHeaders.Get("X-SLURM-USER-TOKEN") == "" || gotHeaders.Get("X-SLURM-USER-NAME") != "faasr" {
		t.Fatalf("expected SLURM auth headers, got %v", gotHeaders)
	}
}

func TestDispatch_ExpiredTokenRejected(t *testing.T) {
	d := &Dispatcher{Now: func() time.Time { return time.Unix(3000, 0) }}
	server := &domain.ComputeServer{JWTToken: makeToken(t, 2000), BaseURL: "http://example.invalid"}
	err := d.Dispatch(context.Background(), server, &domain.Action{}, nil, "")
	if err != ErrJWTExpired {
		t.Fatalf("expected ErrJWTExpired, got %v", err)
	}
}

func TestDispatch_MissingBaseURL(t *testing.T) {
	d := &Dispatcher{Now: func() time.Time { return time.Unix(1000, 0) }}
	server := &domain.ComputeServer{JWTToken: makeToken(t, 2000)}
	err := d.Dispatch(context.Background(), server, &domain.Action{}, nil, "")
	if err == nil {
		t.Fatal("expected error for missing BaseURL")
	}
}

func TestDispatch_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := &Dispatcher{HTTPClient: srv.Client(), Now: func() time.Time { return time.Unix(1000, 0) }}
	server := &domain.ComputeServer{JWTToken: makeToken(t, 2000), BaseURL: srv.URL}
	err := d.Dispatch(context.Background(), server, &domain.Action{FunctionName: "f"}, nil, "")
	if err == nil {
		t.Fatal("expected error for 500 status")
	}
}
