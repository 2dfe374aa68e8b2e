package slurm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"text/template"
	"time"

	"github.com/oriys/zephyr/internal/domain"
	"github.com/oriys/zephyr/internal/observability"
)

// submitEndpoint is kept as one constant suffix rather than hardcoded
// throughout: the exact REST path is an unresolved detail in the
// source material (see the Open Question this carries forward), so
// BaseURL + submitEndpoint is the single place that would need to
// change if the cluster's slurmrestd version differs.
const submitEndpoint = "/slurm/v0.0.39/job/submit"

var jobScriptTemplate = template.Must(template.New("job").Parse(`#!/bin/bash
#SBATCH --partition={{.Partition}}
#SBATCH --nodes={{.Nodes}}
#SBATCH --ntasks={{.Tasks}}
#SBATCH --cpus-per-task={{.CPUsPerTask}}
#SBATCH --mem={{.MemoryMB}}M
#SBATCH --time={{.TimeLimit}}
#SBATCH --chdir={{.WorkingDir}}

export FAASR_PAYLOAD='{{.PayloadJSON}}'
exec faasr-container run --action {{.ActionName}}
`))

type jobScriptParams struct {
	domain.ActionResources
	PayloadJSON string
	ActionName  string
}

type submitRequest struct {
	Script string           `json:"script"`
	Job    submitRequestJob `json:"job"`
}

type submitRequestJob struct {
	Name        string            `json:"name"`
	Partition   string            `json:"partition"`
	Environment map[string]string `json:"environment"`
}

// Dispatcher submits SLURM jobs via the cluster's REST API.
type Dispatcher struct {
	HTTPClient *http.Client
	Now        func() time.Time

	// DefaultBaseURL is used when a compute server omits BaseURL,
	// letting one deployment-wide slurmrestd endpoint serve every
	// server entry that doesn't name its own.
	DefaultBaseURL string
}

// NewDispatcher builds a Dispatcher with a default-timeout client.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Now:        time.Now,
	}
}

// Dispatch validates the server's JWT, renders a job script from the
// resolved resource tier, and submits it to the cluster.
func (d *Dispatcher) Dispatch(ctx context.Context, server *domain.ComputeServer, action *domain.Action, overlay map[string]json.RawMessage, sourceURL string) error {
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	if err := ValidateToken(server.JWTToken, now()); err != nil {
		return err
	}

	resources := resolveResources(action, server)

	payload, err := json.Marshal(map[string]interface{}{
		"OVERWRITTEN": overlay,
		"PAYLOAD_URL": sourceURL,
	})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	var scriptBuf bytes.Buffer
	if err := jobScriptTemplate.Execute(&scriptBuf, jobScriptParams{
		ActionResources: resources,
		PayloadJSON:     string(payload),
		ActionName:      action.FunctionName,
	}); err != nil {
		return fmt.Errorf("render job script: %w", err)
	}

	body, err := json.Marshal(submitRequest{
		Script: scriptBuf.String(),
		Job: submitRequestJob{
			Name:        action.FunctionName,
			Partition:   resources.Partition,
			Environment: map[string]string{"FAASR_PAYLOAD": string(payload)},
		},
	})
	if err != nil {
		return fmt.Errorf("marshal submit request: %w", err)
	}

	baseURL := server.BaseURL
	if baseURL == "" {
		baseURL = d.DefaultBaseURL
	}
	if baseURL == "" {
		return fmt.Errorf("compute server has no BaseURL configured for SLURM REST submission")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+submitEndpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-SLURM-USER-TOKEN", server.JWTToken)
	req.Header.Set("X-SLURM-USER-NAME", server.Username)
	observability.InjectHTTPHeaders(ctx, req.Header)

	client := d.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("submit job: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected SLURM submit status: %d", resp.StatusCode)
	}
	return nil
}
