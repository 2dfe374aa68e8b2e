package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ActionType is the runtime of a user function.
type ActionType string

const (
	ActionTypePython ActionType = "Python"
	ActionTypeR      ActionType = "R"
)

// FaaSType identifies a compute back-end provider.
type FaaSType string

const (
	FaaSGitHubActions FaaSType = "GitHubActions"
	FaaSLambda        FaaSType = "Lambda"
	FaaSOpenWhisk     FaaSType = "OpenWhisk"
	FaaSSLURM         FaaSType = "SLURM"
)

// ActionResources carries the SLURM resource-requirement overrides an
// action may declare; any field left empty falls back to the compute
// server's defaults and then to the runtime defaults.
type ActionResources struct {
	Partition   string `json:"Partition,omitempty"`
	Nodes       int    `json:"Nodes,omitempty"`
	Tasks       int    `json:"Tasks,omitempty"`
	CPUsPerTask int    `json:"CPUsPerTask,omitempty"`
	MemoryMB    int    `json:"MemoryMB,omitempty"`
	TimeLimit   int    `json:"TimeLimit,omitempty"`
	WorkingDir  string `json:"WorkingDir,omitempty"`
}

// Action is one node of the workflow DAG.
type Action struct {
	FunctionName string           `json:"FunctionName"`
	Type         ActionType       `json:"Type"`
	FaaSServer   string           `json:"FaaSServer"`
	InvokeNext   InvokeNext       `json:"InvokeNext,omitempty"`
	Arguments    json.RawMessage  `json:"Arguments,omitempty"`
	Resources    *ActionResources `json:"Resources,omitempty"`
	// Rank is "k/N": current rank k of N total fan-out replicas.
	Rank           string `json:"Rank,omitempty"`
	UseSecretStore bool   `json:"UseSecretStore,omitempty"`
}

// ComputeServer is a provider-specific compute back-end configuration.
type ComputeServer struct {
	FaaSType FaaSType `json:"FaaSType"`

	// GitHubActions
	Token          string `json:"Token,omitempty"`
	UserName       string `json:"UserName,omitempty"`
	ActionRepoName string `json:"ActionRepoName,omitempty"`
	Branch         string `json:"Branch,omitempty"`

	// Lambda
	AccessKey string `json:"AccessKey,omitempty"`
	SecretKey string `json:"SecretKey,omitempty"`
	Region    string `json:"Region,omitempty"`

	// OpenWhisk
	Endpoint  string `json:"Endpoint,omitempty"`
	APIKey    string `json:"API.key,omitempty"`
	Namespace string `json:"Namespace,omitempty"`
	SSL       string `json:"SSL,omitempty"`

	// SLURM
	JWTToken  string           `json:"JWTToken,omitempty"`
	Username  string           `json:"Username,omitempty"`
	BaseURL   string           `json:"BaseURL,omitempty"`
	Resources *ActionResources `json:"Resources,omitempty"`

	UseSecretStore bool `json:"UseSecretStore,omitempty"`
}

// DataStore is an S3-compatible object store configuration.
type DataStore struct {
	Endpoint  string `json:"Endpoint"`
	Region    string `json:"Region,omitempty"`
	Bucket    string `json:"Bucket"`
	AccessKey string `json:"AccessKey,omitempty"`
	SecretKey string `json:"SecretKey,omitempty"`
	Anonymous string `json:"Anonymous,omitempty"`
}

// WorkflowDocument is the top-level payload shape: only the fields the
// runtime core reads. Other keys of a decoded document are dropped;
// the payload overlay, a raw key/value map, keeps arbitrary keys.
type WorkflowDocument struct {
	ActionList     map[string]*Action        `json:"ActionList"`
	ComputeServers map[string]*ComputeServer `json:"ComputeServers,omitempty"`
	DataStores     map[string]*DataStore     `json:"DataStores,omitempty"`

	DefaultDataStore string `json:"DefaultDataStore,omitempty"`
	LoggingDataStore string `json:"LoggingDataStore,omitempty"`
	FaaSrLog         string `json:"FaaSrLog,omitempty"`
	InvocationID     string `json:"InvocationID,omitempty"`
	FunctionInvoke   string `json:"FunctionInvoke"`
	FunctionRank     int    `json:"FunctionRank,omitempty"`

	PackageImports        map[string][]string `json:"PackageImports,omitempty"`
	FunctionGitRepo       json.RawMessage     `json:"FunctionGitRepo,omitempty"`
	PyPIPackageDownloads  json.RawMessage     `json:"PyPIPackageDownloads,omitempty"`
	FunctionCRANPackage   json.RawMessage     `json:"FunctionCRANPackage,omitempty"`
	FunctionGitHubPackage json.RawMessage     `json:"FunctionGitHubPackage,omitempty"`
}

// ParseRank splits an Action.Rank field of the form "k/N" into its
// current rank k and total fan-out width N. An empty Rank is not a
// fan-out and returns (1, 1, nil).
func ParseRank(rank string) (k, n int, err error) {
	if rank == "" {
		return 1, 1, nil
	}
	parts := strings.SplitN(rank, "/", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid Rank %q: want \"k/N\"", rank)
	}
	k, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid Rank %q: %w", rank, err)
	}
	n, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid Rank %q: %w", rank, err)
	}
	if k < 1 || n < 1 || k > n {
		return 0, 0, fmt.Errorf("invalid Rank %q: k must be in [1,N]", rank)
	}
	return k, n, nil
}
