package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/oriys/zephyr/internal/domain"
	"github.com/oriys/zephyr/internal/graph"
	"github.com/oriys/zephyr/internal/logging"
	"github.com/oriys/zephyr/internal/sidecar"
)

// ObjectStore is the subset of objectstore.Client the sidecar
// procedures need.
type ObjectStore interface {
	Put(ctx context.Context, name, key string, body []byte) error
	Get(ctx context.Context, name, key string) ([]byte, error)
	List(ctx context.Context, name, prefix string) ([]string, error)
	Delete(ctx context.Context, name, key string) error
	Download(ctx context.Context, name, key, path string) error
}

type putFileArgs struct {
	LocalFile  string `json:"LocalFile"`
	RemoteFile string `json:"RemoteFile"`
	DataStore  string `json:"DataStore,omitempty"`
}

type getFileArgs struct {
	RemoteFile string `json:"RemoteFile"`
	LocalFile  string `json:"LocalFile"`
	DataStore  string `json:"DataStore,omitempty"`
}

type deleteFileArgs struct {
	RemoteFile string `json:"RemoteFile"`
	DataStore  string `json:"DataStore,omitempty"`
}

type folderListArgs struct {
	FolderName string `json:"FolderName"`
	DataStore  string `json:"DataStore,omitempty"`
}

type s3CredsArgs struct {
	DataStore string `json:"DataStore,omitempty"`
}

type s3Creds struct {
	Endpoint  string `json:"Endpoint"`
	Region    string `json:"Region"`
	Bucket    string `json:"Bucket"`
	AccessKey string `json:"AccessKey"`
	SecretKey string `json:"SecretKey"`
}

type logArgs struct {
	Message string `json:"Message"`
}

// handlersFactory returns an executor.HandlersFor closure binding the
// sidecar's seven faasr_* procedures to the object store, bound to one
// invocation's logger and invocation ID.
func handlersFactory(store ObjectStore, logger *logging.Logger, invocationID string) func(ctx context.Context, doc *domain.WorkflowDocument, action *domain.Action, workDir string) map[string]sidecar.ProcedureHandler {
	return func(ctx context.Context, doc *domain.WorkflowDocument, action *domain.Action, workDir string) map[string]sidecar.ProcedureHandler {
		return buildHandlers(store, doc, action, workDir, logger, invocationID, doc.FunctionInvoke)
	}
}

// buildHandlers binds the sidecar's seven faasr_* procedures to the
// object store, the current action's data stores, and its rank, for
// one invocation's user function process.
func buildHandlers(store ObjectStore, doc *domain.WorkflowDocument, action *domain.Action, workDir string, logger *logging.Logger, invocationID, actionName string) map[string]sidecar.ProcedureHandler {
	defaultStore := doc.DefaultDataStore

	resolveStore := func(name string) string {
		if name != "" {
			return name
		}
		return defaultStore
	}

	return map[string]sidecar.ProcedureHandler{
		sidecar.ProcLog: func(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
			var args logArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, fmt.Errorf("faasr_log: %w", err)
			}
			logger.Log(logging.Record{
				Severity:     logging.SeverityInfo,
				InvocationID: invocationID,
				Action:       actionName,
				Message:      args.Message,
			})
			return nil, nil
		},

		sidecar.ProcPutFile: func(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
			var args putFileArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, fmt.Errorf("faasr_put_file: %w", err)
			}
			localPath := filepath.Join(workDir, args.LocalFile)
			body, err := os.ReadFile(localPath)
			if err != nil {
				return nil, fmt.Errorf("faasr_put_file: read %s: %w", localPath, err)
			}
			if err := store.Put(ctx, resolveStore(args.DataStore), args.RemoteFile, body); err != nil {
				return nil, fmt.Errorf("faasr_put_file: %w", err)
			}
			return nil, nil
		},

		sidecar.ProcGetFile: func(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
			var args getFileArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, fmt.Errorf("faasr_get_file: %w", err)
			}
			localPath := filepath.Join(workDir, args.LocalFile)
			if err := store.Download(ctx, resolveStore(args.DataStore), args.RemoteFile, localPath); err != nil {
				return nil, fmt.Errorf("faasr_get_file: %w", err)
			}
			return nil, nil
		},

		sidecar.ProcDeleteFile: func(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
			var args deleteFileArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, fmt.Errorf("faasr_delete_file: %w", err)
			}
			if err := store.Delete(ctx, resolveStore(args.DataStore), args.RemoteFile); err != nil {
				return nil, fmt.Errorf("faasr_delete_file: %w", err)
			}
			return nil, nil
		},

		sidecar.ProcGetFolderList: func(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
			var args folderListArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, fmt.Errorf("faasr_get_folder_list: %w", err)
			}
			keys, err := store.List(ctx, resolveStore(args.DataStore), args.FolderName)
			if err != nil {
				return nil, fmt.Errorf("faasr_get_folder_list: %w", err)
			}
			return json.Marshal(keys)
		},

		sidecar.ProcRank: func(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
			k, n, err := domain.ParseRank(action.Rank)
			if err != nil {
				return nil, fmt.Errorf("faasr_rank: %w", err)
			}
			// A rank propagated by the triggering invocation wins over
			// the action's static Rank declaration.
			if doc.FunctionRank > 0 {
				k = doc.FunctionRank
				if w := graph.FanOutWidths(doc)[actionName]; w > n {
					n = w
				}
				if k > n {
					n = k
				}
			}
			return json.Marshal(map[string]int{"Rank": k, "MaxRank": n})
		},

		sidecar.ProcGetS3Creds: func(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
			var args s3CredsArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, fmt.Errorf("faasr_get_s3_creds: %w", err)
			}
			name := resolveStore(args.DataStore)
			ds, ok := doc.DataStores[name]
			if !ok {
				return nil, fmt.Errorf("faasr_get_s3_creds: unknown data store %q", name)
			}
			return json.Marshal(s3Creds{
				Endpoint:  ds.Endpoint,
				Region:    ds.Region,
				Bucket:    ds.Bucket,
				AccessKey: ds.AccessKey,
				SecretKey: ds.SecretKey,
			})
		},
	}
}
