package graph

import (
	"fmt"

	"github.com/oriys/zephyr/internal/domain"
)

// SchemaViolationError reports a single structural defect found by
// Validate, which performs its checks directly against the parsed Go
// struct rather than an external JSON schema document.
type SchemaViolationError struct {
	Field  string
	Reason string
}

func (e *SchemaViolationError) Error() string {
	return fmt.Sprintf("schema violation: %s: %s", e.Field, e.Reason)
}

// Validate checks a workflow document's structural invariants before
// any DAG analysis runs: ActionList is non-empty, FunctionInvoke names
// a known action, every action has a FunctionName, a Python or R type,
// a non-empty FaaSServer (checked against ComputeServers only when that
// map is present) and a parseable Rank, every InvokeNext entry resolves
// to a known action, and every compute server has a supported FaaSType.
// Data-store references are not checked here.
func Validate(doc *domain.WorkflowDocument) error {
	if len(doc.ActionList) == 0 {
		return &SchemaViolationError{Field: "ActionList", Reason: "must have at least one entry"}
	}
	if doc.FunctionInvoke == "" {
		return &SchemaViolationError{Field: "FunctionInvoke", Reason: "must name the action being run"}
	}
	if _, ok := doc.ActionList[doc.FunctionInvoke]; !ok {
		return &SchemaViolationError{Field: "FunctionInvoke", Reason: fmt.Sprintf("names unknown action %q", doc.FunctionInvoke)}
	}

	for name, action := range doc.ActionList {
		if action.FunctionName == "" {
			return &SchemaViolationError{Field: "ActionList." + name + ".FunctionName", Reason: "must not be empty"}
		}
		switch action.Type {
		case domain.ActionTypePython, domain.ActionTypeR:
		default:
			return &SchemaViolationError{Field: "ActionList." + name + ".Type", Reason: fmt.Sprintf("unsupported type %q", action.Type)}
		}
		if action.FaaSServer == "" {
			return &SchemaViolationError{Field: "ActionList." + name + ".FaaSServer", Reason: "must not be empty"}
		}
		if doc.ComputeServers != nil {
			if _, ok := doc.ComputeServers[action.FaaSServer]; !ok {
				return &SchemaViolationError{Field: "ActionList." + name + ".FaaSServer", Reason: fmt.Sprintf("names unknown compute server %q", action.FaaSServer)}
			}
		}
		if action.Rank != "" {
			if _, _, err := domain.ParseRank(action.Rank); err != nil {
				return &SchemaViolationError{Field: "ActionList." + name + ".Rank", Reason: err.Error()}
			}
		}
		if err := validateInvokeNext(name, action.InvokeNext, doc.ActionList); err != nil {
			return err
		}
	}

	for name, server := range doc.ComputeServers {
		switch server.FaaSType {
		case domain.FaaSGitHubActions, domain.FaaSLambda, domain.FaaSOpenWhisk, domain.FaaSSLURM:
		default:
			return &SchemaViolationError{Field: "ComputeServers." + name + ".FaaSType", Reason: fmt.Sprintf("unsupported type %q", server.FaaSType)}
		}
	}

	return nil
}

func validateInvokeNext(action string, n domain.InvokeNext, actions map[string]*domain.Action) error {
	for _, t := range n {
		switch t.Kind {
		case domain.InvokeTargetPlain, domain.InvokeTargetRanked:
			if _, ok := actions[t.Name]; !ok {
				return &SchemaViolationError{
					Field:  "ActionList." + action + ".InvokeNext",
					Reason: fmt.Sprintf("names unknown successor %q", t.Name),
				}
			}
		case domain.InvokeTargetConditional:
			for _, branch := range t.Conditional {
				if err := validateInvokeNext(action, branch, actions); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
