package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/oriys/zephyr/internal/domain"
)

// DependencyInstaller prepares whatever the action's function body
// needs before the entry script runs: cloning a git repo, or
// installing PyPI/CRAN packages. Dependency resolution itself
// (which package manager, which version pin) is delegated entirely to
// the shelled-out tool; this runtime never parses a requirements file.
type DependencyInstaller interface {
	Install(ctx context.Context, workDir string, action *domain.Action, doc *domain.WorkflowDocument) error
}

// ShellInstaller shells out to git/pip/Rscript exactly as directed by
// the workflow document's FunctionGitRepo, PyPIPackageDownloads, and
// FunctionCRANPackage fields.
type ShellInstaller struct {
	// Run executes name with args in workDir. Defaults to running the
	// real binary via os/exec; tests substitute a fake.
	Run func(ctx context.Context, workDir, name string, args ...string) error
}

// NewShellInstaller builds a ShellInstaller that runs real commands.
func NewShellInstaller() *ShellInstaller {
	return &ShellInstaller{Run: runCommand}
}

func runCommand(ctx context.Context, workDir, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = workDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %v: %w: %s", name, args, err, out)
	}
	return nil
}

type gitRepoSpec struct {
	Repo   string `json:"Repo"`
	Branch string `json:"Branch,omitempty"`
	Path   string `json:"Path,omitempty"`
}

// Install runs the install steps named by the function's action entry
// and by the document's package-download fields, in the order: git
// repo clone, PyPI packages, CRAN packages.
func (s *ShellInstaller) Install(ctx context.Context, workDir string, action *domain.Action, doc *domain.WorkflowDocument) error {
	if len(doc.FunctionGitRepo) > 0 {
		var repos []gitRepoSpec
		if err := json.Unmarshal(doc.FunctionGitRepo, &repos); err != nil {
			var single gitRepoSpec
			if err2 := json.Unmarshal(doc.FunctionGitRepo, &single); err2 != nil {
				return fmt.Errorf("parse FunctionGitRepo: %w", err)
			}
			repos = []gitRepoSpec{single}
		}
		for _, r := range repos {
			args := []string{"clone"}
			if r.Branch != "" {
				args = append(args, "--branch", r.Branch)
			}
			args = append(args, r.Repo)
			if err := s.Run(ctx, workDir, "git", args...); err != nil {
				return fmt.Errorf("clone %s: %w", r.Repo, err)
			}
		}
	}

	if len(doc.PyPIPackageDownloads) > 0 {
		var packages []string
		if err := json.Unmarshal(doc.PyPIPackageDownloads, &packages); err != nil {
			return fmt.Errorf("parse PyPIPackageDownloads: %w", err)
		}
		if len(packages) > 0 {
			args := append([]string{"install"}, packages...)
			if err := s.Run(ctx, workDir, "pip", args...); err != nil {
				return fmt.Errorf("pip install: %w", err)
			}
		}
	}

	if len(doc.FunctionCRANPackage) > 0 {
		var packages []string
		if err := json.Unmarshal(doc.FunctionCRANPackage, &packages); err != nil {
			return fmt.Errorf("parse FunctionCRANPackage: %w", err)
		}
		for _, pkg := range packages {
			expr := fmt.Sprintf("install.packages(%q, repos='https://cloud.r-project.org')", pkg)
			if err := s.Run(ctx, workDir, "Rscript", "-e", expr); err != nil {
				return fmt.Errorf("install.packages(%s): %w", pkg, err)
			}
		}
	}

	return nil
}

// NullInstaller performs no installation; used in tests where the
// function body and its dependencies are already present.
type NullInstaller struct{}

func (NullInstaller) Install(context.Context, string, *domain.Action, *domain.WorkflowDocument) error {
	return nil
}
