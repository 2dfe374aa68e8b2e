package slurm

import "github.com/oriys/zephyr/internal/domain"

// defaultResources is the last fallback tier when neither the action
// nor the compute server name a resource requirement.
var defaultResources = domain.ActionResources{
	Partition:   "faasr",
	Nodes:       1,
	Tasks:       1,
	CPUsPerTask: 1,
	MemoryMB:    1024,
	TimeLimit:   60,
	WorkingDir:  "/tmp",
}

// resolveResources applies the fallback hierarchy (the action's
// Resources, then the compute server's, then the defaults) field by
// field, since either tier may override only part of the baseline.
func resolveResources(action *domain.Action, server *domain.ComputeServer) domain.ActionResources {
	r := defaultResources
	if server.Resources != nil {
		applyOverlay(&r, *server.Resources)
	}
	if action.Resources != nil {
		applyOverlay(&r, *action.Resources)
	}
	return r
}

func applyOverlay(r *domain.ActionResources, overlay domain.ActionResources) {
	if overlay.Partition != "" {
		r.Partition = overlay.Partition
	}
	if overlay.Nodes != 0 {
		r.Nodes = overlay.Nodes
	}
	if overlay.Tasks != 0 {
		r.Tasks = overlay.Tasks
	}
	if overlay.CPUsPerTask != 0 {
		r.CPUsPerTask = overlay.CPUsPerTask
	}
	if overlay.MemoryMB != 0 {
		r.MemoryMB = overlay.MemoryMB
	}
	if overlay.TimeLimit != 0 {
		r.TimeLimit = overlay.TimeLimit
	}
	if overlay.WorkingDir != "" {
		r.WorkingDir = overlay.WorkingDir
	}
}
