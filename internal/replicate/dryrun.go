package replicate

import (
	"context"

	"github.com/AlexSeisler/DevbotKernelBackend/internal/compose"
	"github.com/AlexSeisler/DevbotKernelBackend/internal/model"
)

// Preview is the dry-run outcome for one path.
type Preview struct {
	Path string
	// TargetHash is the target's current blob hash, empty if the file is new.
	TargetHash string
	Valid      bool
	Reason     string
	Err        error
	// Diff is a unified diff from the target's content to the composed content.
	Diff string
}

// DryRun composes every unique path of plan against the target without
// writing anything. The target is read at plan.TargetBranch, or its default
// branch when that is empty.
func (o *Orchestrator) DryRun(ctx context.Context, plan *model.ReplicationPlan) ([]Preview, error) {
	ref := plan.TargetBranch
	if ref == "" {
		ref = plan.Target.DefaultBranch
	}
	items, err := o.prepare(ctx, plan, ref)
	if err != nil {
		return nil, err
	}

	out := make([]Preview, 0, len(items))
	for _, p := range items {
		pv := Preview{Path: p.path, TargetHash: p.baseHash, Valid: p.err == nil, Err: p.err}
		if p.err != nil {
			pv.Reason = model.Reason(p.err)
		} else {
			pv.Diff = compose.Preview(p.path, p.current, p.unit.UpdatedContent)
		}
		out = append(out, pv)
	}
	o.log.Info("dry run complete", "source", plan.Source.ID, "target", plan.Target.ID, "paths", len(out))
	return out, nil
}
