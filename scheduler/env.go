package scheduler

import (
	"context"
	"errors"

	"github.com/dagwright/flowengine/store"
)

// buildEnv assembles the CEL evaluation variables for nodeID: "inputs" maps
// each declared predecessor id to its published outputs, "context" carries
// run/node identity plus any extra (e.g. loop) variables, and every
// context key is also flattened to the top level for convenience.
func buildEnv(ctx context.Context, st store.Store, rc *runContext, nodeID string, extra map[string]any) (map[string]any, error) {
	spec := rc.nodes[nodeID]

	inputs := make(map[string]any, len(spec.Inputs))
	for _, pred := range spec.Inputs {
		outs, err := st.GetNodeOutputs(ctx, rc.runID, pred)
		if err != nil {
			if errors.Is(err, store.ErrOutputsNotAvailable) {
				continue
			}
			return nil, err
		}
		inputs[pred] = map[string]any(outs)
	}

	cctx := map[string]any{"run_id": rc.runID, "node_id": nodeID}
	for k, v := range extra {
		cctx[k] = v
	}

	vars := map[string]any{"inputs": inputs, "context": cctx}
	for k, v := range cctx {
		vars[k] = v
	}
	return vars, nil
}
