// Copyright 2026 The hydra authors
// SPDX-License-Identifier: MIT

package buildremote

import (
	"context"
	"fmt"

	"github.com/thufschmitt/hydra/store"
)

// resolveInputs turns a step's derivation into the self-contained form
// sent over the wire: every referenced output of every input derivation
// is replaced by its concrete store path in InputSources.
// A referenced output name that the input derivation does not declare
// is skipped; only resolvable outputs are included.
//
// If local and dest are distinct stores, the closure of the derivation's
// declared input sources is copied from local into dest first,
// trusting local as authoritative (no signature checks, no substitution).
func resolveInputs(ctx context.Context, local, dest store.Store, step *Step) (*store.BasicDerivation, error) {
	basic := step.Derivation.Basic()
	for drvPath, outputs := range step.Derivation.InputDerivations {
		inputDrv, err := local.ReadDerivation(ctx, drvPath)
		if err != nil {
			return nil, fmt.Errorf("resolve inputs of %s: %w", step.DrvPath, err)
		}
		for name := range outputs.Values() {
			if outPath, ok := inputDrv.OutputPath(name); ok {
				basic.InputSources.Add(outPath)
			}
		}
	}

	if local != dest {
		closure, err := store.ComputeFSClosure(ctx, local, &step.Derivation.InputSources)
		if err != nil {
			return nil, fmt.Errorf("resolve inputs of %s: %w", step.DrvPath, err)
		}
		err = store.CopyPaths(ctx, local, dest, closure, &store.CopyOptions{})
		if err != nil {
			return nil, fmt.Errorf("resolve inputs of %s: %w", step.DrvPath, err)
		}
	}
	return basic, nil
}
