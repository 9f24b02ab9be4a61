// Copyright 2026 The hydra authors
// SPDX-License-Identifier: MIT

package buildremote

import (
	"context"
	"fmt"
	"io"

	"github.com/thufschmitt/hydra/store"
	"golang.org/x/sync/errgroup"
	"zombiezen.com/go/log"
)

// copyOutputs fetches the outputs described by infos from the session's
// machine into dest, importing each output strictly after the outputs
// it references.
// The destination store rejects an import whose references do not exist yet,
// so a reference-respecting order is required, not just nice to have.
//
// Each output is streamed once: the bytes are imported into dest
// and scanned for member metadata in the same pass.
// Outputs already present in dest are skipped without fetching any bytes.
func copyOutputs(ctx context.Context, session *Session, dest store.Store, infos map[store.Path]*store.ValidPathInfo, members *NARMemberSet) error {
	order, err := store.SortByReferences(infos)
	if err != nil {
		return fmt.Errorf("copy outputs from %s: %w", session.machine, err)
	}
	for _, path := range order {
		exists, err := dest.PathExists(ctx, path)
		if err != nil {
			return fmt.Errorf("copy outputs from %s: %w", session.machine, err)
		}
		if exists {
			log.Debugf(ctx, "Not copying %s from %s: already present", path, session.machine)
			continue
		}

		// The dump stream has no framing of its own; the connection stays
		// open after the NAR, so the reader must be bounded by the size
		// reported in the path info.
		body := io.LimitReader(session.FetchOutput(path), infos[path].NARSize)
		pr, pw := io.Pipe()
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			defer pr.Close()
			return members.scanNAR(path, pr)
		})
		g.Go(func() error {
			err := dest.AddToStore(gctx, infos[path], io.TeeReader(body, pw))
			pw.CloseWithError(err)
			return err
		})
		if err := g.Wait(); err != nil {
			return fmt.Errorf("copy outputs from %s: import %s: %w", session.machine, path, err)
		}
	}
	return nil
}
