// Package helper implements the two operations the pipeline invokes on peer
// hosts: reading the stamp files and committing the staged tree into the
// live tree with an atomic rename rotation.
package helper

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/openmined/anysyncd/internal/mirror"
	"github.com/openmined/anysyncd/internal/stamps"
	"github.com/openmined/anysyncd/internal/utils"
)

// Stamps returns the wire form "<success>:<lastchange>" for a syncer.
// Missing stamp files yield empty fields; only an I/O error on a present
// file fails.
func Stamps(stateDir, name string) (string, error) {
	return stamps.ReadFormatted(stateDir, name)
}

// StagingDir returns the sibling staging tree for a live tree:
// `.<basename>.tmp` next to it.
func StagingDir(prodDir string) string {
	prodDir = filepath.Clean(prodDir)
	return filepath.Join(filepath.Dir(prodDir), "."+filepath.Base(prodDir)+".tmp")
}

// Commit swaps the distributed csync tree into the live tree:
//
//  1. mirror csyncDir into the staging tree
//  2. move the live tree aside
//  3. rename staging into place
//  4. recycle the previous live tree as the next staging area
//
// The rotation means that on steady state the "other" tree is always
// available as staging, keeping the swap cheap. The operation is not
// idempotent under partial failure; recovery relies on the next sync
// re-running the mirror step.
func Commit(ctx context.Context, m mirror.Mirror, prodDir, csyncDir string) error {
	prodDir = filepath.Clean(prodDir)
	staging := StagingDir(prodDir)
	backup := prodDir + ".bak"

	if err := m.Mirror(ctx, csyncDir, staging); err != nil {
		return fmt.Errorf("stage %s: %w", staging, err)
	}

	if utils.DirExists(prodDir) {
		if err := os.Rename(prodDir, backup); err != nil {
			return fmt.Errorf("move live tree aside: %w", err)
		}
	}

	if err := os.Rename(staging, prodDir); err != nil {
		return fmt.Errorf("swap staging into place: %w", err)
	}

	if utils.DirExists(backup) {
		if err := os.Rename(backup, staging); err != nil {
			return fmt.Errorf("recycle previous live tree: %w", err)
		}
	}

	return nil
}
