package fastpush

import (
	"fmt"

	"github.com/rcowham/gitfusion/branch"
	"github.com/rcowham/gitfusion/config"
	"github.com/rcowham/gitfusion/p4"
)

// CheckPreconditions gates the fast-push path. A fast push rewrites server
// state through a journal import, which is only safe into a repo area that
// holds no history yet: anything already submitted there forces the normal
// copy path.
func CheckPreconditions(runner p4.Runner, cfg *config.Config, branches *branch.Registry) error {
	if !cfg.EnableFastPush {
		return fmt.Errorf("fast push is not enabled for this repository")
	}
	if cfg.EnableLFS {
		// LFS content lives outside the journal; the bulk import cannot
		// carry it.
		return fmt.Errorf("fast push cannot be combined with LFS")
	}
	if cfg.EnableSwarmReviews {
		// Review shelves are built per-changelist during a normal copy;
		// the journal import bypasses that entirely.
		return fmt.Errorf("fast push cannot be combined with Swarm reviews")
	}
	if cfg.EnableFindCopies || cfg.EnableFindRenames {
		// Copy/rename detection rewrites file actions per commit, which
		// the precomputed journal records cannot reflect.
		return fmt.Errorf("fast push cannot be combined with copy/rename detection")
	}
	info, err := runner.Info()
	if err != nil {
		return err
	}
	if !info.CaseSensitive {
		// Journal records carry paths verbatim; a case-folding server
		// could import two records for what it considers one file.
		return fmt.Errorf("fast push requires a case sensitive server")
	}
	if !info.SupportsUnzip() {
		return fmt.Errorf("server %s cannot replay bulk-import archives; 2015.2 or later required",
			info.Version)
	}
	for _, b := range branches.All() {
		root := b.RootDepotPath()
		if root == "" {
			continue
		}
		changes, err := runner.Changes(root + "/...")
		if err != nil {
			return err
		}
		if len(changes) > 0 {
			return fmt.Errorf("depot path %s already holds %d changelists; fast push needs an empty area",
				root, len(changes))
		}
	}
	return nil
}
