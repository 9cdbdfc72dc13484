// Package branch models the binding between a Git ref and the region of
// Perforce depot space that backs it.
package branch

import (
	"fmt"
	"sort"
	"strings"
)

// MapLine - one ordered path-translation rule in a branch view. Exclusion
// lines carry Exclude=true and knock out earlier matches, as Perforce views
// do.
type MapLine struct {
	DepotPrefix string // e.g. "//depot/main/"
	GwtPrefix   string // Git work tree prefix, "" for repo root
	Exclude     bool
}

// View - an ordered list of path-translation rules. Later lines win.
type View []MapLine

// ToDepot translates a Git work-tree path to its depot path, or "" if the
// path falls outside the view.
func (v View) ToDepot(gwtPath string) string {
	result := ""
	for _, line := range v {
		rel, ok := trimPrefix(gwtPath, line.GwtPrefix)
		if !ok {
			continue
		}
		if line.Exclude {
			result = ""
		} else {
			result = line.DepotPrefix + rel
		}
	}
	return result
}

// ToGwt translates a depot path to its Git work-tree path, or "" if outside.
func (v View) ToGwt(depotFile string) string {
	result := ""
	matched := false
	for _, line := range v {
		rel, ok := trimPrefix(depotFile, line.DepotPrefix)
		if !ok {
			continue
		}
		if line.Exclude {
			matched = false
			result = ""
		} else {
			matched = true
			result = line.GwtPrefix + rel
		}
	}
	if !matched {
		return ""
	}
	return result
}

func trimPrefix(s, prefix string) (string, bool) {
	if prefix == "" {
		return s, true
	}
	if strings.HasPrefix(s, prefix) {
		return s[len(prefix):], true
	}
	return "", false
}

// Branch - a named or anonymous view binding a Git ref to a depot branch.
type Branch struct {
	BranchID      string // stable, unique within the repo
	GitBranchName string // "" means anonymous/lightweight
	View          View
	DepotBranch   *DepotBranchInfo
	IsLightweight bool
	Deleted       bool
	DeletedAt     int // changelist at which the branch was deleted, 0 if live

	// GraftChangeNum collapses all history at or before it into one
	// snapshot commit. 0 means translate from the beginning.
	GraftChangeNum int

	// MoreRecentSkippedGhost remembers the most recent ghost changelist
	// skipped during P2G translation on this branch. Parent resolution
	// uses it to follow integ links through the ghost.
	MoreRecentSkippedGhost *SkippedGhost
}

// SkippedGhost records a ghost changelist that P2G declined to copy.
type SkippedGhost struct {
	ChangeNum      int
	OfChangeNum    int    // changelist the ghost reproduces
	OfSha1         string // commit the ghost reproduces
	PrecedesSha1   string // commit the ghost stages the branch for
	DepotBranchID  string
}

// RootDepotPath returns the depot subtree this branch claims, derived from
// the first inclusion line of its view.
func (b *Branch) RootDepotPath() string {
	for _, line := range b.View {
		if !line.Exclude {
			return strings.TrimSuffix(line.DepotPrefix, "/")
		}
	}
	return ""
}

func (b *Branch) String() string {
	name := b.GitBranchName
	if name == "" {
		name = "(anon)"
	}
	return fmt.Sprintf("%s=%s", b.BranchID, name)
}

// DepotBranchInfo identifies a claimed depot subtree plus the parent depot
// branch(es) it diverged from and the changelist(s) at which it diverged.
// This is the Perforce-side analog of a Git branch point for lightweight
// branches.
type DepotBranchInfo struct {
	DepotBranchID   string
	RootDepotPath   string
	ParentBranchIDs []string // ordered, first parent first
	ParentChangeNums []int   // parallel to ParentBranchIDs

	// FullyPopulatedBasis is the depot branch supplying files this
	// lightweight branch has not yet JIT-branched, "" for fully populated
	// branches.
	FullyPopulatedBasis string
	BasisChangeNum      int
}

// Registry indexes branches by id and by claimed depot subtree, replacing
// what the original kept in process-global caches: all state here belongs to
// one translation run.
type Registry struct {
	byID   map[string]*Branch
	byRoot map[string]*DepotBranchInfo
}

func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[string]*Branch),
		byRoot: make(map[string]*DepotBranchInfo),
	}
}

// Add registers a branch. The depot branch info, if any, is indexed by root.
func (r *Registry) Add(b *Branch) {
	r.byID[b.BranchID] = b
	if b.DepotBranch != nil {
		r.byRoot[b.DepotBranch.RootDepotPath] = b.DepotBranch
	}
}

// ByID returns the branch or nil.
func (r *Registry) ByID(branchID string) *Branch {
	return r.byID[branchID]
}

// ByGitBranch returns the non-deleted branch assigned to a Git branch name,
// or nil.
func (r *Registry) ByGitBranch(name string) *Branch {
	for _, b := range r.All() {
		if !b.Deleted && b.GitBranchName == name {
			return b
		}
	}
	return nil
}

// All returns every branch sorted by branch id, for deterministic iteration.
func (r *Registry) All() []*Branch {
	out := make([]*Branch, 0, len(r.byID))
	for _, b := range r.byID {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BranchID < out[j].BranchID })
	return out
}

// FindByDepotFile returns the branch whose view contains the depot file, or
// nil if no branch claims it. Every changelist copied to Git must resolve to
// exactly one branch's view; a miss here is the caller's cue to drop an
// integration source rather than block translation.
func (r *Registry) FindByDepotFile(depotFile string) *Branch {
	for _, b := range r.All() {
		if b.Deleted {
			continue
		}
		if b.View.ToGwt(depotFile) != "" {
			return b
		}
	}
	return nil
}

// ClaimDepotBranch registers a depot branch discovered mid-translation (a
// new integration source found while printing). Returns false if already
// known.
func (r *Registry) ClaimDepotBranch(dbi *DepotBranchInfo) bool {
	if _, ok := r.byRoot[dbi.RootDepotPath]; ok {
		return false
	}
	r.byRoot[dbi.RootDepotPath] = dbi
	return true
}

// DepotBranchForPath returns the registered depot branch whose root prefixes
// the depot file, or nil.
func (r *Registry) DepotBranchForPath(depotFile string) *DepotBranchInfo {
	best := ""
	var found *DepotBranchInfo
	for root, dbi := range r.byRoot {
		if strings.HasPrefix(depotFile, root+"/") && len(root) > len(best) {
			best = root
			found = dbi
		}
	}
	return found
}
