// Package parent computes, for a changelist being copied to Git, the ordered
// list of parent commits its new Git commit should carry.
package parent

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/rcowham/gitfusion/branch"
	"github.com/rcowham/gitfusion/cache"
	"github.com/rcowham/gitfusion/descinfo"
	"github.com/rcowham/gitfusion/graph"
	"github.com/rcowham/gitfusion/objecttype"
	"github.com/rcowham/gitfusion/p4"
)

// Result of one resolution.
type Result struct {
	// Parents holds fast-import refs (":N" marks or sha1s), first parent
	// first. Empty for an orphan.
	Parents []string

	// FirstParentBranchID is set when the commit is the first on a new
	// branch forked from elsewhere: the branch holding Parents[0].
	FirstParentBranchID string

	// ForkChanges maps contributing branch id to the changelist at which
	// this commit's history forked from it.
	ForkChanges map[string]int

	// IsOrphan - no parent at all, a Git root commit.
	IsOrphan bool
}

// Resolver computes parent lists. All lookups go through the run-scoped
// caches; nothing here queries the store directly except the one batched
// fstat that maps integ source revisions to changelists.
type Resolver struct {
	Logger   *logrus.Logger
	Runner   p4.Runner
	Branches *branch.Registry
	Filelog  *cache.FileLogCache
	History  objecttype.HistoryIndex
	Graph    *graph.Index
}

// Resolve computes a changelist's Git parents: current branch head
// (skipping ghosts), forced parent for the first commit on a lightweight
// child, then merge parents from integration sources.
func (r *Resolver) Resolve(chg *p4.Change, dest *branch.Branch, isFirstOnBranch bool) (*Result, error) {
	res := &Result{ForkChanges: make(map[string]int)}

	di := descinfo.FromText(chg.Description)

	// Ghost handling: a ghost changelist is never copied to Git, so it can
	// never be a parent. If the most recent skipped ghost reproduces the
	// branch head we parent straight onto the head, skipping the ghost.
	// Otherwise the ghost rearranged the branch from elsewhere and the
	// branch head is not a parent at all; integ links decide.
	skippedGhost := dest.MoreRecentSkippedGhost
	head, hasHead := r.Graph.Head(dest.BranchID)
	if hasHead && !head.IsZero() {
		if skippedGhost == nil || skippedGhost.OfChangeNum == head.ChangeNum {
			res.Parents = append(res.Parents, head.Ref())
			res.ForkChanges[dest.BranchID] = head.ChangeNum
		}
	}

	// First commit on a lightweight child: force a parent from the branch
	// it forked off, so the new Git branch connects to its basis.
	if isFirstOnBranch {
		if ref, branchID, changeNum := r.firstParentForNewBranch(dest, di); ref != "" {
			res.Parents = append(res.Parents, ref)
			if len(res.Parents) == 1 || res.FirstParentBranchID == "" {
				res.FirstParentBranchID = branchID
			}
			res.ForkChanges[branchID] = changeNum
		}
	}

	// Follow integration sources, including any carried by the skipped
	// ghost, to find merge parents.
	sources, err := r.integSources(chg.Change, dest)
	if err != nil {
		return nil, err
	}
	if skippedGhost != nil && skippedGhost.ChangeNum != 0 {
		ghostSources, err := r.integSources(skippedGhost.ChangeNum, dest)
		if err != nil {
			return nil, err
		}
		sources = append(sources, ghostSources...)
	}

	merge, err := r.mergeParents(sources, dest, res.ForkChanges)
	if err != nil {
		return nil, err
	}
	res.Parents = append(res.Parents, merge...)
	res.Parents = dedupe(res.Parents)
	r.honorGitParentOrder(res, di)

	if len(res.Parents) == 0 {
		res.IsOrphan = true
	}
	return res, nil
}

func (r *Resolver) integSources(changeNum int, dest *branch.Branch) ([]p4.IntegSource, error) {
	pathRev := fmt.Sprintf("%s/...@%d,@%d", dest.RootDepotPath(), changeNum, changeNum)
	return r.Filelog.Sources(changeNum, pathRev)
}

// mergeParents maps integ source files back to branches, collapses to the
// highest changelist per branch and one branch per distinct source commit
// (preferring a fully-populated branch on ties), then resolves each to a ref.
func (r *Resolver) mergeParents(sources []p4.IntegSource, dest *branch.Branch, forkChanges map[string]int) ([]string, error) {
	if len(sources) == 0 {
		return nil, nil
	}

	// Batch the source revision -> changelist mapping into one fstat.
	paths := make([]string, 0, len(sources))
	for _, src := range sources {
		paths = append(paths, fmt.Sprintf("%s#%d", src.FromFile, src.EndRev))
	}
	fstats, err := r.Runner.Fstat(paths)
	if err != nil {
		return nil, err
	}

	// Highest contributing changelist per source branch.
	branchToCl := make(map[string]int)
	for _, fs := range fstats {
		src := r.Branches.FindByDepotFile(fs.DepotFile)
		if src == nil {
			// No depot-branch mapping: drop this integration source
			// rather than block translation on incomplete metadata.
			r.Logger.Debugf("No branch mapping for integ source %s, dropping", fs.DepotFile)
			continue
		}
		if src.BranchID == dest.BranchID {
			continue
		}
		if fs.HeadChange > branchToCl[src.BranchID] {
			branchToCl[src.BranchID] = fs.HeadChange
		}
	}

	// Resolve each branch@change to a commit; keep one branch per distinct
	// source commit, preferring fully populated over lightweight.
	type candidate struct {
		branchID  string
		changeNum int
		ref       string
	}
	bySha1 := make(map[string]candidate)
	branchIDs := make([]string, 0, len(branchToCl))
	for id := range branchToCl {
		branchIDs = append(branchIDs, id)
	}
	sort.Strings(branchIDs)
	for _, branchID := range branchIDs {
		changeNum := branchToCl[branchID]
		ot, err := r.History.ChangeNumToCommit(fmt.Sprintf("%d", changeNum))
		if err != nil {
			return nil, err
		}
		if ot == nil {
			r.Logger.Debugf("No commit recorded for change %d on %s, dropping integ source",
				changeNum, branchID)
			continue
		}
		cand := candidate{branchID: branchID, changeNum: changeNum, ref: ot.Sha1}
		prev, ok := bySha1[ot.Sha1]
		if !ok {
			bySha1[ot.Sha1] = cand
			continue
		}
		prevBranch := r.Branches.ByID(prev.branchID)
		candBranch := r.Branches.ByID(cand.branchID)
		if prevBranch != nil && prevBranch.IsLightweight &&
			candBranch != nil && !candBranch.IsLightweight {
			bySha1[ot.Sha1] = cand
		}
	}

	refs := make([]string, 0, len(bySha1))
	sha1s := make([]string, 0, len(bySha1))
	for sha1 := range bySha1 {
		sha1s = append(sha1s, sha1)
	}
	sort.Strings(sha1s)
	for _, sha1 := range sha1s {
		cand := bySha1[sha1]
		refs = append(refs, cand.ref)
		forkChanges[cand.branchID] = cand.changeNum
	}
	return refs, nil
}

// firstParentForNewBranch finds the commit the new branch forked from, via
// DescInfo's parent-branch pointer or the depot branch's recorded parents.
func (r *Resolver) firstParentForNewBranch(dest *branch.Branch, di *descinfo.DescInfo) (ref, branchID string, changeNum int) {
	if di != nil && len(di.Parents) > 0 {
		sha1 := di.Parents[0]
		if n := r.Graph.Node(sha1); n != nil {
			return sha1, n.BranchID, n.ChangeNum
		}
		otl, err := r.History.CommitsForSha1(sha1)
		if err == nil && len(otl) > 0 {
			ot := preferFullyPopulated(otl, r.Branches)
			return sha1, ot.BranchID, numOf(ot.ChangeNum)
		}
	}
	dbi := dest.DepotBranch
	if dbi == nil || len(dbi.ParentBranchIDs) == 0 {
		return "", "", 0
	}
	parentBranch := dbi.ParentBranchIDs[0]
	parentChange := 0
	if len(dbi.ParentChangeNums) > 0 {
		parentChange = dbi.ParentChangeNums[0]
	}
	ot, err := r.History.ChangeNumToCommit(fmt.Sprintf("%d", parentChange))
	if err != nil || ot == nil {
		return "", "", 0
	}
	return ot.Sha1, parentBranch, parentChange
}

// honorGitParentOrder reorders merge parents to match the original Git
// parent sequence recorded in DescInfo, keeping the first parent first.
func (r *Resolver) honorGitParentOrder(res *Result, di *descinfo.DescInfo) {
	if di == nil || len(di.Parents) < 2 || len(res.Parents) < 2 {
		return
	}
	rank := make(map[string]int, len(di.Parents))
	for i, sha1 := range di.Parents {
		rank[sha1] = i + 1
	}
	head := res.Parents[0]
	rest := append([]string(nil), res.Parents[1:]...)
	sort.SliceStable(rest, func(i, j int) bool {
		ri, iok := rank[rest[i]]
		rj, jok := rank[rest[j]]
		if iok != jok {
			return iok
		}
		return ri < rj
	})
	res.Parents = append([]string{head}, rest...)
}

func preferFullyPopulated(otl []objecttype.ObjectType, reg *branch.Registry) objecttype.ObjectType {
	for _, ot := range otl {
		if b := reg.ByID(ot.BranchID); b != nil && !b.IsLightweight {
			return ot
		}
	}
	return otl[0]
}

func dedupe(refs []string) []string {
	seen := make(map[string]bool, len(refs))
	out := refs[:0]
	for _, ref := range refs {
		if ref == "" || seen[ref] {
			continue
		}
		seen[ref] = true
		out = append(out, ref)
	}
	return out
}

func numOf(changeNum string) int {
	if len(changeNum) > 0 && changeNum[0] == ':' {
		changeNum = changeNum[1:]
	}
	n := 0
	for _, c := range changeNum {
		if c < '0' || c > '9' {
			break
		}
		n = n*10 + int(c-'0')
	}
	return n
}
