// Package g2p copies Git commits into Perforce changelists, one changelist
// per commit per branch, deciding a single Perforce action for every file
// through the decision matrix.
package g2p

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	libfastimport "github.com/rcowham/go-libgitfastimport"
	"github.com/sirupsen/logrus"

	"github.com/rcowham/gitfusion/branch"
	"github.com/rcowham/gitfusion/config"
	"github.com/rcowham/gitfusion/descinfo"
	"github.com/rcowham/gitfusion/gitexport"
	"github.com/rcowham/gitfusion/graph"
	"github.com/rcowham/gitfusion/node"
	"github.com/rcowham/gitfusion/objecttype"
	"github.com/rcowham/gitfusion/p4"
	"github.com/rcowham/gitfusion/preflight"
)

// Engine copies a pushed Git commit sequence into Perforce. One Engine per
// push; all caches are push-scoped.
type Engine struct {
	Logger   *logrus.Logger
	Runner   p4.Runner
	Cfg      *config.Config
	Branches *branch.Registry
	History  objecttype.HistoryIndex
	Graph    *graph.Index

	// ClientRoot is the Perforce client workspace directory files are
	// materialized into before opening.
	ClientRoot string

	// Pusher is the authenticated Perforce user performing the push.
	Pusher string

	// AuthorLookup maps a Git author email to a Perforce user id, "" when
	// unmapped.
	AuthorLookup func(email string) string

	// Checker vets the whole push before the first changelist is created.
	// Left nil, Copy builds one from the engine's own collaborators.
	Checker *preflight.Checker

	parser *gitexport.Parser
	trees  map[string]*node.Tree

	// ChangesCopied counts submitted changelists including ghosts.
	ChangesCopied int
}

// NewEngine wires an engine for one push.
func NewEngine(logger *logrus.Logger, runner p4.Runner, cfg *config.Config,
	branches *branch.Registry, history objecttype.HistoryIndex, clientRoot string) *Engine {
	return &Engine{
		Logger:     logger,
		Runner:     runner,
		Cfg:        cfg,
		Branches:   branches,
		History:    history,
		Graph:      graph.NewIndex(),
		ClientRoot: clientRoot,
		trees:      make(map[string]*node.Tree),
	}
}

// Copy reads a fast-export stream, vets the full commit sequence, then
// copies every commit. Nothing is opened or submitted until the preflight
// pass accepts the push. On a later error the already-submitted changelists
// stay submitted; Cleanup reverts whatever is still open.
func (e *Engine) Copy(exportFile string) error {
	if e.parser == nil {
		e.parser = gitexport.NewParser(e.Logger)
	}
	ch, err := e.parser.Parse(exportFile)
	if err != nil {
		return err
	}
	var commits []*gitexport.Commit
	for commit := range ch {
		c := commit
		e.markLFSPointers(&c)
		commits = append(commits, &c)
	}
	if err := e.preflight(commits); err != nil {
		e.Cleanup()
		return err
	}
	for _, c := range commits {
		if err := e.CopyCommit(c); err != nil {
			return fmt.Errorf("commit %s: %w", abbrev(c.Sha1), err)
		}
	}
	return nil
}

func (e *Engine) preflight(commits []*gitexport.Commit) error {
	c := e.Checker
	if c == nil {
		c = &preflight.Checker{
			Logger:       e.Logger,
			Runner:       e.Runner,
			Cfg:          e.Cfg,
			Branches:     e.Branches,
			AuthorLookup: e.AuthorLookup,
		}
	}
	return c.CheckCommits(commits)
}

// SetTestInput substitutes an in-memory fast-export stream.
func (e *Engine) SetTestInput(input string) {
	e.parser = gitexport.NewParser(e.Logger)
	e.parser.SetTestInput(input)
}

// CopyCommit copies one commit to its destination branch: zero, one or two
// ghost changelists first, then the real changelist. On failure the decision
// state is dumped and anything left open is reverted before the error
// surfaces.
func (e *Engine) CopyCommit(commit *gitexport.Commit) error {
	m, err := e.copyCommit(commit)
	if err != nil {
		e.dumpAndRevert(m, err)
	}
	return err
}

// dumpAndRevert captures the state that produced a failed copy, then
// reverts whatever the attempt left open. Best effort only: its own
// failures are logged, never returned, so the cause stays visible.
func (e *Engine) dumpAndRevert(m *Matrix, cause error) {
	e.Logger.Errorf("Copy failed: %v", cause)
	if m != nil {
		e.Logger.Error(m.Dump())
	}
	if e.Graph != nil {
		e.Logger.Debug(e.Graph.Dot())
	}
	e.Cleanup()
}

func (e *Engine) copyCommit(commit *gitexport.Commit) (*Matrix, error) {
	dest, isFirst, err := e.assignBranch(commit)
	if err != nil {
		return nil, err
	}
	if dest.Deleted {
		return nil, fmt.Errorf("branch %s is deleted", dest.GitBranchName)
	}

	e.expandDirectories(commit, dest)
	e.markLFSPointers(commit)

	parents, err := e.resolveParents(commit)
	if err != nil {
		return nil, err
	}

	m := &Matrix{
		Log:             e.Logger,
		Runner:          e.Runner,
		Cfg:             e.Cfg,
		Branches:        e.Branches,
		Commit:          commit,
		Dest:            dest,
		Parents:         parents,
		DestHeadChange:  e.headChange(dest),
		IsFirstOnBranch: isFirst,
		Trees:           e.trees,
		ClientRoot:      e.ClientRoot,
	}
	if err := m.Discover(); err != nil {
		return m, err
	}

	for {
		needGhost, err := m.GhostDecide()
		if err != nil {
			return m, err
		}
		if !needGhost {
			break
		}
		if err := e.submitGhost(m, commit, dest, parents); err != nil {
			return m, err
		}
	}

	if err := m.Decide(); err != nil {
		return m, err
	}
	m.EnsureNonEmpty()

	changeNum, err := e.submitReal(m, commit, dest, parents)
	if err != nil {
		return m, err
	}

	e.recordCommit(commit, dest, parents, changeNum)
	e.applyToTree(commit, dest, parents)
	return m, nil
}

// assignBranch maps the commit's Git branch to a Perforce branch, creating
// one for a branch name never seen before. Returns whether the branch's
// depot area is brand new.
func (e *Engine) assignBranch(commit *gitexport.Commit) (*branch.Branch, bool, error) {
	name := commit.Branch
	if name == "" {
		name = e.Cfg.DefaultBranch
	}
	if b := e.Branches.ByGitBranch(name); b != nil {
		_, seen := e.Graph.Head(b.BranchID)
		return b, !seen && b.DepotBranch == nil, nil
	}
	b, err := e.newBranch(name)
	if err != nil {
		return nil, false, err
	}
	e.Branches.Add(b)
	e.Logger.Infof("New branch %s -> %s", name, b.RootDepotPath())
	return b, true, nil
}

// newBranch builds the branch record for a Git branch name, honoring
// configured mappings, else placing it under the import path.
func (e *Engine) newBranch(name string) (*branch.Branch, error) {
	depotRoot := fmt.Sprintf("//%s/%s/%s", e.Cfg.ImportDepot, e.Cfg.ImportPath, name)
	for _, bm := range e.Cfg.BranchMappings {
		re, err := bm.Compile()
		if err != nil {
			return nil, err
		}
		if re.MatchString(name) {
			depotRoot = fmt.Sprintf("//%s/%s%s", e.Cfg.ImportDepot, bm.Prefix, name)
			break
		}
	}
	branchID := name
	return &branch.Branch{
		BranchID:      branchID,
		GitBranchName: name,
		View: branch.View{
			{DepotPrefix: depotRoot + "/", GwtPrefix: ""},
		},
		IsLightweight: name != e.Cfg.DefaultBranch,
		DepotBranch: &branch.DepotBranchInfo{
			DepotBranchID: branchID,
			RootDepotPath: depotRoot,
		},
	}, nil
}

// expandDirectories rewrites directory-level deletes and renames into
// per-file operations using the maintained branch tree. Git fast-export can
// emit them when a commit removes a whole subtree.
func (e *Engine) expandDirectories(commit *gitexport.Commit, dest *branch.Branch) {
	tree := e.treeFor(commit, dest)
	if tree == nil {
		return
	}
	var out []gitexport.FileChange
	for _, fc := range commit.Files {
		switch fc.Action {
		case gitexport.Delete:
			if !tree.Exists(fc.Path) {
				if files := tree.Files(fc.Path); len(files) > 0 {
					for _, f := range files {
						out = append(out, gitexport.FileChange{Action: gitexport.Delete, Path: f})
					}
					continue
				}
			}
		case gitexport.Rename:
			if !tree.Exists(fc.SrcPath) {
				if files := tree.Files(fc.SrcPath); len(files) > 0 {
					for _, f := range files {
						rel := strings.TrimPrefix(f, fc.SrcPath+"/")
						out = append(out, gitexport.FileChange{
							Action:  gitexport.Rename,
							SrcPath: f,
							Path:    fc.Path + "/" + rel,
							Mode:    fc.Mode,
							DataRef: fc.DataRef,
						})
					}
					continue
				}
			}
		}
		out = append(out, fc)
	}
	commit.Files = out
}

// markLFSPointers tags file changes whose blob is a Git LFS pointer.
func (e *Engine) markLFSPointers(commit *gitexport.Commit) {
	if !e.Cfg.EnableLFS || e.parser == nil {
		return
	}
	for i := range commit.Files {
		fc := &commit.Files[i]
		if fc.Action != gitexport.Modify && fc.Action != gitexport.Copy {
			continue
		}
		blob := e.parser.Blob(fc.DataRef)
		if blob == nil {
			continue
		}
		if oid := lfsOid(blob.Data); oid != "" {
			fc.DataRef = "lfs:" + oid
		}
	}
}

// lfsOid extracts the sha256 OID from LFS pointer text, "" when the content
// is not a pointer.
func lfsOid(data string) string {
	if !strings.HasPrefix(data, "version https://git-lfs.github.com/spec/") {
		return ""
	}
	for _, line := range strings.Split(data, "\n") {
		if strings.HasPrefix(line, "oid sha256:") {
			return strings.TrimSpace(strings.TrimPrefix(line, "oid sha256:"))
		}
	}
	return ""
}

// resolveParents turns the commit's parent refs into branch+changelist
// coordinates via the commit graph built during this push and the persisted
// history index for commits pushed earlier.
func (e *Engine) resolveParents(commit *gitexport.Commit) ([]ParentInfo, error) {
	refs := commit.ParentRefs()
	out := make([]ParentInfo, 0, len(refs))
	for _, ref := range refs {
		pi := ParentInfo{Sha1: ref}
		if n := e.Graph.Node(ref); n != nil {
			pi.Branch = e.Branches.ByID(n.BranchID)
			pi.ChangeNum = n.ChangeNum
			pi.Sha1 = n.Ref
		} else if !strings.HasPrefix(ref, ":") {
			ots, err := e.History.CommitsForSha1(ref)
			if err != nil {
				return nil, err
			}
			if len(ots) > 0 {
				ot := ots[0]
				pi.Branch = e.Branches.ByID(ot.BranchID)
				pi.ChangeNum = numOf(ot.ChangeNum)
			}
		}
		if pi.Branch == nil {
			return nil, fmt.Errorf("parent %s not copied to Perforce yet", abbrev(ref))
		}
		out = append(out, pi)
	}
	return out, nil
}

func (e *Engine) headChange(dest *branch.Branch) int {
	if h, ok := e.Graph.Head(dest.BranchID); ok {
		return h.ChangeNum
	}
	last, err := e.History.LastChangeNum(dest.BranchID)
	if err != nil || last == "" {
		return 0
	}
	return numOf(last)
}

// submitGhost opens whatever the GHOST column decided, submits it as a ghost
// changelist, and records it so the copy back to Git can skip it.
func (e *Engine) submitGhost(m *Matrix, commit *gitexport.Commit, dest *branch.Branch, parents []ParentInfo) error {
	di := &descinfo.DescInfo{
		CleanDesc:     "Git Fusion branch management",
		PushState:     "complete",
		DepotBranchID: depotBranchID(dest),
		GhostPrecedes: commit.Sha1,
	}
	if len(parents) > 0 {
		di.GhostOfSha1 = parents[0].Sha1
		di.GhostOfChangeNum = strconv.Itoa(parents[0].ChangeNum)
	}
	changeNum, err := e.Runner.CreateChange(di.ToText())
	if err != nil {
		return err
	}
	if err := m.GhostApply(); err != nil {
		e.Cleanup()
		return err
	}
	submitted, err := p4.SubmitWithRetry(e.Runner, e.Logger, changeNum, e.retryPolicy())
	if err != nil {
		e.Cleanup()
		return err
	}
	e.ChangesCopied++
	e.Logger.Infof("Ghost @%d on %s precedes %s", submitted, dest.BranchID, abbrev(commit.Sha1))
	m.DestHeadChange = submitted
	// Head moved under Git's feet; the ghost itself is the reconciler, so
	// it is never an implied parent for the commit that caused it.
	dest.MoreRecentSkippedGhost = &branch.SkippedGhost{
		ChangeNum:     submitted,
		OfChangeNum:   numOf(di.GhostOfChangeNum),
		OfSha1:        di.GhostOfSha1,
		PrecedesSha1:  commit.Sha1,
		DepotBranchID: di.DepotBranchID,
	}
	// Rediscover against the new head.
	return m.Discover()
}

// submitReal creates, populates and submits the commit's own changelist.
func (e *Engine) submitReal(m *Matrix, commit *gitexport.Commit, dest *branch.Branch, parents []ParentInfo) (int, error) {
	di := e.buildDescInfo(commit, dest, parents)
	changeNum, err := e.Runner.CreateChange(di.ToText())
	if err != nil {
		return 0, err
	}
	if err := m.DoIt(e); err != nil {
		e.Cleanup()
		return 0, err
	}
	submitted, err := p4.SubmitWithRetry(e.Runner, e.Logger, changeNum, e.retryPolicy())
	if err != nil {
		e.Cleanup()
		return 0, err
	}
	e.ChangesCopied++
	e.Logger.Infof("Change @%d on %s copies %s", submitted, dest.BranchID, abbrev(commit.Sha1))

	if e.Cfg.ChangeOwnerToAuthor {
		if p4user := e.authorP4User(commit); p4user != "" {
			if err := e.Runner.ChangeOwner(submitted, p4user, ""); err != nil {
				e.Logger.Warnf("Could not set owner of @%d to %s: %v", submitted, p4user, err)
			}
		}
	}
	return submitted, nil
}

func (e *Engine) buildDescInfo(commit *gitexport.Commit, dest *branch.Branch, parents []ParentInfo) *descinfo.DescInfo {
	di := &descinfo.DescInfo{
		CleanDesc:     commit.Msg,
		Author:        toIdent(commit.Author),
		Committer:     toIdent(commit.Committer),
		AuthorP4:      e.authorP4User(commit),
		Pusher:        e.Pusher,
		Sha1:          commit.Sha1,
		PushState:     "complete",
		DepotBranchID: depotBranchID(dest),
		ParentChanges: make(map[string][]string),
	}
	for _, p := range parents {
		di.Parents = append(di.Parents, p.Sha1)
		di.ParentChanges[p.Sha1] = append(di.ParentChanges[p.Sha1], strconv.Itoa(p.ChangeNum))
	}
	if len(parents) > 0 && parents[0].Branch.BranchID != dest.BranchID {
		di.ParentBranch = fmt.Sprintf("%s@%d", depotBranchID(parents[0].Branch), parents[0].ChangeNum)
	}
	for _, fc := range commit.Files {
		if fc.IsSubmodule() {
			di.Gitlinks = append(di.Gitlinks, descinfo.Gitlink{Sha1: fc.DataRef, Path: fc.Path})
		}
	}
	return di
}

func (e *Engine) authorP4User(commit *gitexport.Commit) string {
	if e.AuthorLookup == nil {
		return ""
	}
	return e.AuthorLookup(commit.Author.Email)
}

// recordCommit persists the sha1/branch/changelist triple and moves the
// in-push graph head.
func (e *Engine) recordCommit(commit *gitexport.Commit, dest *branch.Branch, parents []ParentInfo, changeNum int) {
	ot := objecttype.ObjectType{
		Sha1:      commit.Sha1,
		BranchID:  dest.BranchID,
		ChangeNum: strconv.Itoa(changeNum),
	}
	if err := e.History.Record(ot); err != nil {
		e.Logger.Warnf("History index: %v", err)
	}
	e.Graph.AddCommit(graph.Node{
		Ref:       commit.Sha1,
		Parents:   commit.ParentRefs(),
		BranchID:  dest.BranchID,
		ChangeNum: changeNum,
	})
	e.Graph.SetHead(dest.BranchID, branch.ExternalizedHead(commit.Sha1, changeNum))
	dest.MoreRecentSkippedGhost = nil
}

// applyToTree replays the commit's file changes onto the branch's work-tree
// model, seeding from the first parent's tree on a branch's first commit.
func (e *Engine) applyToTree(commit *gitexport.Commit, dest *branch.Branch, parents []ParentInfo) {
	tree := e.trees[dest.BranchID]
	if tree == nil {
		tree = node.NewTree(e.Cfg.CaseInsensitive)
		if len(parents) > 0 {
			if src := e.trees[parents[0].Branch.BranchID]; src != nil {
				tree.CopyFrom(src)
			}
		}
		e.trees[dest.BranchID] = tree
	}
	for _, fc := range commit.Files {
		switch fc.Action {
		case gitexport.Modify, gitexport.Copy:
			tree.Add(fc.Path)
		case gitexport.Delete:
			tree.Delete(fc.Path)
		case gitexport.Rename:
			tree.Delete(fc.SrcPath)
			tree.Add(fc.Path)
		}
	}
}

func (e *Engine) treeFor(commit *gitexport.Commit, dest *branch.Branch) *node.Tree {
	if t := e.trees[dest.BranchID]; t != nil {
		return t
	}
	if commit.From != "" {
		if n := e.Graph.Node(commit.From); n != nil {
			return e.trees[n.BranchID]
		}
	}
	return nil
}

// WriteFile materializes a row's blob into the client workspace. Satisfies
// FileWriter.
func (e *Engine) WriteFile(row *Row) error {
	gwt := filepath.FromSlash(row.GwtPath)
	local := filepath.Join(e.ClientRoot, gwt)
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return err
	}
	if row.LFSOid != "" {
		// Content arrives via 'p4 copy' from the large-file area.
		return nil
	}
	if row.Sha1 == "" {
		// Placeholder add or forced no-op edit.
		if _, err := os.Stat(local); err == nil {
			return nil
		}
		return os.WriteFile(local, nil, 0o644)
	}
	blob := e.parser.Blob(row.Sha1)
	if blob == nil {
		return fmt.Errorf("no blob for %s (%s)", row.GwtPath, row.Sha1)
	}
	defer e.parser.ReleaseBlob(row.Sha1)

	if row.Mode == "120000" {
		os.Remove(local)
		return os.Symlink(blob.Data, local)
	}
	mode := os.FileMode(0o644)
	if row.Mode == "100755" {
		mode = 0o755
	}
	return os.WriteFile(local, []byte(blob.Data), mode)
}

// Cleanup reverts anything still open in the client. Safe to call twice.
func (e *Engine) Cleanup() {
	opened, err := e.Runner.Opened()
	if err != nil || len(opened) == 0 {
		return
	}
	paths := make([]string, 0, len(opened))
	for _, o := range opened {
		paths = append(paths, o.DepotFile)
	}
	if err := e.Runner.Revert(paths); err != nil {
		e.Logger.Warnf("Revert failed: %v", err)
	}
}

func (e *Engine) retryPolicy() p4.RetryPolicy {
	sr := e.Cfg.SubmitRetry
	if sr.MaxAttempts == 0 {
		return p4.DefaultRetryPolicy
	}
	return p4.RetryPolicy{
		MaxAttempts: sr.MaxAttempts,
		InitialWait: sr.InitialWait,
		MaxWait:     sr.MaxWait,
	}
}

func depotBranchID(b *branch.Branch) string {
	if b.DepotBranch != nil {
		return b.DepotBranch.DepotBranchID
	}
	return b.BranchID
}

func toIdent(id libfastimport.Ident) *descinfo.Ident {
	return &descinfo.Ident{
		FullName: id.Name,
		Email:    "<" + id.Email + ">",
		Time:     strconv.FormatInt(id.Time.Unix(), 10),
		Timezone: id.Time.Format("-0700"),
	}
}

func numOf(s string) int {
	s = strings.TrimPrefix(s, ":")
	n, _ := strconv.Atoi(s)
	return n
}
