// Package p2g copies Perforce changelists into Git commits through a git
// fast-import stream: one commit per changelist per branch, ghosts skipped,
// parents resolved from integration history.
package p2g

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	libfastimport "github.com/rcowham/go-libgitfastimport"
	"github.com/sirupsen/logrus"

	"github.com/rcowham/gitfusion/branch"
	"github.com/rcowham/gitfusion/cache"
	"github.com/rcowham/gitfusion/config"
	"github.com/rcowham/gitfusion/descinfo"
	"github.com/rcowham/gitfusion/graph"
	"github.com/rcowham/gitfusion/objecttype"
	"github.com/rcowham/gitfusion/p4"
	"github.com/rcowham/gitfusion/parent"
)

// GitMirror answers whether a commit already exists in the repo's Git
// mirror, letting the copy skip work a previous run already did.
type GitMirror interface {
	HasCommit(sha1 string) bool
}

// LastCopiedKeyFmt names the per-repo counter holding the highest change
// number already copied to Git.
const LastCopiedKeyFmt = "git-fusion-%s-last-copied-change"

// Engine copies submitted changelists to a fast-import stream. One Engine
// per copy run; caches are run-scoped.
type Engine struct {
	Logger   *logrus.Logger
	Runner   p4.Runner
	Cfg      *config.Config
	Branches *branch.Registry
	History  objecttype.HistoryIndex
	Graph    *graph.Index
	Mirror   GitMirror // nil when no mirror exists yet
	RepoName string

	// Replica serves read-only clones from cached state only: the first
	// miss against the history index ends the copy early instead of
	// writing new index entries.
	Replica bool

	backend  *libfastimport.Backend
	out      *writeFlusher
	changes  *cache.ChangeCache
	filelogs *cache.FileLogCache
	revSha1s *cache.RevSha1Store
	resolver *parent.Resolver

	nextMark int

	// ChangesCopied counts changelists emitted as commits (ghosts and
	// already-mirrored commits excluded).
	ChangesCopied int
}

// NewEngine wires an engine writing the fast-import stream to w.
func NewEngine(logger *logrus.Logger, runner p4.Runner, cfg *config.Config,
	branches *branch.Registry, history objecttype.HistoryIndex, repoName string, w io.Writer) *Engine {
	wf := newWriteFlusher(w)
	e := &Engine{
		Logger:   logger,
		Runner:   runner,
		Cfg:      cfg,
		Branches: branches,
		History:  history,
		Graph:    graph.NewIndex(),
		RepoName: repoName,
		backend:  libfastimport.NewBackend(wf, nil, nil),
		out:      wf,
		changes:  cache.NewChangeCache(runner),
		filelogs: cache.NewFileLogCache(runner),
		revSha1s: cache.NewRevSha1Store(),
		nextMark: 1,
	}
	e.resolver = &parent.Resolver{
		Logger:   logger,
		Runner:   runner,
		Branches: branches,
		Filelog:  e.filelogs,
		History:  history,
		Graph:    e.Graph,
	}
	return e
}

// branchWork is one branch's slice of the changelists to copy.
type branchWork struct {
	branch  *branch.Branch
	changes []p4.Change
}

// Copy translates every changelist in (startAt, stopAt] that falls inside a
// branch view. startAt 0 means from the beginning; stopAt 0 means head.
func (e *Engine) Copy(startAt, stopAt int) error {
	work, err := e.discover(startAt, stopAt)
	if err != nil {
		return err
	}
	if len(work) == 0 {
		e.Logger.Debug("No changes to copy")
		return nil
	}

	if err := e.primeHeads(work); err != nil {
		return err
	}

	if !e.Replica {
		if err := e.bulkPrint(work); err != nil {
			return err
		}
	}

	// Merge per-branch lists into one ascending schedule. A changelist
	// spanning several views is copied once per branch.
	type task struct {
		chg  p4.Change
		dest *branch.Branch
	}
	var schedule []task
	for _, bw := range work {
		for _, chg := range bw.changes {
			schedule = append(schedule, task{chg, bw.branch})
		}
	}
	sort.SliceStable(schedule, func(i, j int) bool {
		return schedule[i].chg.Change < schedule[j].chg.Change
	})

	highest := 0
	for _, t := range schedule {
		done, err := e.copyOne(&t.chg, t.dest)
		if err != nil {
			return fmt.Errorf("change %d: %w", t.chg.Change, err)
		}
		if !done && e.Replica {
			e.Logger.Infof("Replica copy stopped at change %d", t.chg.Change)
			break
		}
		if t.chg.Change > highest {
			highest = t.chg.Change
		}
	}

	e.moveRefs()
	if err := e.out.Flush(); err != nil {
		return err
	}

	if highest > 0 && !e.Replica {
		key := fmt.Sprintf(LastCopiedKeyFmt, e.RepoName)
		if err := e.Runner.SetKey(key, strconv.Itoa(highest)); err != nil {
			return err
		}
	}
	return nil
}

// discover runs one 'p4 changes' per branch view and returns only branches
// with something new. The common no-op push costs one command per branch
// and nothing else.
func (e *Engine) discover(startAt, stopAt int) ([]branchWork, error) {
	begin := "@" + strconv.Itoa(startAt+1)
	if startAt == 0 {
		begin = "@1"
	}
	end := "#head"
	if stopAt != 0 {
		end = "@" + strconv.Itoa(stopAt)
	}
	var work []branchWork
	for _, b := range e.Branches.All() {
		if b.Deleted {
			continue
		}
		root := b.RootDepotPath()
		if root == "" {
			continue
		}
		// A grafted branch's history starts at the graft change; everything
		// older is collapsed into that one snapshot commit.
		bBegin := begin
		if startAt == 0 && b.GraftChangeNum != 0 {
			bBegin = "@" + strconv.Itoa(b.GraftChangeNum)
		}
		pathRev := fmt.Sprintf("%s/...%s,%s", root, bBegin, end)
		changes, err := e.Runner.Changes(pathRev)
		if err != nil {
			return nil, err
		}
		if len(changes) == 0 {
			continue
		}
		work = append(work, branchWork{branch: b, changes: changes})
	}
	return work, nil
}

// primeHeads loads each working branch's last-translated commit from the
// history index in as few key scans as possible, then seeds the graph heads.
func (e *Engine) primeHeads(work []branchWork) error {
	type headSeed struct {
		branchID string
		last     string
	}
	var seeds []headSeed
	for _, bw := range work {
		last, err := e.History.LastChangeNum(bw.branch.BranchID)
		if err != nil {
			return err
		}
		if last != "" {
			seeds = append(seeds, headSeed{bw.branch.BranchID, last})
		}
	}
	for _, s := range seeds {
		ot, err := e.History.ChangeNumToCommit(s.last)
		if err != nil {
			return err
		}
		if ot == nil {
			continue
		}
		e.Graph.SetHead(s.branchID, branch.ExternalizedHead(ot.Sha1, numOf(ot.ChangeNum)))
	}

	// A persisted index can batch-load every branch's record for one sha1
	// in a single key scan; worth it when many branches share history.
	if pi, ok := e.History.(*objecttype.PersistedIndex); ok && len(seeds) > 1 {
		ids := make([]string, 0, len(seeds))
		for _, s := range seeds {
			ids = append(ids, s.branchID)
		}
		if h, ok := e.Graph.Head(seeds[0].branchID); ok {
			if err := pi.PrimeBranches(h.Sha1(), ids); err != nil {
				return err
			}
		}
	}
	return nil
}

// copyOne translates a single changelist for one destination branch.
// Returns false when a replica cache miss means copying must stop.
func (e *Engine) copyOne(chg *p4.Change, dest *branch.Branch) (bool, error) {
	di := descinfo.FromText(chg.Description)

	// Ghosts rearrange Perforce state only; they are skipped, but their
	// identity sticks to the branch so parent calculation can see through
	// them.
	if di != nil && di.IsGhost() {
		dest.MoreRecentSkippedGhost = &branch.SkippedGhost{
			ChangeNum:     chg.Change,
			OfChangeNum:   numOf(di.GhostOfChangeNum),
			OfSha1:        di.GhostOfSha1,
			PrecedesSha1:  di.GhostPrecedes,
			DepotBranchID: di.DepotBranchID,
		}
		e.Logger.Debugf("Skipping ghost @%d on %s", chg.Change, dest.BranchID)
		return true, nil
	}

	// Mirror fast path: a commit copied by some earlier run needs no
	// re-translation, just a head move.
	if di != nil && di.Sha1 != "" && e.Mirror != nil && e.Mirror.HasCommit(di.Sha1) {
		e.Graph.SetHead(dest.BranchID, branch.ExternalizedHead(di.Sha1, chg.Change))
		e.recordHistory(di.Sha1, dest.BranchID, chg.Change)
		dest.MoreRecentSkippedGhost = nil
		return true, nil
	}

	if e.Replica {
		// Replicas never translate; a miss above is the stop signal.
		if di == nil || di.Sha1 == "" {
			return false, nil
		}
		e.Graph.SetHead(dest.BranchID, branch.ExternalizedHead(di.Sha1, chg.Change))
		return true, nil
	}

	isFirst := func() bool {
		h, ok := e.Graph.Head(dest.BranchID)
		return !ok || h.IsZero()
	}()

	res, err := e.resolver.Resolve(chg, dest, isFirst)
	if err != nil {
		return false, err
	}

	if err := e.emitCommit(chg, dest, di, res); err != nil {
		return false, err
	}
	dest.MoreRecentSkippedGhost = nil
	e.ChangesCopied++
	return true, nil
}

// emitCommit writes the blobs and the commit command for one changelist.
func (e *Engine) emitCommit(chg *p4.Change, dest *branch.Branch, di *descinfo.DescInfo, res *parent.Result) error {
	files, err := e.changes.Files(chg.Change)
	if err != nil {
		return err
	}

	// Parent mismatch fallback: when the first parent is not the branch
	// head fast-import has been building on, the incremental diff is
	// meaningless. Restate the whole tree at this change instead. A graft
	// commit always restates: it stands in for all collapsed history.
	restate := e.needsRestate(dest, res) ||
		(dest.GraftChangeNum != 0 && chg.Change == dest.GraftChangeNum)

	type emitFile struct {
		gwt    string
		mode   libfastimport.Mode
		ref    string
		delete bool
	}
	var emits []emitFile

	if restate {
		all, err := e.Runner.Files(fmt.Sprintf("%s/...@%d", dest.RootDepotPath(), chg.Change))
		if err != nil {
			return err
		}
		files = all
	}

	// Blobs were already emitted by the bulk print pass; each file revision
	// resolves to its recorded data reference.
	for _, f := range files {
		gwt := dest.View.ToGwt(f.DepotFile)
		if gwt == "" {
			continue
		}
		if f.Action.IsDelete() {
			if !restate {
				emits = append(emits, emitFile{gwt: gwt, delete: true})
			}
			continue
		}
		ref, err := e.blobRef(f)
		if err != nil {
			return err
		}
		mode := libfastimport.ModeFil
		if f.Type == "symlink" {
			mode = libfastimport.ModeSym
		} else if strings.Contains(f.Type, "+x") {
			mode = libfastimport.ModeExe
		}
		emits = append(emits, emitFile{gwt: gwt, mode: mode, ref: ref})
	}

	commitMark := e.nextMark
	e.nextMark++

	author, committer := e.idents(chg, di)
	msg := chg.Description
	if di != nil {
		msg = di.CleanDesc
	}

	cmd := libfastimport.CmdCommit{
		Mark:      commitMark,
		Ref:       "refs/heads/" + dest.GitBranchName,
		Author:    &author,
		Committer: *committer,
		Msg:       msg,
	}
	if len(res.Parents) > 0 {
		cmd.From = res.Parents[0]
		cmd.Merge = res.Parents[1:]
	}
	if err := e.backend.Do(cmd); err != nil {
		return err
	}

	if restate {
		if err := e.backend.Do(libfastimport.FileDeleteAll{}); err != nil {
			return err
		}
	}
	for _, ef := range emits {
		if ef.delete {
			if err := e.backend.Do(libfastimport.FileDelete{Path: libfastimport.Path(ef.gwt)}); err != nil {
				return err
			}
			continue
		}
		if ef.ref == "" {
			// Revision vanished between 'p4 files' and 'p4 print': an
			// obliterate mid-copy. Leave the path untouched.
			e.Logger.Warnf("No content printed for %s at change %d", ef.gwt, chg.Change)
			continue
		}
		fm := libfastimport.FileModify{
			Mode:    ef.mode,
			Path:    libfastimport.Path(ef.gwt),
			DataRef: ef.ref,
		}
		if err := e.backend.Do(fm); err != nil {
			return err
		}
	}

	e.Graph.AddCommit(graph.Node{
		Ref:       fmt.Sprintf(":%d", commitMark),
		Parents:   res.Parents,
		BranchID:  dest.BranchID,
		ChangeNum: chg.Change,
	})
	e.Graph.SetHead(dest.BranchID, branch.PendingHead(commitMark, chg.Change))
	return nil
}

// blobRef returns the fast-import data reference for a file revision,
// printing it on demand when the bulk pass never saw it: restates can reach
// outside the printed range.
func (e *Engine) blobRef(f p4.FileRev) (string, error) {
	if ref := e.revSha1s.Lookup(f.DepotFile, f.Rev); ref != "" {
		return ref, nil
	}
	err := e.Runner.Print(fmt.Sprintf("%s#%d", f.DepotFile, f.Rev), func(pr p4.PrintedRev) error {
		mark := e.nextMark
		e.nextMark++
		if err := e.backend.Do(libfastimport.CmdBlob{Mark: mark, Data: string(pr.Data)}); err != nil {
			return err
		}
		e.revSha1s.Record(pr.DepotFile, pr.Rev, fmt.Sprintf(":%d", mark))
		return nil
	})
	if err != nil {
		return "", err
	}
	return e.revSha1s.Lookup(f.DepotFile, f.Rev), nil
}

// needsRestate reports whether the incremental file list cannot be trusted:
// the first Git parent does not match what this branch's stream last built.
func (e *Engine) needsRestate(dest *branch.Branch, res *parent.Result) bool {
	if res.IsOrphan {
		return false
	}
	h, ok := e.Graph.Head(dest.BranchID)
	if !ok || h.IsZero() {
		// First commit on this branch with a forced parent from another
		// branch: fast-import starts from that parent's full tree, and the
		// changelist's own file list only holds the delta branch action.
		return res.FirstParentBranchID != "" && res.FirstParentBranchID != dest.BranchID
	}
	return res.Parents[0] != h.Ref()
}

// bulkPrint issues one print-all-revisions-in-range request per branch with
// new changelists, emitting a blob for every revision before any commit is
// written. Grafted branches also get a full-tree snapshot print at the graft
// change. Depot branches discovered as integration sources while printing
// join the queue and are printed from their own history start, so this is a
// breadth-first expansion over discovered branches, not a fixed list.
func (e *Engine) bulkPrint(work []branchWork) error {
	var queue []string
	for _, bw := range work {
		root := bw.branch.RootDepotPath()
		if root == "" || len(bw.changes) == 0 {
			continue
		}
		lo, hi := changeBounds(bw.changes)
		if g := bw.branch.GraftChangeNum; g != 0 && g >= lo && g <= hi {
			queue = append(queue, fmt.Sprintf("%s/...@%d", root, g))
			lo = g + 1
			if lo > hi {
				continue
			}
		}
		queue = append(queue, fmt.Sprintf("%s/...@%d,@%d", root, lo, hi))
	}
	for len(queue) > 0 {
		pathRev := queue[0]
		queue = queue[1:]
		err := e.Runner.Print(pathRev, func(pr p4.PrintedRev) error {
			if e.revSha1s.Lookup(pr.DepotFile, pr.Rev) != "" {
				return nil
			}
			mark := e.nextMark
			e.nextMark++
			if err := e.backend.Do(libfastimport.CmdBlob{Mark: mark, Data: string(pr.Data)}); err != nil {
				return err
			}
			e.revSha1s.Record(pr.DepotFile, pr.Rev, fmt.Sprintf(":%d", mark))
			if pr.Action == p4.ActionBranch || pr.Action == p4.ActionInteg {
				jobs, err := e.discoverSourceBranches(pr)
				if err != nil {
					return err
				}
				queue = append(queue, jobs...)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// discoverSourceBranches follows a branch or integ revision back to its
// sources and claims any depot branch no view covers yet. The returned
// path ranges print each new branch from its own first revision up to the
// change that revealed it.
func (e *Engine) discoverSourceBranches(pr p4.PrintedRev) ([]string, error) {
	srcs, err := e.filelogs.Sources(pr.Change, fmt.Sprintf("%s#%d", pr.DepotFile, pr.Rev))
	if err != nil {
		return nil, err
	}
	var jobs []string
	for _, s := range srcs {
		if e.Branches.FindByDepotFile(s.FromFile) != nil {
			continue
		}
		if e.Branches.DepotBranchForPath(s.FromFile) != nil {
			continue
		}
		root := depotDirOf(s.FromFile)
		if root == "" {
			continue
		}
		dbi := &branch.DepotBranchInfo{
			DepotBranchID: strings.TrimPrefix(root, "//"),
			RootDepotPath: root,
		}
		if !e.Branches.ClaimDepotBranch(dbi) {
			continue
		}
		e.Logger.Infof("Discovered depot branch %s (%s %s)", root, s.How, s.FromFile)
		jobs = append(jobs, fmt.Sprintf("%s/...@1,@%d", root, pr.Change))
	}
	return jobs, nil
}

// changeBounds returns the lowest and highest change numbers in the list.
func changeBounds(changes []p4.Change) (int, int) {
	lo, hi := changes[0].Change, changes[0].Change
	for _, c := range changes[1:] {
		if c.Change < lo {
			lo = c.Change
		}
		if c.Change > hi {
			hi = c.Change
		}
	}
	return lo, hi
}

// depotDirOf returns the directory holding a depot file, "" when the file
// sits directly under a depot root.
func depotDirOf(depotFile string) string {
	i := strings.LastIndexByte(depotFile, '/')
	if i <= 1 {
		return ""
	}
	dir := depotFile[:i]
	// "//depot" alone claims a whole depot; never treat that as a branch.
	if strings.Count(dir, "/") < 3 {
		return ""
	}
	return dir
}

// idents derives Git author and committer from the changelist. Changelists
// we wrote carry the original idents in the description block; native
// Perforce changelists fall back to the owner and submit time.
func (e *Engine) idents(chg *p4.Change, di *descinfo.DescInfo) (libfastimport.Ident, *libfastimport.Ident) {
	if di != nil && di.Author != nil {
		author := toLibIdent(di.Author)
		committer := author
		if di.Committer != nil {
			committer = toLibIdent(di.Committer)
		}
		return author, &committer
	}
	ident := libfastimport.Ident{
		Name:  chg.User,
		Email: chg.User + "@" + e.RepoName,
	}
	ident.Time = timeOf(chg.Time)
	committer := ident
	return ident, &committer
}

// moveRefs writes one reset per branch so the Git refs land on the newest
// translated commit, deleted branches excluded.
func (e *Engine) moveRefs() {
	for _, branchID := range e.Graph.Branches() {
		b := e.Branches.ByID(branchID)
		if b == nil || b.Deleted {
			continue
		}
		h, ok := e.Graph.Head(branchID)
		if !ok || h.IsZero() {
			continue
		}
		_ = e.backend.Do(libfastimport.CmdReset{
			RefName:   "refs/heads/" + b.GitBranchName,
			CommitIsh: h.Ref(),
		})
	}
}

// Externalize records the final sha1 for every pending mark once
// fast-import reports its marks table, then persists the sha1/changelist
// pairs to the history index.
func (e *Engine) Externalize(marks map[int]string) error {
	for mark, sha1 := range marks {
		e.Graph.Externalize(mark, sha1)
	}
	for _, branchID := range e.Graph.Branches() {
		h, ok := e.Graph.Head(branchID)
		if !ok || h.IsZero() || h.IsPending() {
			continue
		}
		e.recordHistory(h.Sha1(), branchID, h.ChangeNum)
	}
	return nil
}

func (e *Engine) recordHistory(sha1, branchID string, changeNum int) {
	err := e.History.Record(objecttype.ObjectType{
		Sha1:      sha1,
		BranchID:  branchID,
		ChangeNum: strconv.Itoa(changeNum),
	})
	if err != nil {
		e.Logger.Warnf("History index: %v", err)
	}
}

// LastCopied reads the per-repo high-water mark, 0 when none.
func (e *Engine) LastCopied() (int, error) {
	key := fmt.Sprintf(LastCopiedKeyFmt, e.RepoName)
	v, err := e.Runner.Key(key)
	if err != nil || v == "" {
		return 0, err
	}
	return strconv.Atoi(v)
}

// writeFlusher adapts a plain writer to the closer the fast-import backend
// wants; Close flushes without closing the underlying stream.
type writeFlusher struct {
	*bufio.Writer
}

func newWriteFlusher(w io.Writer) *writeFlusher {
	return &writeFlusher{bufio.NewWriter(w)}
}

func (wf *writeFlusher) Close() error { return wf.Flush() }

func timeOf(secs int64) time.Time {
	return time.Unix(secs, 0).UTC()
}

func toLibIdent(id *descinfo.Ident) libfastimport.Ident {
	out := libfastimport.Ident{
		Name:  id.FullName,
		Email: strings.Trim(id.Email, "<>"),
	}
	if secs, err := strconv.ParseInt(id.Time, 10, 64); err == nil {
		out.Time = timeOf(secs)
	}
	return out
}

func numOf(s string) int {
	s = strings.TrimPrefix(s, ":")
	n, _ := strconv.Atoi(s)
	return n
}
