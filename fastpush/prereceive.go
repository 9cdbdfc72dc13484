// Package fastpush imports an initial Git history by writing server journal
// records and archive files directly, sidestepping per-changelist submits.
// Pre-receive builds everything offline with provisional changelist numbers
// (gfmarks); post-receive replays the journal into the server and renumbers.
package fastpush

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/h2non/filetype"
	libfastimport "github.com/rcowham/go-libgitfastimport"
	"github.com/sirupsen/logrus"

	"github.com/rcowham/gitfusion/branch"
	"github.com/rcowham/gitfusion/config"
	"github.com/rcowham/gitfusion/descinfo"
	"github.com/rcowham/gitfusion/gitexport"
	"github.com/rcowham/gitfusion/journal"
	"github.com/rcowham/gitfusion/node"
	"github.com/rcowham/gitfusion/preflight"
)

// PreReceive builds the journal chunks, archive files and snapshot for one
// fast push.
type PreReceive struct {
	Logger   *logrus.Logger
	Cfg      *config.Config
	Branches *branch.Registry
	RepoName string
	Pusher   string

	// Checker vets the commit sequence before anything is written. The
	// caller supplies one because the checks need a server connection,
	// which the pre-receive phase otherwise never holds.
	Checker *preflight.Checker

	// WorkDir receives journal chunks and the snapshot; ArchiveRoot
	// receives librarian archives.
	WorkDir     string
	ArchiveRoot string

	parser    *gitexport.Parser
	journal   *journal.Journal
	librarian *Librarian
	revs      *RevHistory
	trees     map[string]*node.Tree
	heads     map[string]int            // branch id -> gfmark
	sha1Mark  map[string]int            // commit sha1 -> gfmark
	fileTypes map[string]journal.FileType // depotFile -> last written type

	snap       *Snapshot
	chunkIndex int
	chunkFile  *os.File
	nextMark   int
}

// NewPreReceive wires a pre-receive run. Marks start high enough that they
// can never collide with real changelist numbers already on the server.
func NewPreReceive(logger *logrus.Logger, cfg *config.Config, branches *branch.Registry,
	repoName, workDir, archiveRoot string, firstMark int) *PreReceive {
	if firstMark < 1 {
		firstMark = 1
	}
	return &PreReceive{
		Logger:      logger,
		Cfg:         cfg,
		Branches:    branches,
		RepoName:    repoName,
		WorkDir:     workDir,
		ArchiveRoot: archiveRoot,
		revs:        NewRevHistory(cfg.CaseInsensitive),
		trees:       make(map[string]*node.Tree),
		heads:       make(map[string]int),
		sha1Mark:    make(map[string]int),
		fileTypes:   make(map[string]journal.FileType),
		nextMark:    firstMark,
	}
}

// Run consumes the fast-export stream and writes every artifact.
func (p *PreReceive) Run(exportFile string) (*Snapshot, error) {
	p.snap = &Snapshot{
		RepoName:       p.RepoName,
		FirstGFMark:    p.nextMark,
		BranchHeads:    make(map[string]int),
		Sha1ByGFMark:   make(map[int]string),
		BranchByGFMark: make(map[int]string),
	}
	p.parser = gitexport.NewParser(p.Logger)
	ch, err := p.parser.Parse(exportFile)
	if err != nil {
		return nil, err
	}
	var commits []*gitexport.Commit
	for commit := range ch {
		c := commit
		commits = append(commits, &c)
	}
	if p.Checker != nil {
		if err := p.Checker.CheckCommits(commits); err != nil {
			return nil, err
		}
	}

	p.librarian = NewLibrarian(p.ArchiveRoot, 8)
	if err := p.openChunk(); err != nil {
		return nil, err
	}

	for _, c := range commits {
		if err := p.processCommit(c); err != nil {
			p.librarian.Close()
			return nil, fmt.Errorf("commit %s: %w", c.Sha1, err)
		}
	}

	if err := p.closeChunk(); err != nil {
		return nil, err
	}
	if err := p.librarian.Close(); err != nil {
		return nil, err
	}

	p.snap.LastGFMark = p.nextMark - 1
	for id, mark := range p.heads {
		p.snap.BranchHeads[id] = mark
	}
	path := filepath.Join(p.WorkDir, "fastpush-state.yaml")
	if err := p.snap.Save(path); err != nil {
		return nil, err
	}
	return p.snap, nil
}

func (p *PreReceive) openChunk() error {
	name := filepath.Join(p.WorkDir, fmt.Sprintf("jnl.%d", p.chunkIndex))
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	p.chunkFile = f
	if p.journal == nil {
		p.journal = journal.New(f, journal.DefaultIdentity)
		if err := p.journal.WriteHeader(); err != nil {
			return err
		}
	} else {
		p.journal.SetWriter(f)
	}
	p.snap.Chunks = append(p.snap.Chunks, Chunk{File: name, FirstMark: p.nextMark})
	return nil
}

func (p *PreReceive) closeChunk() error {
	p.snap.RevCount += p.journal.RevCount
	p.snap.Chunks[len(p.snap.Chunks)-1].LastMark = p.nextMark - 1
	return p.chunkFile.Close()
}

// rotateChunk starts a new journal file once the current one holds enough
// rev records. Bounding chunk size bounds server memory during replay.
func (p *PreReceive) rotateChunk() error {
	if p.journal.RevCount < p.Cfg.MaxRevsPerArchive {
		return nil
	}
	if err := p.closeChunk(); err != nil {
		return err
	}
	p.chunkIndex++
	return p.openChunk()
}

func (p *PreReceive) processCommit(commit *gitexport.Commit) error {
	dest := p.branchFor(commit)
	tree := p.treeFor(commit, dest)

	// A commit starting a new branch from another branch's history gets a
	// populate changelist first: every inherited file branched in, so the
	// new depot path holds a full tree.
	if _, seen := p.heads[dest.BranchID]; !seen && commit.From != "" {
		if err := p.writePopulate(commit, dest, tree); err != nil {
			return err
		}
	}

	mark := p.nextMark
	p.nextMark++

	di := p.buildDescInfo(commit)
	if len(commit.ParentRefs()) > 0 {
		p.snap.DescRewrites = append(p.snap.DescRewrites, mark)
	}
	if err := p.journal.WriteChange(mark, di.ToText(), commit.Author.Time.Unix()); err != nil {
		return err
	}

	for _, fc := range commit.Files {
		if err := p.writeFileChange(commit, dest, tree, fc, mark); err != nil {
			return err
		}
	}

	p.heads[dest.BranchID] = mark
	p.sha1Mark[commit.Sha1] = mark
	p.snap.Sha1ByGFMark[mark] = commit.Sha1
	p.snap.BranchByGFMark[mark] = dest.BranchID
	return p.rotateChunk()
}

// writePopulate emits the ghost-populate changelist branching the parent's
// full tree into a new branch's depot path.
func (p *PreReceive) writePopulate(commit *gitexport.Commit, dest *branch.Branch, tree *node.Tree) error {
	parentMark, ok := p.markFor(commit.From)
	if !ok || tree == nil {
		return nil
	}
	files := tree.Files("")
	if len(files) == 0 {
		return nil
	}

	mark := p.nextMark
	p.nextMark++

	di := &descinfo.DescInfo{
		CleanDesc:     "Git Fusion branch management",
		PushState:     "complete",
		DepotBranchID: dest.BranchID,
		GhostOfSha1:   commit.From,
		// Gfmark form so the post-receive renumber pass rewrites it.
		GhostOfChangeNum: fmt.Sprintf(":%d", parentMark),
		GhostPrecedes:    commit.Sha1,
	}
	p.snap.DescRewrites = append(p.snap.DescRewrites, mark)
	if err := p.journal.WriteChange(mark, di.ToText(), commit.Author.Time.Unix()); err != nil {
		return err
	}

	srcBranch := p.sourceBranch(commit.From)
	for _, gwt := range files {
		depotFile := dest.View.ToDepot(gwt)
		if depotFile == "" || srcBranch == nil {
			continue
		}
		srcFile := srcBranch.View.ToDepot(gwt)
		srcRev := p.revs.Head(srcFile)
		if srcRev == 0 {
			continue
		}
		rev := p.revs.Next(depotFile)
		ft := p.fileTypes[srcFile]
		p.fileTypes[depotFile] = ft
		// The archive is shared with the source revision: a lazy copy,
		// the same trick the server itself uses for branches.
		if err := p.journal.WriteRev(depotFile, rev, journal.Branch, ft, mark, srcFile, srcRev, commit.Author.Time.Unix()); err != nil {
			return err
		}
		if err := p.journal.WriteInteg(depotFile, srcFile, 0, srcRev, 0, rev,
			journal.BranchFrom, journal.DirtyBranchInto, mark); err != nil {
			return err
		}
	}
	p.heads[dest.BranchID] = mark
	p.snap.BranchByGFMark[mark] = dest.BranchID
	return p.rotateChunk()
}

func (p *PreReceive) writeFileChange(commit *gitexport.Commit, dest *branch.Branch,
	tree *node.Tree, fc gitexport.FileChange, mark int) error {
	depotFile := dest.View.ToDepot(fc.Path)
	if depotFile == "" {
		return nil
	}
	dt := commit.Author.Time.Unix()

	switch fc.Action {
	case gitexport.Delete:
		rev := p.revs.Next(depotFile)
		p.revs.MarkDeleted(depotFile)
		tree.Delete(fc.Path)
		return p.journal.WriteRev(depotFile, rev, journal.Delete, p.fileTypes[depotFile], mark, depotFile, mark, dt)

	case gitexport.Rename:
		srcFile := dest.View.ToDepot(fc.SrcPath)
		srcRev := p.revs.Head(srcFile)
		delRev := p.revs.Next(srcFile)
		p.revs.MarkDeleted(srcFile)
		tree.Delete(fc.SrcPath)
		if err := p.journal.WriteRev(srcFile, delRev, journal.Delete, p.fileTypes[srcFile], mark, srcFile, mark, dt); err != nil {
			return err
		}
		rev := p.revs.Next(depotFile)
		p.revs.MarkLive(depotFile)
		tree.Add(fc.Path)
		ft := p.fileTypes[srcFile]
		p.fileTypes[depotFile] = ft
		if err := p.journal.WriteRev(depotFile, rev, journal.Branch, ft, mark, srcFile, srcRev, dt); err != nil {
			return err
		}
		return p.journal.WriteInteg(depotFile, srcFile, 0, srcRev, 0, rev,
			journal.BranchFrom, journal.DirtyBranchInto, mark)

	case gitexport.Copy:
		srcFile := dest.View.ToDepot(fc.SrcPath)
		srcRev := p.revs.Head(srcFile)
		rev := p.revs.Next(depotFile)
		p.revs.MarkLive(depotFile)
		tree.Add(fc.Path)
		ft := p.fileTypes[srcFile]
		p.fileTypes[depotFile] = ft
		if err := p.journal.WriteRev(depotFile, rev, journal.Branch, ft, mark, srcFile, srcRev, dt); err != nil {
			return err
		}
		return p.journal.WriteInteg(depotFile, srcFile, 0, srcRev, 0, rev,
			journal.CopyFrom, journal.CopyInto, mark)

	case gitexport.Modify:
		blob := p.parser.Blob(fc.DataRef)
		if blob == nil {
			return fmt.Errorf("no blob for %s (%s)", fc.Path, fc.DataRef)
		}
		defer p.parser.ReleaseBlob(fc.DataRef)

		ft, compressed := detectFileType(blob.Data, fc.Mode == libfastimport.ModeSym)
		action := journal.Edit
		if !p.revs.Exists(depotFile) {
			action = journal.Add
		}
		rev := p.revs.Next(depotFile)
		p.revs.MarkLive(depotFile)
		tree.Add(fc.Path)
		p.fileTypes[depotFile] = ft
		p.librarian.Write(depotFile, mark, blob.Data, compressed)
		return p.journal.WriteRev(depotFile, rev, action, ft, mark, depotFile, mark, dt)
	}
	return nil
}

func (p *PreReceive) buildDescInfo(commit *gitexport.Commit) *descinfo.DescInfo {
	di := &descinfo.DescInfo{
		CleanDesc: commit.Msg,
		Author: &descinfo.Ident{
			FullName: commit.Author.Name,
			Email:    "<" + commit.Author.Email + ">",
			Time:     strconv.FormatInt(commit.Author.Time.Unix(), 10),
			Timezone: commit.Author.Time.Format("-0700"),
		},
		Committer: &descinfo.Ident{
			FullName: commit.Committer.Name,
			Email:    "<" + commit.Committer.Email + ">",
			Time:     strconv.FormatInt(commit.Committer.Time.Unix(), 10),
			Timezone: commit.Committer.Time.Format("-0700"),
		},
		Pusher:        p.Pusher,
		Sha1:          commit.Sha1,
		PushState:     "complete",
		DepotBranchID: p.branchFor(commit).BranchID,
		ParentChanges: make(map[string][]string),
	}
	for _, ref := range commit.ParentRefs() {
		di.Parents = append(di.Parents, ref)
		if mark, ok := p.markFor(ref); ok {
			di.ParentChanges[ref] = []string{fmt.Sprintf(":%d", mark)}
		}
	}
	return di
}

// markFor resolves a parent ref to its gfmark. Refs are sha1s with
// --show-original-ids, ":N" marks without; both key the same table.
func (p *PreReceive) markFor(ref string) (int, bool) {
	mark, ok := p.sha1Mark[ref]
	return mark, ok
}

func (p *PreReceive) branchFor(commit *gitexport.Commit) *branch.Branch {
	name := commit.Branch
	if name == "" {
		name = p.Cfg.DefaultBranch
	}
	if b := p.Branches.ByGitBranch(name); b != nil {
		return b
	}
	root := fmt.Sprintf("//%s/%s/%s", p.Cfg.ImportDepot, p.Cfg.ImportPath, name)
	b := &branch.Branch{
		BranchID:      name,
		GitBranchName: name,
		View:          branch.View{{DepotPrefix: root + "/"}},
	}
	p.Branches.Add(b)
	return b
}

func (p *PreReceive) sourceBranch(ref string) *branch.Branch {
	for _, b := range p.Branches.All() {
		if mark, ok := p.heads[b.BranchID]; ok {
			if sha1, ok2 := p.snap.Sha1ByGFMark[mark]; ok2 && sha1 == ref {
				return b
			}
		}
	}
	// Fall back to the branch holding the ref anywhere in its history.
	if mark, ok := p.markFor(ref); ok {
		for _, b := range p.Branches.All() {
			if p.heads[b.BranchID] >= mark {
				return b
			}
		}
	}
	return nil
}

func (p *PreReceive) treeFor(commit *gitexport.Commit, dest *branch.Branch) *node.Tree {
	if t := p.trees[dest.BranchID]; t != nil {
		return t
	}
	t := node.NewTree(p.Cfg.CaseInsensitive)
	if commit.From != "" {
		if src := p.sourceBranch(commit.From); src != nil {
			if st := p.trees[src.BranchID]; st != nil {
				t.CopyFrom(st)
			}
		}
	}
	p.trees[dest.BranchID] = t
	return t
}

// detectFileType sniffs content the way the normal import path would have
// the server do it, except offline: magic bytes first, binary heuristics
// second, compressible text as the default.
func detectFileType(data string, symlink bool) (journal.FileType, bool) {
	if symlink {
		return journal.Symlink, false
	}
	l := len(data)
	if l > 261 {
		l = 261
	}
	head := []byte(data[:l])
	if filetype.IsImage(head) || filetype.IsVideo(head) || filetype.IsArchive(head) || filetype.IsAudio(head) {
		return journal.UBinary, false
	}
	if filetype.IsDocument(head) {
		kind, _ := filetype.Match(head)
		switch kind.Extension {
		case "docx", "pptx", "xlsx":
			return journal.Binary, false
		}
		return journal.Binary, true
	}
	for _, b := range head {
		if b == 0 {
			return journal.Binary, true
		}
	}
	return journal.CText, true
}
