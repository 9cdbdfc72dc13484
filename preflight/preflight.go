// Package preflight vets a pushed commit sequence before any copying
// starts. Every violation is collected so the pusher sees the full list in
// one rejection rather than fixing errors one push at a time.
package preflight

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/sirupsen/logrus"

	"github.com/rcowham/gitfusion/branch"
	"github.com/rcowham/gitfusion/config"
	"github.com/rcowham/gitfusion/gitexport"
	"github.com/rcowham/gitfusion/p4"
)

// Rejection is one reason a push cannot proceed, tied to the commit that
// triggered it when one applies.
type Rejection struct {
	Sha1   string // "" for push-level problems
	Path   string // "" when not file-specific
	Reason string
}

func (r Rejection) String() string {
	switch {
	case r.Sha1 != "" && r.Path != "":
		return fmt.Sprintf("commit %.7s path %s: %s", r.Sha1, r.Path, r.Reason)
	case r.Sha1 != "":
		return fmt.Sprintf("commit %.7s: %s", r.Sha1, r.Reason)
	default:
		return r.Reason
	}
}

// RejectionError carries every rejection found in one pass.
type RejectionError struct {
	Rejections []Rejection
}

func (e *RejectionError) Error() string {
	lines := make([]string, 0, len(e.Rejections))
	for _, r := range e.Rejections {
		lines = append(lines, r.String())
	}
	return "push rejected:\n  " + strings.Join(lines, "\n  ")
}

// Checker vets commits against repo policy and current server state.
type Checker struct {
	Logger   *logrus.Logger
	Runner   p4.Runner
	Cfg      *config.Config
	Branches *branch.Registry

	// AuthorLookup maps a Git author email to a Perforce user, "" when no
	// mapping exists.
	AuthorLookup func(email string) string

	// CanWrite reports whether the pushing user holds write permission on
	// a depot path.
	CanWrite func(depotPath string) bool

	// LFSUploaded reports whether large-file content for an OID has been
	// uploaded already.
	LFSUploaded func(oid string) bool

	rejections []Rejection
}

func (c *Checker) reject(sha1, path, format string, args ...interface{}) {
	c.rejections = append(c.rejections, Rejection{
		Sha1:   sha1,
		Path:   path,
		Reason: fmt.Sprintf(format, args...),
	})
}

// CheckCommits runs every check over the full commit sequence. Returns nil
// when the push may proceed, otherwise a *RejectionError listing every
// problem found.
func (c *Checker) CheckCommits(commits []*gitexport.Commit) error {
	c.rejections = nil

	if c.Cfg.ReadOnly {
		c.reject("", "", "repository is read-only")
		return &RejectionError{Rejections: c.rejections}
	}

	c.checkOpenFiles(commits)

	for _, commit := range commits {
		c.checkAuthor(commit)
		c.checkMergePolicy(commit)
		dest := c.destBranch(commit)
		for _, fc := range commit.Files {
			c.checkSubmodule(commit, fc)
			c.checkPath(commit, fc.Path)
			if fc.SrcPath != "" {
				c.checkPath(commit, fc.SrcPath)
			}
			c.checkWritePerm(commit, dest, fc)
			c.checkLFS(commit, fc)
		}
	}

	if len(c.rejections) > 0 {
		return &RejectionError{Rejections: c.rejections}
	}
	return nil
}

func (c *Checker) destBranch(commit *gitexport.Commit) *branch.Branch {
	name := commit.Branch
	if name == "" {
		name = c.Cfg.DefaultBranch
	}
	return c.Branches.ByGitBranch(name)
}

// checkOpenFiles rejects the push when another client holds any touched
// file open: a submit would either block or clobber their work.
func (c *Checker) checkOpenFiles(commits []*gitexport.Commit) {
	paths := make(map[string]string) // depot path -> first commit sha1
	for _, commit := range commits {
		dest := c.destBranch(commit)
		if dest == nil {
			continue
		}
		for _, fc := range commit.Files {
			dp := dest.View.ToDepot(fc.Path)
			if dp == "" {
				continue
			}
			if _, ok := paths[dp]; !ok {
				paths[dp] = commit.Sha1
			}
		}
	}
	if len(paths) == 0 {
		return
	}
	batch := make([]string, 0, len(paths))
	for dp := range paths {
		batch = append(batch, dp)
	}
	fstats, err := c.Runner.Fstat(batch)
	if err != nil {
		c.Logger.Warnf("fstat for open-file check failed: %v", err)
		return
	}
	for _, fs := range fstats {
		if fs.OtherOpen {
			c.reject(paths[fs.DepotFile], "", "file %s is opened by another user", fs.DepotFile)
		}
	}
}

func (c *Checker) checkAuthor(commit *gitexport.Commit) {
	if c.AuthorLookup == nil {
		return
	}
	if c.AuthorLookup(commit.Author.Email) == "" {
		c.reject(commit.Sha1, "", "author %s has no Perforce user", commit.Author.Email)
	}
}

func (c *Checker) checkMergePolicy(commit *gitexport.Commit) {
	if commit.IsMerge() && !c.Cfg.EnableMergeCommits {
		c.reject(commit.Sha1, "", "merge commits are not enabled for this repository")
	}
}

// checkSubmodule rejects gitlinks when submodule support is off, except
// when the commit leaves the submodule untouched relative to its first
// parent: merges routinely re-state unchanged gitlinks.
func (c *Checker) checkSubmodule(commit *gitexport.Commit, fc gitexport.FileChange) {
	if !fc.IsSubmodule() || c.Cfg.EnableSubmodules {
		return
	}
	if commit.IsMerge() && fc.Action == gitexport.Modify {
		// Unchanged-in-merge gitlinks pass; the engine drops them.
		return
	}
	c.reject(commit.Sha1, fc.Path, "submodules are not enabled for this repository")
}

// checkPath rejects path names Perforce cannot hold: "..." is a wildcard,
// control characters corrupt protocol framing, and ':' is reserved on
// Windows-backed servers.
func (c *Checker) checkPath(commit *gitexport.Commit, path string) {
	if strings.Contains(path, "...") {
		c.reject(commit.Sha1, path, "path contains '...'")
	}
	for _, r := range path {
		if r < 0x20 || r == unicode.ReplacementChar {
			c.reject(commit.Sha1, path, "path contains non-printable characters")
			return
		}
	}
	if c.Cfg.WindowsServer && strings.Contains(path, ":") {
		c.reject(commit.Sha1, path, "path contains ':' which the server platform forbids")
	}
}

func (c *Checker) checkWritePerm(commit *gitexport.Commit, dest *branch.Branch, fc gitexport.FileChange) {
	if c.CanWrite == nil || dest == nil {
		return
	}
	dp := dest.View.ToDepot(fc.Path)
	if dp == "" {
		return
	}
	if !c.CanWrite(dp) {
		c.reject(commit.Sha1, fc.Path, "no write permission on %s", dp)
	}
}

// checkLFS verifies every LFS pointer's content was uploaded before the
// push; a submit cannot lazy-copy content that is not there.
func (c *Checker) checkLFS(commit *gitexport.Commit, fc gitexport.FileChange) {
	if !c.Cfg.EnableLFS || c.LFSUploaded == nil {
		return
	}
	if !strings.HasPrefix(fc.DataRef, "lfs:") {
		return
	}
	oid := strings.TrimPrefix(fc.DataRef, "lfs:")
	if !c.LFSUploaded(oid) {
		c.reject(commit.Sha1, fc.Path, "LFS content sha256:%s was never uploaded", oid)
	}
}
