// Package gitexport parses a git fast-export stream into commit records the
// translation engines consume. It wraps the fast-import frontend and keeps
// blob contents addressable by mark until the commit that uses them has been
// processed.
package gitexport

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	libfastimport "github.com/rcowham/go-libgitfastimport"
	"github.com/sirupsen/logrus"
)

// Humanize prints a byte count in friendly form.
func Humanize(b int) string {
	const unit = 1000
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB",
		float64(b)/float64(div), "kMGTPE"[exp])
}

// Action - a git file change kind as reported by fast-export.
type Action int

const (
	Modify Action = iota
	Delete
	Copy
	Rename
)

// FileChange - one file change within a commit.
type FileChange struct {
	Action  Action
	Path    string // target path for copy/rename
	SrcPath string // source path for copy/rename
	Mode    libfastimport.Mode
	DataRef string // ":N" blob mark, "" for delete/copy/rename
	Size    int
}

// IsSubmodule reports whether the change records a gitlink entry.
func (fc FileChange) IsSubmodule() bool {
	return fc.Mode == libfastimport.ModeGit
}

// Commit - one parsed git commit with its file list.
type Commit struct {
	Mark      int
	Sha1      string // from original-oid, ":N" when the export lacks them
	Branch    string // ref with refs/heads/ stripped
	Ref       string
	Msg       string
	Author    libfastimport.Ident
	Committer libfastimport.Ident
	From      string   // first parent ref/mark, "" for root commits
	Merge     []string // further parent refs/marks
	Files     []FileChange
	Size      int // total blob bytes, useful for memory sizing
}

// IsMerge reports whether the commit has two or more parents.
func (c *Commit) IsMerge() bool { return len(c.Merge) > 0 }

// ParentRefs returns all parent refs, first parent first.
func (c *Commit) ParentRefs() []string {
	if c.From == "" {
		return nil
	}
	return append([]string{c.From}, c.Merge...)
}

// Blob - contents for one blob mark.
type Blob struct {
	Mark int
	Sha1 string
	Data string
}

// Parser reads a fast-export stream and delivers commits over a channel,
// blobs retained in a map for the consumer to release when done. The parse
// goroutine fills the map while the consumer drains it, so access goes
// through the mutex.
type Parser struct {
	logger    *logrus.Logger
	mu        sync.Mutex
	blobs     map[int]*Blob
	testInput string // For testing only
}

func NewParser(logger *logrus.Logger) *Parser {
	return &Parser{logger: logger, blobs: make(map[int]*Blob)}
}

// SetTestInput substitutes an in-memory stream for tests.
func (p *Parser) SetTestInput(input string) { p.testInput = input }

// Blob returns the retained blob for a ":N" data ref, nil if unknown.
func (p *Parser) Blob(dataRef string) *Blob {
	oid, err := parseMark(dataRef)
	if err != nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.blobs[oid]
}

// ReleaseBlob drops a blob's contents once consumed.
func (p *Parser) ReleaseBlob(dataRef string) {
	if oid, err := parseMark(dataRef); err == nil {
		p.mu.Lock()
		delete(p.blobs, oid)
		p.mu.Unlock()
	}
}

func (p *Parser) retainBlob(b *Blob) {
	p.mu.Lock()
	p.blobs[b.Mark] = b
	p.mu.Unlock()
}

// Parse opens the export file and returns a channel of commits. The channel
// closes at EOF; a read error is logged and ends the stream early.
func (p *Parser) Parse(exportFile string) (chan Commit, error) {
	var buf io.Reader
	if p.testInput != "" {
		buf = strings.NewReader(p.testInput)
	} else {
		file, err := os.Open(exportFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %v", exportFile, err)
		}
		buf = bufio.NewReader(file)
	}
	// A trailing commit with no file commands is lost if the stream ends
	// right after its header: the reader hits EOF looking for the next
	// line and the half-parsed commit is discarded with the error. A
	// terminator command gives that lookahead a line to land on.
	buf = io.MultiReader(buf, strings.NewReader("\nprogress done\n"))

	ch := make(chan Commit, 100)
	frontend := libfastimport.NewFrontend(buf, nil, nil)
	go func() {
		defer close(ch)
		var curr *Commit
		flush := func() {
			if curr != nil {
				ch <- *curr
				curr = nil
			}
		}
		for {
			cmd, err := frontend.ReadCmd()
			if err != nil {
				if err != io.EOF {
					p.logger.Errorf("Failed to read cmd: %v", err)
				}
				break
			}
			switch cmd.(type) {
			case libfastimport.CmdBlob:
				blob := cmd.(libfastimport.CmdBlob)
				p.logger.Debugf("Blob: Mark:%d OriginalOID:%s Size:%s", blob.Mark, blob.OriginalOID, Humanize(len(blob.Data)))
				p.retainBlob(&Blob{Mark: blob.Mark, Sha1: blob.OriginalOID, Data: blob.Data})
			case libfastimport.CmdReset:
				reset := cmd.(libfastimport.CmdReset)
				p.logger.Debugf("Reset: - %+v", reset)
			case libfastimport.CmdCommit:
				flush()
				commit := cmd.(libfastimport.CmdCommit)
				p.logger.Debugf("Commit: %+v", commit)
				curr = p.newCommit(&commit)
			case libfastimport.CmdCommitEnd:
				p.logger.Debugf("CommitEnd")
			case libfastimport.FileModify:
				f := cmd.(libfastimport.FileModify)
				fc := FileChange{Action: Modify, Path: f.Path.String(), Mode: f.Mode, DataRef: f.DataRef}
				if blob := p.Blob(f.DataRef); blob != nil {
					fc.Size = len(blob.Data)
					curr.Size += fc.Size
				}
				curr.Files = append(curr.Files, fc)
			case libfastimport.FileDelete:
				f := cmd.(libfastimport.FileDelete)
				curr.Files = append(curr.Files, FileChange{Action: Delete, Path: f.Path.String()})
			case libfastimport.FileCopy:
				f := cmd.(libfastimport.FileCopy)
				curr.Files = append(curr.Files, FileChange{Action: Copy, Path: f.Dst.String(), SrcPath: f.Src.String()})
			case libfastimport.FileRename:
				f := cmd.(libfastimport.FileRename)
				curr.Files = append(curr.Files, FileChange{Action: Rename, Path: f.Dst.String(), SrcPath: f.Src.String()})
			case libfastimport.CmdTag:
				t := cmd.(libfastimport.CmdTag)
				p.logger.Debugf("CmdTag: %+v", t)
			default:
				p.logger.Debugf("Not handled: found cmd %+v type %T", cmd, cmd)
			}
		}
		flush()
	}()
	return ch, nil
}

func (p *Parser) newCommit(commit *libfastimport.CmdCommit) *Commit {
	c := &Commit{
		Mark:      commit.Mark,
		Ref:       commit.Ref,
		Msg:       commit.Msg,
		Committer: commit.Committer,
		From:      commit.From,
		Merge:     append([]string(nil), commit.Merge...),
	}
	// Author is optional in the stream; the committer stands in.
	c.Author = commit.Committer
	if commit.Author != nil {
		c.Author = *commit.Author
	}
	c.Branch = strings.Replace(commit.Ref, "refs/heads/", "", 1)
	c.Sha1 = commit.OriginalOID
	if c.Sha1 == "" {
		// Exports without --show-original-ids: marks stand in for sha1s.
		c.Sha1 = fmt.Sprintf(":%d", commit.Mark)
	}
	return c
}

func parseMark(dataRef string) (int, error) {
	if !strings.HasPrefix(dataRef, ":") {
		return 0, fmt.Errorf("invalid dataref %q", dataRef)
	}
	return strconv.Atoi(dataRef[1:])
}
