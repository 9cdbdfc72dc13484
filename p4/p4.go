// Package p4 defines the command surface the translation engines use to talk
// to a Perforce server. The wire protocol itself lives behind the Runner
// interface; everything here is typed results and error classification.
package p4

import (
	"fmt"
	"strconv"
	"strings"
)

// FileAction - action performed on a file revision.
type FileAction string

const (
	ActionAdd        FileAction = "add"
	ActionEdit       FileAction = "edit"
	ActionDelete     FileAction = "delete"
	ActionBranch     FileAction = "branch"
	ActionInteg      FileAction = "integrate"
	ActionImport     FileAction = "import"
	ActionMoveAdd    FileAction = "move/add"
	ActionMoveDelete FileAction = "move/delete"
	ActionCopy       FileAction = "copy"
)

// IsDelete reports whether the action removes the file at head.
func (a FileAction) IsDelete() bool {
	return a == ActionDelete || a == ActionMoveDelete
}

// Change - a submitted or pending changelist (db.change + db.desc).
type Change struct {
	Change      int
	Client      string
	User        string
	Time        int64
	Status      string // "pending" or "submitted"
	Description string
}

// FileRev - one file revision as reported by 'p4 files' or 'p4 print'.
type FileRev struct {
	DepotFile string
	Rev       int
	Change    int
	Action    FileAction
	Type      string
	Time      int64
	Digest    string
}

// Fstat - subset of 'p4 fstat' output the engines consume.
type Fstat struct {
	DepotFile  string
	ClientFile string
	HeadAction FileAction
	HeadType   string
	HeadRev    int
	HeadChange int
	HaveRev    int
	OtherOpen  bool
	Resolved   bool
}

// IntegSource - one integration source record from 'p4 filelog', using the
// half-open startRev,endRev convention. When no prior integration boundary is
// recorded the range degenerates to the single endpoint.
type IntegSource struct {
	ToFile   string
	FromFile string
	StartRev int
	EndRev   int
	How      string // "branch from", "merge from", "copy from", "delete from"
}

// PrintedRev - a file revision streamed back from a bulk 'p4 print' request.
type PrintedRev struct {
	FileRev
	Data []byte
}

// ServerInfo - the 'p4 info' facts gating optional features.
type ServerInfo struct {
	// Version is the raw serverVersion string, e.g.
	// "P4D/LINUX26X86_64/2015.2/1234567 (2015/09/01)".
	Version       string
	CaseSensitive bool
}

// SupportsUnzip reports whether the server can replay a bulk-import archive
// ('p4 unzip -fIR'). Needs 2015.2, or a 2015.1 patched past build 1038654.
func (si *ServerInfo) SupportsUnzip() bool {
	rel, patch, ok := parseServerVersion(si.Version)
	if !ok {
		return false
	}
	if rel == "2015.1" {
		return patch >= 1038654
	}
	return rel >= "2015.2"
}

// parseServerVersion pulls "2015.1" and build 1038654 out of a p4d
// serverVersion string. String comparison on the release works because the
// year.sub fields are fixed width.
func parseServerVersion(v string) (release string, patch int, ok bool) {
	parts := strings.Split(v, "/")
	if len(parts) < 4 {
		return "", 0, false
	}
	release = parts[2]
	build := parts[3]
	if i := strings.IndexByte(build, ' '); i >= 0 {
		build = build[:i]
	}
	patch, err := strconv.Atoi(build)
	if err != nil {
		return "", 0, false
	}
	return release, patch, true
}

// CommandError - any failure reported by the server's command interface.
// Fatal for the run unless every Failed+ message is on a documented allowlist.
type CommandError struct {
	Cmd      []string
	Messages []Message
}

func (e *CommandError) Error() string {
	texts := make([]string, 0, len(e.Messages))
	for _, m := range e.Messages {
		if m.Severity >= SevFailed {
			texts = append(texts, m.Text)
		}
	}
	if len(texts) == 0 {
		for _, m := range e.Messages {
			texts = append(texts, m.Text)
		}
	}
	return fmt.Sprintf("p4 %s: %s", strings.Join(e.Cmd, " "), strings.Join(texts, "; "))
}

// HasID reports whether any message carries the given identifier.
func (e *CommandError) HasID(id int) bool {
	return FindID(e.Messages, id) != nil
}

// Runner is the opaque RPC-like surface of a Perforce server. One
// implementation talks to a live server; tests substitute recording fakes.
// All calls are synchronous and block on network I/O.
type Runner interface {
	// Info returns the server facts from 'p4 info'.
	Info() (*ServerInfo, error)

	// Changes returns submitted changelists matching the path revision
	// specifier, e.g. "//depot/main/...@12,@head", ascending change order.
	Changes(pathRev string) ([]Change, error)

	// Describe returns full metadata for one submitted changelist.
	Describe(changeNum int) (*Change, []FileRev, error)

	// Files runs 'p4 files' against a path revision specifier.
	Files(pathRev string) ([]FileRev, error)

	// Fstat runs 'p4 fstat' for the given paths.
	Fstat(paths []string) ([]Fstat, error)

	// Filelog returns integration sources for every file in a changelist
	// ('p4 filelog -m1 -c N').
	Filelog(changeNum int, pathRev string) ([]IntegSource, error)

	// Print streams every revision in a path range through the handler,
	// batching thousands of file fetches into one round trip.
	Print(pathRev string, handler func(PrintedRev) error) error

	// IntegPreview runs 'p4 integ -n' and reports which files would open.
	IntegPreview(fromPathRev, toPath string, flags []string) ([]Fstat, error)

	// Integ opens files for integrate. Returns per-file results; files the
	// server refuses to open appear in the returned message list.
	Integ(fromPathRev, toPath string, flags []string) ([]Fstat, []Message, error)

	// Resolve runs 'p4 resolve' with the given flags (never interactive).
	Resolve(flags []string) ([]Message, error)

	// CreateChange creates a numbered pending changelist with the given
	// description. Subsequent opens land in it.
	CreateChange(description string) (int, error)

	// Open opens files for add, edit or delete in the numbered pending change.
	Open(request FileAction, fileType string, paths []string) error

	// Reopen changes the filetype of already-opened files.
	Reopen(fileType string, paths []string) error

	// Move records a move/add + move/delete pair.
	Move(fromPath, toPath string) error

	// Copy records a copy open.
	Copy(fromPathRev, toPath string) error

	// Sync brings the minimal file set into the workspace.
	Sync(pathRevs []string) error

	// Opened lists files currently open in the workspace.
	Opened() ([]Fstat, error)

	// Revert abandons opened files. Used by failure cleanup, must be safe
	// to call when nothing is open.
	Revert(paths []string) error

	// Submit submits the numbered pending changelist, returning the final
	// (renumbered) changelist number.
	Submit(changeNum int) (int, error)

	// ChangeOwner rewrites the User field (and optionally Description) of a
	// submitted changelist. Submit always runs as the service identity;
	// ownership is patched in afterwards.
	ChangeOwner(changeNum int, user string, description string) error

	// Key reads a named out-of-band flag ("" if unset); SetKey writes one.
	Key(name string) (string, error)
	SetKey(name, value string) error
}
