package g2p

import "fmt"

// Request - one Perforce open request a row can end up with.
type Request string

const (
	ReqNone       Request = ""
	ReqAdd        Request = "add"
	ReqEdit       Request = "edit"
	ReqDelete     Request = "delete"
	ReqCopy       Request = "copy"
	ReqMoveAdd    Request = "move/add"
	ReqMoveDelete Request = "move/delete"
	ReqLFSCopy    Request = "lfs-copy"
)

// gitToP4Request converts a git-fast-export or git-diff-tree action letter.
// Both 'M'odify contents and 'T'ype change are 'p4 edit'.
var gitToP4Request = map[string]Request{
	"A":  ReqAdd,
	"M":  ReqEdit,
	"T":  ReqEdit,
	"D":  ReqDelete,
	"N":  ReqNone,
	"Cd": ReqCopy,
	"Rd": ReqMoveAdd,
	"Rs": ReqMoveDelete,
	"":   ReqNone,
}

func trumps(r Request) bool {
	switch r {
	case ReqCopy, ReqMoveAdd, ReqMoveDelete, ReqLFSCopy:
		return true
	}
	return false
}

// BetterRequest merges two per-column requests for one row. Copy, move and
// LFS-copy trump plain requests; add+edit collapses to edit. Any other
// combination is a bug in upstream decision code.
func BetterRequest(a, b Request) (Request, error) {
	if b == ReqNone {
		return a, nil
	}
	if a == ReqNone {
		return b, nil
	}
	if a == b {
		return a, nil
	}
	if trumps(a) {
		return a, nil
	}
	if trumps(b) {
		return b, nil
	}
	if a == ReqAdd && b == ReqEdit {
		return b, nil
	}
	if a == ReqEdit && b == ReqAdd {
		return a, nil
	}
	return ReqNone, fmt.Errorf("illegal action combination '%s' and '%s'", a, b)
}

// MaxRequest merges an integ fallback with a row request. 'delete' cannot
// combine with any non-delete action. Differing survivors collapse to edit
// unless a copy/move is involved.
func MaxRequest(a, b Request) (Request, error) {
	if b == ReqNone {
		return a, nil
	}
	if a == ReqNone {
		return b, nil
	}
	if a == b {
		return a, nil
	}
	if a == ReqDelete || b == ReqDelete {
		return ReqNone, fmt.Errorf("conflicting actions 'p4 %s' vs. 'p4 %s'", a, b)
	}
	if trumps(a) {
		return a, nil
	}
	if trumps(b) {
		return b, nil
	}
	return ReqEdit, nil
}

// FailurePolicy - what to do when integrate fails to open a row's file.
type FailurePolicy int

const (
	// PolicyNOP - failure okay, this integ was helpful but not required.
	PolicyNOP FailurePolicy = iota
	// PolicyRaise - failure fatal: raise, revert, exit.
	PolicyRaise
	// PolicyFallback - run whatever request is in IntegFallback.
	PolicyFallback
)

func (p FailurePolicy) String() string {
	switch p {
	case PolicyNOP:
		return "NOP"
	case PolicyRaise:
		return "RAISE"
	case PolicyFallback:
		return "FALLBACK"
	}
	return fmt.Sprintf("FailurePolicy(%d)", int(p))
}

// Decided - the "what have we decided to do about this file from this
// branch" half of a cell.
type Decided struct {
	// HasInteg with IntegFlags describe an integrate request. Flags do
	// not include -i or -b, which outer code supplies.
	HasInteg   bool
	IntegFlags string

	// ResolveFlags for the post-integ resolve. Never empty when HasInteg:
	// an empty string would trigger interactive resolve behavior.
	ResolveFlags string

	OnIntegFailure FailurePolicy
	IntegFallback  Request // consulted only under PolicyFallback

	// P4Request runs unconditionally after any integ and resolve.
	P4Request Request

	// BranchDelete - must branch a placeholder, submit, then delete. This
	// is how an ancestor depot branch's delete that postdates our fully
	// populated basis is propagated.
	BranchDelete bool

	// GhostP4Filetype is used only for GHOST actions.
	GhostP4Filetype string
}

// NewIntegDecided validates the cross-field rules at construction time.
func NewIntegDecided(integFlags, resolveFlags string, onFailure FailurePolicy, fallback Request) (*Decided, error) {
	if onFailure == PolicyFallback && fallback == ReqNone {
		return nil, fmt.Errorf("FALLBACK policy requires a fallback request")
	}
	if resolveFlags == "" {
		return nil, fmt.Errorf("integ without resolve flags would go interactive")
	}
	return &Decided{
		HasInteg:       true,
		IntegFlags:     integFlags,
		ResolveFlags:   resolveFlags,
		OnIntegFailure: onFailure,
		IntegFallback:  fallback,
	}, nil
}

// AddGitAction converts a git action letter to a Perforce request and stores
// it, clobbering any previously stored request.
func (d *Decided) AddGitAction(gitAction string) error {
	req, ok := gitToP4Request[gitAction]
	if !ok {
		return fmt.Errorf("unknown git action %q", gitAction)
	}
	d.P4Request = req
	return nil
}

// HasP4Action reports whether the cell asks for any work at all.
func (d *Decided) HasP4Action() bool {
	return d.HasInteg || d.P4Request != ReqNone
}

func (d *Decided) String() string {
	integ := "-"
	if d.HasInteg {
		integ = "integ(" + d.IntegFlags + ")"
	}
	return fmt.Sprintf("int:%s res:%s on_int_fail:%s fb:%s p4_req:%s",
		integ, d.ResolveFlags, d.OnIntegFailure, d.IntegFallback, d.P4Request)
}
