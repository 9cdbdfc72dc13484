package branch

import "fmt"

// Head records the most recent translated unit on one branch: a fast-import
// mark while the commit is still pending inside the current batch, a sha1
// once externalized. At most one of the two is ever populated.
type Head struct {
	mark      int
	sha1      string
	ChangeNum int
}

// PendingHead returns a Head holding a not-yet-externalized mark.
func PendingHead(mark, changeNum int) Head {
	return Head{mark: mark, ChangeNum: changeNum}
}

// ExternalizedHead returns a Head holding a real commit sha1.
func ExternalizedHead(sha1 string, changeNum int) Head {
	return Head{sha1: sha1, ChangeNum: changeNum}
}

// IsPending reports whether the head is still a mark.
func (h Head) IsPending() bool { return h.mark != 0 }

// IsZero reports whether no unit has been recorded.
func (h Head) IsZero() bool { return h.mark == 0 && h.sha1 == "" }

// Mark returns the pending mark, 0 if externalized.
func (h Head) Mark() int { return h.mark }

// Sha1 returns the externalized sha1, "" while pending.
func (h Head) Sha1() string { return h.sha1 }

// Externalize converts a pending head to its final sha1.
func (h *Head) Externalize(sha1 string) {
	h.mark = 0
	h.sha1 = sha1
}

// Ref returns the fast-import reference for this head: ":N" while pending,
// the sha1 once externalized.
func (h Head) Ref() string {
	if h.mark != 0 {
		return fmt.Sprintf(":%d", h.mark)
	}
	return h.sha1
}
