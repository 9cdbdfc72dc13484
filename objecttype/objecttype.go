// Package objecttype maintains the join table between the two systems: which
// Perforce changelist holds which Git commit on which branch. Every "what
// changelist corresponds to this commit" lookup in either engine goes through
// this table.
package objecttype

import (
	"fmt"
	"sort"
	"strings"
)

// ObjectType - one {commit sha1, branch id} <-> {changelist} record.
//
// Invariant: a (sha1, branchID) pair maps to at most one changelist, and a
// changelist maps back to exactly one (sha1, branchID).
type ObjectType struct {
	Sha1      string
	BranchID  string
	ChangeNum string // decimal change number, or ":123" gfmark during fast push
}

func (ot ObjectType) String() string {
	return fmt.Sprintf("%s@%s on %s", abbrev(ot.Sha1), ot.ChangeNum, ot.BranchID)
}

func abbrev(sha1 string) string {
	if len(sha1) > 7 {
		return sha1[:7]
	}
	return sha1
}

// HistoryIndex answers commit/changelist correspondence questions. Two
// variants exist: PersistedIndex queries the backing depot's key store, and
// MemoryHistory is fast push's transient in-memory index. The shared
// DescInfo-building code receives one of these, it never knows which.
type HistoryIndex interface {
	// Record inserts one correspondence. Re-recording an identical record
	// is a no-op; a conflicting one is an invariant violation.
	Record(ot ObjectType) error

	// CommitsForSha1 returns every record for the commit, one per branch
	// that holds it, sorted by branch id for deterministic iteration.
	CommitsForSha1(sha1 string) ([]ObjectType, error)

	// Sha1ToChangeNum returns the changelist holding the commit on the
	// given branch, or "" if never copied there.
	Sha1ToChangeNum(sha1, branchID string) (string, error)

	// ChangeNumToCommit returns the record for a changelist, or nil.
	ChangeNumToCommit(changeNum string) (*ObjectType, error)

	// LastChangeNum returns the highest recorded changelist on a branch,
	// or "" for a branch with no copied history.
	LastChangeNum(branchID string) (string, error)
}

var _ HistoryIndex = (*MemoryHistory)(nil)

// MemoryHistory is the in-memory HistoryIndex used by fast push, and by the
// engines as a per-run cache layered over the persisted index. It also
// enforces the bijection invariant at insert time.
type MemoryHistory struct {
	bySha1   map[string][]ObjectType // sha1 -> records
	byChange map[string]ObjectType   // changeNum -> record
	lastCN   map[string]string       // branchID -> highest changeNum
}

// NewMemoryHistory returns an empty index.
func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{
		bySha1:   make(map[string][]ObjectType),
		byChange: make(map[string]ObjectType),
		lastCN:   make(map[string]string),
	}
}

// Record inserts one correspondence. Re-recording an identical record is a
// no-op; recording a conflicting one is an invariant violation.
func (m *MemoryHistory) Record(ot ObjectType) error {
	if prev, ok := m.byChange[ot.ChangeNum]; ok {
		if prev == ot {
			return nil
		}
		return fmt.Errorf("change %s already maps to %v, refusing %v",
			ot.ChangeNum, prev, ot)
	}
	for _, existing := range m.bySha1[ot.Sha1] {
		if existing.BranchID == ot.BranchID {
			return fmt.Errorf("commit %s on %s already maps to change %s, refusing %s",
				abbrev(ot.Sha1), ot.BranchID, existing.ChangeNum, ot.ChangeNum)
		}
	}
	m.bySha1[ot.Sha1] = append(m.bySha1[ot.Sha1], ot)
	m.byChange[ot.ChangeNum] = ot
	if changeNumLess(m.lastCN[ot.BranchID], ot.ChangeNum) {
		m.lastCN[ot.BranchID] = ot.ChangeNum
	}
	return nil
}

// CommitsForSha1 implements HistoryIndex.
func (m *MemoryHistory) CommitsForSha1(sha1 string) ([]ObjectType, error) {
	otl := append([]ObjectType(nil), m.bySha1[sha1]...)
	sort.Slice(otl, func(i, j int) bool { return otl[i].BranchID < otl[j].BranchID })
	return otl, nil
}

// Sha1ToChangeNum implements HistoryIndex.
func (m *MemoryHistory) Sha1ToChangeNum(sha1, branchID string) (string, error) {
	for _, ot := range m.bySha1[sha1] {
		if ot.BranchID == branchID {
			return ot.ChangeNum, nil
		}
	}
	return "", nil
}

// ChangeNumToCommit implements HistoryIndex.
func (m *MemoryHistory) ChangeNumToCommit(changeNum string) (*ObjectType, error) {
	if ot, ok := m.byChange[changeNum]; ok {
		return &ot, nil
	}
	return nil, nil
}

// LastChangeNum implements HistoryIndex.
func (m *MemoryHistory) LastChangeNum(branchID string) (string, error) {
	return m.lastCN[branchID], nil
}

// changeNumLess orders change numbers and ":123" gfmarks numerically.
func changeNumLess(a, b string) bool {
	if a == "" {
		return b != ""
	}
	return numOf(a) < numOf(b)
}

func numOf(s string) int {
	s = strings.TrimPrefix(s, ":")
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return n
		}
		n = n*10 + int(c-'0')
	}
	return n
}
