package g2p

import (
	"fmt"

	"github.com/rcowham/gitfusion/branch"
)

// ColumnKind - the six sources of change that can contribute to one Git
// commit landing on one Perforce branch.
type ColumnKind int

const (
	// GDEST - the destination branch and the commit being copied.
	GDEST ColumnKind = iota

	// GPARN - one Git parent commit intersected with one Perforce branch.
	// A parent may intersect several branches but only the most recent
	// (highest changelist) column per branch is retained, so a branch
	// appears at most once in the GPARN list.
	GPARN

	// GPARFPN - the fully-populated basis of a lightweight GPARN. Not
	// every lightweight branch has one.
	GPARFPN

	// P4JITFP - the destination branch's own fully-populated basis, the
	// source for just-in-time branch actions on lightweight branches.
	P4JITFP

	// P4IMPLY - the previous Perforce changelist on the destination
	// branch when it corresponds to no Git parent: a Perforce-side change
	// Git does not know about.
	P4IMPLY

	// GHOST - the synthetic changelist submitted before the real one to
	// stage the destination branch for the pending commit.
	GHOST
)

func (k ColumnKind) String() string {
	switch k {
	case GDEST:
		return "GDEST"
	case GPARN:
		return "GPARN"
	case GPARFPN:
		return "GPARFPN"
	case P4JITFP:
		return "P4JITFP"
	case P4IMPLY:
		return "P4IMPLY"
	case GHOST:
		return "GHOST"
	}
	return fmt.Sprintf("ColumnKind(%d)", int(k))
}

// Column - one contributing history source in the matrix.
type Column struct {
	Kind  ColumnKind
	Index int

	Branch      *branch.Branch
	DepotBranch *branch.DepotBranchInfo

	// ChangeNum - the relevant changelist on this column's branch: the
	// previous changelist for GDEST/P4IMPLY, the parent's changelist for
	// GPARN, the basis changelist for the FP columns.
	ChangeNum int

	// Sha1 - the Git commit this column represents, where one exists.
	Sha1 string

	// IsFirstParent marks the GPARN column holding the commit's first
	// parent.
	IsFirstParent bool
}

func (c *Column) String() string {
	return fmt.Sprintf("%s[%d] %v@%d %s", c.Kind, c.Index, c.Branch, c.ChangeNum, abbrev(c.Sha1))
}

func abbrev(sha1 string) string {
	if len(sha1) > 7 && sha1[0] != ':' {
		return sha1[:7]
	}
	return sha1
}
