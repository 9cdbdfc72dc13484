package g2p

import (
	"fmt"

	"github.com/rcowham/gitfusion/config"
)

// rowDecider applies the per-cell decision rules for one row, in column
// order, folding the results into the row's final request.
type rowDecider struct {
	m *Matrix
}

func (d *rowDecider) decide(row *Row) error {
	if err := d.decideGdest(row); err != nil {
		return err
	}
	if d.m.linear {
		return nil
	}
	for _, col := range d.m.parnCols {
		if err := d.decideParent(row, col); err != nil {
			return err
		}
	}
	if d.m.jitfpCol != nil {
		if err := d.decideJIT(row); err != nil {
			return err
		}
	}
	return nil
}

// decideGdest converts the Git action into the row's base Perforce request,
// adjusting add/edit to match what actually exists at the destination head.
func (d *rowDecider) decideGdest(row *Row) error {
	cell := row.CellIf(d.m.gdestCol.Index)
	action := cell.GitAction()
	if action == "" {
		return nil
	}
	req, ok := gitToP4Request[action]
	if !ok {
		return fmt.Errorf("unknown git action %q", action)
	}

	exists := cell.P4Exists()
	switch req {
	case ReqAdd:
		// Git says add but Perforce already holds the file live: a
		// previous ghost or JIT branch put it there.
		if exists {
			req = ReqEdit
		}
	case ReqEdit:
		if !exists && !d.m.linear {
			req = ReqAdd
		}
	case ReqDelete:
		// Deleting a file the destination never held is a no-op, unless
		// the destination is lightweight and the file lives in the basis:
		// then it must be JIT-branched first so the delete is recorded.
		if !exists && !d.m.linear {
			if d.m.jitfpCol != nil && d.jitHolds(row) {
				dec := cell.EnsureDecided()
				dec.P4Request = ReqDelete
				dec.BranchDelete = true
				row.P4Request = ReqDelete
				return nil
			}
			req = ReqNone
		}
	case ReqCopy:
		if d.m.Cfg.EnableLFS && row.LFSOid != "" {
			req = ReqLFSCopy
		}
	}
	// LFS pointers become lazy copies from the large-file depot area no
	// matter how Git spelled the change.
	if d.m.Cfg.EnableLFS && row.LFSOid != "" && (req == ReqAdd || req == ReqEdit || req == ReqCopy) {
		req = ReqLFSCopy
		row.SrcDepotPath = lfsDepotPath(d.m.Cfg, row.LFSOid)
	}

	merged, err := BetterRequest(row.P4Request, req)
	if err != nil {
		return err
	}
	row.P4Request = merged
	if req != ReqNone {
		cell.EnsureDecided().P4Request = req
	}
	return nil
}

// decideParent requests a merge integ from a non-first Git parent that lives
// on a different Perforce branch. First-parent same-branch history needs no
// integ: it is the implicit base of the diff.
func (d *rowDecider) decideParent(row *Row, col *Column) error {
	if col.IsFirstParent && col.Branch.BranchID == d.m.Dest.BranchID {
		return nil
	}
	cell := row.CellIf(col.Index)
	if !cell.P4Exists() {
		return nil
	}
	// Only rows the commit itself touches, or that exist on the parent but
	// not the destination, carry merge credit.
	gdest := row.CellIf(d.m.gdestCol.Index)
	if gdest.GitAction() == "" && gdest.P4Exists() {
		return nil
	}
	// The integ preview already knows which files the server would open.
	// A file it omits has every source revision credited.
	if set, ok := d.m.previewed[col.Index]; ok && !set[row.DepotPath] {
		return nil
	}
	facts := cell.Discovered.P4
	dec, err := NewIntegDecided("-b", "-at", PolicyFallback, ReqEdit)
	if err != nil {
		return err
	}
	dec.P4Request = ReqNone
	c := row.Cell(col.Index)
	c.Decided = dec
	c.EnsureDiscovered().Integ = &IntegFacts{
		FromFile: facts.DepotFile,
		StartRev: facts.Rev - 1,
		EndRev:   facts.Rev,
	}
	return nil
}

// decideJIT branches a file from the fully populated basis into a
// lightweight destination the first time an edit or delete touches it.
func (d *rowDecider) decideJIT(row *Row) error {
	if row.P4Request != ReqEdit && row.P4Request != ReqDelete {
		return nil
	}
	gdest := row.CellIf(d.m.gdestCol.Index)
	if gdest.P4Exists() {
		return nil
	}
	jit := row.CellIf(d.m.jitfpCol.Index)
	if !jit.P4Exists() {
		return nil
	}
	facts := jit.Discovered.P4
	dec, err := NewIntegDecided("-Rbd -t", "-at", PolicyRaise, ReqNone)
	if err != nil {
		return err
	}
	dec.P4Request = ReqNone
	c := row.Cell(d.m.jitfpCol.Index)
	c.Decided = dec
	c.EnsureDiscovered().Integ = &IntegFacts{
		FromFile: facts.DepotFile,
		StartRev: 0,
		EndRev:   facts.Rev,
	}
	return nil
}

// jitHolds reports whether the fully populated basis holds a live revision
// of this row's file.
func (d *rowDecider) jitHolds(row *Row) bool {
	return row.CellIf(d.m.jitfpCol.Index).P4Exists()
}

// lfsDepotPath is where uploaded large-file content lives, fanned out by
// the first two OID byte pairs the way Git's own object store does.
func lfsDepotPath(cfg *config.Config, oid string) string {
	if len(oid) < 4 {
		return ""
	}
	return fmt.Sprintf("//%s/.git-fusion/lfs/sha256/%s/%s/%s",
		cfg.ImportDepot, oid[:2], oid[2:4], oid)
}
