package g2p

import (
	"fmt"

	"github.com/rcowham/gitfusion/p4"
)

// Ghost changelists rearrange Perforce file state so that the real commit's
// diff applies cleanly. They carry no Git commit of their own and are
// skipped during copy back to Git.
//
// A single commit needs at most two ghosts: one to branch files into place,
// and a second to delete them again when the commit is a branch-then-delete.

// GhostDecide inspects the discovered matrix and populates the GHOST column
// with the work a ghost changelist must do before the real commit. It
// returns false when no ghost is needed. A matrix never produces more than
// two ghosts; the third call always returns false.
func (m *Matrix) GhostDecide() (bool, error) {
	if m.ghostRuns >= 2 {
		return false, nil
	}

	if m.ghostCol == nil {
		m.ghostCol = &Column{Kind: GHOST, Index: len(m.columns), Branch: m.Dest}
		m.columns = append(m.columns, m.ghostCol)
	}

	need := false

	// Reconcile an implied parent: files Perforce holds that the first
	// Git parent's tree does not.
	if m.implyCol != nil {
		for _, row := range m.rowsSort {
			imp := row.CellIf(m.implyCol.Index)
			if imp.GitAction() != "D" {
				continue
			}
			ghost := row.Cell(m.ghostCol.Index)
			ghost.EnsureDecided().P4Request = ReqDelete
			need = true
		}
	}

	// Populate a brand-new depot branch by branching the first parent's
	// files into it before the commit's own diff lands.
	if m.IsFirstOnBranch && len(m.parnCols) > 0 {
		parn := m.parnCols[0]
		for _, row := range m.rowsSort {
			src := row.CellIf(parn.Index)
			if !src.P4Exists() {
				continue
			}
			gdest := row.CellIf(m.gdestCol.Index)
			if gdest.P4Exists() {
				continue
			}
			if m.Dest.IsLightweight && gdest.GitAction() == "" {
				// Lightweight branches stay sparse; only touched
				// files are branched, and JIT handles those.
				continue
			}
			facts := src.Discovered.P4
			ghost := row.Cell(m.ghostCol.Index)
			dec := ghost.EnsureDecided()
			dec.HasInteg = true
			dec.IntegFlags = "-Rbd -t"
			dec.ResolveFlags = "-at"
			dec.OnIntegFailure = PolicyRaise
			ghost.EnsureDiscovered().Integ = &IntegFacts{
				FromFile: facts.DepotFile,
				StartRev: 0,
				EndRev:   facts.Rev,
				How:      "branch from",
			}
			need = true
		}
	}

	// JIT-branch-for-delete: a lightweight destination deleting a file it
	// never branched must branch it in a ghost first so the delete has a
	// revision to act on.
	if m.Dest.IsLightweight && m.jitfpCol != nil {
		for _, row := range m.rowsSort {
			if row.P4Request != ReqDelete {
				continue
			}
			gdest := row.CellIf(m.gdestCol.Index)
			if gdest.P4Exists() {
				continue
			}
			jit := row.CellIf(m.jitfpCol.Index)
			if !jit.P4Exists() {
				continue
			}
			facts := jit.Discovered.P4
			ghost := row.Cell(m.ghostCol.Index)
			dec := ghost.EnsureDecided()
			dec.HasInteg = true
			dec.IntegFlags = "-Rbd -t"
			dec.ResolveFlags = "-at"
			dec.OnIntegFailure = PolicyRaise
			ghost.EnsureDiscovered().Integ = &IntegFacts{
				FromFile: facts.DepotFile,
				StartRev: 0,
				EndRev:   facts.Rev,
				How:      "branch from",
			}
			need = true
		}
	}

	if !need {
		return false, nil
	}
	m.ghostRuns++
	return true, nil
}

// GhostApply opens the files the GHOST column decided on. The caller owns
// the surrounding changelist and submit.
func (m *Matrix) GhostApply() error {
	if m.ghostCol == nil {
		return nil
	}
	var deletes []string
	for _, row := range m.rowsSort {
		ghost := row.CellIf(m.ghostCol.Index)
		if ghost == nil || ghost.Decided == nil {
			continue
		}
		dec := ghost.Decided
		if dec.HasInteg {
			integ := ghost.Discovered.Integ
			from := fmt.Sprintf("%s#%d,#%d", integ.FromFile, integ.StartRev+1, integ.EndRev)
			if _, msgs, err := m.Runner.Integ(from, row.DepotPath, splitFlags(dec.IntegFlags)); err != nil {
				return m.ghostIntegFailure(row, dec, msgs, err)
			}
		}
		if dec.P4Request == ReqDelete {
			deletes = append(deletes, row.DepotPath)
		}
	}
	if len(deletes) > 0 {
		if err := m.Runner.Open(p4.ActionDelete, "", deletes); err != nil {
			return err
		}
	}
	if _, err := m.Runner.Resolve([]string{"-at"}); err != nil {
		return err
	}
	m.clearGhostDecisions()
	return nil
}

func (m *Matrix) ghostIntegFailure(row *Row, dec *Decided, msgs []p4.Message, err error) error {
	switch dec.OnIntegFailure {
	case PolicyNOP:
		m.Log.Debugf("Ghost integ skipped for %s: %v", row.GwtPath, err)
		return nil
	default:
		return fmt.Errorf("ghost integ %s: %v (%d messages)", row.GwtPath, err, len(msgs))
	}
}

// clearGhostDecisions resets the GHOST column after a ghost submit so a
// second GhostDecide pass starts clean.
func (m *Matrix) clearGhostDecisions() {
	for _, row := range m.rowsSort {
		ghost := row.CellIf(m.ghostCol.Index)
		if ghost != nil {
			ghost.Decided = nil
		}
	}
}
