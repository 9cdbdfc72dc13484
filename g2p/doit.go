package g2p

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rcowham/gitfusion/p4"
)

// FileWriter materializes a row's Git blob content into the Perforce client
// workspace before the matching open. The engine backs this with its blob
// store.
type FileWriter interface {
	WriteFile(row *Row) error
}

// DoIt executes the decided matrix against the Perforce client, in an order
// that keeps batches large and round trips few. The caller owns the
// changelist and the submit.
func (m *Matrix) DoIt(fw FileWriter) error {
	if !m.linear {
		if err := m.doIntegs(true); err != nil {
			return err
		}
		if err := m.clearStaging(); err != nil {
			return err
		}
		if err := m.syncMinimal(); err != nil {
			return err
		}
		if err := m.doIntegs(false); err != nil {
			return err
		}
		if err := m.rederiveAfterInteg(); err != nil {
			return err
		}
	}
	if err := m.doCopiesAndMoves(fw); err != nil {
		return err
	}
	if err := m.doBatchedOpens(fw); err != nil {
		return err
	}
	if err := m.doLFSCopies(fw); err != nil {
		return err
	}
	return m.reopenFiletypes()
}

// doIntegs runs cell-level integs then one bulk resolve per distinct
// resolve flag set. The delete phase goes first so a rename's delete half
// never clobbers a branch half landed on the same path.
func (m *Matrix) doIntegs(deletePhase bool) error {
	resolves := map[string]bool{}
	for _, row := range m.rowsSort {
		if (row.P4Request == ReqDelete) != deletePhase {
			continue
		}
		for i, cell := range row.Cells {
			if cell == nil || cell.Decided == nil || !cell.Decided.HasInteg {
				continue
			}
			if m.ghostCol != nil && i == m.ghostCol.Index {
				continue
			}
			if err := m.doOneInteg(row, cell); err != nil {
				return err
			}
			if cell.Decided.HasInteg {
				resolves[cell.Decided.ResolveFlags] = true
			}
		}
	}
	for flags := range resolves {
		if _, err := m.Runner.Resolve(splitFlags(flags)); err != nil {
			return err
		}
	}
	return nil
}

func (m *Matrix) doOneInteg(row *Row, cell *Cell) error {
	dec := cell.Decided
	integ := cell.Discovered.Integ
	from := fmt.Sprintf("%s#%d,#%d", integ.FromFile, integ.StartRev+1, integ.EndRev)
	_, msgs, err := m.Runner.Integ(from, row.DepotPath, splitFlags(dec.IntegFlags))
	if err == nil {
		return nil
	}
	switch dec.OnIntegFailure {
	case PolicyNOP:
		m.Log.Debugf("Integ skipped for %s: %v", row.GwtPath, err)
		dec.HasInteg = false
		return nil
	case PolicyFallback:
		m.Log.Debugf("Integ fell back to %s for %s: %v", dec.IntegFallback, row.GwtPath, err)
		dec.HasInteg = false
		merged, merr := BetterRequest(row.P4Request, dec.IntegFallback)
		if merr != nil {
			return merr
		}
		row.P4Request = merged
		return nil
	default:
		return fmt.Errorf("integ %s -> %s: %v (%d messages)", from, row.DepotPath, err, len(msgs))
	}
}

// clearStaging empties the client workspace directory so stale content from
// an earlier, possibly aborted, copy never leaks into a sync or an open.
func (m *Matrix) clearStaging() error {
	if m.ClientRoot == "" {
		return nil
	}
	entries, err := os.ReadDir(m.ClientRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, ent := range entries {
		if err := os.RemoveAll(filepath.Join(m.ClientRoot, ent.Name())); err != nil {
			return err
		}
	}
	return nil
}

// syncMinimal syncs only the files the integrate and resolve machinery
// needs physically present in the client. Everything else stays unsynced;
// blob content is written straight to disk.
func (m *Matrix) syncMinimal() error {
	var paths []string
	for _, row := range m.rowsSort {
		for _, cell := range row.Cells {
			if cell != nil && cell.Decided != nil && cell.Decided.HasInteg {
				paths = append(paths, row.DepotPath)
				break
			}
		}
	}
	if len(paths) == 0 {
		return nil
	}
	return m.Runner.Sync(paths)
}

// rederiveAfterInteg reconciles what the server actually opened against
// what the matrix requested. An integ that opened a file for branch
// satisfies an add; a file the server refused to open falls back to a plain
// request.
func (m *Matrix) rederiveAfterInteg() error {
	opened, err := m.Runner.Opened()
	if err != nil {
		return err
	}
	byDepot := make(map[string]p4.FileAction, len(opened))
	for _, o := range opened {
		byDepot[o.DepotFile] = o.HeadAction
	}
	for _, row := range m.rowsSort {
		act, ok := byDepot[row.DepotPath]
		if !ok {
			continue
		}
		switch {
		case act == p4.ActionBranch && row.P4Request == ReqAdd:
			// Branch satisfies the add; only a content reopen remains.
			row.P4Request = ReqNone
		case act == p4.ActionInteg && row.P4Request == ReqEdit:
			row.P4Request = ReqNone
		}
	}
	return nil
}

func (m *Matrix) doCopiesAndMoves(fw FileWriter) error {
	for _, row := range m.rowsSort {
		switch row.P4Request {
		case ReqCopy:
			if err := m.Runner.Copy(row.SrcDepotPath, row.DepotPath); err != nil {
				return err
			}
			if err := fw.WriteFile(row); err != nil {
				return err
			}
		case ReqMoveAdd:
			// Move needs the source opened for edit first.
			if err := m.Runner.Open(p4.ActionEdit, "", []string{row.SrcDepotPath}); err != nil {
				return err
			}
			if err := m.Runner.Move(row.SrcDepotPath, row.DepotPath); err != nil {
				return err
			}
			if err := fw.WriteFile(row); err != nil {
				return err
			}
		}
	}
	return nil
}

// doBatchedOpens groups plain add/edit/delete rows by request and filetype
// so each batch is one server command.
func (m *Matrix) doBatchedOpens(fw FileWriter) error {
	type batchKey struct {
		req      Request
		filetype string
	}
	batches := map[batchKey][]*Row{}
	var keys []batchKey
	for _, row := range m.rowsSort {
		switch row.P4Request {
		case ReqAdd, ReqEdit, ReqDelete:
		default:
			continue
		}
		key := batchKey{row.P4Request, row.P4Filetype}
		if _, ok := batches[key]; !ok {
			keys = append(keys, key)
		}
		batches[key] = append(batches[key], row)
	}
	for _, key := range keys {
		rows := batches[key]
		paths := make([]string, 0, len(rows))
		for _, row := range rows {
			if key.req != ReqDelete {
				if err := fw.WriteFile(row); err != nil {
					return err
				}
			}
			paths = append(paths, row.DepotPath)
		}
		var action p4.FileAction
		switch key.req {
		case ReqAdd:
			action = p4.ActionAdd
		case ReqEdit:
			action = p4.ActionEdit
		case ReqDelete:
			action = p4.ActionDelete
		}
		if err := m.Runner.Open(action, key.filetype, paths); err != nil {
			return err
		}
	}
	return nil
}

// doLFSCopies lazy-copies large-file content from the LFS depot area, only
// after every cheaper action is done.
func (m *Matrix) doLFSCopies(fw FileWriter) error {
	for _, row := range m.rowsSort {
		if row.P4Request != ReqLFSCopy {
			continue
		}
		if err := m.Runner.Copy(row.SrcDepotPath, row.DepotPath); err != nil {
			return err
		}
		if err := fw.WriteFile(row); err != nil {
			return err
		}
		if err := m.Runner.Open(p4.ActionEdit, "", []string{row.DepotPath}); err != nil {
			return err
		}
	}
	return nil
}

// reopenFiletypes issues one reopen per filetype for rows whose decided
// type differs from what the open produced.
func (m *Matrix) reopenFiletypes() error {
	byType := map[string][]string{}
	var types []string
	for _, row := range m.rowsSort {
		if row.P4Filetype == "" || row.P4Request == ReqNone || row.P4Request == ReqDelete {
			continue
		}
		if row.P4Request == ReqAdd || row.P4Request == ReqEdit {
			// Already opened with the right type in the batch.
			continue
		}
		if _, ok := byType[row.P4Filetype]; !ok {
			types = append(types, row.P4Filetype)
		}
		byType[row.P4Filetype] = append(byType[row.P4Filetype], row.DepotPath)
	}
	for _, t := range types {
		if err := m.Runner.Reopen(t, byType[t]); err != nil {
			return err
		}
	}
	return nil
}

func splitFlags(flags string) []string {
	if flags == "" {
		return nil
	}
	return strings.Fields(flags)
}
