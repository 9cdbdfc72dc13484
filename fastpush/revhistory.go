package fastpush

// RevHistory tracks the next revision number per depot path while building
// journal records, since no server exists to ask during a fast push.
type RevHistory struct {
	revs     map[string]int
	deletes  map[string]bool
	foldCase bool
}

func NewRevHistory(foldCase bool) *RevHistory {
	return &RevHistory{revs: make(map[string]int), foldCase: foldCase}
}

func (h *RevHistory) key(depotFile string) string {
	if h.foldCase {
		return foldLower(depotFile)
	}
	return depotFile
}

// Next allocates and returns the next revision for a depot path, starting
// at 1.
func (h *RevHistory) Next(depotFile string) int {
	k := h.key(depotFile)
	h.revs[k]++
	return h.revs[k]
}

// Head returns the last allocated revision, 0 when the path is unseen.
func (h *RevHistory) Head(depotFile string) int {
	return h.revs[h.key(depotFile)]
}

// Exists reports whether the path has a live revision: at least one rev
// allocated and not ending in a delete.
func (h *RevHistory) Exists(depotFile string) bool {
	return h.revs[h.key(depotFile)] > 0 && !h.deleted(depotFile)
}

func (h *RevHistory) deleted(depotFile string) bool {
	_, ok := h.deletes[h.key(depotFile)]
	return ok
}

// MarkDeleted records that the path's head revision is a delete; a later
// re-add clears it.
func (h *RevHistory) MarkDeleted(depotFile string) {
	if h.deletes == nil {
		h.deletes = make(map[string]bool)
	}
	h.deletes[h.key(depotFile)] = true
}

// MarkLive clears a delete marker.
func (h *RevHistory) MarkLive(depotFile string) {
	delete(h.deletes, h.key(depotFile))
}

func foldLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
