package fastpush

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// MarkOffsets maps provisional changelist numbers (gfmarks) handed out
// during pre-receive to the real numbers the server assigned at import.
// Both sequences ascend, so the mapping is a handful of contiguous segments
// resolved by bisection.
type MarkOffsets struct {
	segs []segment
}

type segment struct {
	fromMark int // first gfmark this segment covers
	offset   int // realChange - gfmark for the segment
}

// Append records that gfmarks from fromMark onward map with the given
// offset. Segments must be appended in ascending fromMark order; an append
// restating the previous offset is dropped.
func (m *MarkOffsets) Append(fromMark, realChange int) error {
	offset := realChange - fromMark
	if n := len(m.segs); n > 0 {
		last := m.segs[n-1]
		if fromMark < last.fromMark {
			return fmt.Errorf("offset segments out of order: %d after %d", fromMark, last.fromMark)
		}
		if offset == last.offset {
			return nil
		}
	}
	m.segs = append(m.segs, segment{fromMark: fromMark, offset: offset})
	return nil
}

// ToChangeNum resolves one gfmark to its real changelist number. Unknown
// marks (before the first segment) return the mark unchanged.
func (m *MarkOffsets) ToChangeNum(gfmark int) int {
	i := sort.Search(len(m.segs), func(i int) bool {
		return m.segs[i].fromMark > gfmark
	})
	if i == 0 {
		return gfmark
	}
	return gfmark + m.segs[i-1].offset
}

// Resolve converts a ":123" gfmark string to its real number's decimal
// form; plain numbers pass through.
func (m *MarkOffsets) Resolve(ref string) string {
	if !strings.HasPrefix(ref, ":") {
		return ref
	}
	n, err := strconv.Atoi(ref[1:])
	if err != nil {
		return ref
	}
	return strconv.Itoa(m.ToChangeNum(n))
}

// Len returns the segment count, useful for sizing reports.
func (m *MarkOffsets) Len() int { return len(m.segs) }
