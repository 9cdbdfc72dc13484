package fastpush

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/rcowham/gitfusion/descinfo"
	"github.com/rcowham/gitfusion/objecttype"
	"github.com/rcowham/gitfusion/p4"
)

// Importer replays journal chunks into the live server. The admin-level
// replay sits outside the command interface proper, so it gets its own
// seam; production backs it with 'p4d -jr', tests with a recorder.
type Importer interface {
	// ReplayJournal imports one journal file and returns the real
	// changelist number assigned to the first change record in it.
	ReplayJournal(path string) (int, error)
}

// PostReceive finishes a fast push: replay every chunk, work out the
// gfmark-to-real-number offsets, rewrite the descriptions that referenced
// gfmarks, and persist the branch heads.
type PostReceive struct {
	Logger   *logrus.Logger
	Runner   p4.Runner
	Importer Importer
	History  objecttype.HistoryIndex
}

// Run processes one snapshot. Returns the offsets table so callers can
// report the final changelist range.
func (p *PostReceive) Run(snap *Snapshot) (*MarkOffsets, error) {
	offsets := &MarkOffsets{}

	for _, chunk := range snap.Chunks {
		firstReal, err := p.Importer.ReplayJournal(chunk.File)
		if err != nil {
			return nil, fmt.Errorf("replaying %s: %w", chunk.File, err)
		}
		if err := offsets.Append(chunk.FirstMark, firstReal); err != nil {
			return nil, err
		}
	}

	if err := p.rewriteDescriptions(snap, offsets); err != nil {
		return nil, err
	}
	if err := p.recordHistory(snap, offsets); err != nil {
		return nil, err
	}
	p.Logger.Infof("Fast push complete: %d changelists, %d revs, %d archives",
		snap.LastGFMark-snap.FirstGFMark+1, snap.RevCount, len(snap.Sha1ByGFMark))
	return offsets, nil
}

// rewriteDescriptions patches every imported changelist whose description
// still holds ":N" gfmark references, replacing them with the real numbers.
func (p *PostReceive) rewriteDescriptions(snap *Snapshot, offsets *MarkOffsets) error {
	for _, mark := range snap.DescRewrites {
		real := offsets.ToChangeNum(mark)
		chg, _, err := p.Runner.Describe(real)
		if err != nil {
			return err
		}
		di := descinfo.FromText(chg.Description)
		if di == nil {
			continue
		}
		di.RenumberGfmarks(func(gfmark string) int {
			n, err := strconv.Atoi(strings.TrimPrefix(gfmark, ":"))
			if err != nil {
				return 0
			}
			return offsets.ToChangeNum(n)
		})
		if err := p.Runner.ChangeOwner(real, chg.User, di.ToText()); err != nil {
			return err
		}
	}
	return nil
}

// recordHistory persists the sha1/branch/changelist triples the push
// created. Pre-receive recorded the destination branch of every mark, so
// the lookup is exact even when pushes interleave branches.
func (p *PostReceive) recordHistory(snap *Snapshot, offsets *MarkOffsets) error {
	for mark, sha1 := range snap.Sha1ByGFMark {
		branchID := snap.BranchByGFMark[mark]
		if branchID == "" {
			p.Logger.Warnf("No branch recorded for gfmark %d (%s)", mark, sha1)
			continue
		}
		err := p.History.Record(objecttype.ObjectType{
			Sha1:      sha1,
			BranchID:  branchID,
			ChangeNum: strconv.Itoa(offsets.ToChangeNum(mark)),
		})
		if err != nil {
			p.Logger.Warnf("History index: %v", err)
		}
	}
	return nil
}
