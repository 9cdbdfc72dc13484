// Package cache holds the memoizing lookups shared by the translation
// engines. Each cache is owned by one translation run and discarded with it.
package cache

import (
	"fmt"

	"github.com/rcowham/gitfusion/p4"
)

// ChangeCache memoizes change-number to changelist metadata lookups.
type ChangeCache struct {
	runner  p4.Runner
	changes map[int]*p4.Change
	files   map[int][]p4.FileRev
}

func NewChangeCache(runner p4.Runner) *ChangeCache {
	return &ChangeCache{
		runner:  runner,
		changes: make(map[int]*p4.Change),
		files:   make(map[int][]p4.FileRev),
	}
}

// Change returns changelist metadata, fetching on first use.
func (c *ChangeCache) Change(changeNum int) (*p4.Change, error) {
	if chg, ok := c.changes[changeNum]; ok {
		return chg, nil
	}
	chg, files, err := c.runner.Describe(changeNum)
	if err != nil {
		return nil, err
	}
	c.changes[changeNum] = chg
	c.files[changeNum] = files
	return chg, nil
}

// Files returns the ordered file-action list of a changelist.
func (c *ChangeCache) Files(changeNum int) ([]p4.FileRev, error) {
	if _, ok := c.files[changeNum]; !ok {
		if _, err := c.Change(changeNum); err != nil {
			return nil, err
		}
	}
	return c.files[changeNum], nil
}

// Prime stores already-fetched results, e.g. from a bulk 'p4 changes' pass.
func (c *ChangeCache) Prime(chg *p4.Change, files []p4.FileRev) {
	c.changes[chg.Change] = chg
	if files != nil {
		c.files[chg.Change] = files
	}
}

// FileLogCache memoizes change-number to integration-source lookups, the
// expensive 'p4 filelog -m1 -c N' call parent resolution leans on.
type FileLogCache struct {
	runner  p4.Runner
	sources map[string][]p4.IntegSource
}

func NewFileLogCache(runner p4.Runner) *FileLogCache {
	return &FileLogCache{runner: runner, sources: make(map[string][]p4.IntegSource)}
}

// Sources returns the integration sources for a changelist within a view.
func (c *FileLogCache) Sources(changeNum int, pathRev string) ([]p4.IntegSource, error) {
	key := fmt.Sprintf("%d/%s", changeNum, pathRev)
	if src, ok := c.sources[key]; ok {
		return src, nil
	}
	src, err := c.runner.Filelog(changeNum, pathRev)
	if err != nil {
		return nil, err
	}
	c.sources[key] = src
	return src, nil
}

// RevSha1Store remembers the Git blob sha1 computed for each depot file
// revision, so re-printing a revision never re-hashes it.
type RevSha1Store struct {
	sha1s map[string]string // "depotFile#rev" -> blob sha1
}

func NewRevSha1Store() *RevSha1Store {
	return &RevSha1Store{sha1s: make(map[string]string)}
}

func key(depotFile string, rev int) string {
	return fmt.Sprintf("%s#%d", depotFile, rev)
}

// Record stores the blob sha1 for a file revision.
func (s *RevSha1Store) Record(depotFile string, rev int, sha1 string) {
	s.sha1s[key(depotFile, rev)] = sha1
}

// Lookup returns the stored sha1, "" if never computed.
func (s *RevSha1Store) Lookup(depotFile string, rev int) string {
	return s.sha1s[key(depotFile, rev)]
}

// Len returns the number of stored revisions.
func (s *RevSha1Store) Len() int { return len(s.sha1s) }
