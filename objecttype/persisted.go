package objecttype

import (
	"fmt"
	"strings"

	"github.com/rcowham/gitfusion/p4"
)

// Key name layout in the backing store's key space. The repo name scopes
// every key so multiple repos can share one server.
//
//	git-fusion-index-branch-{repo},{sha1},{branchID} = {changeNum}
//	git-fusion-index-last-{repo},{branchID}          = {changeNum},{sha1}
const (
	indexKeyFmt = "git-fusion-index-branch-%s,%s,%s"
	lastKeyFmt  = "git-fusion-index-last-%s,%s"
)

var _ HistoryIndex = (*PersistedIndex)(nil)

// PersistedIndex is the HistoryIndex variant backed by the depot's key
// store. Reads pass through a MemoryHistory cache owned by the current
// translation run; nothing here is process-global.
type PersistedIndex struct {
	runner   p4.Runner
	repoName string
	cache    *MemoryHistory
}

// NewPersistedIndex wraps the runner's key store for one repo.
func NewPersistedIndex(runner p4.Runner, repoName string) *PersistedIndex {
	return &PersistedIndex{runner: runner, repoName: repoName, cache: NewMemoryHistory()}
}

// Record writes the index key and the last-change key for the branch, and
// mirrors the record into the run cache.
func (p *PersistedIndex) Record(ot ObjectType) error {
	if err := p.cache.Record(ot); err != nil {
		return err
	}
	key := fmt.Sprintf(indexKeyFmt, p.repoName, ot.Sha1, ot.BranchID)
	if err := p.runner.SetKey(key, ot.ChangeNum); err != nil {
		return err
	}
	last, err := p.cache.LastChangeNum(ot.BranchID)
	if err != nil {
		return err
	}
	if last == ot.ChangeNum {
		lastKey := fmt.Sprintf(lastKeyFmt, p.repoName, ot.BranchID)
		value := fmt.Sprintf("%s,%s", ot.ChangeNum, ot.Sha1)
		if err := p.runner.SetKey(lastKey, value); err != nil {
			return err
		}
	}
	return nil
}

// Sha1ToChangeNum implements HistoryIndex.
func (p *PersistedIndex) Sha1ToChangeNum(sha1, branchID string) (string, error) {
	if cn, _ := p.cache.Sha1ToChangeNum(sha1, branchID); cn != "" {
		return cn, nil
	}
	key := fmt.Sprintf(indexKeyFmt, p.repoName, sha1, branchID)
	cn, err := p.runner.Key(key)
	if err != nil {
		return "", err
	}
	if cn != "" {
		// Ignore a conflicting cache entry here: the store is authoritative.
		_ = p.cache.Record(ObjectType{Sha1: sha1, BranchID: branchID, ChangeNum: cn})
	}
	return cn, nil
}

// CommitsForSha1 implements HistoryIndex. Branch ids are not enumerable from
// a single key read, so the caller supplies them via PrimeBranches first;
// afterwards the cache answers.
func (p *PersistedIndex) CommitsForSha1(sha1 string) ([]ObjectType, error) {
	return p.cache.CommitsForSha1(sha1)
}

// ChangeNumToCommit implements HistoryIndex.
func (p *PersistedIndex) ChangeNumToCommit(changeNum string) (*ObjectType, error) {
	return p.cache.ChangeNumToCommit(changeNum)
}

// LastChangeNum implements HistoryIndex.
func (p *PersistedIndex) LastChangeNum(branchID string) (string, error) {
	if cn, _ := p.cache.LastChangeNum(branchID); cn != "" {
		return cn, nil
	}
	key := fmt.Sprintf(lastKeyFmt, p.repoName, branchID)
	value, err := p.runner.Key(key)
	if err != nil || value == "" {
		return "", err
	}
	cn, sha1, found := cutComma(value)
	if found && cn != "" && sha1 != "" {
		_ = p.cache.Record(ObjectType{Sha1: sha1, BranchID: branchID, ChangeNum: cn})
	}
	return cn, nil
}

// PrimeBranches batch-loads the (sha1, branch) records for one commit across
// many branches in one pass, avoiding O(branches^2) key reads during P2G
// discovery.
func (p *PersistedIndex) PrimeBranches(sha1 string, branchIDs []string) error {
	for _, branchID := range branchIDs {
		if cn, _ := p.cache.Sha1ToChangeNum(sha1, branchID); cn != "" {
			continue
		}
		key := fmt.Sprintf(indexKeyFmt, p.repoName, sha1, branchID)
		cn, err := p.runner.Key(key)
		if err != nil {
			return err
		}
		if cn != "" {
			_ = p.cache.Record(ObjectType{Sha1: sha1, BranchID: branchID, ChangeNum: cn})
		}
	}
	return nil
}

func cutComma(s string) (before, after string, found bool) {
	if i := strings.Index(s, ","); i >= 0 {
		return s[:i], s[i+1:], true
	}
	return s, "", false
}
