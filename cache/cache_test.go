package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rcowham/gitfusion/p4"
	"github.com/rcowham/gitfusion/p4/p4test"
)

func TestChangeCacheMemoizes(t *testing.T) {
	describes := 0
	fake := &p4test.Runner{
		DescribeFn: func(changeNum int) (*p4.Change, []p4.FileRev, error) {
			describes++
			return &p4.Change{Change: changeNum, User: "alice"},
				[]p4.FileRev{{DepotFile: "//depot/main/a.txt", Rev: 1}}, nil
		},
	}
	c := NewChangeCache(fake)

	chg, err := c.Change(10)
	assert.NoError(t, err)
	assert.Equal(t, "alice", chg.User)

	// Second lookup and the files of the same change hit the cache.
	_, err = c.Change(10)
	assert.NoError(t, err)
	files, err := c.Files(10)
	assert.NoError(t, err)
	assert.Len(t, files, 1)
	assert.Equal(t, 1, describes)

	// A different change fetches again.
	_, err = c.Change(11)
	assert.NoError(t, err)
	assert.Equal(t, 2, describes)
}

func TestChangeCachePrime(t *testing.T) {
	fake := &p4test.Runner{
		DescribeFn: func(changeNum int) (*p4.Change, []p4.FileRev, error) {
			t.Fatal("primed entries must not describe")
			return nil, nil, nil
		},
	}
	c := NewChangeCache(fake)
	c.Prime(&p4.Change{Change: 20, User: "bob"},
		[]p4.FileRev{{DepotFile: "//depot/main/b.txt", Rev: 2}})

	chg, err := c.Change(20)
	assert.NoError(t, err)
	assert.Equal(t, "bob", chg.User)
	files, err := c.Files(20)
	assert.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestFileLogCacheMemoizes(t *testing.T) {
	calls := 0
	fake := &p4test.Runner{
		FilelogFn: func(changeNum int, pathRev string) ([]p4.IntegSource, error) {
			calls++
			return []p4.IntegSource{{FromFile: "//depot/main/a.txt"}}, nil
		},
	}
	c := NewFileLogCache(fake)

	src, err := c.Sources(5, "//depot/dev/...")
	assert.NoError(t, err)
	assert.Len(t, src, 1)
	_, _ = c.Sources(5, "//depot/dev/...")
	assert.Equal(t, 1, calls)

	// Same change under a different view is a distinct key.
	_, _ = c.Sources(5, "//depot/rel/...")
	assert.Equal(t, 2, calls)
}

func TestRevSha1Store(t *testing.T) {
	s := NewRevSha1Store()
	assert.Equal(t, "", s.Lookup("//depot/main/a.txt", 1))

	s.Record("//depot/main/a.txt", 1, "aaaa")
	s.Record("//depot/main/a.txt", 2, "bbbb")
	assert.Equal(t, "aaaa", s.Lookup("//depot/main/a.txt", 1))
	assert.Equal(t, "bbbb", s.Lookup("//depot/main/a.txt", 2))
	assert.Equal(t, 2, s.Len())
}
