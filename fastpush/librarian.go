package fastpush

import (
	"compress/gzip"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/alitto/pond"
)

// Librarian writes archive files for the revisions a fast push imports,
// using the server's standard layout: <root>/<depotPath>,d/1.<change>[.gz].
// Identical blobs landing at several paths are written once each (the
// archive path encodes the depot path), but content is fetched from the
// blob store only once per mark. Writes fan out over a worker pool since
// archive I/O dominates pre-receive wall time.
type Librarian struct {
	Root string // local directory standing in for the depot filesystem

	pool *pond.WorkerPool

	mu      sync.Mutex
	written map[string]bool // archive path -> done
	errOnce sync.Once
	err     error
}

// NewLibrarian starts a librarian with the given number of archive writers.
func NewLibrarian(root string, workers int) *Librarian {
	if workers < 1 {
		workers = 1
	}
	return &Librarian{
		Root:    root,
		pool:    pond.New(workers, workers*64),
		written: make(map[string]bool),
	}
}

// ArchivePath returns the librarian path for a revision: the depot path
// with the leading "//" stripped, ",d" appended, and the changelist as the
// archive revision.
func (l *Librarian) ArchivePath(depotFile string, changeNum int, compressed bool) string {
	name := fmt.Sprintf("1.%d", changeNum)
	if compressed {
		name += ".gz"
	}
	return filepath.Join(l.Root, filepath.FromSlash(depotFile[2:]+",d"), name)
}

// Write queues one archive write. Duplicate writes for the same archive
// path are dropped. Errors surface from Close.
func (l *Librarian) Write(depotFile string, changeNum int, data string, compressed bool) {
	path := l.ArchivePath(depotFile, changeNum, compressed)
	l.mu.Lock()
	if l.written[path] {
		l.mu.Unlock()
		return
	}
	l.written[path] = true
	l.mu.Unlock()

	l.pool.Submit(func() {
		if err := writeArchive(path, data, compressed); err != nil {
			l.errOnce.Do(func() { l.err = err })
		}
	})
}

func writeArchive(path, data string, compressed bool) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if compressed {
		zw := gzip.NewWriter(f)
		if _, err := zw.Write([]byte(data)); err != nil {
			zw.Close()
			return err
		}
		return zw.Close()
	}
	_, err = f.WriteString(data)
	return err
}

// ArchiveCount returns the number of archives written or queued.
func (l *Librarian) ArchiveCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.written)
}

// Close drains the worker pool and returns the first write error, if any.
func (l *Librarian) Close() error {
	l.pool.StopAndWait()
	return l.err
}
