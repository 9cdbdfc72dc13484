// Package node keeps a tree of the files present on a git branch as commits
// are translated. The engines use it to expand directory deletes and renames
// from fast-export into per-file actions, and to answer "does Git think this
// file exists" without a store query. When the backing server is
// case-insensitive the tree folds case so lookups match server behavior.
package node

import "strings"

// Tree - directory contents for one git branch, updated after every commit.
type Tree struct {
	root       *entry
	foldCase   bool
}

type entry struct {
	name     string // folded when the tree folds case
	path     string // original full path, files only
	isFile   bool
	children []*entry
}

// NewTree returns an empty tree. foldCase matches a case-insensitive server.
func NewTree(foldCase bool) *Tree {
	return &Tree{root: &entry{}, foldCase: foldCase}
}

func (t *Tree) fold(s string) string {
	if t.foldCase {
		return strings.ToLower(s)
	}
	return s
}

// Add registers a file path.
func (t *Tree) Add(path string) {
	t.addSub(t.root, path, t.fold(path))
}

func (t *Tree) addSub(n *entry, fullPath, subPath string) {
	name, rest, isLeaf := splitFirst(subPath)
	for _, c := range n.children {
		if c.name == name {
			if isLeaf {
				return // already registered
			}
			t.addSub(c, fullPath, rest)
			return
		}
	}
	child := &entry{name: name}
	if isLeaf {
		child.isFile = true
		child.path = fullPath
	}
	n.children = append(n.children, child)
	if !isLeaf {
		t.addSub(child, fullPath, rest)
	}
}

// Delete removes a file path. Unknown paths are ignored.
func (t *Tree) Delete(path string) {
	t.deleteSub(t.root, t.fold(path))
}

func (t *Tree) deleteSub(n *entry, subPath string) {
	name, rest, isLeaf := splitFirst(subPath)
	for i, c := range n.children {
		if c.name != name {
			continue
		}
		if isLeaf {
			n.children[i] = n.children[len(n.children)-1]
			n.children = n.children[:len(n.children)-1]
		} else {
			t.deleteSub(c, rest)
		}
		return
	}
}

// Files returns every file under the named directory ("" for the whole
// tree), original case preserved.
func (t *Tree) Files(dirName string) []string {
	n := t.root
	if dirName != "" {
		sub := t.fold(dirName)
		for {
			name, rest, isLeaf := splitFirst(sub)
			var next *entry
			for _, c := range n.children {
				if c.name == name {
					next = c
					break
				}
			}
			if next == nil {
				return nil
			}
			if next.isFile {
				if isLeaf {
					return []string{next.path}
				}
				return nil
			}
			n = next
			if isLeaf {
				break
			}
			sub = rest
		}
	}
	return collect(n, nil)
}

func collect(n *entry, files []string) []string {
	for _, c := range n.children {
		if c.isFile {
			files = append(files, c.path)
		} else {
			files = collect(c, files)
		}
	}
	return files
}

// Exists reports whether a single file with the given path is present.
func (t *Tree) Exists(path string) bool {
	n := t.root
	sub := t.fold(path)
	for {
		name, rest, isLeaf := splitFirst(sub)
		var next *entry
		for _, c := range n.children {
			if c.name == name {
				next = c
				break
			}
		}
		if next == nil {
			return false
		}
		if isLeaf {
			return next.isFile
		}
		if next.isFile {
			return false
		}
		n = next
		sub = rest
	}
}

// CopyFrom populates an empty tree with every file of another tree, used
// when a new branch forks off an existing one.
func (t *Tree) CopyFrom(src *Tree) {
	for _, f := range src.Files("") {
		t.Add(f)
	}
}

func splitFirst(path string) (name, rest string, isLeaf bool) {
	if i := strings.IndexByte(path, '/'); i >= 0 {
		return path[:i], path[i+1:], false
	}
	return path, "", true
}
