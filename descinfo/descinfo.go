// Package descinfo reads and writes the structured metadata block that Git
// Fusion embeds at the bottom of every Perforce changelist description. The
// block is the cross-system provenance record: Git author/committer identity,
// parent commit sha1s with their changelist numbers, depot branch id, and the
// markers that tag a changelist as a ghost.
package descinfo

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ImportHeader introduces the metadata block inside a description.
const ImportHeader = "Imported from Git"

// Keys written under the import header.
const (
	KeyAuthor           = "Author"
	KeyCommitter        = "Committer"
	KeyPusher           = "Pusher"
	KeySha1             = "sha1"
	KeyPushState        = "push-state"
	KeyDepotBranchID    = "depot-branch-id"
	KeyContainsP4Extra  = "contains-p4-extra"
	KeyGitlink          = "gitlink"
	KeyParentChanges    = "parent-changes"
	KeyParentBranch     = "parent-branch"
	KeyGhostOfSha1      = "ghost-of-sha1"
	KeyGhostOfChangeNum = "ghost-of-change-num"
	KeyGhostPrecedes    = "ghost-precedes-sha1"
)

// Ident - a Git author or committer line.
type Ident struct {
	FullName string
	Email    string // with angle brackets, as Git writes it
	Time     string // seconds since epoch
	Timezone string // e.g. "+0000"
}

func (id Ident) String() string {
	name := id.FullName
	if name == "" {
		name = " "
	}
	return fmt.Sprintf("%s %s %s %s", name, id.Email, id.Time, id.Timezone)
}

// Gitlink - one submodule entry carried through a changelist.
type Gitlink struct {
	Sha1 string
	Path string
}

// DescInfo is the parsed form of the metadata block.
type DescInfo struct {
	CleanDesc string // description text without our header or noise
	Suffix    string // the header and everything after it, verbatim

	Author    *Ident
	Committer *Ident

	AuthorP4 string // p4 user id, never serialized
	Pusher   string // p4 user id, written only when it differs from AuthorP4

	Sha1            string
	PushState       string
	DepotBranchID   string
	ContainsP4Extra string
	Gitlinks        []Gitlink

	// Parents holds ordered parent commit sha1s; ParentChanges maps each
	// parent sha1 to its changelist numbers (strings: real numbers or
	// ":123" gfmarks not yet renumbered).
	Parents       []string
	ParentChanges map[string][]string

	// ParentBranch is "{depot-branch-id}@{change-num}" when the first
	// parent lives on a different branch from this changelist.
	ParentBranch string

	GhostOfSha1      string
	GhostOfChangeNum string
	GhostPrecedes    string
}

// IsGhost reports whether any ghost marker is present. Not every ghost fills
// in every ghost field.
func (d *DescInfo) IsGhost() bool {
	return d.GhostOfSha1 != "" || d.GhostOfChangeNum != "" || d.GhostPrecedes != ""
}

var (
	reGitlink = regexp.MustCompile(`(?m)gitlink: ([^/]+)/(.+)$`)
	// The user name part is optional.
	reIdentFmt = `:(.+)? (<.*>) (\d+) ([-+\d]+)`
)

// FromText parses a changelist description. Returns nil if the import header
// is absent (a native Perforce changelist, not one of ours).
func FromText(text string) *DescInfo {
	// rfind: a human may use the header's phrase in their own text.
	idx := strings.LastIndex(text, ImportHeader)
	if idx < 0 {
		return nil
	}
	suffix := text[idx:]
	d := &DescInfo{Suffix: suffix}
	if idx > 0 {
		d.CleanDesc = text[:idx-1]
	}

	for _, key := range []string{KeyAuthor, KeyCommitter} {
		re := regexp.MustCompile(key + reIdentFmt)
		if m := re.FindStringSubmatch(suffix); m != nil {
			ident := &Ident{
				FullName: strings.TrimSpace(m[1]),
				Email:    m[2],
				Time:     m[3],
				Timezone: m[4],
			}
			if key == KeyAuthor {
				d.Author = ident
			} else {
				d.Committer = ident
			}
		}
	}

	for _, m := range reGitlink.FindAllStringSubmatch(suffix, -1) {
		d.Gitlinks = append(d.Gitlinks, Gitlink{
			Sha1: strings.TrimSpace(m[1]),
			Path: strings.TrimSpace(m[2]),
		})
	}

	scalar := func(key string) string {
		// Anchored so "sha1" never matches inside "ghost-of-sha1".
		re := regexp.MustCompile(`(?m)^\s*` + regexp.QuoteMeta(key) + `: (.+)`)
		if m := re.FindStringSubmatch(suffix); m != nil {
			return strings.TrimSpace(m[1])
		}
		return ""
	}
	d.Pusher = scalar(KeyPusher)
	d.Sha1 = scalar(KeySha1)
	d.PushState = scalar(KeyPushState)
	d.ContainsP4Extra = scalar(KeyContainsP4Extra)
	d.DepotBranchID = scalar(KeyDepotBranchID)
	d.ParentBranch = scalar(KeyParentBranch)
	d.GhostOfSha1 = scalar(KeyGhostOfSha1)
	d.GhostOfChangeNum = scalar(KeyGhostOfChangeNum)
	d.GhostPrecedes = scalar(KeyGhostPrecedes)

	if pc := scalar(KeyParentChanges); pc != "" {
		d.parseParentChanges(pc)
	}
	return d
}

// parseParentChanges decodes "sha1=[cl, cl]/sha1=[cl]" and rebuilds Parents
// ordering from it. Orphan commits serialize as the literal "None".
func (d *DescInfo) parseParentChanges(text string) {
	d.ParentChanges = make(map[string][]string)
	if text == "None" {
		d.ParentChanges["None"] = []string{"0"}
		return
	}
	for _, pair := range strings.Split(text, "/") {
		sha1, rest, found := cut(pair, "=")
		if !found || sha1 == "" {
			continue
		}
		d.Parents = append(d.Parents, sha1)
		rest = strings.TrimPrefix(rest, "[")
		rest = strings.TrimSuffix(rest, "]")
		var changes []string
		for _, cl := range strings.Split(rest, ",") {
			cl = strings.TrimSpace(cl)
			if cl != "" {
				changes = append(changes, cl)
			}
		}
		d.ParentChanges[sha1] = changes
	}
}

// ToText serializes the description, clean text first, then the header block.
func (d *DescInfo) ToText() string {
	parts := []string{d.CleanDesc, ImportHeader}
	appendKV := func(key, value string) {
		if value != "" {
			parts = append(parts, fmt.Sprintf(" %s: %s", key, value))
		}
	}

	if d.Author != nil {
		appendKV(KeyAuthor, d.Author.String())
	}
	if d.Committer != nil {
		appendKV(KeyCommitter, d.Committer.String())
	}
	if d.Pusher != d.AuthorP4 {
		appendKV(KeyPusher, d.Pusher)
	}
	appendKV(KeySha1, d.Sha1)
	appendKV(KeyPushState, d.PushState)
	appendKV(KeyDepotBranchID, d.DepotBranchID)
	appendKV(KeyContainsP4Extra, d.ContainsP4Extra)
	appendKV(KeyGhostOfSha1, d.GhostOfSha1)
	appendKV(KeyGhostOfChangeNum, d.GhostOfChangeNum)
	appendKV(KeyGhostPrecedes, d.GhostPrecedes)
	appendKV(KeyParentBranch, d.ParentBranch)
	for _, gl := range d.Gitlinks {
		appendKV(KeyGitlink, fmt.Sprintf("%s/%s", gl.Sha1, gl.Path))
	}

	if len(d.ParentChanges) > 0 {
		// Serialize in Parents order so the map order never leaks out.
		order := d.Parents
		if len(order) == 0 {
			for sha1 := range d.ParentChanges {
				order = append(order, sha1)
			}
		}
		results := make([]string, 0, len(order))
		for _, sha1 := range order {
			changes := d.ParentChanges[sha1]
			if len(changes) == 0 {
				continue
			}
			results = append(results,
				fmt.Sprintf("%s=[%s]", sha1, strings.Join(changes, ", ")))
		}
		appendKV(KeyParentChanges, strings.Join(results, "/"))
	} else if !d.IsGhost() {
		// This Git commit has no parents.
		appendKV(KeyParentChanges, "None")
	}
	return strings.Join(parts, "\n")
}

// RenumberGfmarks rewrites every ":123" gfmark in ParentChanges, ParentBranch
// and GhostOfChangeNum using the supplied mapping. Used by fast push's
// post-receive description rewrite.
func (d *DescInfo) RenumberGfmarks(toChangeNum func(gfmark string) int) {
	fix := func(s string) string {
		if strings.HasPrefix(s, ":") {
			return strconv.Itoa(toChangeNum(s))
		}
		return s
	}
	for sha1, changes := range d.ParentChanges {
		for i, cl := range changes {
			changes[i] = fix(cl)
		}
		d.ParentChanges[sha1] = changes
	}
	if d.GhostOfChangeNum != "" {
		d.GhostOfChangeNum = fix(d.GhostOfChangeNum)
	}
	if at := strings.LastIndex(d.ParentBranch, "@"); at >= 0 {
		d.ParentBranch = d.ParentBranch[:at+1] + fix(d.ParentBranch[at+1:])
	}
}

// cut is strings.Cut for the toolchain floor this module keeps.
func cut(s, sep string) (before, after string, found bool) {
	if i := strings.Index(s, sep); i >= 0 {
		return s[:i], s[i+len(sep):], true
	}
	return s, "", false
}
