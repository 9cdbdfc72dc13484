// Package journal writes Perforce journal records (db.change, db.desc,
// db.rev, db.revcx, db.integed) forming the bulk-import payload used by the
// fast push path. One archive of journal records plus librarian files can be
// replayed into a server in a single operation, bypassing per-file round
// trips entirely.
package journal

import (
	"fmt"
	"io"
)

// Example records for a 2004.1+ schema:
//
// @pv@ 0 @db.depot@ @import@ 0 @subdir@ @import/...@
// @pv@ 0 @db.desc@ 1 @add@
// @pv@ 0 @db.change@ 1 1 @git-client@ @git-user@ 1363872228 1 @add@
// @pv@ 3 @db.rev@ @//import/main/src/file.txt@ 1 1 0 1 1363872228 1363872228 00000000000000000000000000000000 @//import/main/src/file.txt@ @1.1@ 1
// @pv@ 0 @db.revcx@ 1 @//import/main/src/file.txt@ 1 0
// @pv@ 0 @db.integed@ @//import/b1/src/file.txt@ @//import/main/src/file.txt@ 0 1 0 1 2 2

// FileType - storage + client flag bits for db.rev records.
type FileType int

const (
	UText   FileType = 0x00000001 // text+F
	CText   FileType = 0x00000003 // text+C
	UBinary FileType = 0x00000101 // binary+F
	Binary  FileType = 0x00000103 // binary
	Symlink FileType = 0x00040001 // symlink+F
)

// FileAction - action codes as stored in db.rev.
type FileAction int

const (
	Add FileAction = iota
	Edit
	Delete
	Branch
	Integrate
)

// IntegHow - integration method codes in db.integed records.
type IntegHow int

const (
	MergeFrom       IntegHow = 0
	MergeInto       IntegHow = 1
	BranchFrom      IntegHow = 2
	BranchInto      IntegHow = 3
	CopyFrom        IntegHow = 4
	CopyInto        IntegHow = 5
	DeleteFrom      IntegHow = 6
	DeleteInto      IntegHow = 7
	DirtyBranchInto IntegHow = 9
)

const nullDigest = "00000000000000000000000000000000"

// Identity names the fixed service user/client journal records are written
// as; real authorship is carried in the DescInfo block and patched onto the
// changelist afterwards.
type Identity struct {
	Depot  string
	User   string
	Client string
}

var DefaultIdentity = Identity{Depot: "import", User: "git-fusion-user", Client: "git-fusion-client"}

// Journal streams records to a writer. RevCount tracks how many db.rev
// records the current archive holds so callers can chunk archives at a fixed
// revision budget.
type Journal struct {
	w        io.Writer
	ident    Identity
	RevCount int
}

func New(w io.Writer, ident Identity) *Journal {
	if ident == (Identity{}) {
		ident = DefaultIdentity
	}
	return &Journal{w: w, ident: ident}
}

// SetWriter redirects output, used when rotating to a new archive chunk.
// Resets the revision count.
func (j *Journal) SetWriter(w io.Writer) {
	j.w = w
	j.RevCount = 0
}

// WriteHeader emits the depot/user/client bootstrap records.
func (j *Journal) WriteHeader() error {
	id := j.ident
	_, err := fmt.Fprintf(j.w,
		"@pv@ 0 @db.depot@ @%[1]s@ 0 @subdir@ @%[1]s/...@ \n"+
			"@pv@ 3 @db.domain@ @%[1]s@ 100 @@ @@ @@ @@ @%[2]s@ 0 0 0 1 @Created by %[2]s@ \n"+
			"@pv@ 3 @db.user@ @%[2]s@ @%[2]s@@%[3]s@ @@ 0 0 @%[2]s@ @@ 0 @@ 0 \n"+
			"@pv@ 0 @db.view@ @%[3]s@ 0 0 @//%[3]s/...@ @//%[1]s/...@ \n"+
			"@pv@ 3 @db.domain@ @%[3]s@ 99 @@ @/ws@ @@ @@ @%[2]s@ 0 0 0 1 @Created by %[2]s@ \n",
		id.Depot, id.User, id.Client)
	return err
}

// WriteChange emits the db.desc and db.change records for one changelist.
func (j *Journal) WriteChange(chgNo int, description string, chgTime int64) error {
	if _, err := fmt.Fprintf(j.w, "@pv@ 0 @db.desc@ %d @%s@ \n", chgNo, escape(description)); err != nil {
		return err
	}
	_, err := fmt.Fprintf(j.w, "@pv@ 0 @db.change@ %d %d @%s@ @%s@ %d 1 @%s@ \n",
		chgNo, chgNo, j.ident.Client, j.ident.User, chgTime, escape(short(description)))
	return err
}

// WriteRev emits db.rev plus its db.revcx index record. lbrFile/lbrRev name
// the librarian archive holding the content; deletes conventionally point at
// the file's own path with the deleting change as the revision.
func (j *Journal) WriteRev(depotFile string, rev int, action FileAction, fileType FileType,
	chgNo int, lbrFile string, lbrRev int, modTime int64) error {
	if _, err := fmt.Fprintf(j.w,
		"@pv@ 3 @db.rev@ @%s@ %d %d %d %d %d %d %s @%s@ @1.%d@ %d \n",
		depotFile, rev, fileType, action, chgNo, modTime, modTime, nullDigest,
		lbrFile, lbrRev, fileType); err != nil {
		return err
	}
	j.RevCount++
	_, err := fmt.Fprintf(j.w, "@pv@ 0 @db.revcx@ %d @%s@ %d %d \n",
		chgNo, depotFile, rev, action)
	return err
}

// WriteInteg emits the forward and reverse db.integed records for one
// integration, using the half-open startRev,endRev convention.
func (j *Journal) WriteInteg(toFile, fromFile string, startFromRev, endFromRev,
	startToRev, endToRev int, how, reverseHow IntegHow, chgNo int) error {
	if _, err := fmt.Fprintf(j.w, "@pv@ 0 @db.integed@ @%s@ @%s@ %d %d %d %d %d %d \n",
		toFile, fromFile, startFromRev, endFromRev, startToRev, endToRev, how, chgNo); err != nil {
		return err
	}
	_, err := fmt.Fprintf(j.w, "@pv@ 0 @db.integed@ @%s@ @%s@ %d %d %d %d %d %d \n",
		fromFile, toFile, startToRev, endToRev, startFromRev, endFromRev, reverseHow, chgNo)
	return err
}

// escape doubles @ signs, the journal format's only metacharacter.
func escape(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '@' {
			out = append(out, '@', '@')
		} else {
			out = append(out, s[i])
		}
	}
	return string(out)
}

// short truncates to the 31-character summary db.change carries.
func short(desc string) string {
	for i := 0; i < len(desc); i++ {
		if desc[i] == '\n' {
			desc = desc[:i]
			break
		}
	}
	if len(desc) > 31 {
		return desc[:31]
	}
	return desc
}
