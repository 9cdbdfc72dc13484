package p4

import "fmt"

// Severity of a server message, matching the Perforce C API error levels.
type Severity int

const (
	SevEmpty  Severity = 0 // nothing yet
	SevInfo   Severity = 1 // something good happened
	SevWarn   Severity = 2 // something not good happened
	SevFailed Severity = 3 // user did something wrong
	SevFatal  Severity = 4 // system broken - nothing can continue
)

// Error subsystems, from the server's errornum.h.
const (
	subDM     = 6
	subServer = 7
)

// MsgID builds the 16-bit message identifier (subsystem << 10 | code) so
// messages can be matched by code rather than US English text.
func MsgID(subsystem, code int) int {
	return (subsystem << 10) | code
}

// Message identifiers we care about. Only the handful involved in the
// lock-override and submit sequences are listed.
var (
	MsgDmLockSuccess      = MsgID(subDM, 276) // "%depotFile% - locking"
	MsgDmLockAlready      = MsgID(subDM, 277) // "%depotFile% - already locked"
	MsgDmLockAlreadyOther = MsgID(subDM, 278) // "%depotFile% - already locked by %user%@%client%"
	MsgDmUnlockSuccess    = MsgID(subDM, 280) // "%depotFile% - unlocking"
	MsgDmUnlockAlready    = MsgID(subDM, 281) // "%depotFile% - already unlocked"
	MsgServerCouldntLock  = MsgID(subServer, 43) // "File(s) couldn't be locked."
	MsgServerNoSubmit     = MsgID(subServer, 53) // "No files to submit."
)

// Message - one tagged message returned by the server for a command.
type Message struct {
	ID       int
	Severity Severity
	Text     string
}

func (m Message) String() string {
	return fmt.Sprintf("[%d/%d] %s", m.ID, m.Severity, m.Text)
}

// benignLockIDs are informational codes filtered during the unlock/relock
// sequence used to override stale exclusive locks. Anything else of severity
// Failed or worse is fatal for the run.
var benignLockIDs = map[int]bool{
	MsgDmLockSuccess:   true,
	MsgDmLockAlready:   true,
	MsgDmUnlockSuccess: true,
	MsgDmUnlockAlready: true,
}

// IsBenignLockMessage reports whether the message is on the documented
// allowlist of "translation succeeded, informational status" lock codes.
func IsBenignLockMessage(m Message) bool {
	return benignLockIDs[m.ID]
}

// IsLockContention reports whether the message is the specific view-lock
// contention signal that the submit retry loop waits out.
func IsLockContention(m Message) bool {
	return m.ID == MsgDmLockAlreadyOther || m.ID == MsgServerCouldntLock
}

// FindID returns the first message with the given identifier, or nil.
func FindID(msgs []Message, id int) *Message {
	for i := range msgs {
		if msgs[i].ID == id {
			return &msgs[i]
		}
	}
	return nil
}
