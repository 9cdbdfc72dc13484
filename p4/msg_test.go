package p4

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMsgID(t *testing.T) {
	assert.Equal(t, (6<<10)|278, MsgDmLockAlreadyOther)
	assert.Equal(t, (6<<10)|276, MsgDmLockSuccess)
	assert.Equal(t, (7<<10)|43, MsgServerCouldntLock)
}

func TestBenignLockMessages(t *testing.T) {
	assert.True(t, IsBenignLockMessage(Message{ID: MsgDmLockSuccess}))
	assert.True(t, IsBenignLockMessage(Message{ID: MsgDmLockAlready}))
	assert.True(t, IsBenignLockMessage(Message{ID: MsgDmUnlockSuccess}))
	assert.True(t, IsBenignLockMessage(Message{ID: MsgDmUnlockAlready}))
	assert.False(t, IsBenignLockMessage(Message{ID: MsgDmLockAlreadyOther}))
	assert.False(t, IsBenignLockMessage(Message{ID: MsgServerCouldntLock}))
}

func TestLockContention(t *testing.T) {
	assert.True(t, IsLockContention(Message{ID: MsgDmLockAlreadyOther}))
	assert.False(t, IsLockContention(Message{ID: MsgDmLockSuccess}))
	assert.False(t, IsLockContention(Message{ID: MsgServerNoSubmit}))
}

func TestFindID(t *testing.T) {
	msgs := []Message{
		{ID: MsgDmLockSuccess, Text: "locked"},
		{ID: MsgDmLockAlreadyOther, Text: "already locked by other"},
	}
	m := FindID(msgs, MsgDmLockAlreadyOther)
	if assert.NotNil(t, m) {
		assert.Equal(t, "already locked by other", m.Text)
	}
	assert.Nil(t, FindID(msgs, MsgServerCouldntLock))
}

func TestCommandError(t *testing.T) {
	err := &CommandError{
		Cmd: []string{"submit", "-c", "42"},
		Messages: []Message{
			{ID: MsgDmLockAlreadyOther, Severity: SevFailed, Text: "locked by other"},
		},
	}
	assert.True(t, err.HasID(MsgDmLockAlreadyOther))
	assert.False(t, err.HasID(MsgDmLockSuccess))
	assert.Contains(t, err.Error(), "submit")
	assert.Contains(t, err.Error(), "locked by other")
}
