package p4

import (
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

// submitter fakes just the Submit call; the rest of Runner is unused here.
type submitter struct {
	Runner
	attempts int
	failFor  int
	failWith error
}

func (s *submitter) Submit(changeNum int) (int, error) {
	s.attempts++
	if s.attempts <= s.failFor {
		return 0, s.failWith
	}
	return changeNum + 100, nil
}

func lockContention() error {
	return &CommandError{
		Cmd:      []string{"submit"},
		Messages: []Message{{ID: MsgDmLockAlreadyOther, Severity: SevFailed, Text: "already locked by other@client"}},
	}
}

func quickPolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, InitialWait: time.Microsecond, MaxWait: time.Microsecond}
}

func TestSubmitFirstTry(t *testing.T) {
	s := &submitter{}
	n, err := SubmitWithRetry(s, logrus.New(), 42, quickPolicy(3))
	assert.NoError(t, err)
	assert.Equal(t, 142, n)
	assert.Equal(t, 1, s.attempts)
}

func TestSubmitRetriesLockContention(t *testing.T) {
	s := &submitter{failFor: 2, failWith: lockContention()}
	n, err := SubmitWithRetry(s, logrus.New(), 42, quickPolicy(5))
	assert.NoError(t, err)
	assert.Equal(t, 142, n)
	assert.Equal(t, 3, s.attempts)
}

func TestSubmitGivesUp(t *testing.T) {
	s := &submitter{failFor: 100, failWith: lockContention()}
	_, err := SubmitWithRetry(s, logrus.New(), 42, quickPolicy(4))
	assert.True(t, errors.Is(err, ErrSubmitLockTimeout))
	assert.Equal(t, 4, s.attempts)
}

func TestSubmitDoesNotRetryOtherErrors(t *testing.T) {
	s := &submitter{failFor: 100, failWith: &CommandError{
		Cmd:      []string{"submit"},
		Messages: []Message{{ID: MsgServerNoSubmit, Severity: SevFailed, Text: "No files to submit."}},
	}}
	_, err := SubmitWithRetry(s, logrus.New(), 42, quickPolicy(5))
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrSubmitLockTimeout))
	assert.Equal(t, 1, s.attempts)
}
