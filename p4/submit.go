package p4

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// RetryPolicy bounds the submit retry loop. A submit can collide with the
// view lock held briefly by the submit trigger while it decides to reject a
// competing client submit; the trigger releases the lock on its way out, so
// retrying is expected to succeed almost immediately.
type RetryPolicy struct {
	MaxAttempts int           // 0 means DefaultRetryPolicy.MaxAttempts
	InitialWait time.Duration // doubled each attempt
	MaxWait     time.Duration
}

var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 60,
	InitialWait: 100 * time.Millisecond,
	MaxWait:     10 * time.Second,
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if p.InitialWait <= 0 {
		p.InitialWait = DefaultRetryPolicy.InitialWait
	}
	if p.MaxWait <= 0 {
		p.MaxWait = DefaultRetryPolicy.MaxWait
	}
	return p
}

// ErrSubmitLockTimeout - the contention signal never cleared within the
// retry budget.
var ErrSubmitLockTimeout = errors.New("submit retry budget exhausted waiting for view lock")

// SubmitWithRetry submits the pending changelist, retrying only on the
// specific view-lock contention messages. Every other command failure
// propagates unchanged.
func SubmitWithRetry(r Runner, logger *logrus.Logger, changeNum int, policy RetryPolicy) (int, error) {
	policy = policy.normalized()
	wait := policy.InitialWait
	for attempt := 1; ; attempt++ {
		finalNum, err := r.Submit(changeNum)
		if err == nil {
			return finalNum, nil
		}
		var cmdErr *CommandError
		if !errors.As(err, &cmdErr) {
			return 0, err
		}
		contended := false
		for _, m := range cmdErr.Messages {
			if IsLockContention(m) {
				contended = true
				break
			}
		}
		if !contended {
			return 0, err
		}
		if attempt >= policy.MaxAttempts {
			return 0, fmt.Errorf("change %d after %d attempts: %w", changeNum, attempt, ErrSubmitLockTimeout)
		}
		logger.Debugf("Submit of change %d hit view lock, retry %d in %v", changeNum, attempt, wait)
		time.Sleep(wait)
		wait *= 2
		if wait > policy.MaxWait {
			wait = policy.MaxWait
		}
	}
}
