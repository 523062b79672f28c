package status

import "github.com/pkg/errors"

var (
	ErrUserLimitExceeded      = errors.New("queue: user ride limit exceeded")
	ErrMetaMissing            = errors.New("ride meta: not found")
	ErrInvalidMeta            = errors.New("ride meta: invalid")
	ErrNotInQueue             = errors.New("queue: user not in queue")
	ErrQueueStateInconsistent = errors.New("queue: state inconsistent")
	ErrStoreFailure           = errors.New("store: operation failed")
	ErrPublishFailure         = errors.New("event: publish failed")
	ErrTickInProgress         = errors.New("dispatch: tick already running")
)

// Mark attaches a sentinel to an infrastructure error so callers can test it
// with errors.Is while the original cause stays in the message.
func Mark(err, sentinel error) error {
	if err == nil {
		return nil
	}
	return &marked{cause: err, sentinel: sentinel}
}

type marked struct {
	cause    error
	sentinel error
}

func (m *marked) Error() string {
	return m.sentinel.Error() + ": " + m.cause.Error()
}

func (m *marked) Unwrap() []error {
	return []error{m.sentinel, m.cause}
}
