package commit

import "fmt"

// MaxCommitAttemptsError is returned when the retry loop exhausts its
// budget without winning the install race.
type MaxCommitAttemptsError struct {
	MaxRetries int
}

func (e *MaxCommitAttemptsError) Error() string {
	return fmt.Sprintf("exceeded max commit attempts (max_retries=%d)", e.MaxRetries)
}
