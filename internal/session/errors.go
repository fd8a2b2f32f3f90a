package session

import (
	"errors"
	"fmt"
)

var (
	ErrAuthenticationRequired = errors.New("authentication required")
	ErrRefreshFailed          = errors.New("token refresh failed")
)

// RefreshError reports a failed token exchange. It matches both
// ErrRefreshFailed and ErrAuthenticationRequired: a failed refresh ends the
// session exactly like a missing credential does.
type RefreshError struct {
	StatusCode int
	Err        error
}

func (e *RefreshError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("token refresh failed: http %d: %v", e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("token refresh failed: http %d", e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("token refresh failed: %v", e.Err)
	default:
		return "token refresh failed"
	}
}

func (e *RefreshError) Is(target error) bool {
	return target == ErrRefreshFailed || target == ErrAuthenticationRequired
}

func (e *RefreshError) Unwrap() error {
	return e.Err
}
