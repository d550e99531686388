package mail

import (
	"errors"
	"fmt"
)

// AuthError indicates that the mail server rejected our credentials.
// It is fatal for the session: retrying cannot fix it, so the retry
// controller must stop immediately and surface it to the operator.
type AuthError struct {
	Protocol string
	Message  string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %s", e.Protocol, e.Message)
}

// IsAuthError reports whether err (or any error in its chain) is an
// AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}
