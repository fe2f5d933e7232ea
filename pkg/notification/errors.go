package notification

import (
	"errors"
	"fmt"
)

// ErrUnknownEventType is returned when an event's type is outside the closed
// enum. The caller decides whether to drop or dead-letter; nothing is ever
// defaulted or silently dropped.
var ErrUnknownEventType = errors.New("unknown event type")

// MissingFieldError reports a payload field a template requires but the
// event did not carry. Raised before any device is contacted.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("missing required payload field %q", e.Field)
}

// IsRejection reports whether err is a classification rejection, i.e. the
// event itself is bad and retrying cannot help.
func IsRejection(err error) bool {
	var mf *MissingFieldError
	return errors.Is(err, ErrUnknownEventType) || errors.As(err, &mf)
}
