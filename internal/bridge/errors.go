package bridge

import (
	"errors"
	"fmt"
)

// ErrNoCRS is returned when the drawing has no coordinate system configured.
var ErrNoCRS = errors.New("drawing has no coordinate system")

// ConfigurationError reports a setup problem the user has to fix: an
// unsupported or missing coordinate system, or a missing marker template.
// The operation that hit it changed nothing.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}
