package groupnorm

import (
	"errors"
	"fmt"
)

var (
	ErrConfiguration = errors.New("groupnorm: configuration error")
	ErrShapeMismatch = errors.New("groupnorm: shape mismatch")
)

// ConfigurationError reports a kernel that could not be constructed.
type ConfigurationError struct {
	Field string
	Msg   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("groupnorm: invalid %s: %s", e.Field, e.Msg)
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// ShapeMismatchError reports inputs whose shapes or lengths do not agree.
// It is always returned before the output buffer is touched.
type ShapeMismatchError struct {
	Op  string
	Msg string
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("%s: shape mismatch: %s", e.Op, e.Msg)
}

func (e *ShapeMismatchError) Is(target error) bool {
	return target == ErrShapeMismatch
}

func shapeErrorf(format string, args ...interface{}) error {
	return &ShapeMismatchError{Op: OpName, Msg: fmt.Sprintf(format, args...)}
}
