package unit

import (
	"errors"
	"fmt"
)

var (
	// ErrTemplateNotFound is returned when a workshop has no template group on the hypervisor
	ErrTemplateNotFound = errors.New("template not found")

	// ErrOperationFailed is returned when a lifecycle step fails on a machine
	ErrOperationFailed = errors.New("unit operation failed")

	// ErrUnitNotFound is returned when no unit group exists for a session
	ErrUnitNotFound = fmt.Errorf("%w: unit not found", ErrOperationFailed)

	// ErrInvalidState is returned when a machine is not in a state the operation accepts
	ErrInvalidState = fmt.Errorf("%w: invalid machine state", ErrOperationFailed)
)
