package scheduler

import "errors"

var (
	// ErrNoCapacity is returned when no node can host another unit of a workshop
	ErrNoCapacity = errors.New("no capacity")

	// ErrSessionNotFound is returned for an unknown session id
	ErrSessionNotFound = errors.New("session not found")

	// ErrUnitOperationFailed is returned when a lifecycle call on a node fails
	ErrUnitOperationFailed = errors.New("unit operation failed")

	// ErrWorkshopNotFound is returned for an unknown workshop name
	ErrWorkshopNotFound = errors.New("workshop not found")

	// ErrWorkshopDisabled is returned when checking out a disabled workshop
	ErrWorkshopDisabled = errors.New("workshop disabled")
)
