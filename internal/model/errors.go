package model

import "errors"

var (
	// ErrNotFound is returned when a resource is not found.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when a resource already exists.
	ErrAlreadyExists = errors.New("already exists")
	// ErrNotValid is returned when a resource is not valid.
	ErrNotValid = errors.New("not valid")

	// ErrConfiguration is returned when a tenant identifier or a requested
	// mount fails validation. Rejected before any subprocess spawns.
	ErrConfiguration = errors.New("invalid configuration")
	// ErrSpawn is returned when the sandbox subprocess could not be started.
	ErrSpawn = errors.New("could not spawn sandbox process")
	// ErrTimeout is returned when an execution exceeded its deadline.
	ErrTimeout = errors.New("execution deadline exceeded")
	// ErrExit is returned when the sandbox subprocess exited with a non-zero code.
	ErrExit = errors.New("sandbox process failed")
	// ErrParse is returned when the subprocess exited cleanly but its output
	// did not contain a parseable result document.
	ErrParse = errors.New("could not parse sandbox output")
	// ErrSessionRejected is returned when the sandbox rejected the remembered
	// session id as unknown or expired.
	ErrSessionRejected = errors.New("session rejected")
)
