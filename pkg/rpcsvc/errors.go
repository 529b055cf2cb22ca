package rpcsvc

import "errors"

var (
	// ErrAlreadyReplied is returned when a second reply is submitted for a
	// request.
	ErrAlreadyReplied = errors.New("rpcsvc: request already replied")

	// ErrNotConnected is returned when a reply is submitted on a connection
	// that has been torn down.
	ErrNotConnected = errors.New("rpcsvc: connection not connected")

	// ErrFraming is returned by the record assembler when the byte stream
	// cannot be a valid sequence of records. The connection is torn down.
	ErrFraming = errors.New("rpcsvc: record framing error")

	// ErrInvalidArgument is returned by entry points given a nil request,
	// program or buffer.
	ErrInvalidArgument = errors.New("rpcsvc: invalid argument")

	// ErrProgramExists is returned when a program number and version pair
	// is registered twice.
	ErrProgramExists = errors.New("rpcsvc: program already registered")

	// ErrProgramNotFound is returned by Unregister for an unknown program.
	ErrProgramNotFound = errors.New("rpcsvc: program not registered")

	// ErrServiceStopped is returned when listening on a stopped service.
	ErrServiceStopped = errors.New("rpcsvc: service stopped")
)
