package metrics

import "time"

// RPCMetrics provides observability for the RPC service.
//
// Implementations can collect metrics about RPC requests, connection
// lifecycle, throughput and the duplicate request cache. This interface is
// optional - if not provided to the service, a no-op implementation is used
// with zero overhead.
//
// Example usage:
//
//	// With metrics enabled
//	metrics.InitRegistry()
//	svc := rpcsvc.New(cfg, prometheus.NewRPCMetrics())
//
//	// Without metrics (no-op)
//	svc := rpcsvc.New(cfg, nil)
type RPCMetrics interface {
	// RecordRequest records a completed RPC request.
	//
	// Parameters:
	//   - program: Program name (e.g., "portmap")
	//   - procedure: Procedure name (e.g., "GETPORT")
	//   - status: Symbolic reply status ("SUCCESS", "PROG_UNAVAIL", "AUTH_ERROR", ...)
	//   - duration: Time from record completion to reply queued
	RecordRequest(program, procedure, status string, duration time.Duration)

	// RecordRequestStart increments the in-flight counter of a program.
	RecordRequestStart(program string)

	// RecordRequestEnd decrements the in-flight counter of a program.
	RecordRequestEnd(program string)

	// RecordBytesTransferred records bytes received or sent.
	//
	// Parameters:
	//   - direction: "in" or "out"
	//   - bytes: Number of bytes transferred
	RecordBytesTransferred(direction string, bytes int64)

	// SetActiveConnections updates the current connection count.
	SetActiveConnections(count int32)

	// RecordConnectionAccepted increments the total accepted connections counter.
	RecordConnectionAccepted()

	// RecordConnectionClosed increments the total closed connections counter.
	RecordConnectionClosed()

	// RecordConnectionForceClosed counts connections closed by a shutdown
	// timeout.
	RecordConnectionForceClosed()

	// RecordDRCHit counts a retransmission found in the duplicate request
	// cache. state is "cached" or "in_transit".
	RecordDRCHit(state string)
}

// NewNoopRPCMetrics returns an RPCMetrics that records nothing.
func NewNoopRPCMetrics() RPCMetrics {
	return noopRPCMetrics{}
}

// noopRPCMetrics is a no-op implementation of RPCMetrics with zero overhead.
type noopRPCMetrics struct{}

func (noopRPCMetrics) RecordRequest(string, string, string, time.Duration) {}
func (noopRPCMetrics) RecordRequestStart(string)                           {}
func (noopRPCMetrics) RecordRequestEnd(string)                             {}
func (noopRPCMetrics) RecordBytesTransferred(string, int64)                {}
func (noopRPCMetrics) SetActiveConnections(int32)                          {}
func (noopRPCMetrics) RecordConnectionAccepted()                           {}
func (noopRPCMetrics) RecordConnectionClosed()                             {}
func (noopRPCMetrics) RecordConnectionForceClosed()                        {}
func (noopRPCMetrics) RecordDRCHit(string)                                 {}
