package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores, sinks and issuers return
// these (optionally wrapped) so services can translate them into domain
// outcomes without string matching.
//
// - ErrNotFound: entity does not exist in store
// - ErrUnavailable: backend temporarily unreachable; retrying may succeed
// - ErrRejected: remote party refused the request; retrying will not help
// - ErrClosed: component has been shut down
// - ErrBufferFull: async queue at capacity
//
// For validation errors (bad input, missing fields), use pkg/domain-errors directly.
var (
	ErrNotFound    = errors.New("not found")
	ErrUnavailable = errors.New("unavailable")
	ErrRejected    = errors.New("rejected")
	ErrClosed      = errors.New("closed")
	ErrBufferFull  = errors.New("buffer full")
)
