package constants

import "errors"

// Errors
var (
	ErrNotAuthenticated  = errors.New("not logged in")
	ErrServerUnreachable = errors.New("server unreachable")
	ErrProtocol          = errors.New("protocol violation")
	ErrTimeout           = errors.New("read timeout")
	ErrCancelled         = errors.New("cancelled")
	ErrReadInProgress    = errors.New("read already in progress")
)

var (
	ErrCacheIO          = errors.New("cache i/o error")
	ErrCacheNotWritable = errors.New("cache storage not writable")
	ErrNotCached        = errors.New("document not cached")
	ErrNoDocumentID     = errors.New("document has no id")
)
