package dio

import (
	"time"

	"github.com/gsautter/goldengate-server-docs-sub000/pkg/codec"
	"github.com/gsautter/goldengate-server-docs-sub000/pkg/logger"
)

type Option func(co *Coordinator)

func WithLogger(l logger.Logger) Option {
	return func(co *Coordinator) {
		co.logger = l
	}
}

// WithCacheRoot enables the local cache below root. Each session scope gets
// its own directory there.
func WithCacheRoot(root string) Option {
	return func(co *Coordinator) {
		co.cacheRoot = root
	}
}

// WithReadTimeout bounds each read of a checked out document body. Zero
// disables the bound.
func WithReadTimeout(d time.Duration) Option {
	return func(co *Coordinator) {
		co.readTimeout = d
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(co *Coordinator) {
		co.pollInterval = d
	}
}

// WithProgress registers a hook called with the byte count read so far while
// a document body is being received.
func WithProgress(fn func(read int64)) Option {
	return func(co *Coordinator) {
		co.progress = fn
	}
}

// WithCodec sets the codec of cached document content.
func WithCodec(dc codec.DocumentCodec) Option {
	return func(co *Coordinator) {
		co.codec = dc
	}
}
