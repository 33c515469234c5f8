// Package dio checks documents out of a GoldenGATE DIO document server for
// editing, and keeps working while the server is out of reach.
//
// # Layers
//
// The [github.com/gsautter/goldengate-server-docs-sub000/pkg/client] package
// speaks the line protocol. Each call opens one connection from a
// [github.com/gsautter/goldengate-server-docs-sub000/pkg/connection.Provider],
// over plain TCP or over WebSocket.
//
// The [github.com/gsautter/goldengate-server-docs-sub000/pkg/cache] package
// keeps local copies of checked out documents per user and server, tracking
// which of them hold edits the server has not seen yet.
//
// The [Coordinator] combines both. [Coordinator.Open] prefers the cached copy,
// [Coordinator.Save] writes to the cache before it writes to the server, and
// [Coordinator.StartSession] forwards cached edits once a session is back.
//
// # Conflicts
//
// Saving a document whose external identifier is used by another document
// fails with a [SaveError] wrapping a [client.ConflictError]. Nothing is
// overwritten until the caller saves again with [constants.IDModeIgnore].
//
// # Timeouts
//
// Document bodies are read through a
// [github.com/gsautter/goldengate-server-docs-sub000/pkg/timeoutreader.Reader].
// A read that stalls longer than the configured timeout fails with
// [constants.ErrTimeout], a cancelled context with [constants.ErrCancelled].
// Either way the lock taken by the checkout is released again.
//
// [client.ConflictError]: https://pkg.go.dev/github.com/gsautter/goldengate-server-docs-sub000/pkg/client#ConflictError
// [constants.IDModeIgnore]: https://pkg.go.dev/github.com/gsautter/goldengate-server-docs-sub000/pkg/constants#IDModeIgnore
// [constants.ErrTimeout]: https://pkg.go.dev/github.com/gsautter/goldengate-server-docs-sub000/pkg/constants#ErrTimeout
// [constants.ErrCancelled]: https://pkg.go.dev/github.com/gsautter/goldengate-server-docs-sub000/pkg/constants#ErrCancelled
package dio
