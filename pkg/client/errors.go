package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/gsautter/goldengate-server-docs-sub000/pkg/constants"
	"github.com/gsautter/goldengate-server-docs-sub000/pkg/models"
)

// RemoteError is a failure reported by the server in place of the echoed
// opcode. Message is the server's line, unmodified.
type RemoteError struct {
	Op      string
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// ConflictError reports that the document's external identifier is already
// used by other documents. Retrying with IDModeIgnore overrides the check.
type ConflictError struct {
	Message       string
	ConflictingID string
	Documents     *models.DocumentList
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: %s", e.Message, e.ConflictingID)
}

// ConflictingIDs returns the conflicting id followed by the ids of every
// listed document, without duplicates.
func (e *ConflictError) ConflictingIDs() []string {
	ids := []string{e.ConflictingID}
	if e.Documents == nil {
		return ids
	}
	for _, id := range e.Documents.IDs() {
		if id != e.ConflictingID {
			ids = append(ids, id)
		}
	}
	return ids
}

// transportError classifies a read or write failure on a connection. A
// deadline reported by the socket counts as a timeout even when the
// transport hides the underlying error.
func transportError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, constants.ErrTimeout),
		errors.Is(err, constants.ErrCancelled),
		errors.Is(err, constants.ErrReadInProgress):
		return err
	case errors.Is(ctx.Err(), context.Canceled):
		return fmt.Errorf("%w: %v", constants.ErrCancelled, err)
	case errors.Is(ctx.Err(), context.DeadlineExceeded),
		errors.Is(err, os.ErrDeadlineExceeded),
		isNetTimeout(err):
		return fmt.Errorf("%w: %v", constants.ErrTimeout, err)
	case errors.Is(err, constants.ErrServerUnreachable):
		return err
	}
	return fmt.Errorf("%w: %v", constants.ErrServerUnreachable, err)
}

func isNetTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
