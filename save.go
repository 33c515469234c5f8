package dio

import (
	"context"

	"github.com/google/uuid"

	"github.com/gsautter/goldengate-server-docs-sub000/pkg/constants"
	"github.com/gsautter/goldengate-server-docs-sub000/pkg/models"
)

// SaveResult describes a successful save.
type SaveResult struct {
	ID string
	// Uploaded is set when the document was new to the server.
	Uploaded bool
	Cached   bool
	Log      []string
}

// SaveError is a failed save. Cached tells whether the edits are safe in the
// local cache, to be forwarded on the next session start.
type SaveError struct {
	Err    error
	Cached bool
}

func (e *SaveError) Error() string {
	if e.Cached {
		return e.Err.Error() + " (changes kept in local cache)"
	}
	return e.Err.Error() + " (changes not saved)"
}

func (e *SaveError) Unwrap() error {
	return e.Err
}

// Save writes doc to the cache, then to the server. A document without an id
// gets a fresh one and is uploaded, any other is updated. Conflicts are never
// resolved here: they come back as a *SaveError wrapping the
// *client.ConflictError, and the caller decides whether to retry with
// IDModeIgnore.
func (co *Coordinator) Save(ctx context.Context, doc *models.Document, name string, mode constants.IDMode) (*SaveResult, error) {
	c := co.Cache()
	if c == nil && !co.online() {
		return nil, &SaveError{Err: constants.ErrNotAuthenticated}
	}

	isNew := doc.ID == ""
	if isNew {
		doc.ID = uuid.NewString()
		doc.SetAttribute(constants.DocumentIDAttribute, doc.ID)
	}
	if name == "" {
		name = doc.Name()
	}
	result := &SaveResult{ID: doc.ID, Uploaded: isNew}

	if c != nil {
		if err := c.StoreDocument(doc, name); err != nil {
			co.logger.Warn("caching document failed", "docId", doc.ID, "error", err)
		} else {
			result.Cached = true
			if isNew {
				// Not opened through Open, but in use all the same.
				c.MarkOpen(doc.ID)
			}
		}
	}

	var (
		lines []string
		err   error
	)
	if isNew {
		lines, err = co.remote.Upload(ctx, doc, name, mode)
	} else {
		lines, err = co.remote.Update(ctx, doc, name, mode)
	}
	if err != nil {
		co.logger.Warn("saving document to server failed", "docId", doc.ID, "cached", result.Cached, "error", err)
		return nil, &SaveError{Err: err, Cached: result.Cached}
	}
	result.Log = lines

	if result.Cached {
		if err := c.MarkNotDirty(doc.ID); err != nil {
			co.logger.Warn("clearing dirty flag failed", "docId", doc.ID, "error", err)
		}
	}
	co.logger.Info("document saved", "docId", doc.ID, "name", name)
	return result, nil
}
