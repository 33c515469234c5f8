package cache

import (
	"context"

	"github.com/gsautter/goldengate-server-docs-sub000/pkg/constants"
	"github.com/gsautter/goldengate-server-docs-sub000/pkg/models"
)

// Remote is the part of the protocol client the reconciliation sweeps use.
type Remote interface {
	Update(ctx context.Context, doc *models.Document, name string, mode constants.IDMode) ([]string, error)
	Release(ctx context.Context, id string) error
}

// SweepReport lists the entries a sweep handled and the ones it failed on.
type SweepReport struct {
	Processed []string
	Failed    []string
}

// Flush uploads every dirty entry and marks it clean. Failures are logged and
// the sweep goes on with the next entry.
func (c *Cache) Flush(ctx context.Context, remote Remote) SweepReport {
	c.mu.Lock()
	defer c.mu.Unlock()

	var report SweepReport
	for _, id := range c.ids() {
		rec := c.entries[id]
		name := rec.Value(constants.DocumentNameAttribute)
		if name == "" || !c.flag(id, dirtyColumn) {
			continue
		}
		doc, err := c.load(id)
		if err != nil {
			c.logger.Warn("flush: loading cached document failed", "docId", id, "error", err)
			report.Failed = append(report.Failed, id)
			continue
		}
		lines, err := remote.Update(ctx, doc, name, constants.IDModeCheck)
		if err != nil {
			c.logger.Warn("flush: uploading cached document failed", "docId", id, "error", err)
			report.Failed = append(report.Failed, id)
			continue
		}
		c.logger.Info("flush: cached document uploaded", "docId", id, "scope", c.scope.String(), "log", lines)
		if err := c.setFlag(id, dirtyColumn, false); err != nil {
			c.logger.Warn("flush: clearing dirty flag failed", "docId", id, "error", err)
		}
		report.Processed = append(report.Processed, id)
	}
	return report
}

// Cleanup releases the server lock of every entry that is neither pinned nor
// open, and evicts the entries whose release succeeded.
func (c *Cache) Cleanup(ctx context.Context, remote Remote) SweepReport {
	c.mu.Lock()
	defer c.mu.Unlock()

	var report SweepReport
	for _, id := range c.ids() {
		if c.flag(id, pinColumn) || c.open.Contains(id) {
			continue
		}
		if err := remote.Release(ctx, id); err != nil {
			c.logger.Warn("cleanup: releasing cached document failed", "docId", id, "error", err)
			report.Failed = append(report.Failed, id)
			continue
		}
		if err := c.unstore(id); err != nil {
			c.logger.Warn("cleanup: evicting cached document failed", "docId", id, "error", err)
			report.Failed = append(report.Failed, id)
			continue
		}
		report.Processed = append(report.Processed, id)
	}
	return report
}
