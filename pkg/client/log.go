package client

import (
	"context"
	"fmt"
	"time"

	"github.com/gsautter/goldengate-server-docs-sub000/pkg/constants"
)

// FollowUpdateLog polls the update log of a document until the server reports
// that processing finished. fn receives the whole log whenever it grew.
func (c *Client) FollowUpdateLog(ctx context.Context, id string, interval time.Duration, fn func(lines []string)) error {
	if interval <= 0 {
		interval = constants.DefaultLogInterval
	}
	seen := -1
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		lines, err := c.UpdateLog(ctx, id)
		if err != nil {
			return err
		}
		if len(lines) != seen {
			seen = len(lines)
			fn(lines)
		}
		if n := len(lines); n > 0 && (lines[n-1] == constants.UpdateComplete || lines[n-1] == constants.DeletionComplete) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", constants.ErrCancelled, ctx.Err())
		case <-ticker.C:
		}
	}
}
