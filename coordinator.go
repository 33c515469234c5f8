package dio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gsautter/goldengate-server-docs-sub000/pkg/cache"
	"github.com/gsautter/goldengate-server-docs-sub000/pkg/codec"
	"github.com/gsautter/goldengate-server-docs-sub000/pkg/constants"
	"github.com/gsautter/goldengate-server-docs-sub000/pkg/logger"
	"github.com/gsautter/goldengate-server-docs-sub000/pkg/models"
	"github.com/gsautter/goldengate-server-docs-sub000/pkg/timeoutreader"
)

// Remote is the protocol client as seen by the coordinator. It is satisfied
// by *client.Client.
type Remote interface {
	IsLoggedIn() bool
	List(ctx context.Context, filter map[string]string) (*models.DocumentList, error)
	CheckoutDocument(ctx context.Context, id string, version int, opts ...timeoutreader.Option) (*models.Document, error)
	Upload(ctx context.Context, doc *models.Document, name string, mode constants.IDMode) ([]string, error)
	Update(ctx context.Context, doc *models.Document, name string, mode constants.IDMode) ([]string, error)
	Delete(ctx context.Context, id string) ([]string, error)
	Release(ctx context.Context, id string) error
	UpdateLog(ctx context.Context, id string) ([]string, error)
	FollowUpdateLog(ctx context.Context, id string, interval time.Duration, fn func(lines []string)) error
}

// releaseTimeout bounds the best-effort RELEASE sent after an aborted
// checkout, which runs detached from the caller's context.
const releaseTimeout = 5 * time.Second

type Coordinator struct {
	remote Remote

	mu    sync.Mutex
	cache *cache.Cache

	cacheRoot    string
	readTimeout  time.Duration
	pollInterval time.Duration
	progress     func(read int64)
	codec        codec.DocumentCodec
	logger       logger.Logger
}

// New creates a coordinator on top of remote. Without WithCacheRoot it runs
// in pure remote mode.
func New(remote Remote, opts ...Option) *Coordinator {
	co := &Coordinator{
		remote:       remote,
		readTimeout:  constants.DefaultReadTimeout,
		pollInterval: constants.DefaultPollInterval,
		codec:        codec.DefaultDocumentCodec,
		logger:       logger.Nop(),
	}
	for _, opt := range opts {
		opt(co)
	}
	return co
}

// Cache returns the cache bound to the current session, or nil.
func (co *Coordinator) Cache() *cache.Cache {
	co.mu.Lock()
	defer co.mu.Unlock()
	return co.cache
}

func (co *Coordinator) online() bool {
	return co.remote.IsLoggedIn()
}

// StartSession binds the cache to scope and replays updates cached while the
// server was out of reach. A cache bound to another scope is closed first.
// When the scope's storage is not writable the coordinator carries on without
// a cache.
func (co *Coordinator) StartSession(ctx context.Context, scope cache.Scope) error {
	if !co.online() {
		return constants.ErrNotAuthenticated
	}

	co.mu.Lock()
	if co.cache != nil && !co.cache.BelongsTo(scope) {
		co.logger.Info("closing cache of previous session", "scope", co.cache.Scope().String())
		if err := co.cache.Close(); err != nil {
			co.logger.Warn("closing cache failed", "error", err)
		}
		co.cache = nil
	}
	if co.cache == nil && co.cacheRoot != "" {
		c, err := cache.Open(co.cacheRoot, scope, cache.WithLogger(co.logger), cache.WithCodec(co.codec))
		if err != nil {
			co.logger.Warn("running without local cache", "scope", scope.String(), "error", err)
		} else {
			co.cache = c
		}
	}
	c := co.cache
	co.mu.Unlock()

	if c != nil {
		report := c.Flush(ctx, co.remote)
		co.logger.Info("cache flushed", "scope", scope.String(), "uploaded", len(report.Processed), "failed", len(report.Failed))
	}
	return nil
}

// EndSession releases what the cache no longer needs and closes it.
func (co *Coordinator) EndSession(ctx context.Context) error {
	co.mu.Lock()
	c := co.cache
	co.cache = nil
	co.mu.Unlock()

	if c == nil {
		return nil
	}
	if co.online() {
		co.cleanup(ctx, c)
	}
	return c.Close()
}

// Flush uploads the cached updates that have not reached the server yet.
func (co *Coordinator) Flush(ctx context.Context) (cache.SweepReport, error) {
	c := co.Cache()
	if c == nil {
		return cache.SweepReport{}, constants.ErrNotCached
	}
	if !co.online() {
		return cache.SweepReport{}, constants.ErrNotAuthenticated
	}
	return c.Flush(ctx, co.remote), nil
}

// Cleanup releases and evicts the cached documents that are neither pinned
// nor open. It does nothing while cached updates are still pending.
func (co *Coordinator) Cleanup(ctx context.Context) (cache.SweepReport, error) {
	c := co.Cache()
	if c == nil {
		return cache.SweepReport{}, constants.ErrNotCached
	}
	if !co.online() {
		return cache.SweepReport{}, constants.ErrNotAuthenticated
	}
	return co.cleanup(ctx, c), nil
}

// cleanup only evicts once every dirty entry made it to the server, as
// eviction would otherwise drop the only copy of an edit.
func (co *Coordinator) cleanup(ctx context.Context, c *cache.Cache) cache.SweepReport {
	if flushed := c.Flush(ctx, co.remote); len(flushed.Failed) > 0 {
		co.logger.Warn("cache cleanup skipped, cached updates not yet forwarded to server", "pending", flushed.Failed)
		return cache.SweepReport{}
	}
	report := c.Cleanup(ctx, co.remote)
	if len(report.Processed) > 0 || len(report.Failed) > 0 {
		co.logger.Info("cache cleaned up", "released", len(report.Processed), "failed", len(report.Failed))
	}
	return report
}

func (co *Coordinator) readerOptions() []timeoutreader.Option {
	opts := []timeoutreader.Option{
		timeoutreader.WithTimeout(co.readTimeout),
		timeoutreader.WithPollInterval(co.pollInterval),
		timeoutreader.WithLogger(co.logger),
	}
	if co.progress != nil {
		opts = append(opts, timeoutreader.WithProgress(co.progress))
	}
	return opts
}

// releaseQuietly gives up a lock outside of ctx's lifetime, logging failures.
func (co *Coordinator) releaseQuietly(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := co.remote.Release(ctx, id); err != nil {
		co.logger.Warn("releasing document failed", "docId", id, "error", err)
	}
}

// Open returns a document for editing. A cached copy wins over the server.
// Otherwise the document is checked out, and cached when a cache is bound.
func (co *Coordinator) Open(ctx context.Context, id string, version int, name string) (*models.Document, error) {
	c := co.Cache()
	if c != nil && c.Contains(id) {
		doc, err := c.LoadDocument(id, true)
		if err != nil {
			return nil, err
		}
		c.MarkOpen(id)
		co.logger.Debug("document opened from cache", "docId", id)
		return doc, nil
	}

	if !co.online() {
		if c == nil {
			return nil, constants.ErrNotAuthenticated
		}
		return nil, fmt.Errorf("%w: document %s is not cached", constants.ErrServerUnreachable, id)
	}

	doc, err := co.remote.CheckoutDocument(ctx, id, version, co.readerOptions()...)
	if err != nil {
		if errors.Is(err, constants.ErrTimeout) || errors.Is(err, constants.ErrCancelled) {
			co.releaseQuietly(ctx, id)
		}
		return nil, err
	}
	if name == "" {
		name = doc.Name()
	}
	co.logger.Debug("document checked out", "docId", id, "version", doc.Version())

	if c != nil {
		if err := c.StoreDocument(doc, name); err != nil {
			co.logger.Warn("caching checked out document failed", "docId", id, "error", err)
		} else if err := c.MarkNotDirty(id); err != nil {
			co.logger.Warn("clearing dirty flag failed", "docId", id, "error", err)
		}
		c.MarkOpen(id)
		co.cleanup(ctx, c)
	}
	return doc, nil
}

// Close ends editing. Pinned documents stay cached and locked, as do
// documents whose latest edits only exist in the cache. Anything else is
// evicted and released.
func (co *Coordinator) Close(ctx context.Context, id string) error {
	c := co.Cache()
	if c != nil {
		c.MarkClosed(id)
		if c.IsExplicitCheckout(id) {
			co.logger.Debug("not releasing document, explicitly checked out", "docId", id)
			return nil
		}
		if c.IsDirty(id) {
			co.logger.Info("lock retained, cached updates not yet forwarded to server", "docId", id)
			return nil
		}
		if c.Contains(id) {
			if err := c.UnstoreDocument(id); err != nil {
				return err
			}
		}
	}
	if co.online() {
		if err := co.remote.Release(ctx, id); err != nil {
			co.logger.Warn("releasing document failed", "docId", id, "error", err)
		}
	}
	return nil
}

// CheckoutToCache checks a document out into the cache and pins it there
// until ReleaseFromCache.
func (co *Coordinator) CheckoutToCache(ctx context.Context, id, name string) error {
	c := co.Cache()
	if c == nil {
		return fmt.Errorf("%w: no cache bound", constants.ErrCacheNotWritable)
	}
	if !c.Contains(id) {
		if !co.online() {
			return constants.ErrNotAuthenticated
		}
		doc, err := co.remote.CheckoutDocument(ctx, id, 0, co.readerOptions()...)
		if err != nil {
			if errors.Is(err, constants.ErrTimeout) || errors.Is(err, constants.ErrCancelled) {
				co.releaseQuietly(ctx, id)
			}
			return err
		}
		if name == "" {
			name = doc.Name()
		}
		if err := c.StoreDocument(doc, name); err != nil {
			co.releaseQuietly(ctx, id)
			return err
		}
		if err := c.MarkNotDirty(id); err != nil {
			return err
		}
	}
	return c.MarkExplicitCheckout(id)
}

// ReleaseFromCache evicts a cached document and gives up its lock. Pending
// updates are uploaded first. If that fails the document stays cached, unless
// force is set, in which case the updates are lost.
func (co *Coordinator) ReleaseFromCache(ctx context.Context, id string, force bool) error {
	c := co.Cache()
	if c == nil || !c.Contains(id) {
		return fmt.Errorf("%w: %s", constants.ErrNotCached, id)
	}
	if c.IsDirty(id) {
		if err := co.uploadCached(ctx, c, id); err != nil {
			if !force {
				return err
			}
			co.logger.Warn("discarding cached updates", "docId", id, "error", err)
		}
	}
	if err := c.UnstoreDocument(id); err != nil {
		return err
	}
	if co.online() {
		if err := co.remote.Release(ctx, id); err != nil {
			co.logger.Warn("releasing document failed", "docId", id, "error", err)
		}
	}
	return nil
}

func (co *Coordinator) uploadCached(ctx context.Context, c *cache.Cache, id string) error {
	doc, err := c.LoadDocument(id, true)
	if err != nil {
		return err
	}
	name := doc.Name()
	for _, rec := range c.GetDocumentList().Documents {
		if rec.Value(constants.DocumentIDAttribute) == id {
			name = rec.Value(constants.DocumentNameAttribute)
		}
	}
	if _, err := co.remote.Update(ctx, doc, name, constants.IDModeCheck); err != nil {
		return err
	}
	return c.MarkNotDirty(id)
}

// Delete removes a document from the cache and from the server.
func (co *Coordinator) Delete(ctx context.Context, id string) ([]string, error) {
	if c := co.Cache(); c != nil && c.Contains(id) {
		if err := c.UnstoreDocument(id); err != nil {
			return nil, err
		}
	}
	return co.remote.Delete(ctx, id)
}

// List returns the server's document list with a Cache column marking the
// documents held locally. While offline the cached documents are listed.
func (co *Coordinator) List(ctx context.Context, filter map[string]string) (*models.DocumentList, error) {
	c := co.Cache()
	if co.online() {
		dl, err := co.remote.List(ctx, filter)
		if err != nil {
			return nil, err
		}
		return co.annotate(dl, c), nil
	}
	if c == nil {
		return nil, constants.ErrNotAuthenticated
	}
	return co.annotate(c.GetDocumentList(), c), nil
}

func (co *Coordinator) annotate(dl *models.DocumentList, c *cache.Cache) *models.DocumentList {
	if c == nil {
		return dl
	}
	out := dl
	if !dl.HasField(constants.CacheStatusAttribute) {
		out = dl.WithField(constants.CacheStatusAttribute)
	}
	for _, rec := range out.Documents {
		id := rec.Value(constants.DocumentIDAttribute)
		switch {
		case c.IsExplicitCheckout(id):
			rec.Set(constants.CacheStatusAttribute, constants.CacheStatusLocalized)
		case c.Contains(id):
			rec.Set(constants.CacheStatusAttribute, constants.CacheStatusCached)
		}
	}
	return out
}

func (co *Coordinator) UpdateLog(ctx context.Context, id string) ([]string, error) {
	return co.remote.UpdateLog(ctx, id)
}

// FollowUpdateLog polls the update log of a document until the server
// finished processing it.
func (co *Coordinator) FollowUpdateLog(ctx context.Context, id string, fn func(lines []string)) error {
	return co.remote.FollowUpdateLog(ctx, id, constants.DefaultLogInterval, fn)
}
