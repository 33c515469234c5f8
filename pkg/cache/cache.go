// Package cache keeps local copies of checked out documents for one scope,
// so work survives periods in which the server is unreachable.
//
// Each scope owns a directory holding MetaData.csv and one <docId>.doc
// content file per entry. Every mutation rewrites the whole metadata file.
// The metadata column set is the union of every key ever stored, so the
// file can only gain columns.
package cache

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/gsautter/goldengate-server-docs-sub000/pkg/codec"
	"github.com/gsautter/goldengate-server-docs-sub000/pkg/constants"
	"github.com/gsautter/goldengate-server-docs-sub000/pkg/logger"
	"github.com/gsautter/goldengate-server-docs-sub000/pkg/models"
)

const (
	dirPermission  = 0o755
	contentSuffix  = ".doc"
	cacheDirectory = "cache"
)

type Option func(c *Cache)

func WithLogger(l logger.Logger) Option {
	return func(c *Cache) {
		c.logger = l
	}
}

// WithCodec sets the codec for content files.
func WithCodec(dc codec.DocumentCodec) Option {
	return func(c *Cache) {
		c.codec = dc
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

type Cache struct {
	mu     sync.Mutex
	scope  Scope
	dir    string
	codec  codec.DocumentCodec
	logger logger.Logger
	now    func() time.Time

	schema  *schema
	entries map[string]*models.Record
	open    mapset.Set[string]
}

// Open binds a cache to scope below root. It fails with ErrCacheNotWritable
// when the scope directory cannot be created or written. Unreadable metadata
// is logged and replaced by an empty cache.
func Open(root string, scope Scope, opts ...Option) (*Cache, error) {
	c := &Cache{
		scope:   scope,
		dir:     filepath.Join(root, cacheDirectory, scope.DirName()),
		codec:   codec.DefaultDocumentCodec,
		logger:  logger.Nop(),
		now:     time.Now,
		entries: make(map[string]*models.Record),
		open:    mapset.NewThreadUnsafeSet[string](),
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := os.MkdirAll(c.dir, dirPermission); err != nil {
		return nil, fmt.Errorf("%w: %v", constants.ErrCacheNotWritable, err)
	}
	probe, err := os.CreateTemp(c.dir, ".probe-*")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", constants.ErrCacheNotWritable, err)
	}
	probe.Close()
	os.Remove(probe.Name())

	s, records, err := readMetadata(c.dir)
	if err != nil {
		c.logger.Warn("discarding unreadable cache metadata", "dir", c.dir, "error", err)
		s, records = newSchema(), nil
	}
	if len(s.columns) == 0 {
		s.extend(listColumns)
	}
	s.extend([]string{pinColumn, dirtyColumn})
	c.schema = s
	for _, rec := range records {
		c.entries[rec.Value(constants.DocumentIDAttribute)] = rec
	}
	c.logger.Debug("document cache opened", "scope", scope.String(), "dir", c.dir, "entries", len(c.entries))
	return c, nil
}

func (c *Cache) Scope() Scope {
	return c.scope
}

// Dir is the scope directory.
func (c *Cache) Dir() string {
	return c.dir
}

func (c *Cache) BelongsTo(scope Scope) bool {
	return c.scope == scope
}

// Columns returns the persisted metadata columns.
func (c *Cache) Columns() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.schema.Columns()
}

func (c *Cache) contentPath(id string) string {
	return filepath.Join(c.dir, url.PathEscape(id)+contentSuffix)
}

// ids returns the entry ids in metadata order.
func (c *Cache) ids() []string {
	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *Cache) persist() error {
	records := make([]*models.Record, 0, len(c.entries))
	for _, id := range c.ids() {
		records = append(records, c.entries[id])
	}
	if err := writeMetadata(c.dir, c.schema, records); err != nil {
		return fmt.Errorf("%w: writing metadata: %v", constants.ErrCacheIO, err)
	}
	return nil
}

// StoreDocument writes the document content and its metadata, and marks the
// entry dirty.
func (c *Cache) StoreDocument(doc *models.Document, name string) error {
	if doc.ID == "" {
		return constants.ErrNoDocumentID
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.writeContent(doc); err != nil {
		return err
	}

	now := strconv.FormatInt(c.now().UnixMilli(), 10)
	rec, ok := c.entries[doc.ID]
	if !ok {
		rec = models.NewRecord()
	}
	// Document attributes first, so the fixed fields below take precedence.
	attrs := make([]string, 0, len(doc.Attributes))
	for k := range doc.Attributes {
		attrs = append(attrs, k)
	}
	sort.Strings(attrs)
	for _, k := range attrs {
		if k == pinColumn || k == dirtyColumn || doc.Attributes[k] == "" {
			continue
		}
		rec.Set(k, doc.Attributes[k])
	}
	rec.Set(constants.DocumentIDAttribute, doc.ID)
	rec.Set(constants.DocumentNameAttribute, name)
	rec.Set(constants.DocumentTitleAttribute, doc.Attribute(constants.DocumentTitleAttribute, name))
	rec.Set(constants.CheckinUserAttribute, doc.Attribute(constants.CheckinUserAttribute, c.scope.User))
	rec.Set(constants.CheckinTimeAttribute, doc.Attribute(constants.CheckinTimeAttribute, now))
	rec.Set(constants.UpdateUserAttribute, c.scope.User)
	rec.Set(constants.UpdateTimeAttribute, now)
	rec.Set(constants.DocumentVersionAttribute, doc.Attribute(constants.DocumentVersionAttribute, "-1"))
	rec.Set(dirtyColumn, dirtyColumn)

	c.entries[doc.ID] = rec
	c.schema.extend(rec.Keys())
	return c.persist()
}

func (c *Cache) writeContent(doc *models.Document) error {
	tmp, err := os.CreateTemp(c.dir, ".content-*")
	if err != nil {
		return fmt.Errorf("%w: %v", constants.ErrCacheIO, err)
	}
	defer os.Remove(tmp.Name())

	if err := c.codec.Encode(tmp, doc); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: storing %s: %v", constants.ErrCacheIO, doc.ID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: storing %s: %v", constants.ErrCacheIO, doc.ID, err)
	}
	if err := os.Rename(tmp.Name(), c.contentPath(doc.ID)); err != nil {
		return fmt.Errorf("%w: storing %s: %v", constants.ErrCacheIO, doc.ID, err)
	}
	return nil
}

// LoadDocument reads a cached document. With raiseOnError unset, failures are
// logged and reported as a nil document without error.
func (c *Cache) LoadDocument(id string, raiseOnError bool) (*models.Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc, err := c.load(id)
	if err != nil {
		c.logger.Warn("loading cached document failed", "docId", id, "error", err)
		if raiseOnError {
			return nil, err
		}
		return nil, nil
	}
	return doc, nil
}

func (c *Cache) load(id string) (*models.Document, error) {
	if _, ok := c.entries[id]; !ok {
		return nil, fmt.Errorf("%w: %s", constants.ErrNotCached, id)
	}
	f, err := os.Open(c.contentPath(id))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", constants.ErrCacheIO, err)
	}
	defer f.Close()

	doc, err := c.codec.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", constants.ErrCacheIO, id, err)
	}
	if doc.ID == "" {
		doc.ID = id
	}
	if doc.Attribute(constants.DocumentIDAttribute, "") == "" {
		doc.SetAttribute(constants.DocumentIDAttribute, id)
	}
	return doc, nil
}

// UnstoreDocument removes an entry and its content.
func (c *Cache) UnstoreDocument(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unstore(id)
}

// unstore drops the entry only once its content file is gone, so a failed
// removal leaves the entry and the metadata file in agreement.
func (c *Cache) unstore(id string) error {
	if err := os.Remove(c.contentPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %v", constants.ErrCacheIO, err)
	}
	c.open.Remove(id)
	delete(c.entries, id)
	return c.persist()
}

func (c *Cache) Contains(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[id]
	return ok
}

func (c *Cache) flag(id, column string) bool {
	rec, ok := c.entries[id]
	return ok && rec.Value(column) == column
}

func (c *Cache) setFlag(id, column string, set bool) error {
	rec, ok := c.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", constants.ErrNotCached, id)
	}
	if set {
		rec.Set(column, column)
	} else {
		rec.Remove(column)
	}
	return c.persist()
}

// MarkExplicitCheckout pins an entry. Pinned entries survive cleanup until
// they are released from the cache explicitly.
func (c *Cache) MarkExplicitCheckout(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setFlag(id, pinColumn, true)
}

func (c *Cache) IsExplicitCheckout(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flag(id, pinColumn)
}

func (c *Cache) IsDirty(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flag(id, dirtyColumn)
}

// MarkNotDirty records that an entry matches the server.
func (c *Cache) MarkNotDirty(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setFlag(id, dirtyColumn, false)
}

func (c *Cache) MarkOpen(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open.Add(id)
}

func (c *Cache) MarkClosed(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open.Remove(id)
}

func (c *Cache) IsOpen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open.Contains(id)
}

// GetDocumentList lists the cached entries from metadata alone.
func (c *Cache) GetDocumentList() *models.DocumentList {
	c.mu.Lock()
	defer c.mu.Unlock()

	dl := models.NewDocumentList(listColumns...)
	for _, id := range c.ids() {
		rec := c.entries[id]
		out := models.NewRecord()
		for _, col := range listColumns {
			if v, ok := rec.Get(col); ok && v != "" {
				out.Set(col, v)
			}
		}
		dl.Add(out)
	}
	dl.Total = dl.Len()
	return dl
}

// Close persists the metadata and drops the in-memory state. The cache must
// not be used afterwards.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.persist()
	c.entries = make(map[string]*models.Record)
	c.open.Clear()
	c.logger.Debug("document cache closed", "scope", c.scope.String())
	return err
}
