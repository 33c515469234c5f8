// Package client speaks the DIO line protocol.
//
// Every call opens its own connection, writes one request and reads the
// response. The first response line echoes the opcode on success. Anything
// else is either the duplicate external identifier sentinel or a complete
// error message.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/gsautter/goldengate-server-docs-sub000/pkg/codec"
	"github.com/gsautter/goldengate-server-docs-sub000/pkg/connection"
	"github.com/gsautter/goldengate-server-docs-sub000/pkg/constants"
	"github.com/gsautter/goldengate-server-docs-sub000/pkg/logger"
	"github.com/gsautter/goldengate-server-docs-sub000/pkg/models"
)

type Option func(c *Client)

func WithLogger(l logger.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithDocumentCodec sets the body codec. It must write a single line.
func WithDocumentCodec(dc codec.DocumentCodec) Option {
	return func(c *Client) {
		c.docCodec = dc
	}
}

func WithListCodec(lc codec.ListCodec) Option {
	return func(c *Client) {
		c.listCodec = lc
	}
}

type Client struct {
	provider  connection.Provider
	docCodec  codec.DocumentCodec
	listCodec codec.ListCodec
	logger    logger.Logger
}

func New(provider connection.Provider, opts ...Option) *Client {
	c := &Client{
		provider:  provider,
		docCodec:  codec.DefaultDocumentCodec,
		listCodec: codec.DefaultListCodec,
		logger:    logger.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) IsLoggedIn() bool {
	return c.provider.IsLoggedIn()
}

// DocumentCodec returns the codec used for request and response bodies.
func (c *Client) DocumentCodec() codec.DocumentCodec {
	return c.docCodec
}

// exchange is a single request and response on its own connection.
type exchange struct {
	ctx  context.Context
	id   string
	op   string
	conn connection.Connection
	stop func() bool
	log  logger.Logger
}

// begin connects and writes the opcode line, followed by the session line
// unless anonymous is set.
func (c *Client) begin(ctx context.Context, op string, anonymous bool) (*exchange, error) {
	session := ""
	if !anonymous {
		if !c.provider.IsLoggedIn() {
			return nil, constants.ErrNotAuthenticated
		}
		session = c.provider.SessionID()
	}

	conn, err := c.provider.Connect(ctx)
	if err != nil {
		return nil, transportError(ctx, err)
	}
	conn = connection.Once(conn)

	ex := &exchange{
		ctx:  ctx,
		id:   ulid.Make().String(),
		op:   op,
		conn: conn,
		log:  c.logger,
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: %v", constants.ErrServerUnreachable, err)
		}
	}
	ex.stop = context.AfterFunc(ctx, func() {
		conn.Close()
	})
	ex.log.Debug("dio request", "op", op, "requestId", ex.id)

	lines := []string{op}
	if !anonymous {
		lines = append(lines, session)
	}
	if err := ex.write(lines...); err != nil {
		ex.close()
		return nil, err
	}
	return ex, nil
}

func (ex *exchange) close() {
	ex.stop()
	ex.conn.Close()
}

func (ex *exchange) write(lines ...string) error {
	w := ex.conn.Writer()
	for _, line := range lines {
		if _, err := w.WriteString(line); err != nil {
			return transportError(ex.ctx, err)
		}
		if err := w.WriteByte('\n'); err != nil {
			return transportError(ex.ctx, err)
		}
	}
	return nil
}

func (ex *exchange) flush() error {
	if err := ex.conn.Writer().Flush(); err != nil {
		return transportError(ex.ctx, err)
	}
	return nil
}

func (ex *exchange) readLine() (string, error) {
	line, err := ex.conn.Reader().ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		if err == io.EOF {
			return "", fmt.Errorf("%w: connection closed by server", constants.ErrServerUnreachable)
		}
		return "", transportError(ex.ctx, err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// status reads the first response line and checks it against the opcode.
func (ex *exchange) status(lc codec.ListCodec) error {
	line, err := ex.readLine()
	if err != nil {
		return err
	}
	switch line {
	case ex.op:
		return nil
	case constants.DuplicateExternalIdentifier:
		return ex.conflict(lc)
	}
	ex.log.Debug("dio request failed", "op", ex.op, "requestId", ex.id, "message", line)
	return &RemoteError{Op: ex.op, Message: line}
}

func (ex *exchange) conflict(lc codec.ListCodec) error {
	msg, err := ex.readLine()
	if err != nil {
		return fmt.Errorf("%w: truncated conflict report: %v", constants.ErrProtocol, err)
	}
	id, err := ex.readLine()
	if err != nil {
		return fmt.Errorf("%w: truncated conflict report: %v", constants.ErrProtocol, err)
	}
	docs, err := lc.DecodeList(ex.conn.Reader())
	if err != nil {
		return fmt.Errorf("%w: bad conflict list: %v", constants.ErrProtocol, err)
	}
	return &ConflictError{Message: msg, ConflictingID: id, Documents: docs}
}

// logLines reads free text lines until the server closes the stream.
func (ex *exchange) logLines() ([]string, error) {
	lines := []string{}
	r := ex.conn.Reader()
	for {
		line, err := r.ReadString('\n')
		if line != "" {
			lines = append(lines, strings.TrimRight(line, "\r\n"))
		}
		if err == io.EOF {
			return lines, nil
		}
		if err != nil {
			return lines, transportError(ex.ctx, err)
		}
	}
}

// FilterLine encodes a list filter as name=value pairs joined by &. A value
// spanning several lines stands for several alternatives.
func FilterLine(filter map[string]string) string {
	names := make([]string, 0, len(filter))
	for name := range filter {
		names = append(names, name)
	}
	sort.Strings(names)

	var pairs []string
	for _, name := range names {
		for _, alt := range strings.FieldsFunc(filter[name], func(r rune) bool { return r == '\n' || r == '\r' }) {
			if alt = strings.TrimSpace(alt); alt != "" {
				pairs = append(pairs, name+"="+url.QueryEscape(alt))
			}
		}
	}
	return strings.Join(pairs, "&")
}

// List returns the documents visible to the session, restricted by filter.
func (c *Client) List(ctx context.Context, filter map[string]string) (*models.DocumentList, error) {
	return c.list(ctx, filter, false)
}

// ListShared is the anonymous list variant served to read only consumers.
// It sends no session line.
func (c *Client) ListShared(ctx context.Context, filter map[string]string) (*models.DocumentList, error) {
	return c.list(ctx, filter, true)
}

func (c *Client) list(ctx context.Context, filter map[string]string, anonymous bool) (*models.DocumentList, error) {
	ex, err := c.begin(ctx, constants.OpList, anonymous)
	if err != nil {
		return nil, err
	}
	defer ex.close()

	if err := ex.write(FilterLine(filter)); err != nil {
		return nil, err
	}
	if err := ex.flush(); err != nil {
		return nil, err
	}
	if err := ex.status(c.listCodec); err != nil {
		return nil, err
	}
	dl, err := c.listCodec.DecodeList(ex.conn.Reader())
	if err != nil {
		if errors.Is(err, constants.ErrProtocol) {
			return nil, err
		}
		return nil, transportError(ctx, err)
	}
	return dl, nil
}

// Upload stores a new document.
func (c *Client) Upload(ctx context.Context, doc *models.Document, name string, mode constants.IDMode) ([]string, error) {
	return c.store(ctx, constants.OpUpload, doc, name, mode)
}

// Update stores a new version of a document checked out by the session.
func (c *Client) Update(ctx context.Context, doc *models.Document, name string, mode constants.IDMode) ([]string, error) {
	return c.store(ctx, constants.OpUpdate, doc, name, mode)
}

func (c *Client) store(ctx context.Context, op string, doc *models.Document, name string, mode constants.IDMode) ([]string, error) {
	var body bytes.Buffer
	if err := c.docCodec.Encode(&body, doc); err != nil {
		return nil, err
	}
	if bytes.ContainsAny(body.Bytes(), "\r\n") {
		return nil, fmt.Errorf("%w: serialized document %q spans several lines", constants.ErrProtocol, doc.ID)
	}

	ex, err := c.begin(ctx, op, false)
	if err != nil {
		return nil, err
	}
	defer ex.close()

	if err := ex.write(strconv.Itoa(doc.Size()), name, string(mode), body.String(), ""); err != nil {
		return nil, err
	}
	if err := ex.flush(); err != nil {
		return nil, err
	}
	if err := ex.status(c.listCodec); err != nil {
		return nil, err
	}
	return ex.logLines()
}

// Delete removes a document from the server.
func (c *Client) Delete(ctx context.Context, id string) ([]string, error) {
	return c.simple(ctx, constants.OpDelete, id)
}

// UpdateLog returns the server side processing log of the latest update or
// deletion of a document.
func (c *Client) UpdateLog(ctx context.Context, id string) ([]string, error) {
	return c.simple(ctx, constants.OpLog, id)
}

// Release gives up the session's lock on a document.
func (c *Client) Release(ctx context.Context, id string) error {
	_, err := c.simple(ctx, constants.OpRelease, id)
	return err
}

func (c *Client) simple(ctx context.Context, op, id string) ([]string, error) {
	ex, err := c.begin(ctx, op, false)
	if err != nil {
		return nil, err
	}
	defer ex.close()

	if err := ex.write(id); err != nil {
		return nil, err
	}
	if err := ex.flush(); err != nil {
		return nil, err
	}
	if err := ex.status(c.listCodec); err != nil {
		return nil, err
	}
	return ex.logLines()
}
