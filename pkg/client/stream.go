package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"unicode/utf8"

	"github.com/gsautter/goldengate-server-docs-sub000/pkg/constants"
	"github.com/gsautter/goldengate-server-docs-sub000/pkg/models"
	"github.com/gsautter/goldengate-server-docs-sub000/pkg/timeoutreader"
)

// DocumentStream is the counted body of a FETCH or CHECKOUT response. It
// yields exactly Length characters and then io.EOF. A stream cut short by the
// server fails with ErrServerUnreachable. The stream owns its connection;
// Close releases it.
type DocumentStream struct {
	ID      string
	Version int
	Length  int

	ex        *exchange
	tr        *timeoutreader.Reader
	src       *bufio.Reader
	remaining int
	pending   []byte
	err       error
}

// Fetch opens a read only copy of a document version.
func (c *Client) Fetch(ctx context.Context, id string, version int, opts ...timeoutreader.Option) (*DocumentStream, error) {
	return c.stream(ctx, constants.OpFetch, id, version, opts)
}

// Checkout locks the document for the session and opens it.
func (c *Client) Checkout(ctx context.Context, id string, version int, opts ...timeoutreader.Option) (*DocumentStream, error) {
	return c.stream(ctx, constants.OpCheckout, id, version, opts)
}

func (c *Client) stream(ctx context.Context, op, id string, version int, opts []timeoutreader.Option) (*DocumentStream, error) {
	ex, err := c.begin(ctx, op, false)
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			ex.close()
		}
	}()

	if err := ex.write(models.VersionedID(id, version)); err != nil {
		return nil, err
	}
	if err := ex.flush(); err != nil {
		return nil, err
	}
	if err := ex.status(c.listCodec); err != nil {
		return nil, err
	}
	countLine, err := ex.readLine()
	if err != nil {
		return nil, err
	}
	length, err := strconv.Atoi(countLine)
	if err != nil || length < 0 {
		return nil, fmt.Errorf("%w: bad character count %q", constants.ErrProtocol, countLine)
	}

	// From here the timeout reader observes ctx, and closes the connection
	// itself on cancellation.
	ex.stop()
	tr := timeoutreader.New(ctx, &connSource{ex: ex}, append([]timeoutreader.Option{timeoutreader.WithLogger(c.logger)}, opts...)...)
	ok = true
	return &DocumentStream{
		ID:        id,
		Version:   version,
		Length:    length,
		ex:        ex,
		tr:        tr,
		src:       bufio.NewReader(tr),
		remaining: length,
	}, nil
}

// connSource reads the rest of a response and closes the connection.
type connSource struct {
	ex *exchange
}

func (s *connSource) Read(p []byte) (int, error) {
	return s.ex.conn.Reader().Read(p)
}

func (s *connSource) Close() error {
	return s.ex.conn.Close()
}

func (s *DocumentStream) Read(p []byte) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	n := 0
	for n < len(p) {
		if len(s.pending) > 0 {
			c := copy(p[n:], s.pending)
			s.pending = s.pending[c:]
			n += c
			continue
		}
		if s.remaining == 0 {
			if n == 0 {
				return 0, io.EOF
			}
			break
		}
		// Hand out what we have instead of blocking for more.
		if n > 0 && s.src.Buffered() == 0 {
			break
		}
		r, size, err := s.src.ReadRune()
		if err != nil {
			s.err = s.failure(err)
			if n > 0 {
				return n, nil
			}
			return 0, s.err
		}
		s.remaining--
		raw := utf8.AppendRune(nil, r)
		if r == utf8.RuneError && size == 1 {
			// Invalid byte: pass it through as sent.
			_ = s.src.UnreadRune()
			b, _ := s.src.ReadByte()
			raw = []byte{b}
		}
		c := copy(p[n:], raw)
		n += c
		s.pending = raw[c:]
	}
	return n, nil
}

func (s *DocumentStream) failure(err error) error {
	if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: body ended after %d of %d characters", constants.ErrServerUnreachable, s.Length-s.remaining, s.Length)
	}
	return transportError(s.ex.ctx, err)
}

// Close releases the connection. It is safe to call more than once.
func (s *DocumentStream) Close() error {
	s.tr.Close()
	return s.ex.conn.Close()
}

// FetchDocument fetches and decodes a document version.
func (c *Client) FetchDocument(ctx context.Context, id string, version int, opts ...timeoutreader.Option) (*models.Document, error) {
	return c.decode(c.Fetch(ctx, id, version, opts...))
}

// CheckoutDocument checks out and decodes a document version.
func (c *Client) CheckoutDocument(ctx context.Context, id string, version int, opts ...timeoutreader.Option) (*models.Document, error) {
	return c.decode(c.Checkout(ctx, id, version, opts...))
}

func (c *Client) decode(s *DocumentStream, err error) (*models.Document, error) {
	if err != nil {
		return nil, err
	}
	defer s.Close()

	doc, err := c.docCodec.Decode(s)
	if err != nil {
		if s.err != nil {
			return nil, s.err
		}
		return nil, fmt.Errorf("%w: %v", constants.ErrProtocol, err)
	}
	if doc.ID == "" {
		doc.ID = s.ID
	}
	return doc, nil
}
