// Package tcp provides a Provider that opens one TCP connection per exchange.
package tcp

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/gsautter/goldengate-server-docs-sub000/pkg/connection"
	"github.com/gsautter/goldengate-server-docs-sub000/pkg/constants"
)

type Provider struct {
	*connection.Session
	address string
	dialer  net.Dialer
}

// New expects the server address in the host part of cfg.URL, as in
// tcp://localhost:8900.
func New(cfg *connection.Config) *Provider {
	session := cfg.Session
	if session == nil {
		session = connection.NewSession("")
	}
	return &Provider{
		Session: session,
		address: cfg.URL.Host,
		dialer:  net.Dialer{Timeout: cfg.DialTimeout},
	}
}

func (p *Provider) Connect(ctx context.Context) (connection.Connection, error) {
	nc, err := p.dialer.DialContext(ctx, "tcp", p.address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", constants.ErrServerUnreachable, err)
	}
	return &conn{
		nc: nc,
		r:  bufio.NewReader(nc),
		w:  bufio.NewWriter(nc),
	}, nil
}

type conn struct {
	nc net.Conn
	r  *bufio.Reader
	w  *bufio.Writer
}

func (c *conn) Writer() *bufio.Writer { return c.w }

func (c *conn) Reader() *bufio.Reader { return c.r }

func (c *conn) SetDeadline(t time.Time) error {
	return c.nc.SetDeadline(t)
}

func (c *conn) Close() error {
	return c.nc.Close()
}
