// Package fakedio provides a fake DIO document server for testing purposes.
// It speaks the DIO line protocol over plain TCP, one request per
// connection, and over WebSocket, one request message per socket.
//
// The WebSocket server is implemented using the `gws` library.
//
// Requests are served from an in-memory document store with checkout locks,
// versions and update logs. To exercise error paths, stub responses can
// replace the store's answer for an opcode, and failure configurations
// delay, drop, hang or truncate responses.
package fakedio

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/lxzan/gws"

	"github.com/gsautter/goldengate-server-docs-sub000/pkg/codec"
	"github.com/gsautter/goldengate-server-docs-sub000/pkg/constants"
	"github.com/gsautter/goldengate-server-docs-sub000/pkg/models"
)

// FailureType represents the type of failure to inject during request processing
type FailureType string

const stopTimeout = 5 * time.Second

const (
	// FailureNone indicates no failure injection
	FailureNone FailureType = "none"
	// FailureRequestDelay delays the response by Delay
	FailureRequestDelay FailureType = "request_delay"
	// FailureDropConnection closes the connection without responding
	FailureDropConnection FailureType = "drop_connection"
	// FailureHang never responds; the connection stays open until the client closes it
	FailureHang FailureType = "hang"
	// FailurePartialMessage sends only the first half of the response, then closes
	FailurePartialMessage FailureType = "partial_message"
)

// FailureConfig defines how to fail a response.
type FailureConfig struct {
	Type  FailureType
	Delay time.Duration
}

// Request is a parsed protocol request as received by the server.
type Request struct {
	Op      string
	Session string
	// Args are the opcode specific lines. For UPLOAD and UPDATE these are the
	// unit count, the name, the id mode and the serialized body.
	Args []string
}

// StubResponse replaces the server's answer to every request with opcode Op
// for which Matcher, if set, returns true. Response is written verbatim.
type StubResponse struct {
	Op       string
	Matcher  func(req Request) bool
	Response string
	Failures []FailureConfig
}

// SimpleStubResponse answers op with the raw response text.
func SimpleStubResponse(op, response string) StubResponse {
	return StubResponse{Op: op, Response: response}
}

// FailingStubResponse applies failures to the store's answers for op.
func FailingStubResponse(op string, failures ...FailureConfig) StubResponse {
	return StubResponse{Op: op, Failures: failures}
}

type Option func(s *Server)

func WithDocumentCodec(dc codec.DocumentCodec) Option {
	return func(s *Server) {
		s.docCodec = dc
	}
}

func WithListCodec(lc codec.ListCodec) Option {
	return func(s *Server) {
		s.listCodec = lc
	}
}

// Server is a fake DIO server. Both listeners bind to random local ports.
type Server struct {
	tcpListener net.Listener
	wsListener  net.Listener
	upgrader    *gws.Upgrader
	httpServer  *http.Server
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	docCodec  codec.DocumentCodec
	listCodec codec.ListCodec

	mu             sync.Mutex
	stubResponses  []StubResponse
	globalFailures []FailureConfig
	requests       []Request
	store          *store
}

// Handler implements the gws.Handler interface for WebSocket connections
type Handler struct {
	server *Server
}

func NewServer(opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		ctx:       ctx,
		cancel:    cancel,
		docCodec:  codec.DefaultDocumentCodec,
		listCodec: codec.DefaultListCodec,
		store:     newStore(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.upgrader = gws.NewUpgrader(&Handler{server: s}, &gws.ServerOption{})
	s.httpServer = &http.Server{
		Handler:           http.HandlerFunc(s.serveWebSocket),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// AddSession registers a valid session id for user.
func (s *Server) AddSession(id, user string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store.sessions[id] = user
}

// AddStubResponse adds a stub. Stubs are matched in the order they were added.
func (s *Server) AddStubResponse(stub StubResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stubResponses = append(s.stubResponses, stub)
}

func (s *Server) ClearStubResponses() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stubResponses = nil
}

// SetGlobalFailures sets failures applied to every response.
func (s *Server) SetGlobalFailures(failures []FailureConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.globalFailures = failures
}

// Requests returns every request received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Count returns how many requests with opcode op were received.
func (s *Server) Count(op string) int {
	n := 0
	for _, r := range s.Requests() {
		if r.Op == op {
			n++
		}
	}
	return n
}

// PutDocument stores doc as a new version written by user, without a lock.
func (s *Server) PutDocument(doc *models.Document, user string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.store.entry(doc.ID)
	return e.storeVersion(doc, doc.Name(), user)
}

// Document returns the latest version of a document.
func (s *Server) Document(id string) (*models.Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.store.docs[id]
	if !ok || e.deleted {
		return nil, false
	}
	return e.latest().Clone(), true
}

// CheckoutUser returns the user holding the lock on a document, or "".
func (s *Server) CheckoutUser(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.store.docs[id]; ok {
		return e.checkoutUser
	}
	return ""
}

func (s *Server) SetCheckoutUser(id, user string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.store.docs[id]; ok {
		e.checkoutUser = user
	}
}

// Start binds the TCP and WebSocket listeners and starts serving.
func (s *Server) Start() error {
	var lc net.ListenConfig
	tl, err := lc.Listen(s.ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	wl, err := lc.Listen(s.ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		tl.Close()
		return err
	}
	s.tcpListener, s.wsListener = tl, wl

	s.wg.Add(2)
	go s.acceptLoop()
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(wl); !errors.Is(err, http.ErrServerClosed) && !isClosedError(err) {
			log.Printf("fakedio: websocket listener: %v", err)
		}
	}()
	return nil
}

// Stop closes both listeners. Hanging connections are released.
func (s *Server) Stop() error {
	s.cancel()
	var errs []error
	if s.tcpListener != nil {
		errs = append(errs, s.tcpListener.Close())
	}
	if s.wsListener != nil {
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		errs = append(errs, s.httpServer.Shutdown(ctx))
		cancel()
	}
	s.wg.Wait()
	return errors.Join(errs...)
}

// TCPURL is the address of the TCP transport, as tcp://host:port.
func (s *Server) TCPURL() *url.URL {
	return &url.URL{Scheme: "tcp", Host: s.tcpListener.Addr().String()}
}

// WebSocketURL is the base address of the WebSocket transport.
func (s *Server) WebSocketURL() *url.URL {
	return &url.URL{Scheme: "ws", Host: s.wsListener.Addr().String()}
}

// serveWebSocket upgrades the request and runs the socket until the peer
// or Stop closes it. Upgraded connections are no longer tracked by the HTTP
// server, so the wait group covers them.
func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	s.wg.Add(1)
	defer s.wg.Done()

	socket, err := s.upgrader.Upgrade(w, r)
	if err != nil {
		if !isClosedError(err) {
			log.Printf("fakedio: websocket upgrade: %v", err)
		}
		return
	}
	stop := context.AfterFunc(s.ctx, func() {
		socket.NetConn().Close()
	})
	defer stop()
	socket.ReadLoop()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.tcpListener.Accept()
		if err != nil {
			if !isClosedError(err) {
				log.Printf("fakedio: accept: %v", err)
			}
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveTCP(conn)
		}()
	}
}

func (s *Server) serveTCP(conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(s.ctx, func() {
		conn.Close()
	})
	defer stop()

	resp, failures := s.handle(bufio.NewReader(conn))
	for _, f := range failures {
		switch f.Type {
		case FailureRequestDelay:
			if !s.sleep(f.Delay) {
				return
			}
		case FailureDropConnection:
			return
		case FailureHang:
			io.Copy(io.Discard, conn)
			return
		case FailurePartialMessage:
			resp = resp[:len(resp)/2]
		}
	}
	conn.Write(resp)
}

func (h *Handler) OnOpen(socket *gws.Conn) {}

func (h *Handler) OnClose(socket *gws.Conn, err error) {}

func (h *Handler) OnPing(socket *gws.Conn, payload []byte) {
	if err := socket.WritePong(payload); err != nil {
		log.Printf("fakedio: writing pong: %v", err)
	}
}

func (h *Handler) OnPong(socket *gws.Conn, payload []byte) {}

func (h *Handler) OnMessage(socket *gws.Conn, message *gws.Message) {
	defer message.Close()

	s := h.server
	resp, failures := s.handle(bufio.NewReader(bytes.NewReader(message.Bytes())))
	for _, f := range failures {
		switch f.Type {
		case FailureRequestDelay:
			if !s.sleep(f.Delay) {
				return
			}
		case FailureDropConnection:
			socket.NetConn().Close()
			return
		case FailureHang:
			return
		case FailurePartialMessage:
			resp = resp[:len(resp)/2]
		}
	}
	if err := socket.WriteMessage(gws.OpcodeText, resp); err != nil {
		log.Printf("fakedio: writing response: %v", err)
		return
	}
	socket.WriteClose(constants.CloseMessageCode, nil)
}

func (s *Server) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// handle parses one request and returns the response with the failures to
// apply to it.
func (s *Server) handle(r *bufio.Reader) ([]byte, []FailureConfig) {
	req, err := s.readRequest(r)
	if err != nil {
		return nil, []FailureConfig{{Type: FailureDropConnection}}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)

	failures := append([]FailureConfig(nil), s.globalFailures...)
	for _, stub := range s.stubResponses {
		if stub.Op != req.Op || (stub.Matcher != nil && !stub.Matcher(req)) {
			continue
		}
		failures = append(failures, stub.Failures...)
		if stub.Response != "" {
			return []byte(stub.Response), failures
		}
		break
	}
	return s.respond(req), failures
}

func (s *Server) readRequest(r *bufio.Reader) (Request, error) {
	var req Request
	readLine := func() (string, error) {
		line, err := r.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			return "", err
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	op, err := readLine()
	if err != nil {
		return req, err
	}
	req.Op = op

	first, err := readLine()
	if err != nil {
		return req, err
	}
	// The anonymous list sends its filter where others send the session.
	if op == constants.OpList && (first == "" || strings.Contains(first, "=")) {
		req.Args = []string{first}
		return req, nil
	}
	req.Session = first

	n := 1
	if op == constants.OpUpload || op == constants.OpUpdate {
		n = 4
	}
	for i := 0; i < n; i++ {
		arg, err := readLine()
		if err != nil {
			return req, err
		}
		req.Args = append(req.Args, arg)
	}
	if n > 1 {
		// blank line after the body
		readLine()
	}
	return req, nil
}

func isClosedError(err error) bool {
	return err == nil || errors.Is(err, net.ErrClosed) || strings.HasSuffix(err.Error(), "use of closed network connection")
}
