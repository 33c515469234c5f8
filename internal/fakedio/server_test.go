package fakedio

import (
	"io"
	"net"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gsautter/goldengate-server-docs-sub000/pkg/constants"
	"github.com/gsautter/goldengate-server-docs-sub000/pkg/models"
)

func startServer(t *testing.T) *Server {
	t.Helper()
	server := NewServer()
	require.NoError(t, server.Start())
	t.Cleanup(func() {
		require.NoError(t, server.Stop())
	})
	server.AddSession("S1", "alice")
	return server
}

func roundTrip(t *testing.T, server *Server, request string) string {
	t.Helper()
	conn, err := net.Dial("tcp", server.TCPURL().Host)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	_, err = io.WriteString(conn, request)
	require.NoError(t, err)
	data, err := io.ReadAll(conn)
	require.NoError(t, err)
	return string(data)
}

func TestServer(t *testing.T) {
	server := NewServer()
	require.NoError(t, server.Start())
	assert.NotEmpty(t, server.TCPURL().Host)
	assert.Equal(t, "ws", server.WebSocketURL().Scheme)
	require.NoError(t, server.Stop())
}

func TestInvalidSession(t *testing.T) {
	server := startServer(t)
	assert.Equal(t, "Invalid session (nope)\n", roundTrip(t, server, "RELEASE\nnope\nD1\n"))
}

func TestFetchCountsCharacters(t *testing.T) {
	server := startServer(t)
	server.PutDocument(models.NewDocument("D1", "grüße"), "bob")

	resp := roundTrip(t, server, "FETCH\nS1\nD1\n")
	lines := strings.SplitN(resp, "\n", 3)
	require.Len(t, lines, 3)
	assert.Equal(t, constants.OpFetch, lines[0])
	body := strings.TrimSuffix(lines[2], "\n")
	assert.Equal(t, lines[1], strconv.Itoa(len([]rune(body))))
	assert.Contains(t, body, "grüße")
	assert.Empty(t, server.CheckoutUser("D1"))
}

func TestCheckoutLocks(t *testing.T) {
	server := startServer(t)
	server.AddSession("S2", "bob")
	server.PutDocument(models.NewDocument("D1", "text"), "bob")

	resp := roundTrip(t, server, "CHECKOUT\nS1\nD1\n")
	assert.True(t, strings.HasPrefix(resp, "CHECKOUT\n"))
	assert.Equal(t, "alice", server.CheckoutUser("D1"))

	resp = roundTrip(t, server, "CHECKOUT\nS2\nD1\n")
	assert.Equal(t, "Document D1 is checked out by alice\n", resp)

	assert.Equal(t, "RELEASE\n", roundTrip(t, server, "RELEASE\nS1\nD1\n"))
	assert.Empty(t, server.CheckoutUser("D1"))
}

func TestUploadAndLog(t *testing.T) {
	server := startServer(t)

	body := `{"id":"D7","attributes":{"docName":"seven.xml"},"content":"a b c"}`
	resp := roundTrip(t, server, "UPLOAD\nS1\n3\nseven.xml\nCHECK\n"+body+"\n\n")
	assert.Equal(t, "UPLOAD\nDocument 'seven.xml' stored as version 1\n", resp)

	doc, ok := server.Document("D7")
	require.True(t, ok)
	assert.Equal(t, "alice", doc.Attribute(constants.CheckinUserAttribute, ""))
	assert.Equal(t, 1, doc.Version())

	resp = roundTrip(t, server, "LOG\nS1\nD7\n")
	assert.Equal(t, "LOG\nDocument 'seven.xml' stored as version 1\nDocument update complete\n", resp)
}

func TestUploadIncomplete(t *testing.T) {
	server := startServer(t)
	body := `{"id":"D7","content":"a b"}`
	resp := roundTrip(t, server, "UPLOAD\nS1\n3\nseven.xml\nCHECK\n"+body+"\n\n")
	assert.Equal(t, "Document transfer incomplete, received only 2 of 3 tokens.\n", resp)
}

func TestExternalIdentifierConflict(t *testing.T) {
	server := startServer(t)
	taken := models.NewDocument("DOC-42", "x")
	taken.SetAttribute(constants.ExternalIdentifierAttribute, "EXT")
	server.PutDocument(taken, "bob")

	body := `{"id":"D8","attributes":{"externalIdentifier":"EXT"},"content":"y"}`
	resp := roundTrip(t, server, "UPDATE\nS1\n1\neight.xml\nCHECK\n"+body+"\n\n")
	lines := strings.Split(resp, "\n")
	require.GreaterOrEqual(t, len(lines), 3)
	assert.Equal(t, constants.DuplicateExternalIdentifier, lines[0])
	assert.Equal(t, "DOC-42", lines[2])

	resp = roundTrip(t, server, "UPDATE\nS1\n1\neight.xml\nIGNORE\n"+body+"\n\n")
	assert.True(t, strings.HasPrefix(resp, "UPDATE\n"))
}

func TestAnonymousList(t *testing.T) {
	server := startServer(t)
	server.PutDocument(models.NewDocument("D1", "x"), "bob")
	server.PutDocument(models.NewDocument("D2", "y"), "carol")

	resp := roundTrip(t, server, "LIST\ncheckinUser=carol\n")
	assert.True(t, strings.HasPrefix(resp, "LIST\n1\n"))
	assert.Contains(t, resp, `"D2"`)
	assert.NotContains(t, resp, `"D1"`)

	reqs := server.Requests()
	require.Len(t, reqs, 1)
	assert.Empty(t, reqs[0].Session)
}

func TestStubAndFailures(t *testing.T) {
	server := startServer(t)
	server.AddStubResponse(SimpleStubResponse(constants.OpRelease, "Server busy\n"))
	assert.Equal(t, "Server busy\n", roundTrip(t, server, "RELEASE\nS1\nD1\n"))

	server.ClearStubResponses()
	server.AddStubResponse(StubResponse{
		Op:       constants.OpLog,
		Response: "LOG\n0123456789\n",
		Failures: []FailureConfig{{Type: FailurePartialMessage}},
	})
	assert.Equal(t, "LOG\n012", roundTrip(t, server, "LOG\nS1\nD1\n"))

	server.SetGlobalFailures([]FailureConfig{{Type: FailureDropConnection}})
	assert.Empty(t, roundTrip(t, server, "RELEASE\nS1\nD1\n"))
	assert.Equal(t, 3, len(server.Requests()))
}

func TestWebSocketTransport(t *testing.T) {
	server := startServer(t)

	u := server.WebSocketURL()
	u.Path = constants.WebSocketPath
	ws, res, err := gorilla.DefaultDialer.Dial(u.String(), nil)
	require.NoError(t, err)
	res.Body.Close()
	defer ws.Close()

	require.NoError(t, ws.WriteMessage(gorilla.TextMessage, []byte("RELEASE\nS1\nD1\n")))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "RELEASE\n", string(data))

	_, _, err = ws.ReadMessage()
	assert.True(t, gorilla.IsCloseError(err, gorilla.CloseNormalClosure))
}

func TestStopReleasesWebSockets(t *testing.T) {
	baseline := runtime.NumGoroutine()
	for i := 0; i < 5; i++ {
		server := NewServer()
		require.NoError(t, server.Start())
		server.AddSession("S1", "alice")
		server.SetGlobalFailures([]FailureConfig{{Type: FailureHang}})

		u := server.WebSocketURL()
		u.Path = constants.WebSocketPath
		ws, res, err := gorilla.DefaultDialer.Dial(u.String(), nil)
		require.NoError(t, err)
		res.Body.Close()
		require.NoError(t, ws.WriteMessage(gorilla.TextMessage, []byte("RELEASE\nS1\nD1\n")))

		// The hanging socket must not keep Stop waiting.
		require.NoError(t, server.Stop())
		_, _, err = ws.ReadMessage()
		assert.Error(t, err)
		ws.Close()
	}
	assert.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= baseline+2
	}, 2*time.Second, 20*time.Millisecond)
}
