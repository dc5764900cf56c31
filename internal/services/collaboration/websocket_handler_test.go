package collaboration

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"notes-collab/internal/crdt"
	"notes-collab/internal/protocol"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

var (
	spansOnce sync.Once
	spans     *tracetest.SpanRecorder
)

// recordSpans routes the global tracer provider into an in-memory recorder.
// The provider can only be installed once per test binary.
func recordSpans() *tracetest.SpanRecorder {
	spansOnce.Do(func() {
		spans = tracetest.NewSpanRecorder()
		otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans)))
	})
	return spans
}

func newTestServer(t *testing.T, m *Manager) *httptest.Server {
	t.Helper()
	r := mux.NewRouter()
	r.HandleFunc("/ws/document/{id}", NewWebSocketHandler(m).HandleDocumentConnection)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, docID, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/document/" + docID
	header := http.Header{}
	header.Set("X-User-ID", user)
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readFrame reads messages until a frame of type want shows up
func readFrame(t *testing.T, conn *websocket.Conn, want protocol.MessageType) protocol.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(waitFor))
	for {
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		frames, err := protocol.DecodeFrames(msg)
		require.NoError(t, err)
		for _, f := range frames {
			if f.Type == want {
				return f
			}
		}
	}
}

func TestWebSocketHandler_RelaysUpdates(t *testing.T) {
	m := newTestManager(t, newTestStore(), Options{})
	srv := newTestServer(t, m)

	alice := dial(t, srv, "doc1", "alice")
	readFrame(t, alice, protocol.MessageSyncStep1)
	bob := dial(t, srv, "doc1", "bob")
	readFrame(t, bob, protocol.MessageSyncStep1)

	editor := crdt.New("doc1", 11)
	u, err := editor.InsertText(0, "over the wire")
	require.NoError(t, err)
	msg := protocol.EncodeFrames(protocol.Frame{Type: protocol.MessageUpdate, Payload: u})
	require.NoError(t, alice.WriteMessage(websocket.BinaryMessage, msg))

	f := readFrame(t, bob, protocol.MessageUpdate)
	assert.Equal(t, u, f.Payload)

	doc, err := m.Snapshot(context.Background(), "doc1")
	require.NoError(t, err)
	assert.Equal(t, "over the wire", doc.Text())
}

func TestWebSocketHandler_BadFrame(t *testing.T) {
	m := newTestManager(t, newTestStore(), Options{})
	srv := newTestServer(t, m)

	conn := dial(t, srv, "doc1", "alice")
	readFrame(t, conn, protocol.MessageSyncStep1)

	// declares a 10 byte payload and carries one
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{byte(protocol.MessageUpdate), 10, 1}))

	f := readFrame(t, conn, protocol.MessageError)
	p, err := protocol.ParseError(f)
	require.NoError(t, err)
	assert.Equal(t, protocol.CodeBadFrame, p.Code)
}

func TestWebSocketHandler_BadFrameMarksMessageSpan(t *testing.T) {
	recorder := recordSpans()
	m := newTestManager(t, newTestStore(), Options{})
	srv := newTestServer(t, m)

	conn := dial(t, srv, "doc1", "alice")
	readFrame(t, conn, protocol.MessageSyncStep1)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{byte(protocol.MessageUpdate), 10, 1}))
	readFrame(t, conn, protocol.MessageError)

	failed := func() bool {
		for _, span := range recorder.Ended() {
			if span.Name() != "WebSocket.ProcessMessage" || span.Status().Code != codes.Error {
				continue
			}
			if len(span.Events()) > 0 && span.Events()[0].Name == "exception" {
				return true
			}
		}
		return false
	}
	assert.Eventually(t, failed, waitFor, 10*time.Millisecond)
}

func TestWebSocketHandler_RefusesDuringShutdown(t *testing.T) {
	m := newTestManager(t, newTestStore(), Options{})
	srv := newTestServer(t, m)
	require.NoError(t, m.Shutdown(context.Background()))

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/document/doc1"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestIdentity(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws/document/doc1?user_id=u1&user_name=Una", nil)
	id, name := identity(r)
	assert.Equal(t, "u1", id)
	assert.Equal(t, "Una", name)

	r = httptest.NewRequest(http.MethodGet, "/ws/document/doc1?user_id=u1", nil)
	r.Header.Set("X-User-ID", "header-user")
	id, name = identity(r)
	assert.Equal(t, "header-user", id)
	assert.Equal(t, "Anonymous", name)
}
