package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"notes-collab/internal/awareness"
	"notes-collab/internal/crdt"
	"notes-collab/internal/models"
	"notes-collab/internal/persistence"
	"notes-collab/internal/services/collaboration"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCollab struct {
	docs      map[string]crdt.Document
	err       error
	awareness map[string]json.RawMessage
	stats     []collaboration.RoomStats
}

func (f *fakeCollab) Snapshot(_ context.Context, id string) (crdt.Document, error) {
	if f.err != nil {
		return crdt.Document{}, f.err
	}
	return f.docs[id], nil
}

func (f *fakeCollab) Awareness(string) map[string]json.RawMessage { return f.awareness }

func (f *fakeCollab) Stats(context.Context) []collaboration.RoomStats { return f.stats }

type fakePresence struct {
	members []awareness.Member
	docs    []string
	err     error
}

func (f *fakePresence) Alive(context.Context, string) ([]awareness.Member, error) {
	return f.members, f.err
}

func (f *fakePresence) Documents(context.Context) ([]string, error) { return f.docs, f.err }

type fakeHistory struct{ snapshots []*models.DocumentSnapshot }

func (f *fakeHistory) History(context.Context, string) ([]*models.DocumentSnapshot, error) {
	return f.snapshots, nil
}

func serve(t *testing.T, h *Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	SetupRoutes(h).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealth(t *testing.T) {
	rec := serve(t, NewHandler(&fakeCollab{}, nil), "/api/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestGetSnapshot(t *testing.T) {
	r := crdt.New("doc1", 1)
	_, err := r.InsertText(0, "hi")
	require.NoError(t, err)
	collab := &fakeCollab{docs: map[string]crdt.Document{"doc1": r.GetContentSnapshot()}}

	rec := serve(t, NewHandler(collab, nil), "/api/documents/doc1/snapshot")
	require.Equal(t, http.StatusOK, rec.Code)

	var doc crdt.Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "doc1", doc.ID)
	assert.Equal(t, "hi", doc.Text())
}

func TestGetSnapshot_StorageUnavailable(t *testing.T) {
	collab := &fakeCollab{err: fmt.Errorf("%w: load doc1: timeout", persistence.ErrStorageUnavailable)}

	rec := serve(t, NewHandler(collab, nil), "/api/documents/doc1/snapshot")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGetPresence_FromDirectory(t *testing.T) {
	expires := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	presence := &fakePresence{members: []awareness.Member{
		{SessionID: "s1", State: json.RawMessage(`{"name":"ana"}`), ExpiresAt: expires},
	}}
	h := NewHandler(&fakeCollab{}, nil).WithPresence(presence)

	rec := serve(t, h, "/api/documents/doc1/presence")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"document_id":"doc1","members":[
		{"session_id":"s1","state":{"name":"ana"},"expires_at":"2026-01-02T03:04:05Z"}]}`, rec.Body.String())
}

func TestGetPresence_FallsBackToLocalState(t *testing.T) {
	collab := &fakeCollab{awareness: map[string]json.RawMessage{
		"s2": json.RawMessage(`{"name":"bo"}`),
		"s1": json.RawMessage(`{"name":"ana"}`),
	}}
	h := NewHandler(collab, nil).WithPresence(&fakePresence{err: errors.New("redis down")})

	rec := serve(t, h, "/api/documents/doc1/presence")
	require.Equal(t, http.StatusOK, rec.Code)

	members := decodeBody(t, rec)["members"].([]interface{})
	require.Len(t, members, 2)
	assert.Equal(t, "s1", members[0].(map[string]interface{})["session_id"])
}

func TestListPresence(t *testing.T) {
	rec := serve(t, NewHandler(&fakeCollab{}, nil), "/api/presence")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)

	h := NewHandler(&fakeCollab{}, nil).WithPresence(&fakePresence{docs: []string{"a", "b"}})
	rec = serve(t, h, "/api/presence")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"documents":["a","b"]}`, rec.Body.String())
}

func TestGetHistory(t *testing.T) {
	rec := serve(t, NewHandler(&fakeCollab{}, nil), "/api/documents/doc1/history")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)

	history := &fakeHistory{snapshots: []*models.DocumentSnapshot{
		{ID: "k2", DocumentID: "doc1", Version: 2, Size: 40, State: []byte("not exposed")},
	}}
	rec = serve(t, NewHandler(&fakeCollab{}, nil).WithHistory(history), "/api/documents/doc1/history")
	require.Equal(t, http.StatusOK, rec.Code)

	snapshots := decodeBody(t, rec)["snapshots"].([]interface{})
	require.Len(t, snapshots, 1)
	snap := snapshots[0].(map[string]interface{})
	assert.Equal(t, float64(2), snap["version"])
	assert.NotContains(t, snap, "state")
}

func TestListRooms(t *testing.T) {
	collab := &fakeCollab{stats: []collaboration.RoomStats{{DocumentID: "doc1", State: "active", Sessions: 2}}}

	rec := serve(t, NewHandler(collab, nil), "/api/rooms")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["count"])
}

func TestWebSocketRouteWithoutCollaboration(t *testing.T) {
	rec := serve(t, NewHandler(&fakeCollab{}, nil), "/ws/document/doc1")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
