package api

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beacon-project/beacon/internal/config"
	"github.com/beacon-project/beacon/internal/db"
	"github.com/beacon-project/beacon/internal/relay"
)

func newTestServer(t *testing.T, history *db.History) *Server {
	t.Helper()
	cfg := config.DefaultConfig()
	return NewServer(cfg, relay.NewListing(), history)
}

func doRequest(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	router := s.buildRouter()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	router.ServeHTTP(rec, req)
	return rec
}

func TestCompressedServersDecodesToEmptyList(t *testing.T) {
	rec := doRequest(t, newTestServer(t, nil), "/compressed/servers")
	require.Equal(t, http.StatusOK, rec.Code)

	raw, err := base64.StdEncoding.DecodeString(rec.Body.String())
	require.NoError(t, err)
	gz, err := gzip.NewReader(bytes.NewReader(raw))
	require.NoError(t, err)
	payload, err := io.ReadAll(gz)
	require.NoError(t, err)

	var rooms []relay.RoomSnapshot
	require.NoError(t, json.Unmarshal(payload, &rooms))
	assert.Empty(t, rooms)
}

func TestServersReturnsJSONArray(t *testing.T) {
	rec := doRequest(t, newTestServer(t, nil), "/api/servers")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestStatusReportsRelayConfig(t *testing.T) {
	rec := doRequest(t, newTestServer(t, nil), "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var status map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.EqualValues(t, config.DefaultRelayPort, status["relay_port"])
	assert.EqualValues(t, 0, status["connections"])
	assert.Equal(t, "tcp", status["transport"])
}

func TestHistoryDisabledReturns404(t *testing.T) {
	rec := doRequest(t, newTestServer(t, nil), "/api/history")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHistoryEndpointReturnsRows(t *testing.T) {
	database, err := db.NewDatabase(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer database.Close()
	history, err := db.NewHistory(database)
	require.NoError(t, err)
	require.NoError(t, history.Record("room_created", "ABCDE", 1, nil))

	rec := doRequest(t, newTestServer(t, history), "/api/history?limit=5")
	require.Equal(t, http.StatusOK, rec.Code)

	var rows []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "room_created", rows[0]["event"])
	assert.Equal(t, "ABCDE", rows[0]["room_id"])
}

func TestUnknownRouteReturns404(t *testing.T) {
	rec := doRequest(t, newTestServer(t, nil), "/api/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
