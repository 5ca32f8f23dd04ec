package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, http.StatusCreated, map[string]int{"n": 1})

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"n":1}`, rec.Body.String())
}

func TestWriteRawJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteRawJSON(rec, http.StatusTeapot, []byte(`{"a" : 1}`))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, `{"a" : 1}`, rec.Body.String(), "body is written verbatim")
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, http.StatusNotFound, "not_found", "mock route not found")

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", body.Error)
	assert.Equal(t, "mock route not found", body.Message)
}

func TestWriteNoContent(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteNoContent(rec)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestStatusRecorder(t *testing.T) {
	rec := httptest.NewRecorder()
	sr := NewStatusRecorder(rec)
	assert.False(t, sr.WroteHeader())

	_, err := sr.Write([]byte("hello"))
	require.NoError(t, err)
	sr.WriteHeader(http.StatusInternalServerError)

	assert.True(t, sr.WroteHeader())
	assert.Equal(t, http.StatusOK, sr.Status, "first status wins")
	assert.Equal(t, int64(5), sr.Written)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	assert.Equal(t, "10.0.0.1", ClientIP(r, false))
	assert.Equal(t, "203.0.113.9", ClientIP(r, true))

	r.RemoteAddr = "not-a-hostport"
	assert.Equal(t, "not-a-hostport", ClientIP(r, false))
}
