package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

func TestStructuredLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(NewStructuredLogger(logger))
	r.Get("/cards", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte("ok"))
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/cards", nil))

	out := buf.String()
	require.Contains(t, out, `"msg":"http request"`)
	require.Contains(t, out, `"status":202`)
	require.Contains(t, out, `"bytes":2`)
	require.Contains(t, out, `"path":"/cards"`)
	require.Contains(t, out, `"request_id":`)
}
