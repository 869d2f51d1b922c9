package remote

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hyperengineering/studiosync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClient_Ping_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		assert.Equal(t, http.MethodGet, r.Method)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "test-api-key", "")
	require.NoError(t, client.Ping(context.Background()))
}

func TestHTTPClient_Ping_Unavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"message": "paused"}`))
	}))
	defer server.Close()

	err := NewHTTPClient(server.URL, "test-api-key", "").Ping(context.Background())

	var syncErr *studiosync.SyncError
	require.ErrorAs(t, err, &syncErr)
	assert.Equal(t, http.StatusServiceUnavailable, syncErr.StatusCode)
	assert.Equal(t, "ping", syncErr.Operation)
	assert.True(t, studiosync.IsTransient(err))
}

func TestHTTPClient_Ping_NetworkError(t *testing.T) {
	client := NewHTTPClient("http://localhost:1", "test-api-key", "")
	err := client.Ping(context.Background())

	var syncErr *studiosync.SyncError
	require.ErrorAs(t, err, &syncErr)
	assert.Equal(t, studiosync.KindTransient, syncErr.Kind)
}

func TestHTTPClient_Headers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-api-key", r.Header.Get("apikey"))
		assert.Equal(t, "Bearer test-api-key", r.Header.Get("Authorization"))
		assert.Equal(t, "studiosync-client/1.0", r.Header.Get("User-Agent"))
		assert.Equal(t, "studiosync/front-desk", r.Header.Get("X-Client-Info"))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	require.NoError(t, NewHTTPClient(server.URL+"/", "test-api-key", "front-desk").Ping(context.Background()))
}

func TestHTTPClient_Headers_NoClientID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("X-Client-Info"))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	require.NoError(t, NewHTTPClient(server.URL, "k", "  ").Ping(context.Background()))
}

func TestHTTPClient_Fetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/v1/bookings", r.URL.Path)
		assert.Equal(t, "*", r.URL.Query().Get("select"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":"1","client":"Ada","deleted_at":null},{"id":2,"client":"Bea"}]`))
	}))
	defer server.Close()

	rows, err := NewHTTPClient(server.URL, "k", "").Fetch(context.Background(), "bookings")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Ada", rows[0]["client"])
	assert.Equal(t, float64(2), rows[1]["id"])
}

func TestHTTPClient_Fetch_BadJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{not json`))
	}))
	defer server.Close()

	_, err := NewHTTPClient(server.URL, "k", "").Fetch(context.Background(), "bookings")
	require.Error(t, err)
	assert.True(t, studiosync.IsTransient(err))
}

func TestHTTPClient_Upsert(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/rest/v1/bookings", r.URL.Path)
		assert.Equal(t, "id", r.URL.Query().Get("on_conflict"))
		assert.Contains(t, r.Header.Get("Prefer"), "resolution=merge-duplicates")

		var row map[string]any
		if assert.NoError(t, json.NewDecoder(r.Body).Decode(&row)) {
			assert.Equal(t, "b1", row["id"])
			assert.Equal(t, "Ada", row["client"])
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	err := NewHTTPClient(server.URL, "k", "").Upsert(context.Background(), "bookings",
		map[string]any{"id": "b1", "client": "Ada"})
	require.NoError(t, err)
}

func TestHTTPClient_Upsert_SchemaMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":"PGRST204","message":"Could not find the 'notes' column of 'bookings' in the schema cache"}`))
	}))
	defer server.Close()

	err := NewHTTPClient(server.URL, "k", "").Upsert(context.Background(), "bookings", map[string]any{"id": "b1", "notes": "x"})
	require.True(t, studiosync.IsSchemaMismatch(err), "IsSchemaMismatch(%v)", err)
	assert.Contains(t, err.Error(), "notes", "error should carry the response body")
}

func TestHTTPClient_SoftDelete(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "eq.b 1", r.URL.Query().Get("id"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"deleted_at":"2026-03-01T10:00:00Z"}`, string(body))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	require.NoError(t, NewHTTPClient(server.URL, "k", "").SoftDelete(context.Background(), "bookings", "b 1", at))
}

func TestHTTPClient_ErrorBodyTruncated(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(strings.Repeat("x", 500)))
	}))
	defer server.Close()

	err := NewHTTPClient(server.URL, "k", "").Upsert(context.Background(), "bookings", map[string]any{"id": "1"})
	require.Error(t, err)
	assert.True(t, strings.HasSuffix(err.Error(), "..."), "error %q should be truncated", err)
	assert.LessOrEqual(t, len(err.Error()), 300)
}

func TestHTTPClient_ContextCanceled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := NewHTTPClient(server.URL, "k", "").Ping(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   studiosync.ErrorKind
	}{
		{"server error", 500, "", studiosync.KindTransient},
		{"bad gateway", 502, "", studiosync.KindTransient},
		{"request timeout", 408, "", studiosync.KindTransient},
		{"rate limited", 429, "", studiosync.KindTransient},
		{"schema code", 400, `{"code":"PGRST204"}`, studiosync.KindSchemaMismatch},
		{"schema cache text", 400, `Could not find the 'x' column in the schema cache`, studiosync.KindSchemaMismatch},
		{"column does not exist", 400, `column "x" does not exist`, studiosync.KindSchemaMismatch},
		{"plain bad request", 400, `{"message":"invalid input syntax"}`, studiosync.KindRejected},
		{"unauthorized", 401, "", studiosync.KindRejected},
		{"conflict", 409, `column "x" not found`, studiosync.KindRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.status, []byte(tt.body)))
		})
	}
}
