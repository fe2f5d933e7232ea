package roster_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memberhub/go-push-dispatch/internal/roster"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestResolveBroadcast(t *testing.T) {
	ctx := context.Background()

	t.Run("Resolves members and skips bad rows", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/v1/roster/club:chess", r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"user_ids": ["urn:mh:user:alice", "not a urn", "urn:mh:user:bob"]}`))
		}))
		defer server.Close()

		client := roster.NewClient(server.URL, newTestLogger())
		users, err := client.ResolveBroadcast(ctx, "club:chess")

		require.NoError(t, err)
		require.Len(t, users, 2, "the invalid row is skipped, not fatal")
		assert.Equal(t, "urn:mh:user:alice", users[0].String())
		assert.Equal(t, "urn:mh:user:bob", users[1].String())
	})

	t.Run("Non-200 is an error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		client := roster.NewClient(server.URL, newTestLogger())
		_, err := client.ResolveBroadcast(ctx, "club:chess")

		require.Error(t, err)
		assert.Contains(t, err.Error(), "status 500")
	})

	t.Run("Empty roster is a valid result", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"user_ids": []}`))
		}))
		defer server.Close()

		client := roster.NewClient(server.URL, newTestLogger())
		users, err := client.ResolveBroadcast(ctx, "club:empty")

		require.NoError(t, err)
		assert.Empty(t, users)
	})
}
