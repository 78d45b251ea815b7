package client_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vaultline/entitystore/internal/auth"
	"github.com/vaultline/entitystore/internal/client"
	"github.com/vaultline/entitystore/internal/connector/memory"
	"github.com/vaultline/entitystore/internal/entity"
	"github.com/vaultline/entitystore/internal/httpapi"
)

func clientSchema() *entity.Schema {
	return &entity.Schema{
		Name: "items",
		Properties: []entity.Property{
			{Name: "id", Type: entity.TypeString, IsPrimary: true},
			{Name: "value1", Type: entity.TypeString, IsSecondary: true, Optional: true},
			{Name: "value2", Type: entity.TypeNumber, Optional: true},
		},
	}
}

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	store, err := memory.New(clientSchema())
	require.NoError(t, err)
	srv := &httpapi.Server{Store: store}
	ts := httptest.NewServer(srv.Routes(auth.JWTCfg{}))
	t.Cleanup(ts.Close)
	return ts
}

func TestClientRoundTrip(t *testing.T) {
	ts := newServer(t)
	c := client.New(ts.URL)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, map[string]any{"id": "1", "value1": "aaa", "value2": 35}))

	got, err := c.Get(ctx, "1", "")
	require.NoError(t, err)
	require.Equal(t, "aaa", got["value1"])

	got, err = c.Get(ctx, "aaa", "value1")
	require.NoError(t, err)
	require.Equal(t, "1", got["id"])

	got, err = c.Get(ctx, "missing", "")
	require.NoError(t, err)
	require.Nil(t, got)

	require.NoError(t, c.Remove(ctx, "1"))
	require.NoError(t, c.Remove(ctx, "1"), "repeated remove is not an error")

	got, err = c.Get(ctx, "1", "")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestClientQuery(t *testing.T) {
	ts := newServer(t)
	c := client.New(ts.URL)
	ctx := context.Background()

	for _, e := range []map[string]any{
		{"id": "1", "value1": "aaa", "value2": 10},
		{"id": "2", "value1": "bbb", "value2": 20},
		{"id": "3", "value1": "ccc", "value2": 30},
	} {
		require.NoError(t, c.Set(ctx, e))
	}

	page, err := c.Query(ctx, client.QueryOpts{
		Conditions: entity.Comparator{Property: "value2", Comparison: entity.ComparisonGreaterThan, Value: 15},
		OrderBy:    "value2",
		Descending: true,
		Properties: []string{"id"},
	})
	require.NoError(t, err)
	require.Len(t, page.Entities, 2)
	require.Equal(t, "3", page.Entities[0]["id"])
	_, present := page.Entities[0]["value2"]
	require.False(t, present)

	// Cursor pagination walks every entity.
	seen := map[string]bool{}
	opts := client.QueryOpts{PageSize: 2}
	for {
		page, err := c.Query(ctx, opts)
		require.NoError(t, err)
		for _, e := range page.Entities {
			seen[e["id"].(string)] = true
		}
		if page.Cursor == "" {
			break
		}
		opts.Cursor = page.Cursor
	}
	require.Len(t, seen, 3)
}

func TestClientErrorsCarryKind(t *testing.T) {
	ts := newServer(t)
	c := client.New(ts.URL)

	err := c.Set(context.Background(), map[string]any{"value1": "no-primary-key"})
	require.Error(t, err)
	require.Equal(t, entity.KindGuardFailure, entity.ErrKind(err))
}

func TestClientRetriesRateLimit(t *testing.T) {
	attempts := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(ts.Close)

	c := client.New(ts.URL)
	require.NoError(t, c.Set(context.Background(), map[string]any{"id": "1"}))
	require.Equal(t, 2, attempts)
}

func TestClientSyncChangeSet(t *testing.T) {
	var gotBlob, gotSub string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSub = r.Header.Get("X-Debug-Sub")
		var body struct {
			ChangeSetBlobID string `json:"changeSetBlobId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			gotBlob = body.ChangeSetBlobID
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(ts.Close)

	c := client.New(ts.URL, client.WithDebugSub("node-a"))
	require.NoError(t, c.SyncChangeSet(context.Background(), "blob-1"))
	require.Equal(t, "blob-1", gotBlob)
	require.Equal(t, "node-a", gotSub)
}
