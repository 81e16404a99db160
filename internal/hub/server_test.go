package hub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/star64ccs/CardStrategy-sub006/internal/syncer"
)

func newTestServer(t *testing.T) (*MemoryHub, *httptest.Server) {
	t.Helper()
	h := NewMemoryHub()
	srv := httptest.NewServer(NewServer(h, zerolog.Nop()).Handler())
	t.Cleanup(srv.Close)
	return h, srv
}

func TestClientRoundTrip(t *testing.T) {
	h, srv := newTestServer(t)
	c := NewClient(srv.URL+"/", nil)
	ctx := context.Background()

	first := rec("r1", "t", "a", syncer.OpCreate, 1)
	first.Data = map[string]any{"id": "t", "payload": map[string]any{"x": "one"}}
	first.Checksum = syncer.Checksum(first.Data)

	res, err := c.Push(ctx, []syncer.Record{first, rec("r2", "t", "a", syncer.OpUpdate, 5)})
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.True(t, res[0].Accepted)
	assert.False(t, res[1].Accepted)
	require.NotNil(t, res[1].Current)
	assert.Equal(t, "r1", res[1].Current.ID)
	assert.Equal(t, 1, h.Len())

	got, err := c.Pull(ctx, "b", time.Time{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, first.Checksum, got[0].Checksum, "checksum survives the wire")
	assert.Equal(t, "one", got[0].Data["payload"].(map[string]any)["x"])
	assert.False(t, got[0].ReceivedAt.IsZero())

	again, err := c.Pull(ctx, "b", got[0].ReceivedAt)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestServerBadRequests(t *testing.T) {
	_, srv := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{name: "malformed push", method: http.MethodPost, path: "/v1/records", body: "{", status: http.StatusBadRequest},
		{name: "pull without device", method: http.MethodGet, path: "/v1/records", status: http.StatusBadRequest},
		{name: "pull with bad since", method: http.MethodGet, path: "/v1/records?device=a&since=yesterday", status: http.StatusBadRequest},
		{name: "unknown route", method: http.MethodGet, path: "/v2/records", status: http.StatusNotFound},
		{name: "health", method: http.MethodGet, path: "/healthz", status: http.StatusOK},
		{name: "empty pull", method: http.MethodGet, path: "/v1/records?device=a", status: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, srv.URL+tt.path, strings.NewReader(tt.body))
			require.NoError(t, err)
			resp, err := srv.Client().Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestClientSurfacesServerErrors(t *testing.T) {
	_, srv := newTestServer(t)
	c := NewClient(srv.URL, srv.Client())

	_, err := c.Pull(context.Background(), "", time.Time{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device is required")
}

func TestClientUnreachable(t *testing.T) {
	_, srv := newTestServer(t)
	url := srv.URL
	srv.Close()

	c := NewClient(url, nil)
	_, err := c.Push(context.Background(), []syncer.Record{rec("r1", "t", "a", syncer.OpCreate, 1)})
	assert.Error(t, err)
}
