package status

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cochaviz/keel/internal/sandbox"
)

func TestClientStatus(t *testing.T) {
	ts := newTestServer(sandbox.Snapshot{RunID: "run-7", State: sandbox.StateHealthLoop, APIHealthy: true})
	defer ts.Close()

	client := NewClient(strings.TrimPrefix(ts.URL, "http://"))
	snap, err := client.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "run-7", snap.RunID)
	assert.True(t, snap.Healthy())

	healthy, state, err := client.Healthy(context.Background())
	require.NoError(t, err)
	assert.True(t, healthy)
	assert.Equal(t, sandbox.StateHealthLoop, state)
}

func TestClientUnhealthy(t *testing.T) {
	ts := newTestServer(sandbox.Snapshot{State: sandbox.StateBoot})
	defer ts.Close()

	healthy, state, err := NewClient(ts.URL).Healthy(context.Background())
	require.NoError(t, err)
	assert.False(t, healthy)
	assert.Equal(t, sandbox.StateBoot, state)
}

func TestNewClientAddress(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:9090", NewClient(":9090").baseURL)
	assert.Equal(t, "http://host:1", NewClient(" host:1 ").baseURL)
	assert.Equal(t, "https://host", NewClient("https://host/").baseURL)
}

func TestClientUnexpectedCode(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	_, err := NewClient(ts.URL + "/").Status(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "418")
}

func TestClientUnreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	_, _, err := NewClient(url).Healthy(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect to status server")
}
