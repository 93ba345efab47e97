package rabbitmq_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"petstore-platform/shared/messaging/rabbitmq"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagementClient_QueueStats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "guest", user)
		assert.Equal(t, "guest", pass)

		if r.URL.EscapedPath() != "/api/queues/%2F/cart.product_events" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"name":                    "cart.product_events",
			"durable":                 true,
			"messages":                3,
			"messages_ready":          2,
			"messages_unacknowledged": 1,
			"consumers":               1,
		})
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.ManagementURL = srv.URL
	client := rabbitmq.NewManagementClient(cfg)

	stats, err := client.QueueStats(context.Background(), "cart.product_events")
	require.NoError(t, err)
	assert.Equal(t, "cart.product_events", stats.Name)
	assert.True(t, stats.Durable)
	assert.Equal(t, 2, stats.MessagesReady)
	assert.Equal(t, 1, stats.MessagesUnacknowledged)
	assert.Equal(t, 1, stats.Consumers)
}

func TestManagementClient_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	cfg := testConfig()
	cfg.ManagementURL = srv.URL

	_, err := rabbitmq.NewManagementClient(cfg).QueueStats(context.Background(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}
