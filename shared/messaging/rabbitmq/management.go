package rabbitmq

import (
	"context"
	"fmt"
	"time"

	"petstore-platform/shared/config"
	"petstore-platform/shared/httpclient"
)

// QueueStats is the subset of GET /api/queues/{vhost}/{name} the services report.
type QueueStats struct {
	Name                   string `json:"name"`
	Durable                bool   `json:"durable"`
	Messages               int    `json:"messages"`
	MessagesReady          int    `json:"messages_ready"`
	MessagesUnacknowledged int    `json:"messages_unacknowledged"`
	Consumers              int    `json:"consumers"`
}

// ManagementClient reads queue state from the RabbitMQ management HTTP API.
type ManagementClient struct {
	http  *httpclient.Client
	vhost string
}

func NewManagementClient(cfg config.RabbitMQConfig) *ManagementClient {
	hc := httpclient.New(httpclient.Config{
		BaseURL:          cfg.ManagementURL,
		Timeout:          5 * time.Second,
		RetryCount:       1,
		RetryWaitTime:    200 * time.Millisecond,
		RetryMaxWaitTime: time.Second,
	})
	hc.GetRestyClient().SetBasicAuth(cfg.User, cfg.Password)

	vhost := cfg.VHost
	if vhost == "" {
		vhost = "/"
	}
	return &ManagementClient{http: hc, vhost: vhost}
}

func (m *ManagementClient) QueueStats(ctx context.Context, queue string) (*QueueStats, error) {
	var stats QueueStats
	resp, err := m.http.R(ctx).
		SetSpanName("rabbitmq.management.queue").
		AddSpanAttribute("messaging.source.name", queue).
		SetPathParams(map[string]string{
			"vhost": m.vhost,
			"queue": queue,
		}).
		SetResult(&stats).
		Get("/api/queues/{vhost}/{queue}")
	if err != nil {
		return nil, fmt.Errorf("failed to query queue %q: %w", queue, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("management API returned %s for queue %q", resp.Status(), queue)
	}
	return &stats, nil
}
