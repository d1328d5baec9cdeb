package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/client"

	"github.com/cochaviz/keel/internal/network"
)

// EngineChecker pings the container engine API in the guest.
type EngineChecker struct {
	Timeout time.Duration
}

// Check succeeds when the engine answers /_ping.
func (e EngineChecker) Check(ctx context.Context, endpoint network.Endpoint) error {
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cli, err := client.NewClientWithOpts(
		client.WithHost("tcp://"+endpoint.String()),
		client.WithAPIVersionNegotiation(),
		client.WithTimeout(timeout),
	)
	if err != nil {
		return fmt.Errorf("engine client for %s: %w", endpoint, err)
	}
	defer cli.Close()

	if _, err := cli.Ping(ctx); err != nil {
		return fmt.Errorf("ping engine at %s: %w", endpoint, err)
	}
	return nil
}
