package remote

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/masterzen/winrm"

	"github.com/cochaviz/keel/internal/logging"
	"github.com/cochaviz/keel/internal/network"
)

// Credentials authenticate against the guest's WinRM listener.
type Credentials struct {
	User     string
	Password string
}

const defaultTimeout = 60 * time.Second

// Client talks WinRM to one guest endpoint. Every call opens a new session.
type Client struct {
	Endpoint    network.Endpoint
	Credentials Credentials
	HTTPS       bool
	Insecure    bool
	Timeout     time.Duration
	Logger      *slog.Logger
}

// Run executes cmd and returns its exit status and captured output.
func (c *Client) Run(ctx context.Context, cmd Command) (Result, error) {
	logger := logging.Ensure(c.Logger).With("endpoint", c.URL(), "shell", cmd.Shell.String())

	client, err := c.dial()
	if err != nil {
		return Result{}, err
	}

	timeout := c.timeout()
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logger.Debug("running remote command", "description", cmd.Description)
	stdout, stderr, code, err := client.RunWithContextWithString(runCtx, commandLine(cmd), "")
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", cmd.Description, err)
	}
	result := Result{ExitCode: code, Stdout: stdout, Stderr: stderr}
	if !result.OK() {
		logger.Debug("remote command failed", "description", cmd.Description, "result", result.Summary())
	}
	return result, nil
}

// Ping reports whether the guest accepts and executes a trivial command.
func (c *Client) Ping(ctx context.Context) bool {
	result, err := c.Run(ctx, Native("ping", "echo ok"))
	return err == nil && result.OK()
}

func (c *Client) dial() (*winrm.Client, error) {
	endpoint := winrm.NewEndpoint(
		c.Endpoint.Host,
		c.Endpoint.Port,
		c.HTTPS,
		c.Insecure,
		nil, nil, nil,
		c.timeout(),
	)
	client, err := winrm.NewClient(endpoint, c.Credentials.User, c.Credentials.Password)
	if err != nil {
		return nil, fmt.Errorf("winrm client for %s: %w", c.Endpoint, err)
	}
	return client, nil
}

func (c *Client) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return defaultTimeout
}

func commandLine(cmd Command) string {
	if cmd.Shell == ShellScripted {
		return winrm.Powershell(cmd.Body)
	}
	return cmd.Body
}

// Dialer builds clients for whichever network mode is active.
type Dialer struct {
	Credentials Credentials
	Timeout     time.Duration
	Logger      *slog.Logger
}

// For returns a client addressing mode's control endpoint.
func (d Dialer) For(mode network.Mode) *Client {
	return &Client{
		Endpoint:    mode.ControlEndpoint(),
		Credentials: d.Credentials,
		Timeout:     d.Timeout,
		Logger:      d.Logger,
	}
}

// URL is the WinRM service address, used in logs.
func (c *Client) URL() string {
	scheme := "http"
	if c.HTTPS {
		scheme = "https"
	}
	return scheme + "://" + c.Endpoint.String() + "/wsman"
}
