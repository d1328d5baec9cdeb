package vm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/digitalocean/go-qemu/qmp"
)

const (
	qmpCommandTimeout = 2 * time.Second
	qmpSocketPoll     = 100 * time.Millisecond
)

type qmpCommand struct {
	Execute string `json:"execute"`
}

type qmpReply struct {
	Error *struct {
		Class string `json:"class"`
		Desc  string `json:"desc"`
	} `json:"error,omitempty"`
}

// connectQMP waits for the socket to appear and negotiates capabilities.
// It gives up early if done is closed.
func connectQMP(socket string, wait time.Duration, done <-chan struct{}) (*qmp.SocketMonitor, error) {
	deadline := time.Now().Add(wait)
	for {
		if _, err := os.Stat(socket); err == nil {
			break
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("qmp socket %s did not appear within %s", socket, wait)
		}
		select {
		case <-done:
			return nil, errors.New("vm process exited before qmp was available")
		case <-time.After(qmpSocketPoll):
		}
	}

	monitor, err := qmp.NewSocketMonitor("unix", socket, qmpCommandTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial qmp: %w", err)
	}
	if err := monitor.Connect(); err != nil {
		_ = monitor.Disconnect()
		return nil, fmt.Errorf("negotiate qmp: %w", err)
	}
	return monitor, nil
}

func runQMP(monitor *qmp.SocketMonitor, command string) error {
	payload, err := json.Marshal(qmpCommand{Execute: command})
	if err != nil {
		return err
	}
	raw, err := monitor.Run(payload)
	if err != nil {
		return fmt.Errorf("qmp %s: %w", command, err)
	}
	var reply qmpReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return fmt.Errorf("qmp %s: decode reply: %w", command, err)
	}
	if reply.Error != nil {
		return fmt.Errorf("qmp %s: %s: %s", command, reply.Error.Class, reply.Error.Desc)
	}
	return nil
}

// watchEvents counts guest resets until the stream closes or ctx ends.
func (p *Process) watchEvents(ctx context.Context, monitor *qmp.SocketMonitor, logger *slog.Logger) {
	events, err := monitor.Events(ctx)
	if err != nil {
		if !errors.Is(err, qmp.ErrEventsNotSupported) {
			logger.Warn("qmp event stream unavailable", "error", err)
		}
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Event {
			case "RESET":
				p.resets.Add(1)
				vmResets.Inc()
				logger.Info("guest reset", "resets", p.resets.Load())
			case "SHUTDOWN":
				logger.Info("guest shut down", "reason", ev.Data["reason"])
			case "POWERDOWN":
				logger.Debug("acpi powerdown delivered")
			case "GUEST_PANICKED":
				logger.Error("guest panicked")
			default:
				logger.Debug("qmp event", "event", ev.Event)
			}
		}
	}
}
