package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/bythron/trackerd/internal/metrics"
)

// CommandResult is the outcome of a command dispatch. Success means the frame
// was written to the device's socket; Reply is nil when the device did not
// answer within the timeout.
type CommandResult struct {
	Success    bool    `json:"success"`
	Reply      *string `json:"reply,omitempty"`
	Note       string  `json:"note,omitempty"`
	ServerFlag uint32  `json:"server_flag,omitempty"`
}

// Dispatcher routes operator commands to live device connections.
type Dispatcher struct {
	log      *slog.Logger
	registry *Registry
	timeout  time.Duration
}

func NewDispatcher(log *slog.Logger, registry *Registry, defaultTimeout time.Duration) *Dispatcher {
	if defaultTimeout <= 0 {
		defaultTimeout = defaultCommandTimeout
	}
	return &Dispatcher{log: log, registry: registry, timeout: defaultTimeout}
}

// SendCommand delivers content to the device holding the identity.
// ErrNotConnected is returned when no live session exists; a delivered
// command that times out still counts as success, with a note.
func (d *Dispatcher) SendCommand(ctx context.Context, identity, content string, timeout time.Duration) (CommandResult, error) {
	if timeout <= 0 {
		timeout = d.timeout
	}

	conn, ok := d.registry.Lookup(identity)
	if !ok {
		metrics.CommandOutcomes.WithLabelValues("not_connected").Inc()
		return CommandResult{}, ErrNotConnected
	}

	reply, serverFlag, err := conn.SendCommand(ctx, content, timeout)
	if err != nil {
		metrics.CommandOutcomes.WithLabelValues("error").Inc()
		return CommandResult{}, err
	}
	if reply == nil {
		metrics.CommandOutcomes.WithLabelValues("timeout").Inc()
		d.log.Info("command delivered without reply", "identity", identity, "content", content)
		return CommandResult{
			Success:    true,
			Note:       "no reply within timeout",
			ServerFlag: serverFlag,
		}, nil
	}

	metrics.CommandOutcomes.WithLabelValues("replied").Inc()
	return CommandResult{
		Success:    true,
		Reply:      &reply.Content,
		ServerFlag: serverFlag,
	}, nil
}
