// Package agent emits endpoint heartbeats.
//
// An agent runs next to an endpoint instance and appends a heartbeat message
// to the heartbeat queue every interval. The control plane imports those
// messages and decides whether the instance is alive.
//
// # Agent Lifecycle
//
//  1. Load configuration
//  2. Resolve host identity (hostname, machine id)
//  3. Connect to the queue transport
//  4. Send a heartbeat immediately, then every interval
//  5. Run until shutdown signal
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/host"

	"github.com/pilot-net/svcmon/agent/internal/config"
	"github.com/pilot-net/svcmon/pkg/queue"
	"github.com/pilot-net/svcmon/pkg/types"
)

// Version is set at build time.
var Version = "dev"

// HeartbeatMessageType is the enclosed message type of heartbeat messages.
const HeartbeatMessageType = "svcmon.EndpointHeartbeat"

// Sender appends a message to a named queue.
type Sender interface {
	Send(ctx context.Context, queue string, msg types.TransportMessage) (string, error)
}

// Stats tracks heartbeat delivery.
type Stats struct {
	Sent     int64
	Failed   int64
	LastSent time.Time
}

// Agent sends heartbeats for one endpoint instance.
type Agent struct {
	cfg      *config.Config
	sender   Sender
	closer   io.Closer
	identity types.EndpointInstanceID
	logger   *slog.Logger

	sent     atomic.Int64
	failed   atomic.Int64
	lastSent atomic.Int64 // unix nanos

	now func() time.Time
}

// New creates an agent connected to the configured Redis transport.
func New(cfg *config.Config, logger *slog.Logger) (*Agent, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	identity, err := ResolveIdentity(ctx, cfg.Endpoint)
	if err != nil {
		return nil, err
	}

	client, err := queue.Connect(cfg.Transport.RedisURL)
	if err != nil {
		return nil, err
	}

	a := newAgent(cfg, queue.NewProducer(client), identity, logger)
	a.closer = client
	return a, nil
}

func newAgent(cfg *config.Config, sender Sender, identity types.EndpointInstanceID, logger *slog.Logger) *Agent {
	return &Agent{
		cfg:      cfg,
		sender:   sender,
		identity: identity,
		logger:   logger.With("component", "agent", "endpoint", identity.LogicalName),
		now:      time.Now,
	}
}

// ResolveIdentity builds the endpoint instance identity. Host and host id
// come from the OS unless the config sets them.
func ResolveIdentity(ctx context.Context, cfg config.EndpointConfig) (types.EndpointInstanceID, error) {
	hostName, hostID := cfg.Host, cfg.HostID
	if hostName == "" || hostID == "" {
		info, err := host.InfoWithContext(ctx)
		if err != nil {
			return types.EndpointInstanceID{}, fmt.Errorf("reading host info: %w", err)
		}
		if hostName == "" {
			hostName = info.Hostname
		}
		if hostID == "" {
			hostID = info.HostID
		}
	}
	if hostID == "" {
		hostID = hostName
	}
	return types.NewEndpointInstanceID(cfg.Name, hostName, hostID), nil
}

// Identity returns the endpoint instance this agent reports for.
func (a *Agent) Identity() types.EndpointInstanceID {
	return a.identity
}

// Run sends heartbeats until the context is cancelled. Send failures are
// logged and retried on the next tick.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("starting agent",
		"version", Version,
		"host", a.identity.HostName,
		"unique_id", a.identity.UniqueID,
		"queue", a.cfg.Transport.HeartbeatQueue,
		"interval", a.cfg.Heartbeat.Interval)

	ticker := time.NewTicker(a.cfg.Heartbeat.Interval)
	defer ticker.Stop()

	a.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.beat(ctx)
		}
	}
}

func (a *Agent) beat(ctx context.Context) {
	if err := a.SendHeartbeat(ctx); err != nil {
		a.logger.Warn("heartbeat failed", "error", err)
	}
}

// SendHeartbeat sends a single heartbeat.
func (a *Agent) SendHeartbeat(ctx context.Context) error {
	if a.cfg.Heartbeat.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.Heartbeat.SendTimeout)
		defer cancel()
	}

	now := a.now().UTC()
	msg, err := a.HeartbeatMessage(now)
	if err != nil {
		return err
	}

	if _, err := a.sender.Send(ctx, a.cfg.Transport.HeartbeatQueue, msg); err != nil {
		a.failed.Add(1)
		return err
	}
	a.sent.Add(1)
	a.lastSent.Store(now.UnixNano())
	a.logger.Debug("heartbeat sent", "message_id", msg.ID)
	return nil
}

// HeartbeatMessage builds the transport message for a heartbeat executed at
// the given time.
func (a *Agent) HeartbeatMessage(at time.Time) (types.TransportMessage, error) {
	body, err := json.Marshal(types.HeartbeatMessage{
		ExecutedAt:   at,
		EndpointName: a.identity.LogicalName,
		Host:         a.identity.HostName,
		HostID:       a.identity.HostID,
	})
	if err != nil {
		return types.TransportMessage{}, fmt.Errorf("encoding heartbeat: %w", err)
	}

	id := uuid.NewString()
	return types.TransportMessage{
		ID: id,
		Headers: map[string]string{
			types.HeaderMessageID:            id,
			types.HeaderEnclosedMessageTypes: HeartbeatMessageType,
			types.HeaderTimeSent:             types.FormatWireTime(at),
			types.HeaderOriginatingEndpoint:  a.identity.LogicalName,
			types.HeaderOriginatingHost:      a.identity.HostName,
			types.HeaderOriginatingHostID:    a.identity.HostID,
		},
		Body: body,
	}, nil
}

// Stats returns heartbeat delivery counters.
func (a *Agent) Stats() Stats {
	s := Stats{
		Sent:   a.sent.Load(),
		Failed: a.failed.Load(),
	}
	if ns := a.lastSent.Load(); ns != 0 {
		s.LastSent = time.Unix(0, ns).UTC()
	}
	return s
}

// Close releases the transport connection.
func (a *Agent) Close() error {
	if a.closer == nil {
		return nil
	}
	return a.closer.Close()
}
