package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pilot-net/svcmon/control-plane/internal/config"
	"github.com/pilot-net/svcmon/control-plane/internal/metrics"
	"github.com/pilot-net/svcmon/pkg/queue"
	"github.com/pilot-net/svcmon/pkg/types"
)

// Sender sends a message to a named queue.
type Sender interface {
	Send(ctx context.Context, queue string, msg types.TransportMessage) (string, error)
}

// Observer receives the outcome of every handled delivery.
type Observer interface {
	ObserveHandle(pipeline string, d time.Duration, outcome metrics.Outcome)
}

// Diverter takes a message out of the queue for good.
type Diverter interface {
	Divert(ctx context.Context, category types.ImportCategory, d queue.Delivery, reason error) error
}

// PipelineConfig holds configuration for an ingestion pipeline.
type PipelineConfig struct {
	// ForwardTo is the log queue handled messages are copied to. Empty
	// disables forwarding.
	ForwardTo string

	// MaxDeliveryAttempts is the delivery attempt on which a failing
	// message is diverted.
	MaxDeliveryAttempts int64
}

// Pipeline imports the messages of one queue.
type Pipeline struct {
	importer Importer
	sender   Sender
	poison   Diverter
	observer Observer
	cfg      PipelineConfig
	logger   *slog.Logger
}

// NewPipeline creates a pipeline. sender may be nil when forwarding is
// disabled; observer may be nil.
func NewPipeline(importer Importer, sender Sender, poison Diverter, observer Observer, cfg PipelineConfig, logger *slog.Logger) *Pipeline {
	if cfg.MaxDeliveryAttempts < 1 {
		cfg.MaxDeliveryAttempts = config.DefaultMaxDeliveryAttempts
	}
	return &Pipeline{
		importer: importer,
		sender:   sender,
		poison:   poison,
		observer: observer,
		cfg:      cfg,
		logger:   logger.With("component", "ingestion", "pipeline", string(importer.Category())),
	}
}

// Name returns the pipeline name.
func (p *Pipeline) Name() string {
	return string(p.importer.Category())
}

func (p *Pipeline) forwarding() bool {
	return p.cfg.ForwardTo != ""
}

// Start checks that the forwarding queue accepts messages. A pipeline that
// cannot forward must not start, or handled messages would never reach the
// log queue.
func (p *Pipeline) Start(ctx context.Context) error {
	if !p.forwarding() {
		p.logger.Info("ingestion started")
		return nil
	}
	if p.sender == nil {
		return fmt.Errorf("%s import cannot start: forwarding enabled without a sender", p.Name())
	}

	probe := types.TransportMessage{
		ID:      strings.Repeat("0", 32),
		Headers: map[string]string{},
	}
	if _, err := p.sender.Send(ctx, p.cfg.ForwardTo, probe); err != nil {
		return fmt.Errorf("%s import cannot start, forwarding queue %s is not writable: %w", p.Name(), p.cfg.ForwardTo, err)
	}
	p.logger.Info("ingestion started", "forward_to", p.cfg.ForwardTo)
	return nil
}

// Handle processes one delivery. Errors are returned for redelivery until
// the final attempt, when the message is diverted and Handle returns nil.
func (p *Pipeline) Handle(ctx context.Context, d queue.Delivery) error {
	start := time.Now()
	err := p.process(ctx, d)
	elapsed := time.Since(start)

	if elapsed > config.SlowHandleThreshold {
		p.logger.Warn("slow message handling", "message_id", d.Message.ID, "duration", elapsed)
	}

	if err == nil {
		p.observe(elapsed, metrics.OutcomeHandled)
		return nil
	}

	if d.Attempt < p.cfg.MaxDeliveryAttempts {
		p.observe(elapsed, metrics.OutcomeFailed)
		p.logger.Warn("message import failed, will retry",
			"message_id", d.Message.ID,
			"attempt", d.Attempt,
			"max_attempts", p.cfg.MaxDeliveryAttempts,
			"error", err,
		)
		return err
	}

	if divertErr := p.poison.Divert(ctx, p.importer.Category(), d, err); divertErr != nil {
		p.observe(elapsed, metrics.OutcomeFailed)
		p.logger.Error("failed to divert poison message, leaving it on the queue",
			"message_id", d.Message.ID,
			"error", divertErr,
		)
		return fmt.Errorf("diverting %s: %w", d.Message.ID, divertErr)
	}
	p.observe(elapsed, metrics.OutcomePoisoned)
	return nil
}

func (p *Pipeline) process(ctx context.Context, d queue.Delivery) error {
	if d.DecodeErr != nil {
		return d.DecodeErr
	}
	if err := p.importer.Import(ctx, d.Message); err != nil {
		return fmt.Errorf("importing: %w", err)
	}
	if !p.forwarding() {
		return nil
	}
	if _, err := p.sender.Send(ctx, p.cfg.ForwardTo, CleanForForwarding(d.Message)); err != nil {
		return fmt.Errorf("forwarding to %s: %w", p.cfg.ForwardTo, err)
	}
	return nil
}

func (p *Pipeline) observe(d time.Duration, outcome metrics.Outcome) {
	if p.observer != nil {
		p.observer.ObserveHandle(p.Name(), d, outcome)
	}
}

// transportHeaders are transport bookkeeping that must not leak into the
// log queue.
var transportHeaders = []string{
	types.HeaderRetries,
	types.HeaderFLRetries,
	types.HeaderDeliveryAttempt,
}

// CleanForForwarding returns a copy of msg without transport bookkeeping
// headers. msg is not modified.
func CleanForForwarding(msg types.TransportMessage) types.TransportMessage {
	headers := make(map[string]string, len(msg.Headers))
	for k, v := range msg.Headers {
		headers[k] = v
	}
	for _, h := range transportHeaders {
		delete(headers, h)
	}
	return types.TransportMessage{ID: msg.ID, Headers: headers, Body: msg.Body}
}
