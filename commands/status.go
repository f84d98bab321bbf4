package commands

import (
	"context"
	"log/slog"

	errs "github.com/edgecmd/edgeworker/errors"
	"github.com/edgecmd/edgeworker/metric"
	"github.com/edgecmd/edgeworker/protocol"
)

// Publisher publishes raw bytes to a subject. natsclient.Client satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// StatusPublisher encodes and publishes status events
type StatusPublisher struct {
	pub     Publisher
	metrics *metric.Metrics
	logger  *slog.Logger
}

// NewStatusPublisher wraps pub. metrics may be nil.
func NewStatusPublisher(pub Publisher, metrics *metric.Metrics, logger *slog.Logger) *StatusPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusPublisher{pub: pub, metrics: metrics, logger: logger}
}

// Publish sends ev on its status subject
func (s *StatusPublisher) Publish(ctx context.Context, ev *protocol.StatusEvent) error {
	data, err := ev.Encode()
	if err != nil {
		return errs.Wrap(err, "StatusPublisher", "Publish", "encode "+ev.EventType)
	}

	subj := ev.Subject()
	if err := s.pub.Publish(ctx, subj, data); err != nil {
		return errs.WrapTransient(err, "StatusPublisher", "Publish", "publish "+ev.EventType)
	}

	if s.metrics != nil {
		s.metrics.RecordStatusEvent(ev.Domain, ev.EventType)
	}
	s.logger.Debug("Published status event", "subject", subj, "event_type", ev.EventType, "id", ev.ID)
	return nil
}
