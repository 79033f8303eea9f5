// Package audit fans security events out to the configured sinks. A
// failing sink is logged and counted, never surfaced to the request.
package audit

import (
	"context"
	"time"

	"edge-guard/internal/bucketing"
	"edge-guard/internal/metrics"
	"edge-guard/internal/models"
	"edge-guard/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Publisher records security events. Publish never fails the caller.
type Publisher interface {
	Publish(ctx context.Context, event *models.SecurityEvent)
}

// Sink is one destination for security events.
type Sink interface {
	Name() string
	Write(ctx context.Context, event *models.SecurityEvent) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, *models.SecurityEvent) {}

// Nop discards every event.
func Nop() Publisher { return nopPublisher{} }

// MultiPublisher writes each event to all sinks concurrently within a
// bounded timeout.
type MultiPublisher struct {
	sinks   []Sink
	timeout time.Duration
	buckets *bucketing.BucketingManager
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

func NewMultiPublisher(sinks []Sink, timeout time.Duration, buckets *bucketing.BucketingManager, m *metrics.Metrics, logger *zap.Logger) *MultiPublisher {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MultiPublisher{
		sinks:   sinks,
		timeout: timeout,
		buckets: buckets,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// Publish stamps the event and writes it to every sink. The request
// context only contributes values; its cancellation does not abort the
// writes.
func (p *MultiPublisher) Publish(ctx context.Context, event *models.SecurityEvent) {
	if len(p.sinks) == 0 || event == nil {
		return
	}
	p.stamp(event)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	var g errgroup.Group
	for _, sink := range p.sinks {
		sink := sink
		g.Go(func() error {
			if err := sink.Write(ctx, event); err != nil {
				p.metrics.AuditPublishError(sink.Name())
				p.logger.Warn("failed to publish security event",
					util.String("sink", sink.Name()),
					util.String("event_type", event.EventType),
					util.ErrorField(err),
				)
				return err
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (p *MultiPublisher) stamp(event *models.SecurityEvent) {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.EventTime.IsZero() {
		event.EventTime = p.now().UTC()
	}
	if event.EventDate == "" {
		event.EventDate = event.EventTime.UTC().Format("2006-01-02")
	}
	if p.buckets != nil {
		key := event.UserID
		if key == "" {
			key = event.IPAddress
		}
		event.EventBucket = p.buckets.GetEventBucket(key)
	}
}
