// Package audit records security events and fans them out to the
// configured sinks. Recording never fails the caller.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"storefront-auth/internal/bucketing"
	"storefront-auth/internal/models"
	"storefront-auth/internal/util"
)

const defaultSinkTimeout = 3 * time.Second

// Event is what callers report. The raw identifier is hashed before it
// reaches any sink.
type Event struct {
	Type           models.SecurityEventType
	UserID         string
	Identifier     string
	IdentifierKind models.IdentifierKind
	RequestID      string
	ClientIP       string
	Success        bool
	Details        string
}

type Sink interface {
	Name() string
	Write(ctx context.Context, event *models.SecurityEvent) error
}

type Recorder struct {
	sinks   []Sink
	buckets *bucketing.BucketingManager
	timeout time.Duration
	now     func() time.Time
	wg      sync.WaitGroup
}

// NewRecorder returns a recorder writing to sinks. A non-positive timeout
// falls back to the default per-event deadline.
func NewRecorder(buckets *bucketing.BucketingManager, timeout time.Duration, sinks ...Sink) *Recorder {
	if timeout <= 0 {
		timeout = defaultSinkTimeout
	}
	return &Recorder{
		sinks:   sinks,
		buckets: buckets,
		timeout: timeout,
		now:     time.Now,
	}
}

// WithClock overrides the event timestamp source.
func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	r.now = now
	return r
}

// Record builds the event and writes it to every sink in the background.
// A nil Recorder drops events.
func (r *Recorder) Record(ctx context.Context, ev Event) {
	if r == nil || len(r.sinks) == 0 {
		return
	}

	event := r.build(ev)
	base := context.WithoutCancel(ctx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.fanOut(base, event)
	}()
}

func (r *Recorder) fanOut(ctx context.Context, event *models.SecurityEvent) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var g errgroup.Group
	for _, sink := range r.sinks {
		g.Go(func() error {
			if err := sink.Write(ctx, event); err != nil {
				util.Warn("Audit sink write failed",
					util.String("sink", sink.Name()),
					util.String("event_type", string(event.EventType)),
					util.String("event_id", event.EventID),
					util.ErrorField(err),
				)
				return fmt.Errorf("%s: %w", sink.Name(), err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Recorder) build(ev Event) *models.SecurityEvent {
	now := r.now().UTC()
	event := &models.SecurityEvent{
		EventID:        uuid.NewString(),
		EventDate:      now.Format("2006-01-02"),
		EventTime:      now,
		EventType:      ev.Type,
		UserID:         ev.UserID,
		IdentifierKind: ev.IdentifierKind,
		RequestID:      ev.RequestID,
		IPAddress:      ev.ClientIP,
		Success:        ev.Success,
		Details:        ev.Details,
	}
	if ev.Identifier != "" {
		event.IdentifierHash = HashIdentifier(ev.IdentifierKind, ev.Identifier)
	}
	if r.buckets != nil {
		event.EventDate = r.buckets.GetDateBucket(now)
		event.EventBucket = r.buckets.GetEventBucket(partitionKey(event))
	}
	return event
}

// Flush waits for in-flight events or until ctx is done.
func (r *Recorder) Flush(ctx context.Context) error {
	if r == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("audit flush interrupted: %w", ctx.Err())
	}
}

// HashIdentifier is the stable audit handle for an identifier.
func HashIdentifier(kind models.IdentifierKind, identifier string) string {
	sum := sha256.Sum256([]byte(string(kind) + ":" + identifier))
	return hex.EncodeToString(sum[:])
}

// partitionKey keeps one subject's events together.
func partitionKey(event *models.SecurityEvent) string {
	if event.UserID != "" {
		return event.UserID
	}
	if event.IdentifierHash != "" {
		return event.IdentifierHash
	}
	return event.EventID
}
