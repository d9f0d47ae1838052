package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/auth-core-api/internal/models"
	"github.com/noah-isme/auth-core-api/pkg/jobs"
)

const securityEventJobType = "security_event"

type securityEventRepository interface {
	Create(ctx context.Context, event *models.SecurityEvent) error
	ListByUser(ctx context.Context, filter models.SecurityEventFilter) ([]models.SecurityEvent, int, error)
}

type securityEventQueue interface {
	Started() bool
	Enqueue(ctx context.Context, job jobs.Job) error
}

// SecurityEventInput carries the optional attributes of a recorded event.
type SecurityEventInput struct {
	UserID    string
	DeviceID  string
	IP        string
	UserAgent string
	Metadata  map[string]interface{}
}

// SecurityEventService appends to the security audit trail. Writes go through
// the job queue when one is running and are made inline otherwise. A write
// that cannot be completed is logged and counted, never silently dropped.
type SecurityEventService struct {
	repo    securityEventRepository
	queue   securityEventQueue
	clock   Clock
	metrics *MetricsService
	logger  *zap.Logger
}

// NewSecurityEventService constructs a SecurityEventService.
func NewSecurityEventService(repo securityEventRepository, clock Clock, metrics *MetricsService, logger *zap.Logger) *SecurityEventService {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SecurityEventService{repo: repo, clock: clock, metrics: metrics, logger: logger}
}

// UseQueue routes subsequent writes through queue.
func (s *SecurityEventService) UseQueue(queue securityEventQueue) {
	s.queue = queue
}

// Record appends an event. It does not return an error; failures are reported
// through the logger and metrics.
func (s *SecurityEventService) Record(ctx context.Context, eventType models.SecurityEventType, input SecurityEventInput) {
	event, err := s.build(eventType, input)
	if err != nil {
		s.fail(event, err)
		return
	}

	if s.queue != nil && s.queue.Started() {
		job := jobs.Job{ID: event.ID, Type: securityEventJobType, Payload: event}
		err := s.queue.Enqueue(ctx, job)
		if err == nil {
			return
		}
		s.logger.Warn("security event queue unavailable, writing inline", zap.String("event_id", event.ID), zap.Error(err))
	}

	// Detached from request cancellation so an aborted client does not erase the trail.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.repo.Create(writeCtx, event); err != nil {
		s.fail(event, err)
	}
}

// Handle is the jobs.Handler persisting queued events.
func (s *SecurityEventService) Handle(ctx context.Context, job jobs.Job) error {
	event, ok := job.Payload.(*models.SecurityEvent)
	if !ok {
		return fmt.Errorf("unexpected security event payload %T", job.Payload)
	}
	return s.repo.Create(ctx, event)
}

// HandleGiveUp is the jobs.GiveUpFunc for events the queue could not persist.
func (s *SecurityEventService) HandleGiveUp(job jobs.Job, err error) {
	event, _ := job.Payload.(*models.SecurityEvent)
	s.fail(event, err)
}

// List returns a page of events for a user, newest first.
func (s *SecurityEventService) List(ctx context.Context, filter models.SecurityEventFilter) ([]models.SecurityEvent, int, error) {
	return s.repo.ListByUser(ctx, filter)
}

func (s *SecurityEventService) build(eventType models.SecurityEventType, input SecurityEventInput) (*models.SecurityEvent, error) {
	event := &models.SecurityEvent{
		ID:        uuid.NewString(),
		EventType: eventType,
		UserID:    optionalString(input.UserID),
		DeviceID:  optionalString(input.DeviceID),
		IPAddress: input.IP,
		UserAgent: input.UserAgent,
		CreatedAt: s.clock.Now(),
	}
	if len(input.Metadata) > 0 {
		raw, err := json.Marshal(input.Metadata)
		if err != nil {
			return event, fmt.Errorf("encode security event metadata: %w", err)
		}
		event.Metadata = raw
	}
	return event, nil
}

func (s *SecurityEventService) fail(event *models.SecurityEvent, err error) {
	fields := []zap.Field{zap.Error(err)}
	if event != nil {
		fields = append(fields,
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.EventType)),
		)
		if event.UserID != nil {
			fields = append(fields, zap.String("user_id", *event.UserID))
		}
		if event.DeviceID != nil {
			fields = append(fields, zap.String("device_id", *event.DeviceID))
		}
	}
	s.logger.Error("failed to record security event", fields...)
	s.metrics.RecordSecurityEventFailure()
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
