package service

import (
	"context"
	"encoding/json"

	"iptracker/internal/tasks"

	"github.com/hibiken/asynq"
	zlog "github.com/rs/zerolog/log"
)

type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// AlertService reports anomalies and sweep failures to operators. Every alert
// is logged; it is also queued for webhook delivery when a URL is configured.
type AlertService struct {
	enqueuer TaskEnqueuer
	enabled  bool
}

func NewAlertService(enqueuer TaskEnqueuer, webhookURL string) *AlertService {
	return &AlertService{
		enqueuer: enqueuer,
		enabled:  webhookURL != "",
	}
}

func (s *AlertService) Notify(ctx context.Context, event string, data interface{}) {
	zlog.Warn().Str("event", event).Interface("data", data).Msg("Operator alert")

	if s == nil || !s.enabled || s.enqueuer == nil {
		return
	}

	payload, err := json.Marshal(data)
	if err != nil {
		zlog.Error().Err(err).Str("event", event).Msg("Error marshaling alert payload")
		return
	}

	task, err := tasks.NewAlertDeliveryTask(event, payload)
	if err != nil {
		zlog.Error().Err(err).Str("event", event).Msg("Error creating alert task")
		return
	}

	if _, err := s.enqueuer.EnqueueContext(ctx, task); err != nil {
		zlog.Error().Err(err).Str("event", event).Msg("Error enqueuing alert task")
	}
}
