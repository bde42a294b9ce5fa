package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"appointly/internal/database"
	"appointly/internal/domain"
	"appointly/internal/events"
	"appointly/internal/metrics"
	"appointly/internal/models"
)

const (
	TaskNotify  = "notify"
	TaskPersist = "persist"
)

// TaskStore is the durable outbox the worker drains.
type TaskStore interface {
	CreateNotificationTask(ctx context.Context, task *models.NotificationTask) error
	GetPendingNotificationTasks(ctx context.Context, limit int) ([]models.NotificationTask, error)
	UpdateNotificationTaskStatus(ctx context.Context, id int64, status, errMsg string, nextRetryAt *time.Time) error
}

// notifyPayload is persisted in NotificationTask.Payload for notify tasks.
type notifyPayload struct {
	EventType string                     `json:"event_type"`
	Booking   events.BookingEventPayload `json:"booking"`
}

// NotificationWorker drains the notification outbox: it delivers booking
// events to the Notifier and retries booking writes that failed after a
// transition committed.
type NotificationWorker struct {
	store         TaskStore
	notifier      domain.Notifier
	bookings      domain.BookingStore
	redis         *redis.Client
	retryPolicy   RetryPolicy
	queue         chan models.NotificationTask
	redisQueueKey string
	deadLetterKey string
	pollInterval  time.Duration
	batchSize     int
	logger        zerolog.Logger
}

// NewNotificationWorker builds a worker with sane defaults. redisClient may be nil.
func NewNotificationWorker(
	store TaskStore,
	notifier domain.Notifier,
	bookings domain.BookingStore,
	redisClient *redis.Client,
	retry RetryPolicy,
	pollInterval time.Duration,
	logger zerolog.Logger,
) *NotificationWorker {
	if retry.MaxRetries == 0 {
		retry.MaxRetries = 5
	}
	if retry.InitialDelay == 0 {
		retry.InitialDelay = 2 * time.Second
	}
	if retry.MaxDelay == 0 {
		retry.MaxDelay = time.Minute
	}
	if retry.BackoffFactor == 0 {
		retry.BackoffFactor = 2
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	return &NotificationWorker{
		store:         store,
		notifier:      notifier,
		bookings:      bookings,
		redis:         redisClient,
		retryPolicy:   retry,
		queue:         make(chan models.NotificationTask, models.WorkerQueueSize),
		redisQueueKey: "appointly:notifications:queue",
		deadLetterKey: "appointly:notifications:deadletter",
		pollInterval:  pollInterval,
		batchSize:     20,
		logger:        logger.With().Str("component", "notification_worker").Logger(),
	}
}

// Subscribe turns every booking event on the bus into a notify task.
func (w *NotificationWorker) Subscribe(bus *events.EventBus) {
	bus.SubscribeAll(events.AllBookingEvents, func(ev *events.Event) error {
		var booking events.BookingEventPayload
		if err := ev.Decode(&booking); err != nil {
			return fmt.Errorf("decode %s: %w", ev.Type, err)
		}
		raw, err := json.Marshal(notifyPayload{EventType: ev.Type, Booking: booking})
		if err != nil {
			return err
		}
		return w.EnqueueTask(context.Background(), TaskNotify, booking.BookingID, raw)
	})
}

// EnqueueTask persists the task and schedules it via redis or the in-memory queue.
func (w *NotificationWorker) EnqueueTask(ctx context.Context, taskType, bookingID string, payload []byte) error {
	if taskType != TaskNotify && taskType != TaskPersist {
		return fmt.Errorf("unknown task type %q", taskType)
	}
	if bookingID == "" {
		return errors.New("booking id is required")
	}

	task := models.NotificationTask{
		TaskType:  taskType,
		BookingID: bookingID,
		Payload:   string(payload),
		Status:    database.TaskStatusPending,
	}
	if err := w.store.CreateNotificationTask(ctx, &task); err != nil {
		return fmt.Errorf("persist notification task: %w", err)
	}

	if w.redis != nil {
		if err := w.pushRedis(ctx, task); err != nil {
			w.logger.Warn().Err(err).Int64("task_id", task.ID).Msg("redis push failed, fallback to memory queue")
		} else {
			return nil
		}
	}

	select {
	case w.queue <- task:
	default:
		w.logger.Warn().Int64("task_id", task.ID).Msg("in-memory queue full, task left to polling")
	}
	return nil
}

// Start runs the main loop until ctx is done.
func (w *NotificationWorker) Start(ctx context.Context) {
	w.logger.Info().Msg("started")
	defer w.logger.Info().Msg("stopped")

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if t, ok := w.tryLocalQueue(); ok {
			w.processTask(ctx, &t)
			continue
		}

		if t, ok := w.tryRedis(ctx); ok {
			w.processTask(ctx, &t)
			continue
		}

		tasks, err := w.store.GetPendingNotificationTasks(ctx, w.batchSize)
		if err != nil {
			w.logger.Error().Err(err).Msg("fetch pending tasks")
			w.sleep(ctx)
			continue
		}
		if len(tasks) == 0 {
			w.sleep(ctx)
			continue
		}

		for i := range tasks {
			w.processTask(ctx, &tasks[i])
		}
	}
}

func (w *NotificationWorker) sleep(ctx context.Context) {
	t := time.NewTimer(w.pollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (w *NotificationWorker) tryLocalQueue() (models.NotificationTask, bool) {
	select {
	case t := <-w.queue:
		return t, true
	default:
		return models.NotificationTask{}, false
	}
}

func (w *NotificationWorker) tryRedis(ctx context.Context) (models.NotificationTask, bool) {
	if w.redis == nil {
		return models.NotificationTask{}, false
	}
	res, err := w.redis.BRPop(ctx, time.Second, w.redisQueueKey).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			w.logger.Warn().Err(err).Msg("redis BRPOP error")
		}
		return models.NotificationTask{}, false
	}
	if len(res) != 2 {
		return models.NotificationTask{}, false
	}
	var task models.NotificationTask
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		w.logger.Error().Err(err).Msg("decode redis task")
		return models.NotificationTask{}, false
	}
	return task, true
}

func (w *NotificationWorker) processTask(ctx context.Context, task *models.NotificationTask) {
	err := w.handleTask(ctx, task)
	var permanent *permanentError
	switch {
	case err == nil:
		metrics.IncNotificationTask(task.TaskType, "completed")
		if err := w.store.UpdateNotificationTaskStatus(ctx, task.ID, database.TaskStatusCompleted, "", nil); err != nil {
			w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("mark completed")
		}
	case errors.As(err, &permanent):
		w.failTask(ctx, task, err)
	default:
		w.retryOrFail(ctx, task, err)
	}
}

// permanentError marks failures that retrying cannot fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func (w *NotificationWorker) handleTask(ctx context.Context, task *models.NotificationTask) error {
	switch task.TaskType {
	case TaskNotify:
		var p notifyPayload
		if err := json.Unmarshal([]byte(task.Payload), &p); err != nil {
			return &permanentError{fmt.Errorf("decode payload: %w", err)}
		}
		if w.notifier == nil {
			return nil
		}
		return w.notifier.Notify(ctx, p.EventType, p.Booking)
	case TaskPersist:
		var b models.Booking
		if err := json.Unmarshal([]byte(task.Payload), &b); err != nil {
			return &permanentError{fmt.Errorf("decode payload: %w", err)}
		}
		if w.bookings == nil {
			return &permanentError{errors.New("no booking store configured")}
		}
		err := w.bookings.SaveBooking(ctx, &b)
		if errors.Is(err, database.ErrStaleWrite) {
			// A newer version already reached the store.
			w.logger.Debug().Str("booking_id", b.ID).Int64("version", b.Version).Msg("persist retry superseded")
			return nil
		}
		return err
	default:
		return &permanentError{fmt.Errorf("unknown task type: %s", task.TaskType)}
	}
}

func (w *NotificationWorker) retryOrFail(ctx context.Context, task *models.NotificationTask, cause error) {
	attempt := task.RetryCount + 1
	if attempt >= w.retryPolicy.MaxRetries {
		w.failTask(ctx, task, cause)
		return
	}

	metrics.IncNotificationTask(task.TaskType, "retry")
	nextTime := time.Now().Add(w.retryPolicy.NextDelay(attempt))
	w.logger.Warn().Err(cause).Int64("task_id", task.ID).Int("attempt", attempt).Time("next_retry_at", nextTime).Msg("task failed, will retry")
	if err := w.store.UpdateNotificationTaskStatus(ctx, task.ID, database.TaskStatusRetry, cause.Error(), &nextTime); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("mark retry")
	}
}

func (w *NotificationWorker) failTask(ctx context.Context, task *models.NotificationTask, cause error) {
	metrics.IncNotificationTask(task.TaskType, "failed")
	w.logger.Error().Err(cause).Int64("task_id", task.ID).Str("booking_id", task.BookingID).Msg("task failed permanently")
	if err := w.store.UpdateNotificationTaskStatus(ctx, task.ID, database.TaskStatusFailed, cause.Error(), nil); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("mark failed")
	}
	w.pushDeadLetter(ctx, task)
}

func (w *NotificationWorker) pushRedis(ctx context.Context, task models.NotificationTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return w.redis.LPush(ctx, w.redisQueueKey, data).Err()
}

func (w *NotificationWorker) pushDeadLetter(ctx context.Context, task *models.NotificationTask) {
	if w.redis == nil {
		return
	}
	data, err := json.Marshal(task)
	if err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("encode deadletter")
		return
	}
	if err := w.redis.LPush(ctx, w.deadLetterKey, data).Err(); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("deadletter push")
	}
}
