package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/botfleet/botfleet-back/internal/alerts"
	"github.com/botfleet/botfleet-back/internal/domain"
	"github.com/botfleet/botfleet-back/internal/effects"
	"github.com/botfleet/botfleet-back/internal/faults"
	"github.com/botfleet/botfleet-back/internal/observability"
	"github.com/botfleet/botfleet-back/internal/queue"
	"github.com/botfleet/botfleet-back/internal/repository"
	"github.com/botfleet/botfleet-back/internal/service"
)

type Config struct {
	TeamSize    int
	MaxAttempts int
}

// Worker consumes processing jobs and applies the retry policy around
// the message processor: terminal failures stop, fatal ones go to the
// dead-letter stream, retryable ones requeue.
type Worker struct {
	consumer    queue.Consumer
	processing  repository.ProcessingRepository
	bots        repository.BotsRepository
	processor   *service.Processor
	alerter     alerts.Sink
	teamSize    int
	maxAttempts int
	logger      *zap.Logger
}

func New(
	consumer queue.Consumer,
	processing repository.ProcessingRepository,
	bots repository.BotsRepository,
	processor *service.Processor,
	alerter alerts.Sink,
	config Config,
	logger *zap.Logger,
) *Worker {
	if config.TeamSize <= 0 {
		config.TeamSize = 1
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		consumer:    consumer,
		processing:  processing,
		bots:        bots,
		processor:   processor,
		alerter:     alerter,
		teamSize:    config.TeamSize,
		maxAttempts: config.MaxAttempts,
		logger:      logger,
	}
}

// Start runs the consume team and blocks until the context is done and
// every member has drained.
func (w *Worker) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.teamSize; i++ {
		wg.Add(1)
		go func(member int) {
			defer wg.Done()
			w.consumeLoop(ctx, member)
		}(i)
	}
	wg.Wait()
}

func (w *Worker) consumeLoop(ctx context.Context, member int) {
	logger := w.logger.With(zap.Int("member", member))
	for {
		if ctx.Err() != nil {
			return
		}

		err := w.consumer.Consume(ctx, w.handle)
		if err == nil || ctx.Err() != nil {
			return
		}
		logger.Error("consume loop error, reconnecting", zap.Error(err))

		timer := time.NewTimer(2 * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (w *Worker) handle(ctx context.Context, message domain.QueueMessage) error {
	logger := w.logger.With(
		zap.String("kind", string(message.Kind)),
		zap.String("user_message_id", message.UserMessageID),
		zap.Int("attempt", message.Attempt))
	logger.Info("job started")

	// Channel updates carry identifiers worth keeping even when the
	// job later fails; enrich before processing, best effort.
	if message.Kind == domain.JobKindChannelUpdate &&
		(message.ChannelMessageID != 0 || message.ChannelUpdateID != 0) {
		if err := w.processing.UpdateChannelIDs(ctx, message.UserMessageID, message.ChannelMessageID, 0, message.ChannelUpdateID); err != nil {
			logger.Warn("channel id enrichment failed", zap.Error(err))
		}
	}

	err := w.processor.Process(ctx, message.UserMessageID)
	if err == nil {
		observability.JobsProcessed.WithLabelValues("completed").Inc()
		logger.Info("job completed")
		return nil
	}

	class := faults.Classify(err)
	switch class {
	case faults.ClassTerminal:
		reason := faults.TerminalReason(err)
		if reason == "" {
			reason = err.Error()
		}
		if markErr := w.processing.MarkTerminal(ctx, message.UserMessageID, reason); markErr != nil {
			logger.Error("mark terminal failed", zap.Error(markErr))
		}
		w.alert(ctx, message, class,
			fmt.Sprintf("Message %s stopped permanently: %s", message.UserMessageID, reason))
		observability.JobsProcessed.WithLabelValues("terminal").Inc()
		logger.Warn("job stopped with terminal failure", zap.String("reason", reason), zap.Error(err))
		return nil

	case faults.ClassFatal:
		if markErr := w.processing.MarkTerminal(ctx, message.UserMessageID, err.Error()); markErr != nil {
			logger.Error("mark terminal failed", zap.Error(markErr))
		}
		if message.BotID != "" {
			if botErr := w.bots.SetBotError(ctx, message.BotID, err.Error()); botErr != nil {
				logger.Error("record bot error failed", zap.Error(botErr))
			}
		}
		w.alert(ctx, message, class,
			fmt.Sprintf("Bot %s hit a credential/permission failure: %v", message.BotID, err))
		observability.JobsProcessed.WithLabelValues("fatal").Inc()
		logger.Error("job failed fatally, dead-lettering", zap.Error(err))
		return queue.Permanent(err)

	default:
		if markErr := w.processing.MarkFailed(ctx, message.UserMessageID, err.Error()); markErr != nil {
			logger.Error("mark failed failed", zap.Error(markErr))
		}
		if message.Attempt+1 >= w.maxAttempts {
			w.alert(ctx, message, class,
				fmt.Sprintf("Message %s exhausted retries: %v", message.UserMessageID, err))
		}
		observability.JobsProcessed.WithLabelValues("retryable").Inc()
		logger.Warn("job failed, requeueing", zap.Error(err))
		return err
	}
}

func (w *Worker) alert(ctx context.Context, message domain.QueueMessage, class faults.Class, text string) {
	if w.alerter == nil {
		return
	}
	if err := w.alerter.Notify(ctx, text, dedupeKey(message, class)); err != nil {
		w.logger.Error("admin alert failed", zap.Error(err))
	}
}

// dedupeKey derives a deterministic key so repeated failures of the
// same cause alert once per window.
func dedupeKey(message domain.QueueMessage, class faults.Class) string {
	if message.BotID != "" && message.ChannelUpdateID != 0 {
		return fmt.Sprintf("%s:%s:%d", class, message.BotID, message.ChannelUpdateID)
	}
	return fmt.Sprintf("%s:%s", class, message.UserMessageID)
}

// RecoverySweeper periodically republishes jobs for messages stuck in
// the failed state, the safety net for jobs the queue lost.
type RecoverySweeper struct {
	processing repository.ProcessingRepository
	runner     *effects.Runner
	interval   time.Duration
	batchSize  int
	logger     *zap.Logger
}

func NewRecoverySweeper(
	processing repository.ProcessingRepository,
	runner *effects.Runner,
	interval time.Duration,
	batchSize int,
	logger *zap.Logger,
) *RecoverySweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecoverySweeper{
		processing: processing,
		runner:     runner,
		interval:   interval,
		batchSize:  batchSize,
		logger:     logger,
	}
}

// Run blocks, sweeping once per interval until the context is done.
func (s *RecoverySweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("recovery sweep failed", zap.Error(err))
			}
		}
	}
}

// SweepOnce republishes a processing trigger for each failed record.
func (s *RecoverySweeper) SweepOnce(ctx context.Context) error {
	failed, err := s.processing.FindFailed(ctx, s.batchSize)
	if err != nil {
		return fmt.Errorf("find failed states: %w", err)
	}
	if len(failed) == 0 {
		return nil
	}

	plan := make([]effects.Effect, 0, len(failed))
	for _, state := range failed {
		plan = append(plan, effects.PublishJob{Message: domain.QueueMessage{
			Kind:          domain.JobKindProcessingTrigger,
			UserMessageID: state.UserMessageID,
			RequestedAt:   time.Now().UTC(),
		}})
	}
	if err := s.runner.Run(ctx, plan); err != nil {
		return fmt.Errorf("republish failed states: %w", err)
	}

	s.logger.Info("recovery sweep republished failed messages", zap.Int("count", len(failed)))
	return nil
}
