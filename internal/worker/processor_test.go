package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/botfleet/botfleet-back/internal/ai"
	"github.com/botfleet/botfleet-back/internal/channel"
	"github.com/botfleet/botfleet-back/internal/contextbuilder"
	"github.com/botfleet/botfleet-back/internal/domain"
	"github.com/botfleet/botfleet-back/internal/effects"
	"github.com/botfleet/botfleet-back/internal/queue"
	"github.com/botfleet/botfleet-back/internal/repository"
	"github.com/botfleet/botfleet-back/internal/service"
)

type stubClient struct {
	sent int
}

func (c *stubClient) SendMessage(context.Context, int64, string, int64) (int64, error) {
	c.sent++
	return int64(c.sent), nil
}
func (c *stubClient) EditMessageText(context.Context, int64, int64, string) error { return nil }
func (c *stubClient) SendTypingIndicator(context.Context, int64) error            { return nil }
func (c *stubClient) AnswerCallback(context.Context, string, string) error        { return nil }
func (c *stubClient) SetWebhook(context.Context, string) error                    { return nil }
func (c *stubClient) DeleteWebhook(context.Context) error                         { return nil }

type erroringGenerator struct {
	err error
}

func (g *erroringGenerator) StreamAnswer(context.Context, ai.Request, func(string)) (ai.Result, error) {
	return ai.Result{}, g.err
}

func (g *erroringGenerator) GetAnswer(context.Context, ai.Request) (ai.Result, error) {
	return ai.Result{}, g.err
}

func (g *erroringGenerator) Available() bool { return true }

type recordingSink struct {
	notes []string
	keys  []string
}

func (s *recordingSink) Notify(_ context.Context, text, dedupeKey string) error {
	s.notes = append(s.notes, text)
	s.keys = append(s.keys, dedupeKey)
	return nil
}

type harness struct {
	processing *repository.MemoryProcessingRepository
	bots       *repository.MemoryBotsRepository
	sink       *recordingSink
	worker     *Worker
}

func newHarness(t *testing.T, generatorErr error, maxAttempts int) *harness {
	t.Helper()
	messages := repository.NewMemoryMessagesRepository()
	threads := repository.NewMemoryThreadsRepository()
	bots := repository.NewMemoryBotsRepository()
	processing := repository.NewMemoryProcessingRepository()
	settings := repository.NewMemorySettingsRepository()

	bots.PutBot(&domain.Bot{ID: "bot-1", Token: "t", Model: "gpt-test", Enabled: true})
	threads.PutThread(&domain.Thread{ID: "thread-1", BotID: "bot-1", ChatID: 9})
	if err := messages.CreateMessage(context.Background(), &domain.Message{
		ID:       "msg-1",
		ThreadID: "thread-1",
		UserID:   "user-1",
		Text:     "hello there bot friend",
	}); err != nil {
		t.Fatalf("seed message: %v", err)
	}

	factory := func(string) channel.Client { return &stubClient{} }
	contexts := contextbuilder.NewBuilder(messages, settings)
	responseGenerator := service.NewResponseGenerator(
		&erroringGenerator{err: generatorErr}, factory, messages, threads, processing, contexts,
		service.ResponseGeneratorConfig{DebounceInterval: 10 * time.Millisecond}, nil,
	)
	sender := service.NewSender(factory, messages, processing, nil)
	processor := service.NewProcessor(messages, threads, bots, processing, responseGenerator, sender, nil)

	h := &harness{processing: processing, bots: bots, sink: &recordingSink{}}
	h.worker = New(nil, processing, bots, processor, h.sink, Config{MaxAttempts: maxAttempts}, nil)
	return h
}

type codedError struct {
	code int
}

func (e *codedError) Error() string   { return fmt.Sprintf("status %d", e.code) }
func (e *codedError) StatusCode() int { return e.code }

func TestHandleFatalErrorDeadLettersAndFlagsBot(t *testing.T) {
	h := newHarness(t, &codedError{code: 401}, 3)

	err := h.worker.handle(context.Background(), domain.QueueMessage{
		Kind:          domain.JobKindChannelUpdate,
		UserMessageID: "msg-1",
		BotID:         "bot-1",
	})
	if err == nil {
		t.Fatal("expected error re-thrown for fatal failure")
	}
	if !queue.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}

	state, getErr := h.processing.Get(context.Background(), "msg-1")
	if getErr != nil {
		t.Fatalf("get state: %v", getErr)
	}
	if state.Status != domain.ProcessingTerminal {
		t.Fatalf("expected terminal state, got %s", state.Status)
	}

	bot, botErr := h.bots.GetBot(context.Background(), "bot-1")
	if botErr != nil {
		t.Fatalf("get bot: %v", botErr)
	}
	if bot.LastError == "" {
		t.Fatal("expected bot error recorded")
	}
	if len(h.sink.notes) != 1 {
		t.Fatalf("expected one alert, got %v", h.sink.notes)
	}
}

func TestHandleTerminalErrorSwallowsAndAlerts(t *testing.T) {
	h := newHarness(t, errors.New("unused"), 3)

	err := h.worker.handle(context.Background(), domain.QueueMessage{
		Kind:          domain.JobKindProcessingTrigger,
		UserMessageID: "ghost",
	})
	if err != nil {
		t.Fatalf("terminal failures must be swallowed, got %v", err)
	}

	state, getErr := h.processing.Get(context.Background(), "ghost")
	if getErr != nil {
		t.Fatalf("get state: %v", getErr)
	}
	if state.Status != domain.ProcessingTerminal {
		t.Fatalf("expected terminal state, got %s", state.Status)
	}
	if len(h.sink.keys) != 1 || h.sink.keys[0] != "terminal:ghost" {
		t.Fatalf("expected terminal dedupe key, got %v", h.sink.keys)
	}
}

func TestHandleRetryableErrorRequeuesAndAlertsOnLastAttempt(t *testing.T) {
	h := newHarness(t, errors.New("connection reset by peer"), 3)

	err := h.worker.handle(context.Background(), domain.QueueMessage{
		Kind:          domain.JobKindChannelUpdate,
		UserMessageID: "msg-1",
		BotID:         "bot-1",
		Attempt:       0,
	})
	if err == nil || queue.IsPermanent(err) {
		t.Fatalf("expected plain retryable error, got %v", err)
	}
	if len(h.sink.notes) != 0 {
		t.Fatalf("expected no alert before the last attempt, got %v", h.sink.notes)
	}

	state, getErr := h.processing.Get(context.Background(), "msg-1")
	if getErr != nil {
		t.Fatalf("get state: %v", getErr)
	}
	if state.Status != domain.ProcessingFailed {
		t.Fatalf("expected failed state, got %s", state.Status)
	}

	err = h.worker.handle(context.Background(), domain.QueueMessage{
		Kind:          domain.JobKindChannelUpdate,
		UserMessageID: "msg-1",
		BotID:         "bot-1",
		Attempt:       2,
	})
	if err == nil {
		t.Fatal("expected error on last attempt")
	}
	if len(h.sink.notes) != 1 {
		t.Fatalf("expected one alert on last attempt, got %v", h.sink.notes)
	}
}

func TestHandleEnrichesChannelIDs(t *testing.T) {
	h := newHarness(t, errors.New("timeout while waiting"), 3)

	_ = h.worker.handle(context.Background(), domain.QueueMessage{
		Kind:             domain.JobKindChannelUpdate,
		UserMessageID:    "msg-1",
		BotID:            "bot-1",
		ChannelMessageID: 321,
		ChannelUpdateID:  654,
	})

	state, err := h.processing.Get(context.Background(), "msg-1")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.IncomingChannelMessageID != 321 || state.ChannelUpdateID != 654 {
		t.Fatalf("expected channel ids recorded, got %+v", state)
	}
}

func TestDedupeKeyShapes(t *testing.T) {
	withUpdate := domain.QueueMessage{UserMessageID: "m", BotID: "b", ChannelUpdateID: 9}
	if got := dedupeKey(withUpdate, "fatal"); got != "fatal:b:9" {
		t.Fatalf("unexpected key %q", got)
	}
	withoutUpdate := domain.QueueMessage{UserMessageID: "m"}
	if got := dedupeKey(withoutUpdate, "retryable"); got != "retryable:m" {
		t.Fatalf("unexpected key %q", got)
	}
}

type capturingProducer struct {
	published []domain.QueueMessage
}

func (p *capturingProducer) Enqueue(_ context.Context, message domain.QueueMessage) error {
	p.published = append(p.published, message)
	return nil
}

func TestSweepOnceRepublishesFailedMessages(t *testing.T) {
	processing := repository.NewMemoryProcessingRepository()
	for _, id := range []string{"m-1", "m-2"} {
		if err := processing.MarkFailed(context.Background(), id, "boom"); err != nil {
			t.Fatalf("seed failed state: %v", err)
		}
	}

	producer := &capturingProducer{}
	runner := effects.NewRunner(nil, producer, nil, nil, nil)
	sweeper := NewRecoverySweeper(processing, runner, time.Minute, 10, nil)

	if err := sweeper.SweepOnce(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(producer.published) != 2 {
		t.Fatalf("expected 2 republished jobs, got %d", len(producer.published))
	}
	for _, job := range producer.published {
		if job.Kind != domain.JobKindProcessingTrigger {
			t.Fatalf("expected processing trigger, got %s", job.Kind)
		}
	}
}
