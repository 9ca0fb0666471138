package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/botfleet/botfleet-back/internal/ai"
	"github.com/botfleet/botfleet-back/internal/channel"
	"github.com/botfleet/botfleet-back/internal/contextbuilder"
	"github.com/botfleet/botfleet-back/internal/domain"
	"github.com/botfleet/botfleet-back/internal/faults"
	"github.com/botfleet/botfleet-back/internal/repository"
)

func faultsClass(err error) string {
	return string(faults.Classify(err))
}

type sentCall struct {
	chatID int64
	text   string
}

type scriptedClient struct {
	mu     sync.Mutex
	sends  []sentCall
	edits  []sentCall
	typing int
	nextID int64
}

func (c *scriptedClient) SendMessage(_ context.Context, chatID int64, text string, _ int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.sends = append(c.sends, sentCall{chatID: chatID, text: text})
	return c.nextID, nil
}

func (c *scriptedClient) EditMessageText(_ context.Context, chatID, _ int64, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.edits = append(c.edits, sentCall{chatID: chatID, text: text})
	return nil
}

func (c *scriptedClient) SendTypingIndicator(context.Context, int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.typing++
	return nil
}

func (c *scriptedClient) AnswerCallback(context.Context, string, string) error { return nil }
func (c *scriptedClient) SetWebhook(context.Context, string) error             { return nil }
func (c *scriptedClient) DeleteWebhook(context.Context) error                  { return nil }

func (c *scriptedClient) sentTexts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	texts := make([]string, len(c.sends))
	for i, call := range c.sends {
		texts[i] = call.text
	}
	return texts
}

func (c *scriptedClient) editCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.edits)
}

// scriptedGenerator replays chunks with a delay between them so the
// debounce timer fires mid-stream.
type scriptedGenerator struct {
	chunks     []string
	chunkDelay time.Duration
	result     ai.Result
	calls      int
	failTest   *testing.T
}

func (g *scriptedGenerator) StreamAnswer(_ context.Context, _ ai.Request, onChunk func(string)) (ai.Result, error) {
	if g.failTest != nil {
		g.failTest.Fatal("provider must not be called in this scenario")
	}
	g.calls++
	var builder strings.Builder
	for i, chunk := range g.chunks {
		builder.WriteString(chunk)
		onChunk(chunk)
		if g.chunkDelay > 0 && i < len(g.chunks)-1 {
			time.Sleep(g.chunkDelay)
		}
	}
	result := g.result
	if result.Text == "" {
		result.Text = builder.String()
	}
	return result, nil
}

func (g *scriptedGenerator) GetAnswer(ctx context.Context, request ai.Request) (ai.Result, error) {
	return g.StreamAnswer(ctx, request, func(string) {})
}

func (g *scriptedGenerator) Available() bool { return true }

// abortingGenerator emits one chunk, waits long enough for the
// debounce timer to flush it, then dies with the configured error.
type abortingGenerator struct {
	chunk string
	wait  time.Duration
	err   error
	calls int
}

func (g *abortingGenerator) StreamAnswer(_ context.Context, _ ai.Request, onChunk func(string)) (ai.Result, error) {
	g.calls++
	onChunk(g.chunk)
	time.Sleep(g.wait)
	return ai.Result{}, g.err
}

func (g *abortingGenerator) GetAnswer(ctx context.Context, request ai.Request) (ai.Result, error) {
	return g.StreamAnswer(ctx, request, func(string) {})
}

func (g *abortingGenerator) Available() bool { return true }

type fixture struct {
	messages   *repository.MemoryMessagesRepository
	threads    *repository.MemoryThreadsRepository
	bots       *repository.MemoryBotsRepository
	processing *repository.MemoryProcessingRepository
	settings   *repository.MemorySettingsRepository
	client     *scriptedClient
	responses  *ResponseGenerator
	processor  *Processor
}

func newFixture(t *testing.T, generator ai.Generator, debounce time.Duration) *fixture {
	t.Helper()
	f := &fixture{
		messages:   repository.NewMemoryMessagesRepository(),
		threads:    repository.NewMemoryThreadsRepository(),
		bots:       repository.NewMemoryBotsRepository(),
		processing: repository.NewMemoryProcessingRepository(),
		settings:   repository.NewMemorySettingsRepository(),
		client:     &scriptedClient{},
	}
	factory := func(string) channel.Client { return f.client }
	contexts := contextbuilder.NewBuilder(f.messages, f.settings)
	responseGenerator := NewResponseGenerator(
		generator, factory, f.messages, f.threads, f.processing, contexts,
		ResponseGeneratorConfig{DebounceInterval: debounce}, nil,
	)
	sender := NewSender(factory, f.messages, f.processing, nil)
	f.responses = responseGenerator
	f.processor = NewProcessor(f.messages, f.threads, f.bots, f.processing, responseGenerator, sender, nil)
	return f
}

func (f *fixture) seed(t *testing.T, text string) *domain.Message {
	t.Helper()
	f.bots.PutBot(&domain.Bot{
		ID:           "bot-1",
		Token:        "token",
		Model:        "gpt-test",
		Prompt:       "be helpful",
		StartMessage: "Welcome aboard!",
		HelpMessage:  "Ask me anything.",
		Enabled:      true,
	})
	f.threads.PutThread(&domain.Thread{ID: "thread-1", BotID: "bot-1", ChatID: 500})
	message := &domain.Message{
		ID:               "msg-1",
		ThreadID:         "thread-1",
		UserID:           "user-1",
		ChannelMessageID: 77,
		Text:             text,
		CreatedAt:        time.Now().UTC(),
	}
	if err := f.messages.CreateMessage(context.Background(), message); err != nil {
		t.Fatalf("seed message: %v", err)
	}
	return message
}

func TestProcessStartCommandSkipsProvider(t *testing.T) {
	generator := &scriptedGenerator{failTest: t}
	f := newFixture(t, generator, 10*time.Millisecond)
	f.seed(t, "/start")

	if err := f.processor.Process(context.Background(), "msg-1"); err != nil {
		t.Fatalf("process: %v", err)
	}

	sent := f.client.sentTexts()
	if len(sent) != 1 || sent[0] != "Welcome aboard!" {
		t.Fatalf("expected start message, got %v", sent)
	}

	state, err := f.processing.Get(context.Background(), "msg-1")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.Status != domain.ProcessingCompleted {
		t.Fatalf("expected completed, got %s", state.Status)
	}
	if state.ResponseMessageID == "" {
		t.Fatal("expected response message id recorded")
	}
	if state.Price != 0 {
		t.Fatalf("expected zero price for command reply, got %f", state.Price)
	}
}

func TestProcessStreamsOneMessageThenEdits(t *testing.T) {
	generator := &scriptedGenerator{
		chunks:     []string{"Hello ", "world, streaming reply here", " and done."},
		chunkDelay: 80 * time.Millisecond,
		result: ai.Result{
			Price:          0.0042,
			ContinuationID: "resp_next",
			Raw:            json.RawMessage(`{"id":"resp_next"}`),
			Usage:          ai.TokenUsage{TotalTokens: 30},
		},
	}
	f := newFixture(t, generator, 25*time.Millisecond)
	f.seed(t, "tell me something")

	if err := f.processor.Process(context.Background(), "msg-1"); err != nil {
		t.Fatalf("process: %v", err)
	}

	fullText := "Hello world, streaming reply here and done."

	sent := f.client.sentTexts()
	if len(sent) != 1 {
		t.Fatalf("expected exactly one send, got %v", sent)
	}
	if sent[0] == fullText {
		t.Fatal("first send should be a partial, not the full text")
	}
	if f.client.editCount() == 0 {
		t.Fatal("expected at least one edit carrying the final text")
	}
	lastEdit := f.client.edits[len(f.client.edits)-1]
	if lastEdit.text != fullText {
		t.Fatalf("expected final edit with full text, got %q", lastEdit.text)
	}

	state, err := f.processing.Get(context.Background(), "msg-1")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.Status != domain.ProcessingCompleted {
		t.Fatalf("expected completed, got %s", state.Status)
	}
	if state.Price != 0.0042 {
		t.Fatalf("expected recorded price, got %f", state.Price)
	}
	if state.OutgoingChannelMessageID == 0 {
		t.Fatal("expected outgoing channel message id recorded")
	}

	thread, err := f.threads.GetThread(context.Background(), "thread-1")
	if err != nil {
		t.Fatalf("get thread: %v", err)
	}
	if thread.ContinuationToken != "resp_next" {
		t.Fatalf("expected continuation token saved, got %q", thread.ContinuationToken)
	}

	stored, err := f.messages.GetMessage(context.Background(), state.ResponseMessageID)
	if err != nil {
		t.Fatalf("get stored response: %v", err)
	}
	if stored.Text != fullText {
		t.Fatalf("expected stored response text %q, got %q", fullText, stored.Text)
	}
}

func TestProcessShortReplySendsOnceOnFinalize(t *testing.T) {
	// The whole reply is under the first-send threshold; nothing goes
	// out until the forced final flush.
	generator := &scriptedGenerator{chunks: []string{"Hi!"}}
	f := newFixture(t, generator, 20*time.Millisecond)
	f.seed(t, "say hi")

	if err := f.processor.Process(context.Background(), "msg-1"); err != nil {
		t.Fatalf("process: %v", err)
	}

	sent := f.client.sentTexts()
	if len(sent) != 1 || sent[0] != "Hi!" {
		t.Fatalf("expected single final send of short reply, got %v", sent)
	}
	if f.client.editCount() != 0 {
		t.Fatalf("expected no edits for short reply, got %d", f.client.editCount())
	}
}

func TestProcessStreamFailureResumesFromSavedPartial(t *testing.T) {
	partial := "Here is the beginning of a long answer"
	generator := &abortingGenerator{
		chunk: partial,
		wait:  120 * time.Millisecond,
		err:   errors.New("connection reset by peer"),
	}
	f := newFixture(t, generator, 25*time.Millisecond)
	f.seed(t, "tell me a story")

	if err := f.processor.Process(context.Background(), "msg-1"); err == nil {
		t.Fatal("expected stream failure to propagate")
	}

	sent := f.client.sentTexts()
	if len(sent) != 1 || sent[0] != partial {
		t.Fatalf("expected the flushed partial on screen, got %v", sent)
	}

	state, err := f.processing.Get(context.Background(), "msg-1")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.ResponseMessageID == "" {
		t.Fatal("delivered partial must be recorded as the reply in progress")
	}
	if state.ResponseSentAt != nil {
		t.Fatal("failed stream must not mark the response sent")
	}
	stored, err := f.messages.GetMessage(context.Background(), state.ResponseMessageID)
	if err != nil {
		t.Fatalf("get stored partial: %v", err)
	}
	if stored.Text != partial {
		t.Fatalf("expected stored partial %q, got %q", partial, stored.Text)
	}

	// The retry resumes from the saved reply: no provider call, no
	// second chat message.
	if err := f.processor.Process(context.Background(), "msg-1"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if generator.calls != 1 {
		t.Fatalf("retry must not call the provider again, got %d calls", generator.calls)
	}
	if got := f.client.sentTexts(); len(got) != 1 {
		t.Fatalf("retry must not send a second message, got %v", got)
	}
	if f.client.editCount() == 0 {
		t.Fatal("retry should redeliver by editing the on-screen partial")
	}

	state, err = f.processing.Get(context.Background(), "msg-1")
	if err != nil {
		t.Fatalf("get state after retry: %v", err)
	}
	if state.Status != domain.ProcessingCompleted {
		t.Fatalf("expected completed after retry, got %s", state.Status)
	}
	if state.ResponseSentAt == nil {
		t.Fatal("expected sent timestamp after retry")
	}
}

func TestFlushAfterFinalizeDoesNotTouchChat(t *testing.T) {
	f := newFixture(t, &scriptedGenerator{}, 10*time.Millisecond)
	message := f.seed(t, "anything")
	bot := &domain.Bot{ID: "bot-1", Token: "token", Enabled: true}
	thread := &domain.Thread{ID: "thread-1", BotID: "bot-1", ChatID: 500}

	state := &streamState{typingStop: make(chan struct{}), done: true}
	state.append("plenty of text that would otherwise go out right now")

	f.responses.flushPartial(context.Background(), f.client, bot, thread, message, state)

	if len(f.client.sentTexts()) != 0 || f.client.editCount() != 0 {
		t.Fatalf("settled stream must ignore a late timer flush, got sends=%v edits=%d",
			f.client.sentTexts(), f.client.editCount())
	}
}

func TestProcessRecoveryDeliversStoredResponse(t *testing.T) {
	generator := &scriptedGenerator{failTest: t}
	f := newFixture(t, generator, 10*time.Millisecond)
	f.seed(t, "original question")

	stored := &domain.Message{
		ID:       "resp-1",
		ThreadID: "thread-1",
		BotID:    "bot-1",
		Text:     "previously generated answer",
	}
	if err := f.messages.CreateMessage(context.Background(), stored); err != nil {
		t.Fatalf("seed stored response: %v", err)
	}
	if _, err := f.processing.GetOrCreate(context.Background(), "msg-1"); err != nil {
		t.Fatalf("seed state: %v", err)
	}
	if err := f.processing.MarkResponseGenerated(context.Background(), "msg-1", "resp-1", 0.001, nil); err != nil {
		t.Fatalf("seed generated marker: %v", err)
	}

	if err := f.processor.Process(context.Background(), "msg-1"); err != nil {
		t.Fatalf("process: %v", err)
	}

	sent := f.client.sentTexts()
	if len(sent) != 1 || sent[0] != "previously generated answer" {
		t.Fatalf("expected stored answer delivered, got %v", sent)
	}

	state, err := f.processing.Get(context.Background(), "msg-1")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.Status != domain.ProcessingCompleted {
		t.Fatalf("expected completed, got %s", state.Status)
	}
	if state.ResponseSentAt == nil {
		t.Fatal("expected sent timestamp recorded")
	}
}

func TestProcessCompletedRecordIsNoOp(t *testing.T) {
	generator := &scriptedGenerator{failTest: t}
	f := newFixture(t, generator, 10*time.Millisecond)
	f.seed(t, "anything")

	if _, err := f.processing.GetOrCreate(context.Background(), "msg-1"); err != nil {
		t.Fatalf("seed state: %v", err)
	}
	if err := f.processing.MarkCompleted(context.Background(), "msg-1"); err != nil {
		t.Fatalf("seed completed: %v", err)
	}

	if err := f.processor.Process(context.Background(), "msg-1"); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(f.client.sentTexts()) != 0 {
		t.Fatalf("expected no sends for completed record, got %v", f.client.sentTexts())
	}
}

func TestProcessMissingMessageIsTerminal(t *testing.T) {
	generator := &scriptedGenerator{}
	f := newFixture(t, generator, 10*time.Millisecond)

	err := f.processor.Process(context.Background(), "ghost")
	if err == nil {
		t.Fatal("expected error for missing message")
	}
	if got := faultsClass(err); got != "terminal" {
		t.Fatalf("expected terminal class, got %s", got)
	}
}
