package effects

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/botfleet/botfleet-back/internal/channel"
	"github.com/botfleet/botfleet-back/internal/domain"
)

type fakeClient struct {
	webhooksSet     []string
	webhooksDeleted int
	failSetWebhook  error
}

func (c *fakeClient) SendMessage(context.Context, int64, string, int64) (int64, error) { return 0, nil }
func (c *fakeClient) EditMessageText(context.Context, int64, int64, string) error      { return nil }
func (c *fakeClient) SendTypingIndicator(context.Context, int64) error                 { return nil }
func (c *fakeClient) AnswerCallback(context.Context, string, string) error             { return nil }

func (c *fakeClient) SetWebhook(_ context.Context, url string) error {
	if c.failSetWebhook != nil {
		return c.failSetWebhook
	}
	c.webhooksSet = append(c.webhooksSet, url)
	return nil
}

func (c *fakeClient) DeleteWebhook(context.Context) error {
	c.webhooksDeleted++
	return nil
}

type fakePoller struct {
	started []string
	stopped []string
}

func (p *fakePoller) Start(_ context.Context, bot domain.Bot) error {
	p.started = append(p.started, bot.ID)
	return nil
}

func (p *fakePoller) Stop(_ context.Context, botID string) error {
	p.stopped = append(p.stopped, botID)
	return nil
}

type fakeProducer struct {
	published []domain.QueueMessage
	fail      error
}

func (p *fakeProducer) Enqueue(_ context.Context, message domain.QueueMessage) error {
	if p.fail != nil {
		return p.fail
	}
	p.published = append(p.published, message)
	return nil
}

type fakeNotifier struct {
	notes []string
}

func (n *fakeNotifier) Notify(_ context.Context, text, _ string) error {
	n.notes = append(n.notes, text)
	return nil
}

func newTestRunner(client *fakeClient, producer *fakeProducer, poller *fakePoller, notifier *fakeNotifier) *Runner {
	return NewRunner(func(string) channel.Client { return client }, producer, poller, notifier, nil)
}

func TestRunExecutesPlanInOrder(t *testing.T) {
	client := &fakeClient{}
	producer := &fakeProducer{}
	poller := &fakePoller{}
	notifier := &fakeNotifier{}
	runner := newTestRunner(client, producer, poller, notifier)

	bot := domain.Bot{ID: "bot-1", Token: "t", WebhookURL: "https://example.com/hook", Enabled: true, DeliveryMode: domain.DeliveryWebhook}
	plan := append(ForBotUpdate(bot),
		PublishJob{Message: domain.QueueMessage{Kind: domain.JobKindProcessingTrigger, UserMessageID: "m-1"}},
		NotifyAdmin{Text: "hello ops", DedupeKey: "k"},
	)

	if err := runner.Run(context.Background(), plan); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(poller.stopped) != 1 || poller.stopped[0] != "bot-1" {
		t.Fatalf("expected polling stopped for bot-1, got %v", poller.stopped)
	}
	if len(client.webhooksSet) != 1 || client.webhooksSet[0] != "https://example.com/hook" {
		t.Fatalf("expected webhook registered, got %v", client.webhooksSet)
	}
	if len(producer.published) != 1 || producer.published[0].UserMessageID != "m-1" {
		t.Fatalf("expected one published job, got %v", producer.published)
	}
	if len(notifier.notes) != 1 {
		t.Fatalf("expected one admin note, got %v", notifier.notes)
	}
}

func TestRunStopsAtFirstFailure(t *testing.T) {
	client := &fakeClient{failSetWebhook: errors.New("boom")}
	producer := &fakeProducer{}
	runner := newTestRunner(client, producer, &fakePoller{}, &fakeNotifier{})

	bot := domain.Bot{ID: "bot-1", Token: "t", WebhookURL: "https://example.com/hook"}
	plan := []Effect{
		EnsureWebhook{Bot: bot},
		PublishJob{Message: domain.QueueMessage{UserMessageID: "m-1"}},
	}

	err := runner.Run(context.Background(), plan)
	if err == nil || !strings.Contains(err.Error(), "ensure_webhook") {
		t.Fatalf("expected ensure_webhook failure, got %v", err)
	}
	if len(producer.published) != 0 {
		t.Fatalf("expected no jobs after failure, got %v", producer.published)
	}
}

func TestForBotUpdateDerivesDeliveryPlan(t *testing.T) {
	webhookBot := domain.Bot{ID: "b", Enabled: true, DeliveryMode: domain.DeliveryWebhook, WebhookURL: "https://x"}
	plan := ForBotUpdate(webhookBot)
	if len(plan) != 2 {
		t.Fatalf("expected 2 effects, got %d", len(plan))
	}
	if _, ok := plan[0].(StopPolling); !ok {
		t.Fatalf("expected StopPolling first, got %T", plan[0])
	}
	if _, ok := plan[1].(EnsureWebhook); !ok {
		t.Fatalf("expected EnsureWebhook second, got %T", plan[1])
	}

	pollingBot := domain.Bot{ID: "b", Enabled: true, DeliveryMode: domain.DeliveryPolling}
	plan = ForBotUpdate(pollingBot)
	if _, ok := plan[0].(RemoveWebhook); !ok {
		t.Fatalf("expected RemoveWebhook first, got %T", plan[0])
	}
	if _, ok := plan[1].(StartPolling); !ok {
		t.Fatalf("expected StartPolling second, got %T", plan[1])
	}

	disabled := domain.Bot{ID: "b", Enabled: false, DeliveryMode: domain.DeliveryWebhook}
	plan = ForBotUpdate(disabled)
	if _, ok := plan[0].(RemoveWebhook); !ok {
		t.Fatalf("expected RemoveWebhook first for disabled bot, got %T", plan[0])
	}
	if _, ok := plan[1].(StopPolling); !ok {
		t.Fatalf("expected StopPolling second for disabled bot, got %T", plan[1])
	}
}
