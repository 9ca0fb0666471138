package alerts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/botfleet/botfleet-back/internal/channel"
	"github.com/botfleet/botfleet-back/internal/observability"
)

// Sink delivers operator alerts. Implementations suppress repeats of
// the same dedupe key within their window.
type Sink interface {
	Notify(ctx context.Context, text, dedupeKey string) error
}

type windowEntry struct {
	createdAt time.Time
	expiresAt time.Time
}

// DedupeWindow remembers alert keys for a fixed interval so a failing
// bot produces one alert per hour instead of one per retry.
type DedupeWindow struct {
	mu         sync.Mutex
	entries    map[string]windowEntry
	ttl        time.Duration
	maxEntries int
}

func NewDedupeWindow(ttl time.Duration) *DedupeWindow {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &DedupeWindow{
		entries:    make(map[string]windowEntry),
		ttl:        ttl,
		maxEntries: 2000,
	}
}

// ShouldSend reports whether the key is new for the current window and
// records it when it is.
func (w *DedupeWindow) ShouldSend(dedupeKey string) bool {
	signature := buildSignature(dedupeKey)
	now := time.Now().UTC()

	w.mu.Lock()
	defer w.mu.Unlock()

	entry, exists := w.entries[signature]
	if exists && now.Before(entry.expiresAt) {
		return false
	}
	if len(w.entries) >= w.maxEntries {
		w.evictOldest()
	}
	w.entries[signature] = windowEntry{createdAt: now, expiresAt: now.Add(w.ttl)}
	return true
}

func (w *DedupeWindow) evictOldest() {
	now := time.Now().UTC()
	for key, entry := range w.entries {
		if now.After(entry.expiresAt) {
			delete(w.entries, key)
		}
	}
	if len(w.entries) < w.maxEntries {
		return
	}

	type pair struct {
		key   string
		entry windowEntry
	}
	pairs := make([]pair, 0, len(w.entries))
	for key, entry := range w.entries {
		pairs = append(pairs, pair{key: key, entry: entry})
	}
	sort.Slice(pairs, func(i, j int) bool {
		return pairs[i].entry.createdAt.Before(pairs[j].entry.createdAt)
	})
	delete(w.entries, pairs[0].key)
}

func buildSignature(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(strings.ToLower(key))))
	return hex.EncodeToString(sum[:])
}

// AdminNotifier posts alerts to the operators' chat through the
// channel client, deduplicated by key.
type AdminNotifier struct {
	client      channel.Client
	adminChatID int64
	window      *DedupeWindow
	logger      *zap.Logger
}

func NewAdminNotifier(client channel.Client, adminChatID int64, window *DedupeWindow, logger *zap.Logger) *AdminNotifier {
	if window == nil {
		window = NewDedupeWindow(time.Hour)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminNotifier{
		client:      client,
		adminChatID: adminChatID,
		window:      window,
		logger:      logger,
	}
}

func (n *AdminNotifier) Notify(ctx context.Context, text, dedupeKey string) error {
	if n.client == nil || n.adminChatID == 0 {
		n.logger.Warn("admin alert dropped, notifier not configured", zap.String("dedupe_key", dedupeKey))
		return nil
	}
	if dedupeKey != "" && !n.window.ShouldSend(dedupeKey) {
		n.logger.Debug("admin alert suppressed by dedupe window", zap.String("dedupe_key", dedupeKey))
		return nil
	}

	if _, err := n.client.SendMessage(ctx, n.adminChatID, text, 0); err != nil {
		return fmt.Errorf("send admin alert: %w", err)
	}
	observability.AdminAlerts.WithLabelValues(classFromKey(dedupeKey)).Inc()
	n.logger.Info("admin alert sent", zap.String("dedupe_key", dedupeKey))
	return nil
}

// classFromKey extracts the leading failure class from keys shaped
// like "class:subject".
func classFromKey(dedupeKey string) string {
	class, _, found := strings.Cut(dedupeKey, ":")
	if !found || class == "" {
		return "unknown"
	}
	return class
}
