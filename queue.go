package sentry_capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	tempFilePattern = ".tmp-*"
	staleTempAge    = 10 * time.Minute
)

// Item files are named {key}.json before the first failed sweep and
// {key}.{attempts}.json afterwards. Anything else in the directory is ignored
var itemNamePattern = regexp.MustCompile(`^([0-9a-f]{32})(?:\.([1-9][0-9]*))?\.json$`)

// QueuedItem is the on-disk representation of an undelivered event
type QueuedItem struct {
	Key         string          `json:"-"`
	Attempts    int             `json:"attempts"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	NextAttempt *time.Time      `json:"next_attempt,omitempty"`
	Event       json.RawMessage `json:"event"`
}

// QueueOption configures an OfflineQueue
type QueueOption func(*OfflineQueue)

// WithConnectivity sets the check consulted before every sweep
func WithConnectivity(c Connectivity) QueueOption {
	return func(q *OfflineQueue) {
		if c != nil {
			q.connectivity = c
		}
	}
}

// WithMetrics records queue activity on the collector
func WithMetrics(m *Metrics) QueueOption {
	return func(q *OfflineQueue) {
		q.metrics = m
	}
}

func withQueueClock(now func() time.Time) QueueOption {
	return func(q *OfflineQueue) {
		q.now = now
	}
}

// OfflineQueue persists undelivered events, one file per item, and retries
// them on DrainAll. It is the only component touching its directory
type OfflineQueue struct {
	dir          string
	policy       RetryPolicy
	logger       *zap.Logger
	connectivity Connectivity
	metrics      *Metrics
	limiter      *rate.Limiter
	now          func() time.Time

	mu       sync.Mutex
	inFlight map[string]struct{}
	closed   bool
}

type queueEntry struct {
	key      string
	name     string
	attempts int
}

// NewOfflineQueue creates the queue directory if needed
func NewOfflineQueue(cfg *QueueConfig, logger *zap.Logger, opts ...QueueOption) (*OfflineQueue, error) {
	if cfg.Dir == "" {
		return nil, errors.New("queue directory is not configured")
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create queue directory: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	q := &OfflineQueue{
		dir:          cfg.Dir,
		policy:       NewRetryPolicy(cfg),
		logger:       logger,
		connectivity: AlwaysOnline,
		now:          time.Now,
		inFlight:     make(map[string]struct{}),
	}
	if cfg.SendRate > 0 {
		q.limiter = rate.NewLimiter(rate.Limit(cfg.SendRate), max(cfg.SendBurst, 1))
	}
	for _, opt := range opts {
		opt(q)
	}

	return q, nil
}

// Dir returns the directory holding the items
func (q *OfflineQueue) Dir() string {
	return q.dir
}

// Enqueue durably stores the event under a fresh key and returns the key
func (q *OfflineQueue) Enqueue(event *Event) (string, error) {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return "", ErrQueueClosed
	}

	payload, err := event.Marshal()
	if err != nil {
		return "", err
	}

	item := &QueuedItem{
		Key:        NewEventID(),
		EnqueuedAt: q.now().UTC(),
		Event:      payload,
	}
	if err := q.writeItem(item); err != nil {
		return "", err
	}

	q.metrics.IncQueuedEvents()
	q.logger.Debug("Event stored in offline queue",
		zap.String("event_id", event.EventID),
		zap.String("key", item.Key))

	return item.Key, nil
}

// DrainAll tries to deliver every stored item once. Nothing is sent when the
// connectivity check reports the host offline. Items are handled one at a
// time and independently: one bad item never stops the sweep
func (q *OfflineQueue) DrainAll(ctx context.Context, sender Sender) (DrainStats, error) {
	var stats DrainStats

	if !q.connectivity.Online(ctx) {
		q.logger.Debug("Offline, skipping queue sweep")
		return stats, nil
	}

	entries, err := q.snapshot()
	if err != nil {
		return stats, err
	}

	for i, entry := range entries {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		if !q.claim(entry.key) {
			stats.Skipped++
			continue
		}
		err := q.deliver(ctx, sender, entry, &stats)
		q.release(entry.key)

		if errors.Is(err, ErrRateLimited) {
			// every remaining item would be refused the same way
			stats.Skipped += len(entries) - i
			q.logger.Info("Endpoint is rate limited, postponing queue sweep", zap.Error(err))
			break
		}
		if err != nil {
			return stats, err
		}
	}

	if len(entries) > 0 {
		q.logger.Info("Offline queue sweep finished",
			zap.Int("sent", stats.Sent),
			zap.Int("retried", stats.Retried),
			zap.Int("discarded", stats.Discarded),
			zap.Int("corrupt", stats.Corrupt),
			zap.Int("skipped", stats.Skipped))
	}

	return stats, nil
}

// deliver handles one item. Only context cancellation and a local rate limit
// refusal are returned as errors; neither changes the item
func (q *OfflineQueue) deliver(ctx context.Context, sender Sender, entry queueEntry, stats *DrainStats) error {
	path := filepath.Join(q.dir, entry.name)
	logger := q.logger.With(zap.String("key", entry.key))

	item, event, err := q.readItem(path, entry.key)
	if errors.Is(err, fs.ErrNotExist) {
		// removed by a concurrent sweep
		stats.Skipped++
		return nil
	}
	if err != nil {
		var corrupt *QueueCorruptionError
		if errors.As(err, &corrupt) {
			logger.Error("Dropping corrupt queue item", zap.Error(err))
			q.remove(path)
			q.metrics.IncDroppedEvents(reasonQueueCorrupt)
			stats.Corrupt++
			return nil
		}
		logger.Warn("Failed to read queue item", zap.Error(err))
		stats.Skipped++
		return nil
	}

	if item.NextAttempt != nil && q.now().Before(*item.NextAttempt) {
		stats.Skipped++
		return nil
	}

	if q.limiter != nil {
		if err := q.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	id, err := sender.Send(ctx, event)
	if err == nil {
		q.remove(path)
		q.metrics.IncSuccessfulEvents()
		stats.Sent++
		logger.Debug("Queued event delivered",
			zap.String("event_id", event.EventID),
			zap.String("ack_id", id),
			zap.Int("attempts", item.Attempts+1))
		return nil
	}

	if ctx.Err() != nil {
		// shutting down: the attempt does not count against the budget
		return ctx.Err()
	}

	if errors.Is(err, ErrRateLimited) {
		return err
	}

	if !IsTransient(err) {
		logger.Error("Queued event rejected, discarding",
			zap.String("event_id", event.EventID),
			zap.Error(err))
		q.remove(path)
		q.metrics.IncDroppedEvents(reasonSendError)
		stats.Discarded++
		return nil
	}

	item.Attempts++
	if !q.policy.ShouldRetry(item.Attempts) {
		logger.Warn("Queued event exceeded retry budget, discarding",
			zap.String("event_id", event.EventID),
			zap.Int("attempts", item.Attempts),
			zap.Int("budget", q.policy.Budget),
			zap.Error(err))
		q.remove(path)
		q.metrics.IncDroppedEvents(reasonNetworkError)
		stats.Discarded++
		return nil
	}

	if backoff := q.policy.Backoff(item.Attempts); backoff > 0 {
		next := q.now().Add(backoff).UTC()
		item.NextAttempt = &next
	} else {
		item.NextAttempt = nil
	}

	if werr := q.writeItem(item); werr != nil {
		// the old file still holds the previous attempt count
		logger.Error("Failed to record retry attempt", zap.Error(werr))
		stats.Skipped++
		return nil
	}
	q.remove(path)
	q.metrics.IncRetriedEvents()
	stats.Retried++

	logger.Debug("Queued event kept for retry",
		zap.String("event_id", event.EventID),
		zap.Int("attempts", item.Attempts),
		zap.Error(err))
	return nil
}

// Len returns the number of stored items
func (q *OfflineQueue) Len() (int, error) {
	entries, err := q.snapshot()
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Close rejects further Enqueue calls. Stored items stay on disk
func (q *OfflineQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return nil
}

// snapshot lists the items present right now, one entry per key. When a crash
// left two files for one key, the one with more attempts wins
func (q *OfflineQueue) snapshot() ([]queueEntry, error) {
	dirEntries, err := os.ReadDir(q.dir)
	if err != nil {
		return nil, fmt.Errorf("read queue directory: %w", err)
	}

	byKey := make(map[string]queueEntry, len(dirEntries))
	order := make([]string, 0, len(dirEntries))

	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		name := de.Name()

		if matched, _ := filepath.Match(tempFilePattern, name); matched {
			q.removeStaleTemp(de)
			continue
		}

		m := itemNamePattern.FindStringSubmatch(name)
		if m == nil {
			continue
		}

		entry := queueEntry{key: m[1], name: name}
		if m[2] != "" {
			entry.attempts, err = strconv.Atoi(m[2])
			if err != nil {
				continue
			}
		}

		prev, seen := byKey[entry.key]
		if !seen {
			byKey[entry.key] = entry
			order = append(order, entry.key)
			continue
		}

		stale := entry
		if entry.attempts > prev.attempts {
			stale = prev
			byKey[entry.key] = entry
		}
		if !q.isInFlight(entry.key) {
			q.remove(filepath.Join(q.dir, stale.name))
		}
	}

	out := make([]queueEntry, 0, len(order))
	for _, key := range order {
		out = append(out, byKey[key])
	}
	return out, nil
}

func (q *OfflineQueue) readItem(path, key string) (*QueuedItem, *Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}

	item := &QueuedItem{}
	if err := json.Unmarshal(data, item); err != nil {
		return nil, nil, &QueueCorruptionError{Key: key, Err: err}
	}
	item.Key = key

	event, err := UnmarshalEvent(item.Event)
	if err != nil {
		return nil, nil, &QueueCorruptionError{Key: key, Err: err}
	}
	return item, event, nil
}

// writeItem writes the item to a temporary file and links it into place, so a
// reader sees either no file or a complete one. An existing name is never replaced
func (q *OfflineQueue) writeItem(item *QueuedItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode queue item %s: %w", item.Key, err)
	}

	tmp, err := os.CreateTemp(q.dir, tempFilePattern)
	if err != nil {
		return fmt.Errorf("create queue item %s: %w", item.Key, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write queue item %s: %w", item.Key, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync queue item %s: %w", item.Key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close queue item %s: %w", item.Key, err)
	}

	final := filepath.Join(q.dir, itemFileName(item.Key, item.Attempts))
	if err := os.Link(tmpName, final); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("queue item %s: %w", filepath.Base(final), err)
		}
		// hard links unsupported: fall back to rename
		if _, statErr := os.Lstat(final); statErr == nil {
			return fmt.Errorf("queue item %s: %w", filepath.Base(final), fs.ErrExist)
		}
		if err := os.Rename(tmpName, final); err != nil {
			return fmt.Errorf("commit queue item %s: %w", item.Key, err)
		}
	}

	q.syncDir()
	return nil
}

func itemFileName(key string, attempts int) string {
	if attempts <= 0 {
		return key + ".json"
	}
	return key + "." + strconv.Itoa(attempts) + ".json"
}

func (q *OfflineQueue) syncDir() {
	d, err := os.Open(q.dir)
	if err != nil {
		return
	}
	_ = d.Sync() // not supported everywhere
	_ = d.Close()
}

func (q *OfflineQueue) remove(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		q.logger.Warn("Failed to remove queue item", zap.String("path", path), zap.Error(err))
	}
}

func (q *OfflineQueue) removeStaleTemp(de fs.DirEntry) {
	info, err := de.Info()
	if err != nil || q.now().Sub(info.ModTime()) < staleTempAge {
		return
	}
	q.remove(filepath.Join(q.dir, de.Name()))
}

func (q *OfflineQueue) claim(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, busy := q.inFlight[key]; busy {
		return false
	}
	q.inFlight[key] = struct{}{}
	return true
}

func (q *OfflineQueue) release(key string) {
	q.mu.Lock()
	delete(q.inFlight, key)
	q.mu.Unlock()
}

func (q *OfflineQueue) isInFlight(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, busy := q.inFlight[key]
	return busy
}
