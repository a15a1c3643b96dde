package bus

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultHistoryCap = 10000
	defaultQueueCap   = 1000
	defaultMessageTTL = 24 * time.Hour
)

// Statistics summarizes bus activity since construction, fed from the audit
// log on every publish.
type Statistics struct {
	TotalPublished int
	TotalDelivered int
	ByType         map[MessageType]int
	ByConsumer     map[string]int
	QueueSizes     map[string]int
	HistorySize    int
}

// SearchFilter narrows Search results. Zero values match everything.
type SearchFilter struct {
	Type        MessageType
	ObjectiveID string
	TaskID      string
	IssueID     string
	File        string
	Since       time.Time
	Limit       int
}

// Bus routes typed messages to subscribed consumers. Routing happens at
// publish time: a consumer only receives messages whose type it was
// subscribed to when the message was published, never retroactively.
type Bus struct {
	mu            sync.Mutex
	logger        *zap.Logger
	subscriptions map[MessageType]map[string]bool
	queues        map[string][]*Message
	history       []*Message
	stats         Statistics

	historyCap int
	queueCap   int
	messageTTL time.Duration
}

// NewBus creates an empty bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		logger:        logger,
		subscriptions: make(map[MessageType]map[string]bool),
		queues:        make(map[string][]*Message),
		stats: Statistics{
			ByType:     make(map[MessageType]int),
			ByConsumer: make(map[string]int),
		},
		historyCap: defaultHistoryCap,
		queueCap:   defaultQueueCap,
		messageTTL: defaultMessageTTL,
	}
}

// Subscribe registers a consumer for the given message types.
func (b *Bus) Subscribe(consumer string, types ...MessageType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range types {
		if b.subscriptions[t] == nil {
			b.subscriptions[t] = make(map[string]bool)
		}
		b.subscriptions[t][consumer] = true
	}
	b.logger.Debug("consumer subscribed",
		zap.String("consumer", consumer), zap.Int("types", len(types)))
}

// Unsubscribe removes a consumer from the given types, or from all types
// when none are given. Already-queued messages stay queued.
func (b *Bus) Unsubscribe(consumer string, types ...MessageType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(types) == 0 {
		for _, subs := range b.subscriptions {
			delete(subs, consumer)
		}
		return
	}
	for _, t := range types {
		delete(b.subscriptions[t], consumer)
	}
}

// Publish fans a message out to every consumer subscribed to its type and
// appends it to the audit history. It never blocks and returns the message
// ID.
func (b *Bus) Publish(t MessageType, priority Priority, payload Payload, msgCtx Context) (string, error) {
	msg, err := New(t, priority, payload, msgCtx)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stats.TotalPublished++
	b.stats.ByType[t]++
	b.history = append(b.history, msg)

	for consumer := range b.subscriptions[t] {
		b.queues[consumer] = append(b.queues[consumer], msg)
		b.stats.TotalDelivered++
		b.stats.ByConsumer[consumer]++
	}

	b.collectGarbageLocked()
	return msg.ID, nil
}

// Messages returns up to limit unacknowledged messages for a consumer,
// ordered by priority (critical first) then timestamp (oldest first).
// Passing no types returns every queued message; limit <= 0 means no limit.
func (b *Bus) Messages(consumer string, types []MessageType, limit int) []*Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	wanted := make(map[MessageType]bool, len(types))
	for _, t := range types {
		wanted[t] = true
	}

	var out []*Message
	for _, m := range b.queues[consumer] {
		if len(wanted) > 0 && !wanted[m.Type] {
			continue
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Ack acknowledges messages for a consumer, removing them from its queue.
// Unacked messages are redelivered by the next Messages call, so delivery is
// at-least-once. Returns the number of messages cleared.
func (b *Bus) Ack(consumer string, ids ...string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	acked := make(map[string]bool, len(ids))
	for _, id := range ids {
		acked[id] = true
	}
	queue := b.queues[consumer]
	kept := queue[:0]
	cleared := 0
	for _, m := range queue {
		if acked[m.ID] {
			m.ConsumedBy[consumer] = true
			cleared++
			continue
		}
		kept = append(kept, m)
	}
	b.queues[consumer] = kept
	return cleared
}

// Lookup returns a published message from the audit history by ID.
func (b *Bus) Lookup(id string) (*Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.history) - 1; i >= 0; i-- {
		if b.history[i].ID == id {
			return b.history[i], true
		}
	}
	return nil, false
}

// Search scans the audit history for messages matching the filter, newest
// first. Intended for cross-cutting diagnostics, not for consumption.
func (b *Bus) Search(filter SearchFilter) []*Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*Message
	for i := len(b.history) - 1; i >= 0; i-- {
		m := b.history[i]
		if filter.Type != "" && m.Type != filter.Type {
			continue
		}
		if filter.ObjectiveID != "" && m.Context.ObjectiveID != filter.ObjectiveID {
			continue
		}
		if filter.TaskID != "" && m.Context.TaskID != filter.TaskID {
			continue
		}
		if filter.IssueID != "" && m.Context.IssueID != filter.IssueID {
			continue
		}
		if filter.File != "" && m.Context.File != filter.File {
			continue
		}
		if !filter.Since.IsZero() && m.CreatedAt.Before(filter.Since) {
			continue
		}
		out = append(out, m)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

// Stats returns a copy of the bus statistics.
func (b *Bus) Stats() Statistics {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := b.stats
	stats.ByType = make(map[MessageType]int, len(b.stats.ByType))
	for k, v := range b.stats.ByType {
		stats.ByType[k] = v
	}
	stats.ByConsumer = make(map[string]int, len(b.stats.ByConsumer))
	for k, v := range b.stats.ByConsumer {
		stats.ByConsumer[k] = v
	}
	stats.QueueSizes = make(map[string]int, len(b.queues))
	for consumer, queue := range b.queues {
		stats.QueueSizes[consumer] = len(queue)
	}
	stats.HistorySize = len(b.history)
	return stats
}

// collectGarbageLocked enforces the age and capacity policy on the audit
// history and per-consumer queues. Caller holds b.mu.
func (b *Bus) collectGarbageLocked() {
	cutoff := time.Now().Add(-b.messageTTL)
	firstLive := 0
	for firstLive < len(b.history) && b.history[firstLive].CreatedAt.Before(cutoff) {
		firstLive++
	}
	if firstLive > 0 {
		b.history = b.history[firstLive:]
	}
	if len(b.history) > b.historyCap {
		b.history = b.history[len(b.history)-b.historyCap:]
	}
	for consumer, queue := range b.queues {
		if len(queue) > b.queueCap {
			b.logger.Warn("consumer queue over capacity, dropping oldest",
				zap.String("consumer", consumer),
				zap.Int("dropped", len(queue)-b.queueCap))
			b.queues[consumer] = queue[len(queue)-b.queueCap:]
		}
	}
}
