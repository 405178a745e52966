package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/muxhq/mux/internal/common/logger"
	"go.uber.org/zap"
)

// MemoryEventBus delivers events in-process. Handlers run on their own
// goroutines so a slow subscriber never blocks a publisher.
type MemoryEventBus struct {
	mu            sync.RWMutex
	subscriptions map[string][]*memorySubscription
	log           *logger.Logger
	closed        bool
}

type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	pattern *regexp.Regexp
	handler EventHandler

	mu     sync.Mutex
	active bool
}

// NewMemoryEventBus creates an in-memory bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	if log == nil {
		log = logger.Default()
	}
	return &MemoryEventBus{
		subscriptions: make(map[string][]*memorySubscription),
		log:           log,
	}
}

// Publish delivers event to every matching subscription.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	for pattern, subs := range b.subscriptions {
		for _, sub := range subs {
			if !sub.IsValid() || !matches(subject, pattern, sub.pattern) {
				continue
			}
			go func(s *memorySubscription) {
				if err := s.handler(ctx, event); err != nil {
					b.log.Error("event handler error",
						zap.String("subject", subject),
						zap.String("event_type", event.Type),
						zap.Error(err))
				}
			}(sub)
		}
	}
	return nil
}

// Subscribe registers handler for subjects matching the given pattern.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		pattern: compilePattern(subject),
		handler: handler,
		active:  true,
	}
	b.subscriptions[subject] = append(b.subscriptions[subject], sub)
	return sub, nil
}

// Close deactivates every subscription and rejects further publishes.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.mu.Lock()
			sub.active = false
			sub.mu.Unlock()
		}
	}
	b.subscriptions = make(map[string][]*memorySubscription)
}

func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	subs := s.bus.subscriptions[s.subject]
	for i, sub := range subs {
		if sub == s {
			s.bus.subscriptions[s.subject] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// matches reports whether subject matches a subscription pattern, honoring
// NATS-style * and > wildcards.
func matches(subject, pattern string, regex *regexp.Regexp) bool {
	if regex == nil {
		return subject == pattern
	}
	return regex.MatchString(subject)
}

// compilePattern converts a NATS-style pattern into a regexp; exact subjects
// return nil and are compared directly.
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.ContainsAny(pattern, "*>") {
		return nil
	}
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	escaped = strings.ReplaceAll(escaped, `>`, `.+`)
	regex, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return nil
	}
	return regex
}
