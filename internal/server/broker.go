package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ashita-ai/himitsu/internal/model"
	"github.com/ashita-ai/himitsu/internal/storage"
)

// ModeFeed delivers modes saved by other instances. *storage.DB implements it.
type ModeFeed interface {
	WatchModes(ctx context.Context) error
	NextModeChange(ctx context.Context) (model.Mode, error)
}

// ModeAdopter applies a mode saved by another instance. *session.Session implements it.
type ModeAdopter interface {
	Adopt(mode model.Mode) bool
}

// Broker keeps this instance's mode in step with the shared preference and
// fans mode changes out to SSE subscribers.
//
// Start watches the feed and hands each saved mode to the adopter.
// Publish is wired to session.Subscribe so local changes (explicit or
// auto-fallback) reach subscribers too.
type Broker struct {
	feed    ModeFeed
	adopter ModeAdopter
	logger  *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan []byte]struct{}
}

// NewBroker creates a broker. feed may be nil when no database is
// configured; Start then returns immediately.
func NewBroker(feed ModeFeed, adopter ModeAdopter, logger *slog.Logger) *Broker {
	return &Broker{
		feed:        feed,
		adopter:     adopter,
		logger:      logger,
		subscribers: make(map[chan []byte]struct{}),
	}
}

// Start blocks until ctx is cancelled, so call it in a goroutine.
func (b *Broker) Start(ctx context.Context) {
	if b.feed == nil || b.adopter == nil {
		return
	}
	if err := b.feed.WatchModes(ctx); err != nil {
		b.logger.Error("broker: watch modes", "error", err)
		return
	}
	b.logger.Info("broker: watching for mode changes")

	for {
		mode, err := b.feed.NextModeChange(ctx)
		if errors.Is(err, storage.ErrBadModeChange) {
			b.logger.Warn("broker: ignoring mode change", "error", err)
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("broker: mode feed error, retrying", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		// Adopt notifies session subscribers, which includes Publish.
		b.adopter.Adopt(mode)
	}
}

// Publish broadcasts a mode change event.
func (b *Broker) Publish(status model.ModeStatus) {
	data, err := jsonString(status)
	if err != nil {
		return
	}
	b.broadcast(formatSSE("mode", data))
}

// Subscribe returns a channel that receives SSE-formatted events.
// The caller must call Unsubscribe when done.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, 16)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// broadcast drops the event for subscribers whose buffer is full.
func (b *Broker) broadcast(event []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

func jsonString(v any) (string, error) {
	b, err := json.Marshal(v)
	return string(b), err
}

func formatSSE(eventType, data string) []byte {
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}
