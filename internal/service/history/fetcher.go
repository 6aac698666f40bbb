// Package history retrieves bounded pages of past room messages.
package history

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/zhouzirui/roomchat/internal/backoff"
	"github.com/zhouzirui/roomchat/internal/metrics"
	"github.com/zhouzirui/roomchat/internal/model/chat"
	"github.com/zhouzirui/roomchat/internal/service/api"
)

// FetchError reports a history page that could not be retrieved.
type FetchError struct {
	Room     string
	Cursor   string
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch history for %s after %d attempt(s): %v", e.Room, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// MessageAPI lists one page of a room's messages, newest first.
type MessageAPI interface {
	ListMessages(ctx context.Context, slug, cursor string) (chat.MessagePage, error)
}

// Page is one history page in ascending (timestamp, id) order.
type Page struct {
	Messages   []chat.Message
	NextCursor string
}

// Fetcher is stateless apart from the in-flight request table.
type Fetcher struct {
	api      MessageAPI
	policy   backoff.Policy
	attempts int
	metrics  *metrics.Metrics
	group    singleflight.Group
}

// Option customises a Fetcher.
type Option func(*Fetcher)

// WithRetry sets the attempt bound and the delay policy between attempts.
func WithRetry(attempts int, policy backoff.Policy) Option {
	return func(f *Fetcher) {
		if attempts > 0 {
			f.attempts = attempts
		}
		f.policy = policy
	}
}

// WithMetrics records fetch outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Fetcher) { f.metrics = m }
}

// DefaultPolicy waits 200ms between attempts, doubling up to 2s.
func DefaultPolicy() backoff.Policy {
	return backoff.Policy{Initial: 200 * time.Millisecond, Max: 2 * time.Second, Factor: 2, Jitter: 0.1}
}

// NewFetcher defaults to 3 attempts with DefaultPolicy.
func NewFetcher(messageAPI MessageAPI, opts ...Option) *Fetcher {
	f := &Fetcher{
		api:      messageAPI,
		attempts: 3,
		policy:   DefaultPolicy(),
		metrics:  metrics.Discard(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FetchPage returns at most one page for room starting at cursor ("" for the
// newest page). Identical concurrent requests share one round trip. If ctx
// ends first, the caller gets ctx.Err() and the shared result is abandoned.
func (f *Fetcher) FetchPage(ctx context.Context, room, cursor string) (Page, error) {
	key := room + "\x00" + cursor
	ch := f.group.DoChan(key, func() (any, error) {
		return f.fetch(context.WithoutCancel(ctx), room, cursor)
	})

	select {
	case <-ctx.Done():
		return Page{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Page{}, res.Err
		}
		page := res.Val.(Page)
		return Page{Messages: slices.Clone(page.Messages), NextCursor: page.NextCursor}, nil
	}
}

func (f *Fetcher) fetch(ctx context.Context, room, cursor string) (Page, error) {
	var lastErr error
	for attempt := 1; attempt <= f.attempts; attempt++ {
		wire, err := f.api.ListMessages(ctx, room, cursor)
		if err == nil {
			f.metrics.HistoryFetches.WithLabelValues("ok").Inc()
			return toPage(room, wire), nil
		}
		lastErr = err

		if !api.IsTransient(err) || attempt == f.attempts {
			f.metrics.HistoryFetches.WithLabelValues("failed").Inc()
			return Page{}, &FetchError{Room: room, Cursor: cursor, Attempts: attempt, Err: err}
		}

		f.metrics.HistoryFetches.WithLabelValues("retry").Inc()
		log.Debug().Err(err).Msgf("[history] %s attempt %d failed; retrying", room, attempt)
		if err := f.policy.Sleep(ctx, attempt); err != nil {
			return Page{}, &FetchError{Room: room, Cursor: cursor, Attempts: attempt, Err: errors.Join(lastErr, err)}
		}
	}
	return Page{}, &FetchError{Room: room, Cursor: cursor, Attempts: f.attempts, Err: lastErr}
}

func toPage(room string, wire chat.MessagePage) Page {
	messages := make([]chat.Message, 0, len(wire.Results))
	for _, w := range wire.Results {
		messages = append(messages, w.ToMessage(room))
	}
	slices.SortStableFunc(messages, chat.Message.Compare)

	page := Page{Messages: messages}
	if wire.Next != nil {
		page.NextCursor = *wire.Next
	}
	return page
}
