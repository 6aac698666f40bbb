// Package msgsync merges room history and live push events into one ordered,
// deduplicated message sequence per active room and mediates outgoing sends.
package msgsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/roomchat/internal/metrics"
	"github.com/zhouzirui/roomchat/internal/model/chat"
	"github.com/zhouzirui/roomchat/internal/model/session"
	"github.com/zhouzirui/roomchat/internal/service/channel"
	"github.com/zhouzirui/roomchat/internal/service/history"
)

var (
	ErrRoomNotActive    = errors.New("room not active")
	ErrEmptyMessage     = errors.New("message content is empty")
	ErrUnknownMessage   = errors.New("no failed message with that correlation id")
	ErrConfirmTimeout   = errors.New("no confirmation from server")
	ErrHistoryNotLoaded = errors.New("initial history still loading")
)

// SendFailure is returned by SendMessage and Retry when delivery failed. The
// entry stays in the sequence in StateFailed.
type SendFailure struct {
	CorrelationID string
	Err           error
}

func (e *SendFailure) Error() string {
	return fmt.Sprintf("send %s failed: %v", e.CorrelationID, e.Err)
}

func (e *SendFailure) Unwrap() error { return e.Err }

// HistorySource fetches history pages.
type HistorySource interface {
	FetchPage(ctx context.Context, room, cursor string) (history.Page, error)
}

// Poster creates a message through REST.
type Poster interface {
	PostMessage(ctx context.Context, slug, content string) (chat.WireMessage, error)
}

// LiveChannel is the push connection of one room.
type LiveChannel interface {
	State() channel.State
	Send(payload []byte) error
	Events() <-chan channel.Event
	Disconnect()
}

// ChannelOpener opens the push connection for a room.
type ChannelOpener func(ctx context.Context, room string) LiveChannel

// Identity returns the current user for optimistic entries.
type Identity func() session.User

// UpdateKind classifies an Update.
type UpdateKind int

const (
	UpdateMessages UpdateKind = iota
	UpdateChannel
	UpdateRemoved
)

// Update notifies the UI layer that a room changed. It carries no data; call
// Snapshot or ChannelState for the current view.
type Update struct {
	Room string
	Kind UpdateKind
}

// Options tune the synchronizer.
type Options struct {
	// ConfirmTimeout bounds how long a channel send may stay pending.
	ConfirmTimeout time.Duration
	// MatchWindow is the timestamp tolerance when matching an echo to a pending send.
	MatchWindow time.Duration
	Now         func() time.Time
	Metrics     *metrics.Metrics
}

// DefaultOptions returns a 10s confirmation deadline and a 2m match window.
func DefaultOptions() Options {
	return Options{ConfirmTimeout: 10 * time.Second, MatchWindow: 2 * time.Minute}
}

type roomState struct {
	slug  string
	epoch uint64
	seq   *Sequence

	// loading is set until the first history fetch settles; pushes that
	// arrive meanwhile wait in buffered.
	loading  bool
	buffered [][]byte
	// loaded is set once the newest page has been applied. A room whose
	// first fetch failed stays unloaded and retries it.
	loaded bool

	ch       LiveChannel
	ctx      context.Context
	cancel   context.CancelFunc
	pumpDone chan struct{}
	timers   map[string]*time.Timer
}

// Synchronizer owns one Sequence and one LiveChannel per active room. State
// is guarded by mu; no I/O happens while it is held. Every asynchronous
// result carries the epoch of the activation that started it and is dropped
// if the room has since been deactivated or re-activated.
type Synchronizer struct {
	history  HistorySource
	poster   Poster
	open     ChannelOpener
	identity Identity
	opts     Options
	metrics  *metrics.Metrics

	mu      sync.Mutex
	rooms   map[string]*roomState
	epoch   uint64
	subs    map[uint64]chan Update
	nextSub uint64
}

const subscriberBuffer = 256

// New builds a Synchronizer. open may be nil for REST-only operation.
func New(hist HistorySource, poster Poster, open ChannelOpener, identity Identity, opts Options) *Synchronizer {
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = DefaultOptions().ConfirmTimeout
	}
	if opts.MatchWindow <= 0 {
		opts.MatchWindow = DefaultOptions().MatchWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Discard()
	}
	if identity == nil {
		identity = func() session.User { return session.User{} }
	}
	return &Synchronizer{
		history:  hist,
		poster:   poster,
		open:     open,
		identity: identity,
		opts:     opts,
		metrics:  opts.Metrics,
		rooms:    make(map[string]*roomState),
		subs:     make(map[uint64]chan Update),
	}
}

// Subscribe registers a new notification stream. Every subscriber sees every
// update; notifications are hints and a full subscriber misses them. The
// returned func unsubscribes and closes the channel.
func (s *Synchronizer) Subscribe() (<-chan Update, func()) {
	ch := make(chan Update, subscriberBuffer)

	s.mu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}

// ActivateRoom seeds the room with its newest history page and opens its
// push channel. Pushes that arrive before history lands are buffered and
// merged afterwards. On a history failure the room stays active, empty apart
// from live arrivals, and the FetchError is returned. Activating an active
// room is a no-op unless its newest page never loaded; that fetch is then
// retried.
func (s *Synchronizer) ActivateRoom(ctx context.Context, slug string) error {
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return ErrRoomNotActive
	}

	s.mu.Lock()
	if rs, ok := s.rooms[slug]; ok {
		retry := !rs.loading && !rs.loaded
		s.mu.Unlock()
		if !retry {
			return nil
		}
		_, err := s.reload(ctx, rs)
		return err
	}
	s.epoch++
	rctx, cancel := context.WithCancel(context.Background())
	rs := &roomState{
		slug:    slug,
		epoch:   s.epoch,
		seq:     NewSequence(slug),
		loading: true,
		ctx:     rctx,
		cancel:  cancel,
		timers:  make(map[string]*time.Timer),
	}
	s.rooms[slug] = rs
	if s.open != nil {
		rs.ch = s.open(rctx, slug)
		rs.pumpDone = make(chan struct{})
		go s.pump(rs)
	}
	s.mu.Unlock()
	log.Info().Msgf("[sync] activating %s", slug)

	page, err := s.fetch(ctx, rs, "")

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.current(rs) {
		if err != nil {
			return err
		}
		return ErrRoomNotActive
	}

	rs.loading = false
	if err == nil {
		s.applyNewestLocked(rs, page)
	} else {
		log.Warn().Err(err).Msgf("[sync] initial history for %s failed", slug)
	}
	buffered := rs.buffered
	rs.buffered = nil
	for _, raw := range buffered {
		s.applyRemoteLocked(rs, raw)
	}
	s.notifyLocked(slug, UpdateMessages)
	return err
}

// LoadMore fetches the next older page and merges it. It returns the entries
// that were new, or nothing when history is exhausted. If the newest page
// never loaded, that page is fetched instead.
func (s *Synchronizer) LoadMore(ctx context.Context, slug string) ([]chat.Message, error) {
	s.mu.Lock()
	rs, ok := s.rooms[slug]
	if !ok {
		s.mu.Unlock()
		return nil, ErrRoomNotActive
	}
	if rs.loading {
		s.mu.Unlock()
		return nil, ErrHistoryNotLoaded
	}
	if !rs.loaded {
		s.mu.Unlock()
		return s.reload(ctx, rs)
	}
	cursor := rs.seq.Cursor()
	s.mu.Unlock()

	if cursor == "" {
		return nil, nil
	}

	page, err := s.fetch(ctx, rs, cursor)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.current(rs) {
		return nil, ErrRoomNotActive
	}
	if err != nil {
		return nil, err
	}
	added := rs.seq.Merge(page.Messages)
	if rs.seq.Cursor() == cursor {
		rs.seq.SetCursor(page.NextCursor)
	}
	if len(added) > 0 {
		s.notifyLocked(slug, UpdateMessages)
	}
	return added, nil
}

// HasMore reports whether an older history page may exist. It is true for a
// room whose newest page never loaded.
func (s *Synchronizer) HasMore(slug string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.rooms[slug]
	if !ok {
		return false
	}
	return (!rs.loading && !rs.loaded) || rs.seq.Cursor() != ""
}

// ReceiveRemote applies a raw push payload to room. Payloads that arrive
// while the first history page is loading are buffered.
func (s *Synchronizer) ReceiveRemote(slug string, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.rooms[slug]
	if !ok {
		return ErrRoomNotActive
	}
	return s.applyRemoteLocked(rs, raw)
}

// SendMessage inserts an optimistic entry and delivers it over the push
// channel when open, otherwise through REST. The returned message reflects
// the entry's state after the attempt.
func (s *Synchronizer) SendMessage(ctx context.Context, slug, content string) (chat.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return chat.Message{}, ErrEmptyMessage
	}

	user := s.identity()

	s.mu.Lock()
	rs, ok := s.rooms[slug]
	if !ok {
		s.mu.Unlock()
		return chat.Message{}, ErrRoomNotActive
	}
	msg := chat.Message{
		Ref:               chat.PendingRef(uuid.NewString()),
		RoomSlug:          slug,
		SenderID:          user.ID,
		SenderDisplayName: user.Username,
		Content:           content,
		Timestamp:         s.opts.Now(),
		Origin:            chat.OriginLocal,
		State:             chat.StatePending,
	}
	rs.seq.AddPending(msg)
	s.notifyLocked(slug, UpdateMessages)
	s.mu.Unlock()

	return s.deliver(ctx, rs, msg)
}

// Retry re-delivers a failed entry in place.
func (s *Synchronizer) Retry(ctx context.Context, slug, correlationID string) (chat.Message, error) {
	s.mu.Lock()
	rs, ok := s.rooms[slug]
	if !ok {
		s.mu.Unlock()
		return chat.Message{}, ErrRoomNotActive
	}
	msg, ok := rs.seq.Requeue(correlationID, s.opts.Now())
	if !ok {
		s.mu.Unlock()
		return chat.Message{}, ErrUnknownMessage
	}
	s.notifyLocked(slug, UpdateMessages)
	s.mu.Unlock()

	return s.deliver(ctx, rs, msg)
}

// DeactivateRoom closes the room's channel and discards its sequence. Any
// fetch or send still in flight for the room is cancelled or ignored.
func (s *Synchronizer) DeactivateRoom(slug string) {
	s.mu.Lock()
	rs, ok := s.rooms[slug]
	if ok {
		s.detachLocked(rs)
	}
	s.mu.Unlock()
	if ok {
		s.shutdown(rs)
		log.Info().Msgf("[sync] deactivated %s", slug)
	}
}

// DeactivateAll closes every active room. The session manager calls it on logout.
func (s *Synchronizer) DeactivateAll() {
	s.mu.Lock()
	rooms := make([]*roomState, 0, len(s.rooms))
	for _, rs := range s.rooms {
		s.detachLocked(rs)
		rooms = append(rooms, rs)
	}
	s.mu.Unlock()
	for _, rs := range rooms {
		s.shutdown(rs)
	}
	if len(rooms) > 0 {
		log.Info().Msgf("[sync] deactivated %d room(s)", len(rooms))
	}
}

// Snapshot returns a copy of the room's ordered messages.
func (s *Synchronizer) Snapshot(slug string) ([]chat.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.rooms[slug]
	if !ok {
		return nil, false
	}
	return rs.seq.Messages(), true
}

// ChannelState reports the room's push channel state. Rooms without a
// channel report StateClosed.
func (s *Synchronizer) ChannelState(slug string) (channel.State, bool) {
	s.mu.Lock()
	rs, ok := s.rooms[slug]
	s.mu.Unlock()
	if !ok {
		return channel.StateClosed, false
	}
	if rs.ch == nil {
		return channel.StateClosed, true
	}
	return rs.ch.State(), true
}

// Active lists the active room slugs.
func (s *Synchronizer) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.rooms))
	for slug := range s.rooms {
		out = append(out, slug)
	}
	return out
}

func (s *Synchronizer) deliver(ctx context.Context, rs *roomState, msg chat.Message) (chat.Message, error) {
	corr := msg.Ref.CorrelationID

	if rs.ch != nil && rs.ch.State() == channel.StateOpen {
		frame, err := chat.EncodeSend(msg.Content)
		if err == nil {
			err = rs.ch.Send(frame)
		}
		if err == nil {
			s.metrics.Sends.WithLabelValues("channel", "ok").Inc()
			s.armConfirmTimer(rs, corr)
			return msg, nil
		}
		s.metrics.Sends.WithLabelValues("channel", "failed").Inc()
		log.Warn().Err(err).Msgf("[sync] channel send in %s failed; using REST", rs.slug)
	}

	wire, err := s.poster.PostMessage(ctx, rs.slug, msg.Content)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.current(rs) {
		if err != nil {
			return msg.Fail(err.Error()), &SendFailure{CorrelationID: corr, Err: err}
		}
		return msg, ErrRoomNotActive
	}
	if err != nil {
		s.metrics.Sends.WithLabelValues("rest", "failed").Inc()
		failed, _ := rs.seq.MarkFailed(corr, err.Error())
		s.notifyLocked(rs.slug, UpdateMessages)
		return failed, &SendFailure{CorrelationID: corr, Err: err}
	}

	s.metrics.Sends.WithLabelValues("rest", "ok").Inc()
	confirmed, _ := rs.seq.Resolve(corr, wire.ToMessage(rs.slug))
	s.stopTimerLocked(rs, corr)
	s.notifyLocked(rs.slug, UpdateMessages)
	return confirmed, nil
}

func (s *Synchronizer) armConfirmTimer(rs *roomState, corr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.current(rs) {
		return
	}
	if _, still := rs.seq.Pending(corr); !still {
		return
	}
	rs.timers[corr] = time.AfterFunc(s.opts.ConfirmTimeout, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.current(rs) {
			return
		}
		delete(rs.timers, corr)
		if m, ok := rs.seq.Pending(corr); ok && m.State == chat.StatePending {
			rs.seq.MarkFailed(corr, ErrConfirmTimeout.Error())
			s.metrics.Sends.WithLabelValues("channel", "failed").Inc()
			log.Warn().Msgf("[sync] %s: send %s not confirmed in time", rs.slug, corr)
			s.notifyLocked(rs.slug, UpdateMessages)
		}
	})
}

func (s *Synchronizer) applyRemoteLocked(rs *roomState, raw []byte) error {
	if rs.loading {
		rs.buffered = append(rs.buffered, raw)
		s.metrics.SyncEvents.WithLabelValues(rs.slug, "buffered").Inc()
		return nil
	}

	frame, err := chat.DecodeFrame(raw)
	if err != nil {
		s.metrics.SyncEvents.WithLabelValues(rs.slug, "undecodable").Inc()
		return err
	}
	if frame.Type != chat.FrameNewMessage {
		log.Debug().Msgf("[sync] %s: ignoring %s frame", rs.slug, frame.Type)
		return nil
	}
	wire, err := chat.DecodeNewMessage(frame)
	if err != nil {
		s.metrics.SyncEvents.WithLabelValues(rs.slug, "undecodable").Inc()
		return err
	}
	msg := wire.ToMessage(rs.slug)

	var outcome Outcome
	if corr, ok := rs.seq.MatchPending(msg, s.opts.MatchWindow); ok && !rs.seq.Has(msg.Ref.ServerID) {
		_, outcome = rs.seq.Resolve(corr, msg)
		s.stopTimerLocked(rs, corr)
	} else {
		outcome = rs.seq.Insert(msg)
	}
	s.metrics.SyncEvents.WithLabelValues(rs.slug, outcome.String()).Inc()
	if outcome != Duplicate {
		s.notifyLocked(rs.slug, UpdateMessages)
	}
	return nil
}

// pump drains the room's channel events in delivery order.
func (s *Synchronizer) pump(rs *roomState) {
	defer close(rs.pumpDone)
	for ev := range rs.ch.Events() {
		s.mu.Lock()
		if !s.current(rs) {
			s.mu.Unlock()
			continue
		}
		switch ev.Kind {
		case channel.EventMessage:
			if err := s.applyRemoteLocked(rs, ev.Payload); err != nil {
				log.Warn().Err(err).Msgf("[sync] %s: dropped undecodable push", rs.slug)
			}
		case channel.EventFailed:
			log.Warn().Err(ev.Err).Msgf("[sync] %s: live channel failed; sending over REST only", rs.slug)
			s.notifyLocked(rs.slug, UpdateChannel)
		default:
			s.notifyLocked(rs.slug, UpdateChannel)
		}
		s.mu.Unlock()
	}
}

// reload retries the newest page of a room whose first fetch failed.
func (s *Synchronizer) reload(ctx context.Context, rs *roomState) ([]chat.Message, error) {
	log.Info().Msgf("[sync] retrying initial history for %s", rs.slug)
	page, err := s.fetch(ctx, rs, "")

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.current(rs) {
		if err != nil {
			return nil, err
		}
		return nil, ErrRoomNotActive
	}
	if err != nil {
		log.Warn().Err(err).Msgf("[sync] initial history for %s failed again", rs.slug)
		return nil, err
	}
	if rs.loaded {
		// a concurrent retry got there first
		return nil, nil
	}
	added := s.applyNewestLocked(rs, page)
	if len(added) > 0 {
		s.notifyLocked(rs.slug, UpdateMessages)
	}
	return added, nil
}

func (s *Synchronizer) applyNewestLocked(rs *roomState, page history.Page) []chat.Message {
	added := rs.seq.Merge(page.Messages)
	rs.seq.SetCursor(page.NextCursor)
	rs.loaded = true
	return added
}

func (s *Synchronizer) fetch(ctx context.Context, rs *roomState, cursor string) (history.Page, error) {
	fctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(rs.ctx, cancel)
	defer stop()
	return s.history.FetchPage(fctx, rs.slug, cursor)
}

// current must be called with mu held.
func (s *Synchronizer) current(rs *roomState) bool {
	active, ok := s.rooms[rs.slug]
	return ok && active.epoch == rs.epoch
}

func (s *Synchronizer) detachLocked(rs *roomState) {
	delete(s.rooms, rs.slug)
	rs.cancel()
	for corr, t := range rs.timers {
		t.Stop()
		delete(rs.timers, corr)
	}
	s.notifyLocked(rs.slug, UpdateRemoved)
}

func (s *Synchronizer) shutdown(rs *roomState) {
	if rs.ch == nil {
		return
	}
	rs.ch.Disconnect()
	<-rs.pumpDone
}

func (s *Synchronizer) stopTimerLocked(rs *roomState, corr string) {
	if t, ok := rs.timers[corr]; ok {
		t.Stop()
		delete(rs.timers, corr)
	}
}

func (s *Synchronizer) notifyLocked(room string, kind UpdateKind) {
	u := Update{Room: room, Kind: kind}
	for _, ch := range s.subs {
		select {
		case ch <- u:
		default:
		}
	}
}
