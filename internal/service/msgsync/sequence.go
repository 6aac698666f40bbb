package msgsync

import (
	"slices"
	"time"

	"github.com/zhouzirui/roomchat/internal/model/chat"
)

// Outcome tells how an arrival was applied to a Sequence.
type Outcome int

const (
	// Appended: the message is newer than every confirmed entry held.
	Appended Outcome = iota
	// Inserted: the message is older than the high-water mark and was placed
	// by timestamp.
	Inserted
	// Resolved: the message confirmed a pending local send.
	Resolved
	// Duplicate: the server id was already present; nothing changed.
	Duplicate
)

func (o Outcome) String() string {
	switch o {
	case Appended:
		return "appended"
	case Inserted:
		return "inserted"
	case Resolved:
		return "resolved"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Sequence is the ordered, deduplicated message list of one room. It is not
// safe for concurrent use; the Synchronizer guards it.
type Sequence struct {
	room  string
	items []chat.Message
	ids   map[int64]struct{}

	// high-water mark: newest confirmed entry seen so far. Confirmed arrivals
	// at or past it only need a tail scan to be placed.
	hwmTime time.Time
	hwmID   int64

	cursor string
}

// NewSequence returns an empty sequence for room.
func NewSequence(room string) *Sequence {
	return &Sequence{room: room, ids: make(map[int64]struct{})}
}

// Room returns the room slug.
func (s *Sequence) Room() string { return s.room }

// Len returns the number of entries.
func (s *Sequence) Len() int { return len(s.items) }

// Messages returns a copy of the entries in order.
func (s *Sequence) Messages() []chat.Message {
	return slices.Clone(s.items)
}

// Cursor is the history cursor for the next older page, "" when exhausted.
func (s *Sequence) Cursor() string { return s.cursor }

// SetCursor records the cursor returned with the last applied page.
func (s *Sequence) SetCursor(cursor string) { s.cursor = cursor }

// HighWater returns the newest confirmed (timestamp, id) applied so far.
func (s *Sequence) HighWater() (time.Time, int64) {
	return s.hwmTime, s.hwmID
}

// Has reports whether a confirmed entry with id is present.
func (s *Sequence) Has(id int64) bool {
	_, ok := s.ids[id]
	return ok
}

// Insert places a confirmed message at its ordered position unless its id
// is already present.
func (s *Sequence) Insert(m chat.Message) Outcome {
	if !m.Ref.Confirmed() {
		return s.place(m)
	}
	if s.Has(m.Ref.ServerID) {
		return Duplicate
	}
	s.ids[m.Ref.ServerID] = struct{}{}
	if !s.advance(m) {
		s.place(m)
		return Inserted
	}
	s.placeFromTail(m)
	return Appended
}

// Merge inserts a batch (a history page) and returns the entries that were new.
func (s *Sequence) Merge(page []chat.Message) []chat.Message {
	added := make([]chat.Message, 0, len(page))
	for _, m := range page {
		if s.Insert(m) != Duplicate {
			added = append(added, m)
		}
	}
	return added
}

// AddPending inserts an optimistic local entry.
func (s *Sequence) AddPending(m chat.Message) {
	s.place(m)
}

// Pending returns the unconfirmed local entry with correlationID.
func (s *Sequence) Pending(correlationID string) (chat.Message, bool) {
	if i := s.indexOfPending(correlationID); i >= 0 {
		return s.items[i], true
	}
	return chat.Message{}, false
}

// PendingCount returns the number of unconfirmed local entries.
func (s *Sequence) PendingCount() int {
	n := 0
	for _, m := range s.items {
		if !m.Ref.Confirmed() {
			n++
		}
	}
	return n
}

// Resolve confirms the pending entry correlationID with the server echo. If
// the echo's id is already present (it arrived by the other transport), the
// pending entry is simply dropped so only one entry remains.
func (s *Sequence) Resolve(correlationID string, echo chat.Message) (chat.Message, Outcome) {
	i := s.indexOfPending(correlationID)
	if s.Has(echo.Ref.ServerID) {
		if i >= 0 {
			s.items = slices.Delete(s.items, i, i+1)
		}
		return s.byID(echo.Ref.ServerID), Duplicate
	}
	if i < 0 {
		return echo, s.Insert(echo)
	}

	confirmed := s.items[i].Confirm(echo)
	s.items = slices.Delete(s.items, i, i+1)
	s.ids[confirmed.Ref.ServerID] = struct{}{}
	s.advance(confirmed)
	s.place(confirmed)
	return confirmed, Resolved
}

// MatchPending finds the oldest unconfirmed local entry that echo plausibly
// confirms: same room and content, same sender id when both are known,
// timestamps within window.
func (s *Sequence) MatchPending(echo chat.Message, window time.Duration) (string, bool) {
	for _, m := range s.items {
		if m.Ref.Confirmed() || m.Origin != chat.OriginLocal {
			continue
		}
		if m.Content != echo.Content || (echo.RoomSlug != "" && m.RoomSlug != echo.RoomSlug) {
			continue
		}
		if !sameSender(m, echo) {
			continue
		}
		if d := echo.Timestamp.Sub(m.Timestamp); d > window || d < -window {
			continue
		}
		return m.Ref.CorrelationID, true
	}
	return "", false
}

// MarkFailed flags the pending entry as undelivered.
func (s *Sequence) MarkFailed(correlationID, reason string) (chat.Message, bool) {
	i := s.indexOfPending(correlationID)
	if i < 0 {
		return chat.Message{}, false
	}
	s.items[i] = s.items[i].Fail(reason)
	return s.items[i], true
}

// Requeue moves a failed entry back to pending with a fresh timestamp.
func (s *Sequence) Requeue(correlationID string, now time.Time) (chat.Message, bool) {
	i := s.indexOfPending(correlationID)
	if i < 0 || s.items[i].State != chat.StateFailed {
		return chat.Message{}, false
	}
	m := s.items[i]
	s.items = slices.Delete(s.items, i, i+1)
	m.State = chat.StatePending
	m.FailureReason = ""
	m.Timestamp = now
	s.place(m)
	return m, true
}

func (s *Sequence) place(m chat.Message) Outcome {
	if n := len(s.items); n == 0 || s.items[n-1].Before(m) {
		s.items = append(s.items, m)
		return Appended
	}
	i, _ := slices.BinarySearchFunc(s.items, m, chat.Message.Compare)
	s.items = slices.Insert(s.items, i, m)
	return Inserted
}

// placeFromTail inserts m, which is newer than every confirmed entry, by
// stepping back over the unconfirmed local entries that trail the list.
func (s *Sequence) placeFromTail(m chat.Message) {
	i := len(s.items)
	for i > 0 && !s.items[i-1].Ref.Confirmed() && m.Before(s.items[i-1]) {
		i--
	}
	s.items = slices.Insert(s.items, i, m)
}

// advance moves the high-water mark to m and reports whether m was past it.
func (s *Sequence) advance(m chat.Message) bool {
	if m.Timestamp.After(s.hwmTime) || (m.Timestamp.Equal(s.hwmTime) && m.Ref.ServerID > s.hwmID) {
		s.hwmTime = m.Timestamp
		s.hwmID = m.Ref.ServerID
		return true
	}
	return false
}

func (s *Sequence) indexOfPending(correlationID string) int {
	if correlationID == "" {
		return -1
	}
	for i, m := range s.items {
		if !m.Ref.Confirmed() && m.Ref.CorrelationID == correlationID {
			return i
		}
	}
	return -1
}

func (s *Sequence) byID(id int64) chat.Message {
	for _, m := range s.items {
		if m.Ref.ServerID == id {
			return m
		}
	}
	return chat.Message{}
}

// sameSender compares server-assigned user ids. A local entry created before
// the user id was known matches any sender: its display name is whatever the
// user typed at login and need not equal the server's username.
func sameSender(local, echo chat.Message) bool {
	if local.SenderID == 0 || echo.SenderID == 0 {
		return true
	}
	return local.SenderID == echo.SenderID
}
