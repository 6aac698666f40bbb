package chat

import (
	"strconv"
	"time"
)

// Origin tells whether a message was authored on this client or arrived from the server.
type Origin int

const (
	OriginRemote Origin = iota
	OriginLocal
)

func (o Origin) String() string {
	if o == OriginLocal {
		return "local"
	}
	return "remote"
}

// DeliveryState tracks an entry through optimistic send and confirmation.
type DeliveryState int

const (
	StatePending DeliveryState = iota
	StateConfirmed
	StateFailed
)

func (s DeliveryState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateConfirmed:
		return "confirmed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Ref identifies a message either by the correlation id assigned when it was
// created locally or by the id the server assigned on confirmation. A confirmed
// local message keeps its correlation id so the UI can follow it.
type Ref struct {
	ServerID      int64
	CorrelationID string
}

// PendingRef returns the identity of an unconfirmed local message.
func PendingRef(correlationID string) Ref {
	return Ref{CorrelationID: correlationID}
}

// ServerRef returns the identity of a server-confirmed message.
func ServerRef(id int64) Ref {
	return Ref{ServerID: id}
}

// Confirmed reports whether the server id is known.
func (r Ref) Confirmed() bool {
	return r.ServerID != 0
}

func (r Ref) String() string {
	if r.Confirmed() {
		return strconv.FormatInt(r.ServerID, 10)
	}
	return "local:" + r.CorrelationID
}

// compare orders confirmed refs by server id ahead of unconfirmed ones, which
// fall back to their correlation ids.
func (r Ref) compare(o Ref) int {
	switch {
	case r.Confirmed() && o.Confirmed():
		switch {
		case r.ServerID < o.ServerID:
			return -1
		case r.ServerID > o.ServerID:
			return 1
		}
		return 0
	case r.Confirmed():
		return -1
	case o.Confirmed():
		return 1
	}
	switch {
	case r.CorrelationID < o.CorrelationID:
		return -1
	case r.CorrelationID > o.CorrelationID:
		return 1
	}
	return 0
}

// Message is one entry of a room's merged sequence.
type Message struct {
	Ref               Ref
	RoomSlug          string
	SenderID          int64
	SenderDisplayName string
	Content           string
	Timestamp         time.Time
	Origin            Origin
	State             DeliveryState
	// FailureReason is set while State is StateFailed.
	FailureReason string
}

// Compare orders messages by timestamp, ties broken by id.
func (m Message) Compare(o Message) int {
	if c := m.Timestamp.Compare(o.Timestamp); c != 0 {
		return c
	}
	return m.Ref.compare(o.Ref)
}

// Before reports whether m sorts strictly ahead of o.
func (m Message) Before(o Message) bool {
	return m.Compare(o) < 0
}

// Confirm resolves a pending local message against the server's echo. The
// server's id, timestamp and content win; origin and correlation id are kept.
func (m Message) Confirm(echo Message) Message {
	out := echo
	out.Ref = Ref{ServerID: echo.Ref.ServerID, CorrelationID: m.Ref.CorrelationID}
	out.Origin = m.Origin
	out.State = StateConfirmed
	out.FailureReason = ""
	if out.RoomSlug == "" {
		out.RoomSlug = m.RoomSlug
	}
	if out.SenderDisplayName == "" {
		out.SenderDisplayName = m.SenderDisplayName
	}
	return out
}

// Fail marks the message as undelivered.
func (m Message) Fail(reason string) Message {
	m.State = StateFailed
	m.FailureReason = reason
	return m
}
