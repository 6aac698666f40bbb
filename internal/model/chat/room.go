package chat

// Room is an immutable snapshot of a chat room as listed by the backend.
type Room struct {
	ID          int64  `json:"id"`
	Slug        string `json:"slug"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MemberCount int    `json:"member_count"`
	IsPrivate   bool   `json:"is_private"`
	CreatedBy   string `json:"created_by"`
}

// RoomDraft is the body of a room creation request. MaxMembers 0 leaves the
// server default.
type RoomDraft struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	IsPrivate   bool   `json:"is_private"`
	MaxMembers  int    `json:"max_members,omitempty"`
}

// RoomPage is one page of the room listing.
type RoomPage struct {
	Rooms []Room `json:"results"`
	Next  string `json:"next,omitempty"`
}
