package session

// Status is the lifecycle state of the client session.
type Status int

const (
	StatusAnonymous Status = iota
	StatusAuthenticating
	StatusAuthenticated
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusAnonymous:
		return "anonymous"
	case StatusAuthenticating:
		return "authenticating"
	case StatusAuthenticated:
		return "authenticated"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// User is the resolved identity behind the access token.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// Tokens is the access/refresh pair issued by the auth endpoint.
type Tokens struct {
	Access  string
	Refresh string
}

// Empty reports whether no access token is held.
func (t Tokens) Empty() bool {
	return t.Access == ""
}

// Session captures the authenticated identity and token state of the client.
type Session struct {
	Tokens Tokens
	User   *User
	Status Status
}

// Authenticated reports whether outbound calls may carry credentials.
func (s Session) Authenticated() bool {
	return s.Status == StatusAuthenticated
}
