package client

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/crypto/bcrypt"

	"github.com/zhouzirui/roomchat/internal/config"
	"github.com/zhouzirui/roomchat/internal/handler"
	"github.com/zhouzirui/roomchat/internal/model/chat"
	sessionModel "github.com/zhouzirui/roomchat/internal/model/session"
	"github.com/zhouzirui/roomchat/internal/service/api"
	authService "github.com/zhouzirui/roomchat/internal/service/auth"
	"github.com/zhouzirui/roomchat/internal/service/channel"
	chatService "github.com/zhouzirui/roomchat/internal/service/chat"
	"github.com/zhouzirui/roomchat/internal/service/credential"
)

type backend struct {
	srv    *httptest.Server
	chat   *chatService.Service
	issuer *authService.Issuer
}

func startBackend(t *testing.T) *backend {
	t.Helper()
	svc := chatService.NewService(chatService.WithBcryptCost(bcrypt.MinCost))
	if _, err := svc.CreateRoom(t.Context(), 0, "General", "", false, 0); err != nil {
		t.Fatalf("CreateRoom err: %v", err)
	}
	issuer := authService.NewIssuer("integration-secret", time.Minute)
	srv := httptest.NewServer(handler.NewRouter(svc, issuer, nil))
	t.Cleanup(srv.Close)
	return &backend{srv: srv, chat: svc, issuer: issuer}
}

func (b *backend) clientConfig() config.ClientConfig {
	return config.ClientConfig{
		APIURL:              b.srv.URL + "/api",
		WSURL:               "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/ws/chat",
		HTTPTimeout:         5 * time.Second,
		HistoryRetries:      1,
		ReconnectMaxRetries: 1,
		ReconnectInitial:    10 * time.Millisecond,
		ReconnectMax:        20 * time.Millisecond,
		ConfirmTimeout:      2 * time.Second,
	}
}

func newClient(t *testing.T, b *backend) *Client {
	t.Helper()
	c, err := New(b.clientConfig(), Options{
		Persister:  credential.NewMemoryPersister(),
		Registerer: prometheus.NewRegistry(),
	})
	if err != nil {
		t.Fatalf("New err: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func registerAndLogin(t *testing.T, c *Client, email string) {
	t.Helper()
	profile := map[string]string{"email": email, "password1": "correct-horse", "password2": "correct-horse"}
	if err := c.Session.Register(t.Context(), profile); err != nil {
		t.Fatalf("Register err: %v", err)
	}
	if c.Session.Session().Status != sessionModel.StatusAnonymous {
		t.Fatal("registration must not authenticate")
	}
	sess, err := c.Session.Login(t.Context(), email, "correct-horse")
	if err != nil {
		t.Fatalf("Login err: %v", err)
	}
	if sess.Status != sessionModel.StatusAuthenticated || sess.User.Username != email || sess.User.ID == 0 {
		t.Fatalf("unexpected session %+v", sess)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRegisterRejectsInvalidProfile(t *testing.T) {
	b := startBackend(t)
	c := newClient(t, b)

	err := c.Session.Register(t.Context(), map[string]string{"email": "nope", "password1": "short"})
	var validation *api.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(validation.Fields["email"]) == 0 {
		t.Fatalf("expected email error, got %v", validation.Fields)
	}
}

func TestLoginWithWrongPassword(t *testing.T) {
	b := startBackend(t)
	c := newClient(t, b)

	_, err := c.Session.Login(t.Context(), "ghost@example.com", "whatever")
	var authErr *api.AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthenticationError, got %v", err)
	}
	if c.Session.Session().Status != sessionModel.StatusAnonymous {
		t.Fatalf("failed login changed session to %s", c.Session.Session().Status)
	}
}

func TestChatRoundTrip(t *testing.T) {
	b := startBackend(t)
	c := newClient(t, b)
	registerAndLogin(t, c, "alice@example.com")

	bob, err := b.chat.Register(t.Context(), map[string]string{"email": "bob@example.com", "password": "bobs-password"})
	if err != nil {
		t.Fatalf("Register bob err: %v", err)
	}
	if _, err := b.chat.Join(t.Context(), bob.ID, "general"); err != nil {
		t.Fatalf("Join bob err: %v", err)
	}
	if _, err := b.chat.PostMessage(t.Context(), bob.ID, "general", "before you came"); err != nil {
		t.Fatalf("PostMessage err: %v", err)
	}

	rooms, err := c.Rooms.ListAll(t.Context())
	if err != nil {
		t.Fatalf("ListAll err: %v", err)
	}
	if len(rooms) != 1 || rooms[0].Slug != "general" {
		t.Fatalf("unexpected rooms %+v", rooms)
	}
	if err := c.Rooms.Join(t.Context(), "general"); err != nil {
		t.Fatalf("Join err: %v", err)
	}

	if err := c.Sync.ActivateRoom(t.Context(), "general"); err != nil {
		t.Fatalf("ActivateRoom err: %v", err)
	}
	msgs, _ := c.Sync.Snapshot("general")
	if len(msgs) != 1 || msgs[0].Content != "before you came" {
		t.Fatalf("unexpected history %+v", msgs)
	}

	waitFor(t, "channel open", func() bool {
		state, _ := c.Sync.ChannelState("general")
		return state == channel.StateOpen
	})

	sent, err := c.Sync.SendMessage(t.Context(), "general", "  hello over the socket ")
	if err != nil {
		t.Fatalf("SendMessage err: %v", err)
	}
	if sent.Content != "hello over the socket" || sent.Origin != chat.OriginLocal {
		t.Fatalf("unexpected optimistic entry %+v", sent)
	}

	waitFor(t, "echo confirmation", func() bool {
		msgs, _ := c.Sync.Snapshot("general")
		return len(msgs) == 2 && msgs[1].State == chat.StateConfirmed && msgs[1].Ref.ServerID != 0
	})
	msgs, _ = c.Sync.Snapshot("general")
	if msgs[1].Ref.CorrelationID != sent.Ref.CorrelationID {
		t.Fatalf("confirmed entry lost its correlation id: %+v", msgs[1])
	}

	if _, err := b.chat.PostMessage(t.Context(), bob.ID, "general", "welcome"); err != nil {
		t.Fatalf("PostMessage err: %v", err)
	}
	waitFor(t, "live message from bob", func() bool {
		msgs, _ := c.Sync.Snapshot("general")
		return len(msgs) == 3 && msgs[2].Content == "welcome" && msgs[2].SenderDisplayName == "bob@example.com"
	})

	c.Session.Logout()
	if c.Credentials.AccessToken() != "" {
		t.Fatal("credentials not cleared on logout")
	}
	if active := c.Sync.Active(); len(active) != 0 {
		t.Fatalf("rooms still active after logout: %v", active)
	}
}

func TestCreatedRoomIsJoinedAndEmpty(t *testing.T) {
	b := startBackend(t)
	c := newClient(t, b)
	registerAndLogin(t, c, "erin@example.com")

	room, err := c.Rooms.Create(t.Context(), chat.RoomDraft{Name: "Book Club", IsPrivate: true})
	if err != nil {
		t.Fatalf("Create err: %v", err)
	}
	if room.Slug != "book-club" || room.MemberCount != 1 {
		t.Fatalf("unexpected room %+v", room)
	}

	if err := c.Sync.ActivateRoom(t.Context(), room.Slug); err != nil {
		t.Fatalf("ActivateRoom err: %v", err)
	}
	msgs, _ := c.Sync.Snapshot(room.Slug)
	if len(msgs) != 0 || c.Sync.HasMore(room.Slug) {
		t.Fatalf("expected empty history, got %d messages", len(msgs))
	}
}

func TestRejectedTokenExpiresSession(t *testing.T) {
	b := startBackend(t)
	c := newClient(t, b)
	registerAndLogin(t, c, "carol@example.com")
	if err := c.Rooms.Join(t.Context(), "general"); err != nil {
		t.Fatalf("Join err: %v", err)
	}
	if err := c.Sync.ActivateRoom(t.Context(), "general"); err != nil {
		t.Fatalf("ActivateRoom err: %v", err)
	}

	if err := b.issuer.Revoke(c.Credentials.AccessToken()); err != nil {
		t.Fatalf("Revoke err: %v", err)
	}
	if _, _, err := c.Rooms.List(t.Context(), ""); err == nil {
		t.Fatal("expected request with revoked token to fail")
	}

	if status := c.Session.Session().Status; status != sessionModel.StatusExpired {
		t.Fatalf("expected expired session, got %s", status)
	}
	if active := c.Sync.Active(); len(active) != 0 {
		t.Fatalf("rooms still active after expiry: %v", active)
	}
}

func TestRestoreFromPersister(t *testing.T) {
	b := startBackend(t)
	persister := credential.NewMemoryPersister()

	first, err := New(b.clientConfig(), Options{Persister: persister})
	if err != nil {
		t.Fatalf("New err: %v", err)
	}
	registerAndLogin(t, first, "dave@example.com")
	first.Close()

	second, err := New(b.clientConfig(), Options{Persister: persister})
	if err != nil {
		t.Fatalf("New err: %v", err)
	}
	defer second.Close()
	restored, err := second.Start()
	if err != nil {
		t.Fatalf("Start err: %v", err)
	}
	if !restored || second.Session.User().Username != "dave@example.com" {
		t.Fatalf("expected restored session, got %v %+v", restored, second.Session.User())
	}
	if _, err := second.Rooms.ListAll(t.Context()); err != nil {
		t.Fatalf("ListAll with restored token err: %v", err)
	}
}
