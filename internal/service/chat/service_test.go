package chat_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	chat "github.com/zhouzirui/roomchat/internal/service/chat"
)

func newService() *chat.Service {
	return chat.NewService(chat.WithBcryptCost(bcrypt.MinCost))
}

func register(t *testing.T, svc *chat.Service, email string) chat.User {
	t.Helper()
	user, err := svc.Register(context.Background(), map[string]string{
		"email": email, "password1": "correct-horse", "password2": "correct-horse",
	})
	if err != nil {
		t.Fatalf("Register err: %v", err)
	}
	return user
}

func TestServiceRegisterAndAuthenticate(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	user := register(t, svc, "Alice@Example.com")
	if user.Username != "alice@example.com" {
		t.Fatalf("unexpected username %q", user.Username)
	}

	got, err := svc.Authenticate(ctx, "alice@example.com", "correct-horse")
	if err != nil {
		t.Fatalf("Authenticate err: %v", err)
	}
	if got.ID != user.ID {
		t.Fatalf("unexpected user ID: got %d want %d", got.ID, user.ID)
	}

	if _, err := svc.Authenticate(ctx, "alice@example.com", "wrong"); !errors.Is(err, chat.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := svc.Authenticate(ctx, "nobody@example.com", "x"); !errors.Is(err, chat.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestServiceRegisterValidation(t *testing.T) {
	svc := newService()
	register(t, svc, "bob@example.com")

	_, err := svc.Register(context.Background(), map[string]string{
		"email": "bob@example.com", "password1": "short", "password2": "other",
	})
	var fields chat.FieldErrors
	if !errors.As(err, &fields) {
		t.Fatalf("expected FieldErrors, got %v", err)
	}
	if len(fields["password1"]) == 0 || len(fields["password2"]) == 0 {
		t.Fatalf("expected password errors, got %v", fields)
	}

	_, err = svc.Register(context.Background(), map[string]string{"email": "bob@example.com", "password": "long-enough"})
	if !errors.As(err, &fields) || len(fields["email"]) == 0 {
		t.Fatalf("expected duplicate email error, got %v", err)
	}
}

func TestServiceRoomsAndMembership(t *testing.T) {
	svc := newService()
	ctx := context.Background()
	alice := register(t, svc, "alice@example.com")

	general, err := svc.CreateRoom(ctx, 0, "General", "", false, 2)
	if err != nil {
		t.Fatalf("CreateRoom err: %v", err)
	}
	dup, err := svc.CreateRoom(ctx, 0, "General!", "", false, 0)
	if err != nil {
		t.Fatalf("CreateRoom err: %v", err)
	}
	if general.Slug != "general" || dup.Slug != "general-1" {
		t.Fatalf("unexpected slugs %q %q", general.Slug, dup.Slug)
	}
	secret, err := svc.CreateRoom(ctx, 0, "Secret Club", "", true, 0)
	if err != nil {
		t.Fatalf("CreateRoom err: %v", err)
	}

	rooms, more, err := svc.ListRooms(ctx, alice.ID, 1)
	if err != nil {
		t.Fatalf("ListRooms err: %v", err)
	}
	if more || len(rooms) != 2 {
		t.Fatalf("private room must be hidden, got %+v", rooms)
	}
	if _, err := svc.GetRoom(ctx, alice.ID, secret.Slug); !errors.Is(err, chat.ErrNotMember) {
		t.Fatalf("expected ErrNotMember, got %v", err)
	}
	if _, err := svc.Join(ctx, alice.ID, secret.Slug); !errors.Is(err, chat.ErrPrivateRoom) {
		t.Fatalf("expected ErrPrivateRoom, got %v", err)
	}

	already, err := svc.Join(ctx, alice.ID, "general")
	if err != nil || already {
		t.Fatalf("Join err: %v (already %v)", err, already)
	}
	if already, _ := svc.Join(ctx, alice.ID, "general"); !already {
		t.Fatal("second join should report membership")
	}

	bob := register(t, svc, "bob@example.com")
	carol := register(t, svc, "carol@example.com")
	if _, err := svc.Join(ctx, bob.ID, "general"); err != nil {
		t.Fatalf("Join err: %v", err)
	}
	if _, err := svc.Join(ctx, carol.ID, "general"); !errors.Is(err, chat.ErrRoomFull) {
		t.Fatalf("expected ErrRoomFull, got %v", err)
	}

	if err := svc.Leave(ctx, bob.ID, "general"); err != nil {
		t.Fatalf("Leave err: %v", err)
	}
	if err := svc.Leave(ctx, bob.ID, "general"); !errors.Is(err, chat.ErrNotMember) {
		t.Fatalf("expected ErrNotMember, got %v", err)
	}
}

func TestServiceMessagesNewestFirstPaged(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	svc := chat.NewService(chat.WithBcryptCost(bcrypt.MinCost), chat.WithClock(func() time.Time {
		tick++
		return start.Add(time.Duration(tick) * time.Second)
	}))
	ctx := context.Background()
	alice := register(t, svc, "alice@example.com")
	if _, err := svc.CreateRoom(ctx, alice.ID, "General", "", false, 0); err != nil {
		t.Fatalf("CreateRoom err: %v", err)
	}

	for i := 1; i <= chat.PageSize+5; i++ {
		if _, err := svc.PostMessage(ctx, alice.ID, "general", fmt.Sprintf("m%d", i)); err != nil {
			t.Fatalf("PostMessage err: %v", err)
		}
	}

	first, more, err := svc.ListMessages(ctx, alice.ID, "general", 1)
	if err != nil {
		t.Fatalf("ListMessages err: %v", err)
	}
	if !more || len(first) != chat.PageSize || first[0].Content != "m30" {
		t.Fatalf("unexpected first page: more=%v len=%d head=%q", more, len(first), first[0].Content)
	}
	second, more, err := svc.ListMessages(ctx, alice.ID, "general", 2)
	if err != nil {
		t.Fatalf("ListMessages err: %v", err)
	}
	if more || len(second) != 5 || second[4].Content != "m1" {
		t.Fatalf("unexpected second page: more=%v len=%d", more, len(second))
	}

	bob := register(t, svc, "bob@example.com")
	if _, _, err := svc.ListMessages(ctx, bob.ID, "general", 1); !errors.Is(err, chat.ErrNotMember) {
		t.Fatalf("expected ErrNotMember, got %v", err)
	}
	if _, err := svc.PostMessage(ctx, alice.ID, "general", "   "); !errors.Is(err, chat.ErrEmptyContent) {
		t.Fatalf("expected ErrEmptyContent, got %v", err)
	}
}

func TestServiceSubscribeReceivesPosts(t *testing.T) {
	svc := newService()
	ctx := context.Background()
	alice := register(t, svc, "alice@example.com")
	if _, err := svc.CreateRoom(ctx, alice.ID, "General", "", false, 0); err != nil {
		t.Fatalf("CreateRoom err: %v", err)
	}

	updates, cancel := svc.Subscribe("general")
	posted, err := svc.PostMessage(ctx, alice.ID, "general", "hello")
	if err != nil {
		t.Fatalf("PostMessage err: %v", err)
	}

	select {
	case got := <-updates:
		if got.ID != posted.ID || got.Room != "general" || got.User.Username != "alice@example.com" {
			t.Fatalf("unexpected broadcast %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no broadcast received")
	}

	cancel()
	cancel()
	if _, ok := <-updates; ok {
		t.Fatal("expected channel closed after unsubscribe")
	}
}
