package stream

import (
	"bufio"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/zhouzirui/roomchat/internal/middleware"
	authservice "github.com/zhouzirui/roomchat/internal/service/auth"
	chatservice "github.com/zhouzirui/roomchat/internal/service/chat"
)

func setup(t *testing.T) (*httptest.Server, *chatservice.Service, string, int64) {
	t.Helper()
	chatSvc := chatservice.NewService(chatservice.WithBcryptCost(bcrypt.MinCost))
	issuer := authservice.NewIssuer("stream-secret", time.Minute)

	user, err := chatSvc.Register(t.Context(), map[string]string{"email": "alice@example.com", "password": "long-enough"})
	if err != nil {
		t.Fatalf("Register err: %v", err)
	}
	if _, err := chatSvc.CreateRoom(t.Context(), user.ID, "Lobby", "", false, 0); err != nil {
		t.Fatalf("CreateRoom err: %v", err)
	}
	pair, err := issuer.Issue(user.ID, user.Username)
	if err != nil {
		t.Fatalf("Issue err: %v", err)
	}

	r := chi.NewRouter()
	r.Group(func(protected chi.Router) {
		protected.Use(middleware.Authenticate(issuer))
		New(chatSvc).RegisterRoutes(protected)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, chatSvc, pair.AccessToken, user.ID
}

func TestEventsStreamsNewMessages(t *testing.T) {
	srv, chatSvc, token, userID := setup(t)

	req, _ := http.NewRequestWithContext(t.Context(), http.MethodGet, srv.URL+"/chat/rooms/lobby/events/?token="+token, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do err: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		t.Fatalf("unexpected response %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}

	reader := bufio.NewReader(resp.Body)
	readEvent := func() (string, string) {
		t.Helper()
		var event, data string
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("ReadString err: %v", err)
			}
			line = strings.TrimRight(line, "\n")
			switch {
			case line == "" && event != "":
				return event, data
			case strings.HasPrefix(line, "event: "):
				event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			}
		}
	}

	if event, _ := readEvent(); event != "start" {
		t.Fatalf("expected start event, got %s", event)
	}
	if _, err := chatSvc.PostMessage(t.Context(), userID, "lobby", "streamed"); err != nil {
		t.Fatalf("PostMessage err: %v", err)
	}
	event, data := readEvent()
	if event != "chat_message" || !strings.Contains(data, `"streamed"`) {
		t.Fatalf("unexpected event %s %s", event, data)
	}
}

func TestEventsRequiresMembership(t *testing.T) {
	srv, chatSvc, token, _ := setup(t)
	if _, err := chatSvc.CreateRoom(t.Context(), 0, "Elsewhere", "", false, 0); err != nil {
		t.Fatalf("CreateRoom err: %v", err)
	}

	for path, want := range map[string]int{
		"/chat/rooms/elsewhere/events/": http.StatusForbidden,
		"/chat/rooms/missing/events/":   http.StatusNotFound,
	} {
		req, _ := http.NewRequest(http.MethodGet, srv.URL+path, nil)
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("Do err: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != want {
			t.Fatalf("%s: expected %d, got %d", path, want, resp.StatusCode)
		}
	}
}
