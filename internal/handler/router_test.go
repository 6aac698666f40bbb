package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/crypto/bcrypt"

	"github.com/zhouzirui/roomchat/internal/model/chat"
	authService "github.com/zhouzirui/roomchat/internal/service/auth"
	chatService "github.com/zhouzirui/roomchat/internal/service/chat"
)

func setupRouter(t *testing.T) (http.Handler, *chatService.Service) {
	t.Helper()
	svc := chatService.NewService(chatService.WithBcryptCost(bcrypt.MinCost))
	if _, err := svc.CreateRoom(t.Context(), 0, "General", "", false, 0); err != nil {
		t.Fatalf("CreateRoom err: %v", err)
	}
	return NewRouter(svc, authService.NewIssuer("test-secret", time.Minute), prometheus.NewRegistry()), svc
}

func do(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	if body != nil {
		payload, _ = json.Marshal(body)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	return resp
}

func login(t *testing.T, h http.Handler, email string) string {
	t.Helper()
	resp := do(t, h, http.MethodPost, "/api/auth/register/", "", map[string]string{
		"email": email, "password1": "correct-horse", "password2": "correct-horse",
	})
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body)
	}
	resp = do(t, h, http.MethodPost, "/api/auth/login/", "", map[string]string{"username": email, "password": "correct-horse"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body)
	}
	var pair authService.Pair
	if err := json.Unmarshal(resp.Body.Bytes(), &pair); err != nil {
		t.Fatalf("decode pair err: %v", err)
	}
	return pair.AccessToken
}

func TestLoginInvalidCredentials(t *testing.T) {
	h, _ := setupRouter(t)
	resp := do(t, h, http.MethodPost, "/api/auth/login/", "", map[string]string{"username": "x@example.com", "password": "nope"})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), "Invalid credentials") {
		t.Fatalf("unexpected body %s", resp.Body)
	}
}

func TestRegisterFieldErrors(t *testing.T) {
	h, _ := setupRouter(t)
	resp := do(t, h, http.MethodPost, "/api/auth/register/", "", map[string]string{"email": "bad", "password1": "x"})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
	var fields map[string][]string
	if err := json.Unmarshal(resp.Body.Bytes(), &fields); err != nil {
		t.Fatalf("decode err: %v", err)
	}
	if len(fields["email"]) == 0 || len(fields["password1"]) == 0 {
		t.Fatalf("expected field errors, got %v", fields)
	}
}

func TestRoomsRequireToken(t *testing.T) {
	h, _ := setupRouter(t)
	if resp := do(t, h, http.MethodGet, "/api/chat/rooms/", "", nil); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
	if resp := do(t, h, http.MethodGet, "/api/chat/rooms/", "garbage", nil); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestJoinPostAndListMessages(t *testing.T) {
	h, _ := setupRouter(t)
	token := login(t, h, "alice@example.com")

	if resp := do(t, h, http.MethodGet, "/api/chat/rooms/general/messages/", token, nil); resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 before joining, got %d", resp.Code)
	}
	if resp := do(t, h, http.MethodPost, "/api/chat/rooms/general/join/", token, nil); resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	for _, content := range []string{"first", "second"} {
		resp := do(t, h, http.MethodPost, "/api/chat/rooms/general/messages/", token, map[string]string{"content": content})
		if resp.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body)
		}
	}
	if resp := do(t, h, http.MethodPost, "/api/chat/rooms/general/messages/", token, map[string]string{"content": " "}); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank content, got %d", resp.Code)
	}

	resp := do(t, h, http.MethodGet, "/api/chat/rooms/general/messages/", token, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var page chat.MessagePage
	if err := json.Unmarshal(resp.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode err: %v", err)
	}
	if len(page.Results) != 2 || page.Results[0].Content != "second" || page.Next != nil {
		t.Fatalf("expected newest-first single page, got %+v", page)
	}
	if page.Results[0].User.Username != "alice@example.com" {
		t.Fatalf("unexpected author %+v", page.Results[0].User)
	}

	if resp := do(t, h, http.MethodGet, "/api/chat/rooms/missing/", token, nil); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestLogoutRevokesToken(t *testing.T) {
	h, _ := setupRouter(t)
	token := login(t, h, "alice@example.com")

	if resp := do(t, h, http.MethodPost, "/api/auth/logout/", "", map[string]string{"access_token": token}); resp.Code != http.StatusResetContent {
		t.Fatalf("expected 205, got %d", resp.Code)
	}
	if resp := do(t, h, http.MethodGet, "/api/chat/rooms/", token, nil); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected revoked token rejected, got %d", resp.Code)
	}
}

func TestWebSocketEchoesToSender(t *testing.T) {
	h, _ := setupRouter(t)
	token := login(t, h, "alice@example.com")
	if resp := do(t, h, http.MethodPost, "/api/chat/rooms/general/join/", token, nil); resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	srv := httptest.NewServer(h)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/chat/general/"

	if _, _, err := websocket.DefaultDialer.Dial(wsURL, nil); err == nil {
		t.Fatal("expected handshake without token to fail")
	}

	header := http.Header{"Authorization": {"Bearer " + token}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("Dial err: %v", err)
	}
	defer conn.Close()

	frame, err := chat.EncodeSend("over the socket")
	if err != nil {
		t.Fatalf("EncodeSend err: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("WriteMessage err: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage err: %v", err)
	}
	decoded, err := chat.DecodeFrame(raw)
	if err != nil {
		t.Fatalf("DecodeFrame err: %v", err)
	}
	msg, err := chat.DecodeNewMessage(decoded)
	if err != nil {
		t.Fatalf("DecodeNewMessage err: %v", err)
	}
	if msg.Content != "over the socket" || msg.Room != "general" || msg.ID == 0 {
		t.Fatalf("unexpected echo %+v", msg)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h, _ := setupRouter(t)
	resp := do(t, h, http.MethodGet, "/metrics", "", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}
