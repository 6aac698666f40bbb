// Package api is the client for the chat REST backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/roomchat/internal/model/chat"
	"github.com/zhouzirui/roomchat/internal/service/credential"
)

// TokenPair is the body of a successful login or refresh.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expired_time,omitempty"`
}

// Client talks to the REST backend. Every request goes through bearerTransport,
// which attaches the current access token.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	auth    *bearerTransport
}

// Option customises a Client.
type Option func(*clientOptions)

type clientOptions struct {
	base    http.RoundTripper
	timeout time.Duration
}

// WithTransport replaces the underlying round tripper.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *clientOptions) { o.base = rt }
}

// WithTimeout bounds every request.
func WithTimeout(d time.Duration) Option {
	return func(o *clientOptions) { o.timeout = d }
}

// New builds a client for baseURL (e.g. http://127.0.0.1:8000/api).
func New(baseURL string, tokens credential.Source, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("invalid api url %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid api url %q: scheme must be http or https", baseURL)
	}

	o := clientOptions{base: http.DefaultTransport, timeout: 10 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}

	auth := &bearerTransport{base: o.base, tokens: tokens, origin: u}
	return &Client{
		baseURL: u,
		http:    &http.Client{Transport: auth, Timeout: o.timeout},
		auth:    auth,
	}, nil
}

// OnUnauthorized registers fn to run when an authenticated request is rejected.
// fn receives the token the rejected request carried.
func (c *Client) OnUnauthorized(fn func(token string)) {
	c.auth.setHandler(fn)
}

// Login exchanges credentials for a token pair.
func (c *Client) Login(ctx context.Context, identifier, password string) (TokenPair, error) {
	body := map[string]string{"username": identifier, "password": password}

	var pair TokenPair
	err := c.do(anonymous(ctx), http.MethodPost, "auth/login/", body, &pair)
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && (statusErr.Code == http.StatusUnauthorized || statusErr.Code == http.StatusBadRequest) {
			return TokenPair{}, &AuthenticationError{Status: statusErr.Code, Detail: errorDetail(statusErr.Body)}
		}
		return TokenPair{}, err
	}
	if pair.AccessToken == "" {
		return TokenPair{}, &AuthenticationError{Status: http.StatusOK, Detail: "no access token in response"}
	}
	return pair, nil
}

// Register submits the profile fields as given.
func (c *Client) Register(ctx context.Context, profile map[string]string) error {
	err := c.do(anonymous(ctx), http.MethodPost, "auth/register/", profile, nil)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.Code == http.StatusBadRequest {
		if fields := parseFieldErrors(statusErr.Body); len(fields) > 0 {
			return &ValidationError{Fields: fields}
		}
	}
	return err
}

// Refresh trades a refresh token for a new pair.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	var pair TokenPair
	err := c.do(anonymous(ctx), http.MethodPost, "auth/refresh/", map[string]string{"refresh_token": refreshToken}, &pair)
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.Code < http.StatusInternalServerError {
			return TokenPair{}, &AuthenticationError{Status: statusErr.Code, Detail: errorDetail(statusErr.Body)}
		}
		return TokenPair{}, err
	}
	return pair, nil
}

// Revoke asks the backend to invalidate accessToken.
func (c *Client) Revoke(ctx context.Context, accessToken string) error {
	return c.do(anonymous(ctx), http.MethodPost, "auth/logout/", map[string]string{"access_token": accessToken}, nil)
}

// ListRooms returns one page of visible rooms.
func (c *Client) ListRooms(ctx context.Context, cursor string) (chat.RoomPage, error) {
	var page struct {
		Results []chat.Room `json:"results"`
		Next    *string     `json:"next"`
	}
	if err := c.do(ctx, http.MethodGet, c.withCursor("chat/rooms/", cursor), nil, &page); err != nil {
		return chat.RoomPage{}, err
	}
	out := chat.RoomPage{Rooms: page.Results}
	if page.Next != nil {
		out.Next = *page.Next
	}
	return out, nil
}

// CreateRoom creates a room owned by the current user. A 400 answer becomes a
// ValidationError.
func (c *Client) CreateRoom(ctx context.Context, draft chat.RoomDraft) (chat.Room, error) {
	var room chat.Room
	err := c.do(ctx, http.MethodPost, "chat/rooms/", draft, &room)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.Code == http.StatusBadRequest {
		if fields := parseFieldErrors(statusErr.Body); len(fields) > 0 {
			return chat.Room{}, &ValidationError{Fields: fields}
		}
	}
	return room, err
}

// GetRoom returns a single room.
func (c *Client) GetRoom(ctx context.Context, slug string) (chat.Room, error) {
	var room chat.Room
	err := c.do(ctx, http.MethodGet, "chat/rooms/"+url.PathEscape(slug)+"/", nil, &room)
	return room, err
}

// JoinRoom adds the current user to the room's members.
func (c *Client) JoinRoom(ctx context.Context, slug string) error {
	return c.do(ctx, http.MethodPost, "chat/rooms/"+url.PathEscape(slug)+"/join/", nil, nil)
}

// LeaveRoom removes the current user from the room's members.
func (c *Client) LeaveRoom(ctx context.Context, slug string) error {
	return c.do(ctx, http.MethodPost, "chat/rooms/"+url.PathEscape(slug)+"/leave/", nil, nil)
}

// ListMessages returns one page of room history, newest first.
func (c *Client) ListMessages(ctx context.Context, slug, cursor string) (chat.MessagePage, error) {
	var page chat.MessagePage
	path := c.withCursor("chat/rooms/"+url.PathEscape(slug)+"/messages/", cursor)
	err := c.do(ctx, http.MethodGet, path, nil, &page)
	return page, err
}

// PostMessage creates a message through REST and returns the stored copy.
func (c *Client) PostMessage(ctx context.Context, slug, content string) (chat.WireMessage, error) {
	var msg chat.WireMessage
	path := "chat/rooms/" + url.PathEscape(slug) + "/messages/"
	err := c.do(ctx, http.MethodPost, path, chat.SendPayload{Content: content}, &msg)
	return msg, err
}

func (c *Client) resolve(path string) (*url.URL, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("invalid path %q: %w", path, err)
	}
	return c.baseURL.ResolveReference(ref), nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	target, err := c.resolve(path)
	if err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", path, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s %s: %w: %w", method, target.Path, errTransport, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w: %w", method, target.Path, errTransport, err)
	}

	if resp.StatusCode == http.StatusUnauthorized && !isAnonymous(ctx) {
		log.Debug().Msgf("[api] %s %s rejected credentials", method, target.Path)
		return fmt.Errorf("%s %s: %w", method, target.Path, ErrUnauthorized)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Method: method, Path: target.Path, Code: resp.StatusCode, Body: string(raw)}
	}

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, target.Path, err)
	}
	return nil
}

// withCursor appends an opaque cursor. A cursor that is an absolute URL (a
// backend-supplied "next" link) replaces the path when it points at the
// configured backend. A link to any other host keeps only its query.
func (c *Client) withCursor(path, cursor string) string {
	if cursor == "" {
		return path
	}
	if !strings.HasPrefix(cursor, "http://") && !strings.HasPrefix(cursor, "https://") {
		return path + "?cursor=" + url.QueryEscape(cursor)
	}
	next, err := url.Parse(cursor)
	if err != nil {
		return path + "?cursor=" + url.QueryEscape(cursor)
	}
	if sameOrigin(next, c.baseURL) {
		return cursor
	}
	log.Warn().Msgf("[api] next link points at %s, not %s; keeping only its query", next.Host, c.baseURL.Host)
	if next.RawQuery == "" {
		return path
	}
	return path + "?" + next.RawQuery
}

func errorDetail(body string) string {
	var payload struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal([]byte(body), &payload); err == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Detail != "" {
			return payload.Detail
		}
	}
	return strings.TrimSpace(body)
}

// parseFieldErrors accepts {"field": ["msg", ...]} or {"field": "msg"}.
func parseFieldErrors(body string) map[string][]string {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return nil
	}
	fields := make(map[string][]string, len(raw))
	for key, value := range raw {
		var list []string
		if err := json.Unmarshal(value, &list); err == nil {
			fields[key] = list
			continue
		}
		var single string
		if err := json.Unmarshal(value, &single); err == nil {
			fields[key] = []string{single}
		}
	}
	return fields
}
