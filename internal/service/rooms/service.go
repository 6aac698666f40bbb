// Package rooms lists, joins and leaves chat rooms.
package rooms

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/roomchat/internal/model/chat"
)

var (
	ErrEmptySlug = errors.New("room slug is required")
	ErrEmptyName = errors.New("room name is required")
)

// maxPages bounds ListAll against a server that never stops paging.
const maxPages = 100

// API is the subset of the REST client used for rooms.
type API interface {
	ListRooms(ctx context.Context, cursor string) (chat.RoomPage, error)
	GetRoom(ctx context.Context, slug string) (chat.Room, error)
	CreateRoom(ctx context.Context, draft chat.RoomDraft) (chat.Room, error)
	JoinRoom(ctx context.Context, slug string) error
	LeaveRoom(ctx context.Context, slug string) error
}

// Deactivator releases the local state of a room.
type Deactivator interface {
	DeactivateRoom(slug string)
}

// Service wraps the room endpoints.
type Service struct {
	api  API
	sync Deactivator
}

// NewService returns a room service. sync may be nil.
func NewService(api API, sync Deactivator) *Service {
	return &Service{api: api, sync: sync}
}

// List returns one page of rooms.
func (s *Service) List(ctx context.Context, cursor string) ([]chat.Room, string, error) {
	page, err := s.api.ListRooms(ctx, cursor)
	if err != nil {
		return nil, "", fmt.Errorf("list rooms: %w", err)
	}
	return page.Rooms, page.Next, nil
}

// ListAll follows the next cursor until the listing is exhausted.
func (s *Service) ListAll(ctx context.Context) ([]chat.Room, error) {
	var (
		all    []chat.Room
		cursor string
	)
	for range maxPages {
		rooms, next, err := s.List(ctx, cursor)
		if err != nil {
			return nil, err
		}
		all = append(all, rooms...)
		if next == "" || next == cursor {
			return all, nil
		}
		cursor = next
	}
	log.Warn().Msgf("[rooms] listing truncated after %d pages", maxPages)
	return all, nil
}

// Get returns one room by slug.
func (s *Service) Get(ctx context.Context, slug string) (chat.Room, error) {
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return chat.Room{}, ErrEmptySlug
	}
	room, err := s.api.GetRoom(ctx, slug)
	if err != nil {
		return chat.Room{}, fmt.Errorf("get room %s: %w", slug, err)
	}
	return room, nil
}

// Create makes a new room owned by the current user, who becomes its first
// member.
func (s *Service) Create(ctx context.Context, draft chat.RoomDraft) (chat.Room, error) {
	draft.Name = strings.TrimSpace(draft.Name)
	if draft.Name == "" {
		return chat.Room{}, ErrEmptyName
	}
	if draft.MaxMembers < 0 {
		return chat.Room{}, fmt.Errorf("max members must not be negative, got %d", draft.MaxMembers)
	}
	room, err := s.api.CreateRoom(ctx, draft)
	if err != nil {
		return chat.Room{}, fmt.Errorf("create room %s: %w", draft.Name, err)
	}
	log.Info().Msgf("[rooms] created %s", room.Slug)
	return room, nil
}

// Join adds the current user to the room.
func (s *Service) Join(ctx context.Context, slug string) error {
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return ErrEmptySlug
	}
	if err := s.api.JoinRoom(ctx, slug); err != nil {
		return fmt.Errorf("join room %s: %w", slug, err)
	}
	log.Info().Msgf("[rooms] joined %s", slug)
	return nil
}

// Leave deactivates the room locally, then removes the membership.
func (s *Service) Leave(ctx context.Context, slug string) error {
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return ErrEmptySlug
	}
	if s.sync != nil {
		s.sync.DeactivateRoom(slug)
	}
	if err := s.api.LeaveRoom(ctx, slug); err != nil {
		return fmt.Errorf("leave room %s: %w", slug, err)
	}
	log.Info().Msgf("[rooms] left %s", slug)
	return nil
}
