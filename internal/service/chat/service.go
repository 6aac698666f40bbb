package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/zhouzirui/roomchat/internal/model/chat"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserNotFound       = errors.New("user not found")
	ErrRoomNotFound       = errors.New("room not found")
	ErrNotMember          = errors.New("you must be a member of the room")
	ErrPrivateRoom        = errors.New("cannot join a private room directly")
	ErrRoomFull           = errors.New("this room is full")
	ErrEmptyContent       = errors.New("content is required")
)

// PageSize 每页条目数。
const PageSize = 25

const subscriberBuffer = 64

// FieldErrors 按字段列出的校验错误信息。
type FieldErrors map[string][]string

func (f FieldErrors) Error() string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+strings.Join(f[k], " "))
	}
	return strings.Join(parts, "; ")
}

func (f FieldErrors) add(field, msg string) {
	f[field] = append(f[field], msg)
}

// User is a registered account.
type User struct {
	ID       int64
	Username string
	Email    string
}

type account struct {
	User
	hash []byte
}

type room struct {
	chat.Room
	maxMembers int
	members    map[int64]struct{}
}

func (r *room) snapshot() chat.Room {
	out := r.Room
	out.MemberCount = len(r.members)
	return out
}

// Service 参考后端的内存状态：账户、聊天室、成员关系与消息，
// 以及用于实时推送的按聊天室订阅者。
type Service struct {
	mu       sync.RWMutex
	users    map[int64]*account
	byName   map[string]int64
	rooms    map[string]*room
	order    []string
	messages map[string][]chat.WireMessage

	subsMu sync.Mutex
	subs   map[string]map[int64]chan chat.WireMessage

	nextUser, nextRoom, nextMessage, nextSub int64

	now        func() time.Time
	bcryptCost int
}

// Option customises a Service.
type Option func(*Service)

// WithClock overrides the message timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithBcryptCost lowers the hashing cost, for tests.
func WithBcryptCost(cost int) Option {
	return func(s *Service) { s.bcryptCost = cost }
}

// NewService 创建一个空的后端。
func NewService(opts ...Option) *Service {
	s := &Service{
		users:      make(map[int64]*account),
		byName:     make(map[string]int64),
		rooms:      make(map[string]*room),
		messages:   make(map[string][]chat.WireMessage),
		subs:       make(map[string]map[int64]chan chat.WireMessage),
		now:        func() time.Time { return time.Now().UTC() },
		bcryptCost: bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register 根据注册表单创建账户，邮箱同时作为用户名。
// password 与 password1 均可接受；若提供 password2 则必须一致。
func (s *Service) Register(_ context.Context, profile map[string]string) (User, error) {
	email := strings.ToLower(strings.TrimSpace(profile["email"]))
	password := profile["password1"]
	if password == "" {
		password = profile["password"]
	}

	fields := FieldErrors{}
	switch {
	case email == "":
		fields.add("email", "This field is required.")
	case !strings.Contains(email, "@"):
		fields.add("email", "Enter a valid email address.")
	}
	switch {
	case password == "":
		fields.add("password1", "This field is required.")
	case len(password) < 8:
		fields.add("password1", "This password is too short. It must contain at least 8 characters.")
	}
	if confirm, ok := profile["password2"]; ok && confirm != password {
		fields.add("password2", "The two password fields didn't match.")
	}
	if len(fields) > 0 {
		return User{}, fields
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.byName[email]; taken {
		return User{}, FieldErrors{"email": {"User with this Email already exists."}}
	}
	s.nextUser++
	acc := &account{User: User{ID: s.nextUser, Username: email, Email: email}, hash: hash}
	s.users[acc.ID] = acc
	s.byName[email] = acc.ID

	log.Info().Msgf("[devserver] registered user %d", acc.ID)
	return acc.User, nil
}

// Authenticate checks a username and password.
func (s *Service) Authenticate(_ context.Context, username, password string) (User, error) {
	s.mu.RLock()
	id, ok := s.byName[strings.ToLower(strings.TrimSpace(username))]
	var acc *account
	if ok {
		acc = s.users[id]
	}
	s.mu.RUnlock()

	if acc == nil {
		return User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(acc.hash, []byte(password)); err != nil {
		return User{}, ErrInvalidCredentials
	}
	return acc.User, nil
}

// GetUser looks an account up by id.
func (s *Service) GetUser(_ context.Context, id int64) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.users[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return acc.User, nil
}

// CreateRoom 创建聊天室，slug 由名称生成并保证唯一。
// creatorID 为 0 时创建无初始成员的系统聊天室。
func (s *Service) CreateRoom(_ context.Context, creatorID int64, name, description string, private bool, maxMembers int) (chat.Room, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return chat.Room{}, FieldErrors{"name": {"This field is required."}}
	}
	if maxMembers <= 0 {
		maxMembers = 100
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	createdBy := "system"
	if creatorID != 0 {
		acc, ok := s.users[creatorID]
		if !ok {
			return chat.Room{}, ErrUserNotFound
		}
		createdBy = acc.Username
	}

	base := slugify(name)
	slug := base
	for n := 1; ; n++ {
		if _, taken := s.rooms[slug]; !taken {
			break
		}
		slug = fmt.Sprintf("%s-%d", base, n)
	}

	s.nextRoom++
	r := &room{
		Room: chat.Room{
			ID:          s.nextRoom,
			Slug:        slug,
			Name:        name,
			Description: description,
			IsPrivate:   private,
			CreatedBy:   createdBy,
		},
		maxMembers: maxMembers,
		members:    make(map[int64]struct{}),
	}
	if creatorID != 0 {
		r.members[creatorID] = struct{}{}
	}
	s.rooms[slug] = r
	s.order = append(s.order, slug)
	return r.snapshot(), nil
}

// ListRooms 返回 userID 可见聊天室的第 page 页（从 1 开始，最新在前），以及是否还有下一页。
func (s *Service) ListRooms(_ context.Context, userID int64, page int) ([]chat.Room, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	visible := make([]chat.Room, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		r := s.rooms[s.order[i]]
		if _, member := r.members[userID]; !r.IsPrivate || member {
			visible = append(visible, r.snapshot())
		}
	}
	items, more := paginate(visible, page)
	return items, more, nil
}

// GetRoom 返回聊天室详情，私有聊天室仅对成员可见。
func (s *Service) GetRoom(_ context.Context, userID int64, slug string) (chat.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[slug]
	if !ok {
		return chat.Room{}, ErrRoomNotFound
	}
	if _, member := r.members[userID]; r.IsPrivate && !member {
		return chat.Room{}, ErrNotMember
	}
	return r.snapshot(), nil
}

// Join adds userID to a public room. It reports whether the user was
// already a member.
func (s *Service) Join(_ context.Context, userID int64, slug string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[slug]
	if !ok {
		return false, ErrRoomNotFound
	}
	if r.IsPrivate {
		return false, ErrPrivateRoom
	}
	if _, member := r.members[userID]; member {
		return true, nil
	}
	if len(r.members) >= r.maxMembers {
		return false, ErrRoomFull
	}
	r.members[userID] = struct{}{}
	return false, nil
}

// Leave removes userID from the room.
func (s *Service) Leave(_ context.Context, userID int64, slug string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[slug]
	if !ok {
		return ErrRoomNotFound
	}
	if _, member := r.members[userID]; !member {
		return ErrNotMember
	}
	delete(r.members, userID)
	return nil
}

// IsMember reports whether userID belongs to the room.
func (s *Service) IsMember(_ context.Context, userID int64, slug string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[slug]
	if !ok {
		return false, ErrRoomNotFound
	}
	_, member := r.members[userID]
	return member, nil
}

// ListMessages returns page (1-based) of the room's messages, newest first.
func (s *Service) ListMessages(_ context.Context, userID int64, slug string, page int) ([]chat.WireMessage, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkMemberLocked(userID, slug); err != nil {
		return nil, false, err
	}

	stored := s.messages[slug]
	newestFirst := make([]chat.WireMessage, len(stored))
	for i, m := range stored {
		newestFirst[len(stored)-1-i] = m
	}
	items, more := paginate(newestFirst, page)
	return items, more, nil
}

// PostMessage 保存 userID 发送的消息，并推送给聊天室的所有订阅者（包括发送者自己的连接）。
func (s *Service) PostMessage(_ context.Context, userID int64, slug, content string) (chat.WireMessage, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return chat.WireMessage{}, ErrEmptyContent
	}

	s.mu.Lock()
	if err := s.checkMemberLocked(userID, slug); err != nil {
		s.mu.Unlock()
		return chat.WireMessage{}, err
	}
	acc := s.users[userID]
	s.nextMessage++
	msg := chat.WireMessage{
		ID:        s.nextMessage,
		Room:      slug,
		User:      chat.WireUser{ID: acc.ID, Username: acc.Username},
		Content:   content,
		Timestamp: s.now(),
	}
	s.messages[slug] = append(s.messages[slug], msg)
	s.mu.Unlock()

	s.broadcast(slug, msg)
	return msg, nil
}

// Subscribe 订阅聊天室的新消息，返回的函数用于取消订阅并关闭通道。
func (s *Service) Subscribe(slug string) (<-chan chat.WireMessage, func()) {
	ch := make(chan chat.WireMessage, subscriberBuffer)

	s.subsMu.Lock()
	s.nextSub++
	id := s.nextSub
	if s.subs[slug] == nil {
		s.subs[slug] = make(map[int64]chan chat.WireMessage)
	}
	s.subs[slug][id] = ch
	s.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subsMu.Lock()
			delete(s.subs[slug], id)
			if len(s.subs[slug]) == 0 {
				delete(s.subs, slug)
			}
			s.subsMu.Unlock()
			close(ch)
		})
	}
}

func (s *Service) broadcast(slug string, msg chat.WireMessage) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for id, ch := range s.subs[slug] {
		select {
		case ch <- msg:
		default:
			log.Warn().Msgf("[devserver] subscriber %d of %s is full; dropping message %d", id, slug, msg.ID)
		}
	}
}

func (s *Service) checkMemberLocked(userID int64, slug string) error {
	r, ok := s.rooms[slug]
	if !ok {
		return ErrRoomNotFound
	}
	if _, member := r.members[userID]; !member {
		return ErrNotMember
	}
	return nil
}

func paginate[T any](items []T, page int) ([]T, bool) {
	if page < 1 {
		page = 1
	}
	start := (page - 1) * PageSize
	if start >= len(items) {
		return []T{}, false
	}
	end := min(start+PageSize, len(items))
	return items[start:end], end < len(items)
}

func slugify(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	slug := strings.TrimSuffix(b.String(), "-")
	if slug == "" {
		return "room"
	}
	return slug
}
