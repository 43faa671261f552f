// Package identity управляет пользователями магазина, входом и обновлением токенов.
package identity

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/bookstore/internal/auth"
	"github.com/vladislavdragonenkov/bookstore/internal/cache"
	"github.com/vladislavdragonenkov/bookstore/internal/domain"
)

const (
	queryGet  = "users.get"
	queryList = "users.list"
)

// TokenIssuer выпускает пару токенов для пользователя.
type TokenIssuer interface {
	IssueAccess(user domain.User) (token string, expiresAt time.Time, err error)
	NewRefresh() (token string, expiresAt time.Time)
}

// UserView: пользователь без секретов; именно он попадает в кэш и в ответы API.
type UserView struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Email     string      `json:"email"`
	Role      domain.Role `json:"role"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// NewUserView убирает из пользователя хеш пароля и refresh token.
func NewUserView(user domain.User) UserView {
	return UserView{
		ID:        user.ID,
		Name:      user.Name,
		Email:     user.Email,
		Role:      user.Role,
		CreatedAt: user.CreatedAt,
		UpdatedAt: user.UpdatedAt,
	}
}

// Session: результат входа или обновления токенов.
type Session struct {
	UserID           string
	Role             domain.Role
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// CreateInput: данные нового пользователя.
type CreateInput struct {
	Name     string
	Email    string
	Password string
	Role     domain.Role
}

// UpdateInput: новые имя и email; пустой Password оставляет пароль прежним.
// Роль после создания не меняется.
type UpdateInput struct {
	Name     string
	Email    string
	Password string
}

// Service: пользователи и аутентификация.
type Service struct {
	users  domain.UserRepository
	tokens TokenIssuer
	cache  *cache.Cache
	logger *log.Entry
	now    func() time.Time
	newID  func() string

	dummyOnce sync.Once
	dummyHash string
}

// Option настраивает Service.
type Option func(*Service)

// WithCache включает read-through кэш для Get и List.
func WithCache(c *cache.Cache) Option {
	return func(s *Service) {
		s.cache = c
	}
}

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService создаёт сервис пользователей.
func NewService(users domain.UserRepository, tokens TokenIssuer, options ...Option) *Service {
	s := &Service{
		users:  users,
		tokens: tokens,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
	for _, option := range options {
		option(s)
	}
	if s.logger == nil {
		s.logger = log.WithField("component", "identity-service")
	}
	return s
}

// Login проверяет email и пароль и выдаёт новую пару токенов.
func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	user, err := s.users.GetByEmail(ctx, email)
	if errors.Is(err, domain.ErrUserNotFound) {
		// Хешируем впустую, чтобы время ответа не выдавало незарегистрированный email.
		_, _ = auth.VerifyPassword(password, s.dummyPasswordHash())
		return Session{}, domain.ErrInvalidCredentials
	}
	if err != nil {
		return Session{}, err
	}

	ok, err := auth.VerifyPassword(password, user.PasswordHash)
	if err != nil {
		s.logger.WithError(err).WithField("user_id", user.ID).Warn("stored password hash is unreadable")
		return Session{}, domain.ErrInvalidCredentials
	}
	if !ok {
		s.logger.WithField("user_id", user.ID).Info("login rejected: wrong password")
		return Session{}, domain.ErrInvalidCredentials
	}
	if !user.Role.Valid() {
		return Session{}, domain.ErrLoginWithoutRole
	}

	return s.startSession(ctx, user)
}

// Refresh меняет действующий refresh token на новую пару токенов.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	user, err := s.users.GetByRefreshToken(ctx, refreshToken)
	if errors.Is(err, domain.ErrUserNotFound) {
		return Session{}, domain.ErrRefreshTokenInvalid
	}
	if err != nil {
		return Session{}, err
	}
	if !user.RefreshTokenValid(refreshToken, s.now()) {
		return Session{}, domain.ErrRefreshTokenInvalid
	}
	if !user.Role.Valid() {
		return Session{}, domain.ErrLoginWithoutRole
	}

	session, err := s.startSession(ctx, user)
	if domain.IsVersionConflict(err) {
		// Параллельный refresh уже сменил токен.
		return Session{}, domain.ErrRefreshTokenInvalid
	}
	return session, err
}

func (s *Service) startSession(ctx context.Context, user domain.User) (Session, error) {
	access, accessExpiresAt, err := s.tokens.IssueAccess(user)
	if err != nil {
		return Session{}, err
	}
	refresh, refreshExpiresAt := s.tokens.NewRefresh()

	user.SetRefreshToken(refresh, refreshExpiresAt, s.now())
	if err := s.users.Save(ctx, user); err != nil {
		return Session{}, err
	}

	return Session{
		UserID:           user.ID,
		Role:             user.Role,
		AccessToken:      access,
		AccessExpiresAt:  accessExpiresAt,
		RefreshToken:     refresh,
		RefreshExpiresAt: refreshExpiresAt,
	}, nil
}

func (s *Service) dummyPasswordHash() string {
	s.dummyOnce.Do(func() {
		s.dummyHash, _ = auth.HashPassword(uuid.NewString())
	})
	return s.dummyHash
}

// Get возвращает пользователя в пределах видимости вызывающего; чужие роли выглядят как отсутствующие.
func (s *Service) Get(ctx context.Context, caller domain.Caller, id string) (UserView, error) {
	targetRole, ok := domain.UserScopeFor(caller)
	if !ok {
		return UserView{}, domain.ErrUserNotFound
	}

	key := cache.Key{Query: queryGet, Caller: caller, Filter: id}
	return cache.Item(ctx, s.cache, key, func(ctx context.Context) (UserView, error) {
		user, err := s.users.Get(ctx, id)
		if err != nil {
			return UserView{}, err
		}
		if targetRole != "" && user.Role != targetRole {
			return UserView{}, domain.ErrUserNotFound
		}
		return NewUserView(user), nil
	})
}

// List возвращает страницу пользователей: Admin видит всех, Seller только клиентов.
func (s *Service) List(ctx context.Context, caller domain.Caller, page domain.Page) ([]UserView, error) {
	targetRole, ok := domain.UserScopeFor(caller)
	if !ok {
		return nil, domain.ErrUserWithoutRole
	}

	filter := domain.UserFilter{Role: targetRole}
	key := cache.Key{Query: queryList, Caller: caller, Page: page, Filter: filter}
	return cache.List(ctx, s.cache, key, func(ctx context.Context) ([]UserView, error) {
		users, err := s.users.List(ctx, filter, page)
		if err != nil {
			return nil, err
		}
		views := make([]UserView, 0, len(users))
		for _, user := range users {
			views = append(views, NewUserView(user))
		}
		return views, nil
	})
}

// Create регистрирует пользователя с выбранной ролью.
func (s *Service) Create(ctx context.Context, caller domain.Caller, input CreateInput) (UserView, error) {
	if err := checkTarget(caller, input.Role, domain.ErrSellerCreatesClients); err != nil {
		return UserView{}, err
	}
	return s.create(ctx, input)
}

// SeedAdmin создаёт администратора, если пользователя с таким email ещё нет.
func (s *Service) SeedAdmin(ctx context.Context, name, email, password string) (bool, error) {
	if _, err := s.users.GetByEmail(ctx, email); err == nil {
		return false, nil
	} else if !errors.Is(err, domain.ErrUserNotFound) {
		return false, err
	}

	if _, err := s.create(ctx, CreateInput{Name: name, Email: email, Password: password, Role: domain.RoleAdmin}); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) create(ctx context.Context, input CreateInput) (UserView, error) {
	profile := domain.UserProfile{Name: input.Name, Email: input.Email}
	if input.Password == "" {
		// NewUser без хеша всегда вернёт ошибку вместе с остальными нарушениями.
		_, err := domain.NewUser(s.newID(), profile, input.Role, "", s.now())
		return UserView{}, err
	}

	hash, err := auth.HashPassword(input.Password)
	if err != nil {
		return UserView{}, err
	}
	user, err := domain.NewUser(s.newID(), profile, input.Role, hash, s.now())
	if err != nil {
		return UserView{}, err
	}
	if err := s.users.Create(ctx, user); err != nil {
		return UserView{}, err
	}

	s.logger.WithFields(log.Fields{
		"user_id": user.ID,
		"role":    user.Role,
	}).Info("user created")
	return NewUserView(user), nil
}

// Update меняет имя, email и, если задан, пароль.
func (s *Service) Update(ctx context.Context, caller domain.Caller, id string, input UpdateInput) (UserView, error) {
	user, err := s.users.Get(ctx, id)
	if err != nil {
		return UserView{}, err
	}
	if err := checkTarget(caller, user.Role, domain.ErrSellerUpdatesClients); err != nil {
		return UserView{}, err
	}

	now := s.now()
	if err := user.UpdateProfile(domain.UserProfile{Name: input.Name, Email: input.Email}, now); err != nil {
		return UserView{}, err
	}
	if input.Password != "" {
		hash, err := auth.HashPassword(input.Password)
		if err != nil {
			return UserView{}, err
		}
		if err := user.ChangePassword(hash, now); err != nil {
			return UserView{}, err
		}
	}
	if err := s.users.Save(ctx, user); err != nil {
		return UserView{}, err
	}
	return NewUserView(user), nil
}

// Delete помечает пользователя удалённым.
func (s *Service) Delete(ctx context.Context, caller domain.Caller, id string) error {
	user, err := s.users.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := checkTarget(caller, user.Role, domain.ErrSellerDeletesClients); err != nil {
		return err
	}

	user.MarkAsDeleted(s.now())
	if err := s.users.Save(ctx, user); err != nil {
		return err
	}

	s.logger.WithField("user_id", id).Info("user deleted")
	return nil
}

// checkTarget проверяет, может ли caller управлять пользователем с ролью target.
func checkTarget(caller domain.Caller, target domain.Role, sellerErr error) error {
	switch caller.Role {
	case domain.RoleAdmin:
		return nil
	case domain.RoleSeller:
		if target != domain.RoleClient {
			return sellerErr
		}
		return nil
	case domain.RoleClient:
		return domain.ErrRoleNotAllowed
	default:
		return domain.ErrRoleNotAllowed
	}
}
