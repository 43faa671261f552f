package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/vladislavdragonenkov/bookstore/internal/domain"
)

type userRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[string]domain.User
}

// NewUserRepository возвращает in-memory репозиторий пользователей.
func NewUserRepository() domain.UserRepository {
	return newUserRepository()
}

func newUserRepository() *userRepositoryInMemory {
	return &userRepositoryInMemory{items: make(map[string]domain.User)}
}

func (r *userRepositoryInMemory) Create(_ context.Context, user domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[user.ID]; exists {
		return domain.Invalidf("user %s already exists", user.ID)
	}
	if r.emailTakenLocked(user.Email, user.ID) {
		return domain.ErrUserEmailTaken
	}
	r.items[user.ID] = user
	return nil
}

func (r *userRepositoryInMemory) Get(_ context.Context, id string) (domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user, ok := r.items[id]
	if !ok || user.Deleted {
		return domain.User{}, domain.ErrUserNotFound
	}
	return user, nil
}

func (r *userRepositoryInMemory) GetByEmail(_ context.Context, email string) (domain.User, error) {
	email = domain.NormalizeEmail(email)

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, user := range r.items {
		if user.Email == email && !user.Deleted {
			return user, nil
		}
	}
	return domain.User{}, domain.ErrUserNotFound
}

func (r *userRepositoryInMemory) GetByRefreshToken(_ context.Context, token string) (domain.User, error) {
	if token == "" {
		return domain.User{}, domain.ErrUserNotFound
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, user := range r.items {
		if user.RefreshToken == token && !user.Deleted {
			return user, nil
		}
	}
	return domain.User{}, domain.ErrUserNotFound
}

func (r *userRepositoryInMemory) List(_ context.Context, filter domain.UserFilter, page domain.Page) ([]domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.User, 0, len(r.items))
	for _, user := range r.items {
		if user.Deleted || !filter.Matches(user) {
			continue
		}
		result = append(result, user)
	}
	sort.Slice(result, func(i, j int) bool {
		return entityLess(result[i].Entity, result[j].Entity)
	})

	return domain.Paginate(result, page), nil
}

func (r *userRepositoryInMemory) Save(_ context.Context, user domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[user.ID]
	if !ok || current.Deleted {
		return domain.ErrUserNotFound
	}
	if current.Version != user.Version {
		return domain.ErrUserVersionConflict
	}
	if !user.Deleted && r.emailTakenLocked(user.Email, user.ID) {
		return domain.ErrUserEmailTaken
	}
	user.Version++
	r.items[user.ID] = user
	return nil
}

func (r *userRepositoryInMemory) emailTakenLocked(email, exceptID string) bool {
	for id, user := range r.items {
		if id != exceptID && user.Email == email && !user.Deleted {
			return true
		}
	}
	return false
}

var _ domain.UserRepository = (*userRepositoryInMemory)(nil)
