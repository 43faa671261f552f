package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/bookstore/internal/domain"
)

const userColumns = `id, name, email, password_hash, role, refresh_token, refresh_token_expires_at,
	deleted, version, created_at, updated_at`

type userRepository struct {
	db dbtx
}

// NewUserRepository создаёт PostgreSQL-реализацию UserRepository.
func NewUserRepository(store *Store) domain.UserRepository {
	return &userRepository{db: store.DB()}
}

func (r *userRepository) Create(ctx context.Context, user domain.User) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`,
		user.ID, user.Name, domain.NormalizeEmail(user.Email), user.PasswordHash, string(user.Role),
		user.RefreshToken, nullTime(user.RefreshTokenExpiresAt),
		user.Deleted, user.Version, user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrUserEmailTaken
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (r *userRepository) Get(ctx context.Context, id string) (domain.User, error) {
	return r.getOne(ctx, `WHERE id = $1 AND NOT deleted`, id)
}

func (r *userRepository) GetByEmail(ctx context.Context, email string) (domain.User, error) {
	return r.getOne(ctx, `WHERE email = $1 AND NOT deleted`, domain.NormalizeEmail(email))
}

func (r *userRepository) GetByRefreshToken(ctx context.Context, token string) (domain.User, error) {
	if token == "" {
		return domain.User{}, domain.ErrUserNotFound
	}
	return r.getOne(ctx, `WHERE refresh_token = $1 AND NOT deleted`, token)
}

func (r *userRepository) getOne(ctx context.Context, where string, arg any) (domain.User, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	user, err := scanUser(r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users `+where, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.User{}, domain.ErrUserNotFound
		}
		return domain.User{}, fmt.Errorf("select user: %w", err)
	}
	return user, nil
}

func (r *userRepository) List(ctx context.Context, filter domain.UserFilter, page domain.Page) ([]domain.User, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var p placeholders
	query := `SELECT ` + userColumns + ` FROM users WHERE NOT deleted`
	if filter.Role != "" {
		query += ` AND role = ` + p.next(string(filter.Role))
	}
	query += ` ORDER BY created_at ASC, id ASC LIMIT ` + p.next(page.Limit) + ` OFFSET ` + p.next(page.Offset())

	rows, err := r.db.QueryContext(ctx, query, p.args...)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	users := make([]domain.User, 0, page.Limit)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user row: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user rows: %w", err)
	}
	return users, nil
}

func (r *userRepository) Save(ctx context.Context, user domain.User) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET name = $1,
		    email = $2,
		    password_hash = $3,
		    refresh_token = $4,
		    refresh_token_expires_at = $5,
		    deleted = $6,
		    version = version + 1,
		    updated_at = $7
		WHERE id = $8
		  AND version = $9
		  AND NOT deleted
	`,
		user.Name, domain.NormalizeEmail(user.Email), user.PasswordHash,
		user.RefreshToken, nullTime(user.RefreshTokenExpiresAt),
		user.Deleted, user.UpdatedAt, user.ID, user.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrUserEmailTaken
		}
		return fmt.Errorf("update user: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return casOutcome(ctx, r.db, "users", user.ID, domain.ErrUserNotFound, domain.ErrUserVersionConflict)
	}
	return nil
}

func scanUser(row rowScanner) (domain.User, error) {
	var (
		user      domain.User
		role      string
		expiresAt sql.NullTime
	)
	err := row.Scan(
		&user.ID, &user.Name, &user.Email, &user.PasswordHash, &role,
		&user.RefreshToken, &expiresAt,
		&user.Deleted, &user.Version, &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return domain.User{}, err
	}
	user.Role = domain.Role(role)
	if expiresAt.Valid {
		user.RefreshTokenExpiresAt = expiresAt.Time.UTC()
	}
	return user, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

var _ domain.UserRepository = (*userRepository)(nil)
