package domain

import (
	"net/mail"
	"strings"
	"time"
)

const minUserNameLength = 3

// User: учётная запись магазина (администратор, продавец или клиент).
type User struct {
	Entity
	Name         string
	Email        string
	PasswordHash string
	Role         Role
	// RefreshToken и RefreshTokenExpiresAt пусты, пока пользователь не входил.
	RefreshToken          string
	RefreshTokenExpiresAt time.Time
}

// UserProfile: изменяемые поля пользователя.
type UserProfile struct {
	Name  string
	Email string
}

// NewUser создаёт пользователя. Пароль к этому моменту уже захеширован.
func NewUser(id string, profile UserProfile, role Role, passwordHash string, now time.Time) (User, error) {
	profile = profile.normalized()

	var errs []error
	if err := profile.Validate(); err != nil {
		errs = append(errs, err)
	}
	if !role.Valid() {
		errs = append(errs, ErrRoleInvalid)
	}
	if passwordHash == "" {
		errs = append(errs, ErrUserPasswordRequired)
	}
	if err := joinValidation(errs); err != nil {
		return User{}, err
	}

	return User{
		Entity:       newEntity(id, now),
		Name:         profile.Name,
		Email:        profile.Email,
		PasswordHash: passwordHash,
		Role:         role,
	}, nil
}

// UpdateProfile меняет имя и email. Роль после создания не меняется.
func (u *User) UpdateProfile(profile UserProfile, now time.Time) error {
	profile = profile.normalized()
	if err := profile.Validate(); err != nil {
		return err
	}
	u.Name = profile.Name
	u.Email = profile.Email
	u.touch(now)
	return nil
}

// ChangePassword заменяет хеш пароля.
func (u *User) ChangePassword(passwordHash string, now time.Time) error {
	if passwordHash == "" {
		return ErrUserPasswordRequired
	}
	u.PasswordHash = passwordHash
	u.touch(now)
	return nil
}

// SetRefreshToken сохраняет выданный refresh token.
func (u *User) SetRefreshToken(token string, expiresAt, now time.Time) {
	u.RefreshToken = token
	u.RefreshTokenExpiresAt = expiresAt
	u.touch(now)
}

// RefreshTokenValid проверяет, что token совпадает с сохранённым и ещё не истёк.
func (u *User) RefreshTokenValid(token string, now time.Time) bool {
	if u.RefreshToken == "" || u.RefreshToken != token {
		return false
	}
	return now.Before(u.RefreshTokenExpiresAt)
}

// Validate проверяет имя и email.
func (p UserProfile) Validate() error {
	var errs []error
	if len([]rune(p.Name)) < minUserNameLength {
		errs = append(errs, ErrUserNameTooShort)
	}
	switch {
	case p.Email == "":
		errs = append(errs, ErrUserEmailRequired)
	case !validEmail(p.Email):
		errs = append(errs, ErrUserEmailInvalid)
	}
	return joinValidation(errs)
}

func (p UserProfile) normalized() UserProfile {
	p.Name = strings.TrimSpace(p.Name)
	p.Email = NormalizeEmail(p.Email)
	return p
}

// NormalizeEmail приводит email к виду, в котором он хранится и ищется.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validEmail(email string) bool {
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return false
	}
	return addr.Address == email && strings.Contains(email, "@")
}
