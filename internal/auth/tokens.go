package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/bookstore/internal/domain"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
)

// Claims: содержимое access token.
type Claims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// TokenConfig задаёт подпись и сроки жизни токенов.
type TokenConfig struct {
	Secret     string
	Issuer     string
	Audience   string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// Tokens выпускает и проверяет access token (HS256) и выдаёт opaque refresh token.
type Tokens struct {
	secret     []byte
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewTokens проверяет конфигурацию и создаёт Tokens.
func NewTokens(cfg TokenConfig) (*Tokens, error) {
	if cfg.Secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = defaultAccessTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = defaultRefreshTTL
	}

	return &Tokens{
		secret:     []byte(cfg.Secret),
		issuer:     cfg.Issuer,
		audience:   cfg.Audience,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// IssueAccess подписывает access token пользователя и возвращает его вместе со сроком действия.
func (t *Tokens) IssueAccess(user domain.User) (string, time.Time, error) {
	now := t.now()
	expiresAt := now.Add(t.accessTTL)

	claims := Claims{
		Email: user.Email,
		Role:  string(user.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}
	if t.audience != "" {
		claims.Audience = jwt.ClaimStrings{t.audience}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return signed, expiresAt, nil
}

// NewRefresh создаёт refresh token и момент его истечения.
func (t *Tokens) NewRefresh() (string, time.Time) {
	return uuid.NewString(), t.now().Add(t.refreshTTL)
}

// ParseAccess проверяет подпись, срок, издателя и аудиторию и возвращает вызывающего.
// Неизвестная роль не отклоняется здесь: для неё просто нет стратегии доступа.
func (t *Tokens) ParseAccess(raw string) (domain.Caller, error) {
	if raw == "" {
		return domain.Caller{}, domain.ErrAccessTokenInvalid
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
	if err != nil {
		return domain.Caller{}, fmt.Errorf("%w: %v", domain.ErrAccessTokenInvalid, err)
	}

	now := t.now()
	if !claims.VerifyExpiresAt(now, true) {
		return domain.Caller{}, fmt.Errorf("%w: token expired", domain.ErrAccessTokenInvalid)
	}
	if t.issuer != "" && !claims.VerifyIssuer(t.issuer, true) {
		return domain.Caller{}, fmt.Errorf("%w: unexpected issuer", domain.ErrAccessTokenInvalid)
	}
	if t.audience != "" && !claims.VerifyAudience(t.audience, true) {
		return domain.Caller{}, fmt.Errorf("%w: unexpected audience", domain.ErrAccessTokenInvalid)
	}
	if claims.Subject == "" {
		return domain.Caller{}, domain.ErrIdentityMissing
	}

	return domain.Caller{ID: claims.Subject, Role: domain.Role(claims.Role)}, nil
}
