package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind классифицирует ошибки для отображения на границе (HTTP-статусы).
type ErrorKind string

const (
	// KindNotFound: связанная сущность отсутствует или скрыта soft delete.
	KindNotFound ErrorKind = "not_found"
	// KindInvalidRequest: нарушено доменное правило или валидация.
	KindInvalidRequest ErrorKind = "invalid_request"
	// KindUnauthorized: нет или неверные учётные данные, не хватает claim'ов, роль не допущена.
	KindUnauthorized ErrorKind = "unauthorized"
	// KindConflict: конкурентное изменение (версия записи) или занятый idempotency-key.
	KindConflict ErrorKind = "conflict"
	// KindUnexpected: всё остальное: сбой хранилища, сериализации и т.п.
	KindUnexpected ErrorKind = "unexpected"
)

// Error: доменная ошибка с классом и сообщением для клиента.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// NotFoundf создаёт ошибку класса NotFound.
func NotFoundf(format string, args ...any) error {
	return newError(KindNotFound, fmt.Sprintf(format, args...))
}

// Invalidf создаёт ошибку класса InvalidRequest.
func Invalidf(format string, args ...any) error {
	return newError(KindInvalidRequest, fmt.Sprintf(format, args...))
}

// Unauthorizedf создаёт ошибку класса Unauthorized.
func Unauthorizedf(format string, args ...any) error {
	return newError(KindUnauthorized, fmt.Sprintf(format, args...))
}

var (
	// Ошибки каталога.
	ErrBookNotFound           = newError(KindNotFound, "book not found")
	ErrBookTitleRequired      = newError(KindInvalidRequest, "title is required")
	ErrBookDescriptionMissing = newError(KindInvalidRequest, "description is required")
	ErrBookAuthorRequired     = newError(KindInvalidRequest, "author is required")
	ErrBookPagesInvalid       = newError(KindInvalidRequest, "pages must be greater than zero")
	ErrBookPriceInvalid       = newError(KindInvalidRequest, "price must be greater than zero")
	ErrBookVersionConflict    = newError(KindConflict, "book was modified concurrently")

	// Ошибки склада.
	ErrStockNotFound        = newError(KindNotFound, "stock not found")
	ErrStockBookRequired    = newError(KindInvalidRequest, "book id is required")
	ErrStockQtyNegative     = newError(KindInvalidRequest, "quantity must be zero or greater")
	ErrStockAlreadyExists   = newError(KindInvalidRequest, "stock already exists for this book")
	ErrStockBookMissing     = newError(KindInvalidRequest, "book does not exist")
	ErrInsufficientStock    = newError(KindInvalidRequest, "insufficient stock")
	ErrStockVersionConflict = newError(KindConflict, "stock was modified concurrently")

	// Ошибки пользователей.
	ErrUserNotFound         = newError(KindNotFound, "user not found")
	ErrClientNotFound       = newError(KindNotFound, "client not found")
	ErrUserNameTooShort     = newError(KindInvalidRequest, "name must be at least 3 characters long")
	ErrUserEmailRequired    = newError(KindInvalidRequest, "email is required")
	ErrUserEmailInvalid     = newError(KindInvalidRequest, "invalid email format")
	ErrUserPasswordRequired = newError(KindInvalidRequest, "password is required")
	ErrUserEmailTaken       = newError(KindInvalidRequest, "email is already registered")
	ErrRoleInvalid          = newError(KindInvalidRequest, "invalid role")
	ErrUserWithoutRole      = newError(KindInvalidRequest, "user without role")
	ErrSellerCreatesClients = newError(KindInvalidRequest, "seller can only create clients")
	ErrSellerUpdatesClients = newError(KindInvalidRequest, "seller can only update clients")
	ErrSellerDeletesClients = newError(KindInvalidRequest, "seller can only delete clients")
	ErrUserVersionConflict  = newError(KindConflict, "user was modified concurrently")

	// Ошибки заказов.
	ErrOrderNotFound         = newError(KindNotFound, "order not found")
	ErrItemsRequired         = newError(KindInvalidRequest, "order must contain at least one product")
	ErrItemProductRequired   = newError(KindInvalidRequest, "product id is required")
	ErrItemQtyInvalid        = newError(KindInvalidRequest, "quantity must be greater than zero")
	ErrOrderClientRequired   = newError(KindInvalidRequest, "client id is required")
	ErrOrderSellerRequired   = newError(KindInvalidRequest, "seller id is required")
	ErrOrderStatusInvalid    = newError(KindInvalidRequest, "invalid status")
	ErrOrderTargetNotClient  = newError(KindInvalidRequest, "orders may only target clients")
	ErrOrderProductsReadonly = newError(KindInvalidRequest, "cannot update products of an order")
	ErrOrderVersionConflict  = newError(KindConflict, "order was modified concurrently")

	// Ошибки фильтров и пагинации.
	ErrFilterInvalid = newError(KindInvalidRequest, "invalid filter")

	// Ошибки аутентификации.
	ErrInvalidCredentials  = newError(KindUnauthorized, "invalid credentials")
	ErrRefreshTokenInvalid = newError(KindUnauthorized, "invalid or expired refresh token")
	ErrAccessTokenInvalid  = newError(KindUnauthorized, "invalid or expired access token")
	ErrIdentityMissing     = newError(KindUnauthorized, "missing identity claim")
	ErrRoleNotAllowed      = newError(KindUnauthorized, "role is not allowed to perform this action")
	ErrLoginWithoutRole    = newError(KindUnauthorized, "user without role")

	// ErrClientPlacesOrder уточняет ErrRoleNotAllowed для клиента.
	ErrClientPlacesOrder = &Error{Kind: KindUnauthorized, Message: "clients cannot place orders", Err: ErrRoleNotAllowed}

	// ErrOutboxPublish: ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
)

// KindOf возвращает класс ошибки; всё, что не является *Error, считается Unexpected.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr.Kind
	}
	return KindUnexpected
}

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrStockVersionConflict) ||
		errors.Is(err, ErrBookVersionConflict) ||
		errors.Is(err, ErrOrderVersionConflict) ||
		errors.Is(err, ErrUserVersionConflict)
}

// joinValidation собирает нарушения инвариантов в одну ошибку InvalidRequest.
// errors.Is по-прежнему находит каждое исходное нарушение.
func joinValidation(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	messages := make([]string, 0, len(errs))
	for _, err := range errs {
		messages = append(messages, err.Error())
	}
	return &Error{
		Kind:    KindInvalidRequest,
		Message: strings.Join(messages, "; "),
		Err:     errors.Join(errs...),
	}
}
