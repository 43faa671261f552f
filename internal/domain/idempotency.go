package domain

import (
	"strings"
	"time"
)

// MaxIdempotencyKeyLength ограничивает значение заголовка Idempotency-Key.
const MaxIdempotencyKeyLength = 128

// IdempotencyStatus: стадия обработки запроса под ключом.
type IdempotencyStatus string

const (
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	// IdempotencyStatusDone: ответ 2xx/3xx сохранён и повторяется.
	IdempotencyStatusDone IdempotencyStatus = "done"
	// IdempotencyStatusFailed: ответ 4xx/5xx сохранён и тоже повторяется.
	IdempotencyStatusFailed IdempotencyStatus = "failed"
)

var (
	ErrIdempotencyKeyRequired         = newError(KindInvalidRequest, "idempotency key is required")
	ErrIdempotencyKeyTooLong          = newError(KindInvalidRequest, "idempotency key is too long")
	ErrIdempotencyRequestHashRequired = newError(KindInvalidRequest, "idempotency request hash is required")
	ErrIdempotencyStatusInvalid       = newError(KindInvalidRequest, "idempotency status must be done or failed")
	ErrIdempotencyKeyNotFound         = newError(KindNotFound, "idempotency key not found")
	ErrIdempotencyKeyAlreadyExists    = newError(KindConflict, "idempotency key already exists")
	ErrIdempotencyHashMismatch        = newError(KindConflict, "idempotency key is already used with a different request")
	ErrIdempotencyInProgress          = newError(KindConflict, "request with the same idempotency key is already processing")
)

// IdempotencyRecord: ответ на запрос POST /orders, сохранённый под ключом клиента.
type IdempotencyRecord struct {
	Key          string
	RequestHash  string
	ResponseBody []byte
	HTTPStatus   int
	Status       IdempotencyStatus
	TTLAt        time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NewIdempotencyClaim создаёт запись processing, которая живёт ttl от now.
func NewIdempotencyClaim(key, requestHash string, ttl time.Duration, now time.Time) (IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	requestHash = strings.TrimSpace(requestHash)

	switch {
	case key == "":
		return IdempotencyRecord{}, ErrIdempotencyKeyRequired
	case len(key) > MaxIdempotencyKeyLength:
		return IdempotencyRecord{}, ErrIdempotencyKeyTooLong
	case requestHash == "":
		return IdempotencyRecord{}, ErrIdempotencyRequestHashRequired
	}

	return IdempotencyRecord{
		Key:         key,
		RequestHash: requestHash,
		Status:      IdempotencyStatusProcessing,
		TTLAt:       now.Add(ttl),
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s IdempotencyStatus) Valid() bool {
	switch s {
	case IdempotencyStatusProcessing, IdempotencyStatusDone, IdempotencyStatusFailed:
		return true
	default:
		return false
	}
}

// Final сообщает, что ответ уже сохранён.
func (s IdempotencyStatus) Final() bool {
	return s == IdempotencyStatusDone || s == IdempotencyStatusFailed
}

// CompletionStatus выбирает статус сохранённого ответа по HTTP-коду.
func CompletionStatus(httpStatus int) IdempotencyStatus {
	if httpStatus >= 400 {
		return IdempotencyStatusFailed
	}
	return IdempotencyStatusDone
}

// Expired: после TTLAt ключ считается свободным, даже если запись ещё не вычищена.
func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !now.Before(r.TTLAt)
}

// Conflict возвращает ошибку, с которой повторная заявка на живой ключ должна завершиться.
func (r IdempotencyRecord) Conflict(requestHash string) error {
	if r.RequestHash != requestHash {
		return ErrIdempotencyHashMismatch
	}
	return ErrIdempotencyKeyAlreadyExists
}
