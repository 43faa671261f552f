// Package cache реализует read-through кэш результатов запросов с абсолютным и скользящим сроком жизни.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/bookstore/internal/domain"
)

// Policy задаёт срок жизни записи: она истекает в момент, который наступит раньше,
// Absolute после записи или Sliding после последнего обращения.
type Policy struct {
	Absolute time.Duration
	Sliding  time.Duration
}

// Значения по умолчанию для точечных чтений и списков.
var (
	DefaultItemPolicy = Policy{Absolute: 30 * time.Second, Sliding: 15 * time.Second}
	DefaultListPolicy = Policy{Absolute: 5 * time.Second, Sliding: time.Second}
)

// Valid сообщает, что запись с такой политикой вообще может жить.
func (p Policy) Valid() bool {
	return p.Absolute > 0 && p.Sliding > 0
}

// Backend хранит сериализованные значения.
type Backend interface {
	// Get возвращает значение и продлевает скользящий срок. ok=false: промах.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, policy Policy) error
}

// Recorder получает события попаданий и промахов по имени запроса.
type Recorder interface {
	CacheHit(query string)
	CacheMiss(query string)
}

// Key идентифицирует результат запроса в рамках вызывающего.
type Key struct {
	Query  string
	Caller domain.Caller
	Page   domain.Page
	// Filter сериализуется в JSON и хешируется; nil: без фильтра.
	Filter any
}

// String собирает ключ вида query|role|callerID|page|limit|sha256(filter).
func (k Key) String() (string, error) {
	filterHash := ""
	if k.Filter != nil {
		raw, err := json.Marshal(k.Filter)
		if err != nil {
			return "", fmt.Errorf("marshal cache filter: %w", err)
		}
		sum := sha256.Sum256(raw)
		filterHash = hex.EncodeToString(sum[:])
	}

	return strings.Join([]string{
		k.Query,
		string(k.Caller.Role),
		k.Caller.ID,
		strconv.Itoa(k.Page.Number),
		strconv.Itoa(k.Page.Limit),
		filterHash,
	}, "|"), nil
}

// Cache объединяет backend, политики и наблюдение за попаданиями.
// Nil *Cache допустим и означает "кэш выключен".
type Cache struct {
	backend  Backend
	recorder Recorder
	logger   *log.Entry
	item     Policy
	list     Policy
}

// Option настраивает Cache.
type Option func(*Cache)

// WithRecorder задаёт приёмник метрик попаданий.
func WithRecorder(recorder Recorder) Option {
	return func(c *Cache) {
		c.recorder = recorder
	}
}

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithPolicies переопределяет политики точечных чтений и списков.
func WithPolicies(item, list Policy) Option {
	return func(c *Cache) {
		if item.Valid() {
			c.item = item
		}
		if list.Valid() {
			c.list = list
		}
	}
}

// New создаёт кэш поверх backend.
func New(backend Backend, options ...Option) *Cache {
	c := &Cache{
		backend: backend,
		item:    DefaultItemPolicy,
		list:    DefaultListPolicy,
	}
	for _, option := range options {
		option(c)
	}
	if c.logger == nil {
		c.logger = log.WithField("component", "query-cache")
	}
	return c
}

// ItemPolicy возвращает политику точечных чтений.
func (c *Cache) ItemPolicy() Policy { return c.item }

// ListPolicy возвращает политику списков.
func (c *Cache) ListPolicy() Policy { return c.list }

// ReadThrough возвращает значение из кэша или вызывает load и сохраняет результат,
// если keep(result) == true. Ошибки backend не прерывают запрос: значение
// просто загружается из хранилища.
func ReadThrough[T any](
	ctx context.Context,
	c *Cache,
	key Key,
	policy Policy,
	load func(ctx context.Context) (T, error),
	keep func(T) bool,
) (T, error) {
	if c == nil || c.backend == nil {
		return load(ctx)
	}

	rawKey, err := key.String()
	if err != nil {
		return load(ctx)
	}

	if raw, ok, err := c.backend.Get(ctx, rawKey); err != nil {
		c.logger.WithError(err).WithField("query", key.Query).Warn("cache get failed")
	} else if ok {
		var cached T
		if err := json.Unmarshal(raw, &cached); err == nil {
			c.hit(key.Query)
			return cached, nil
		}
		c.logger.WithField("query", key.Query).Warn("cache entry is corrupted, reloading")
	}
	c.miss(key.Query)

	value, err := load(ctx)
	if err != nil {
		return value, err
	}
	if keep != nil && !keep(value) {
		return value, nil
	}

	raw, err := json.Marshal(value)
	if err != nil {
		c.logger.WithError(err).WithField("query", key.Query).Warn("cache marshal failed")
		return value, nil
	}
	if err := c.backend.Set(ctx, rawKey, raw, policy); err != nil {
		c.logger.WithError(err).WithField("query", key.Query).Warn("cache set failed")
	}
	return value, nil
}

// Item кэширует точечное чтение по политике item. Ошибки (в том числе NotFound) не кэшируются.
func Item[T any](ctx context.Context, c *Cache, key Key, load func(ctx context.Context) (T, error)) (T, error) {
	policy := DefaultItemPolicy
	if c != nil {
		policy = c.item
	}
	return ReadThrough(ctx, c, key, policy, load, nil)
}

// List кэширует страницу списка по политике list; пустые страницы не кэшируются.
func List[T any](ctx context.Context, c *Cache, key Key, load func(ctx context.Context) ([]T, error)) ([]T, error) {
	policy := DefaultListPolicy
	if c != nil {
		policy = c.list
	}
	return ReadThrough(ctx, c, key, policy, load, func(items []T) bool { return len(items) > 0 })
}

func (c *Cache) hit(query string) {
	if c.recorder != nil {
		c.recorder.CacheHit(query)
	}
}

func (c *Cache) miss(query string) {
	if c.recorder != nil {
		c.recorder.CacheMiss(query)
	}
}
