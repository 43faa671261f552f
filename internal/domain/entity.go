package domain

import "time"

// Entity: общие поля всех сущностей магазина.
type Entity struct {
	ID        string
	CreatedAt time.Time
	UpdatedAt time.Time
	// Deleted: tombstone: запись остаётся в хранилище, но не видна обычным чтениям.
	Deleted bool
	// Version: токен optimistic locking, растёт при каждом успешном сохранении.
	Version int64
}

func newEntity(id string, now time.Time) Entity {
	return Entity{ID: id, CreatedAt: now, UpdatedAt: now}
}

// MarkAsDeleted помечает сущность удалённой.
func (e *Entity) MarkAsDeleted(now time.Time) {
	e.Deleted = true
	e.UpdatedAt = now
}

func (e *Entity) touch(now time.Time) {
	e.UpdatedAt = now
}
