package domain

import "strings"

// Role: закрытый набор ролей. Все диспетчеризации по роли делаются
// исчерпывающим switch с явной веткой default для неизвестных значений.
type Role string

const (
	RoleAdmin  Role = "Admin"
	RoleSeller Role = "Seller"
	RoleClient Role = "Client"
)

// ParseRole разбирает роль без учёта регистра.
func ParseRole(raw string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "admin":
		return RoleAdmin, nil
	case "seller":
		return RoleSeller, nil
	case "client":
		return RoleClient, nil
	default:
		return "", ErrRoleInvalid
	}
}

// Valid сообщает, относится ли роль к поддерживаемым значениям.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleSeller, RoleClient:
		return true
	default:
		return false
	}
}

func (r Role) String() string {
	return string(r)
}

// Caller: идентичность и роль из access token.
type Caller struct {
	ID   string
	Role Role
}

// OrderScope ограничивает выборку заказов; пустые поля не ограничивают.
type OrderScope struct {
	SellerID string
	ClientID string
}

// Allows проверяет, попадает ли заказ в область видимости.
func (s OrderScope) Allows(order Order) bool {
	if s.SellerID != "" && order.SellerID != s.SellerID {
		return false
	}
	if s.ClientID != "" && order.ClientID != s.ClientID {
		return false
	}
	return true
}

// OrderScopeFor возвращает область видимости заказов для вызывающего.
// ok=false означает, что у роли нет стратегии доступа: списки пустые, точечные чтения: not found.
func OrderScopeFor(caller Caller) (scope OrderScope, ok bool) {
	switch caller.Role {
	case RoleAdmin:
		return OrderScope{}, true
	case RoleSeller:
		return OrderScope{SellerID: caller.ID}, caller.ID != ""
	case RoleClient:
		return OrderScope{ClientID: caller.ID}, caller.ID != ""
	default:
		return OrderScope{}, false
	}
}

// OrderWriteScopeFor возвращает область, в которой вызывающий может менять и удалять заказы.
// Клиенты заказы не меняют.
func OrderWriteScopeFor(caller Caller) (scope OrderScope, ok bool) {
	switch caller.Role {
	case RoleAdmin:
		return OrderScope{}, true
	case RoleSeller:
		return OrderScope{SellerID: caller.ID}, caller.ID != ""
	case RoleClient:
		return OrderScope{}, false
	default:
		return OrderScope{}, false
	}
}

// UserScopeFor возвращает ограничение по роли целевых пользователей.
// Пустая роль в результате означает "все пользователи".
func UserScopeFor(caller Caller) (targetRole Role, ok bool) {
	switch caller.Role {
	case RoleAdmin:
		return "", true
	case RoleSeller:
		return RoleClient, true
	case RoleClient:
		return "", false
	default:
		return "", false
	}
}
