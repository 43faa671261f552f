package httpapi

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/bookstore/internal/domain"
)

const dateOnly = "2006-01-02"

// parsePage читает page и limit; отсутствующие значения берутся по умолчанию,
// нечисловые отклоняются.
func parsePage(q url.Values) (domain.Page, error) {
	number, err := intParam(q, "page", domain.DefaultPage)
	if err != nil {
		return domain.Page{}, err
	}
	limit, err := intParam(q, "limit", domain.DefaultLimit)
	if err != nil {
		return domain.Page{}, err
	}
	return domain.NewPage(number, limit), nil
}

func parseBookFilter(q url.Values) (domain.BookFilter, error) {
	filter := domain.BookFilter{
		Title:  strings.TrimSpace(q.Get("title")),
		Author: strings.TrimSpace(q.Get("author")),
	}

	var err error
	if filter.MinPrice, err = decimalParam(q, "minPrice"); err != nil {
		return filter, err
	}
	if filter.MaxPrice, err = decimalParam(q, "maxPrice"); err != nil {
		return filter, err
	}
	if filter.MinPages, err = optionalIntParam(q, "minPages"); err != nil {
		return filter, err
	}
	if filter.MaxPages, err = optionalIntParam(q, "maxPages"); err != nil {
		return filter, err
	}
	return filter, nil
}

func parseOrderFilter(q url.Values) (domain.OrderFilter, error) {
	var (
		filter domain.OrderFilter
		err    error
	)
	if filter.StartDate, err = timeParam(q, "startDate", false); err != nil {
		return filter, err
	}
	if filter.EndDate, err = timeParam(q, "endDate", true); err != nil {
		return filter, err
	}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		status, err := domain.ParseOrderStatus(raw)
		if err != nil {
			return filter, err
		}
		filter.Status = &status
	}
	if filter.MinTotal, err = decimalParam(q, "minTotal"); err != nil {
		return filter, err
	}
	if filter.MaxTotal, err = decimalParam(q, "maxTotal"); err != nil {
		return filter, err
	}
	return filter, nil
}

func intParam(q url.Values, name string, fallback int) (int, error) {
	value, err := optionalIntParam(q, name)
	if err != nil || value == nil {
		return fallback, err
	}
	return *value, nil
}

func optionalIntParam(q url.Values, name string) (*int, error) {
	raw := strings.TrimSpace(q.Get(name))
	if raw == "" {
		return nil, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return nil, invalidParam(name)
	}
	return &value, nil
}

func decimalParam(q url.Values, name string) (*decimal.Decimal, error) {
	raw := strings.TrimSpace(q.Get(name))
	if raw == "" {
		return nil, nil
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, invalidParam(name)
	}
	return &value, nil
}

// timeParam принимает RFC3339 или YYYY-MM-DD. Дата без времени в конце
// диапазона (endOfDay) включает весь день.
func timeParam(q url.Values, name string, endOfDay bool) (*time.Time, error) {
	raw := strings.TrimSpace(q.Get(name))
	if raw == "" {
		return nil, nil
	}
	if value, err := time.Parse(time.RFC3339, raw); err == nil {
		return &value, nil
	}
	value, err := time.Parse(dateOnly, raw)
	if err != nil {
		return nil, invalidParam(name)
	}
	if endOfDay {
		value = value.Add(24*time.Hour - time.Nanosecond)
	}
	return &value, nil
}

func invalidParam(name string) error {
	return fmt.Errorf("%w: %s", domain.ErrFilterInvalid, name)
}
