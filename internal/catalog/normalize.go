// Package catalog нормализует каталоги услуг внешних SMM-панелей.
package catalog

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/mmeshcher/smm-panel-system/internal/model"
)

// ErrInvalidCatalog возвращается, если ответ панели не является списком услуг.
var ErrInvalidCatalog = errors.New("catalog response is not a list")

// Normalize преобразует сырой каталог панели во внутреннее представление.
//
// Числовые поля панели приходят то числами, то строками; некорректное
// числовое значение отменяет синхронизацию целиком. Флаги refill/cancel
// по умолчанию false, isActive принудительно true: синхронизация — полная
// замена списка, а не слияние.
func Normalize(raw gjson.Result) ([]model.Service, error) {
	if !raw.IsArray() {
		return nil, ErrInvalidCatalog
	}

	items := raw.Array()
	services := make([]model.Service, 0, len(items))

	for i, item := range items {
		svc, err := normalizeOne(item)
		if err != nil {
			return nil, fmt.Errorf("service #%d: %w", i, err)
		}
		services = append(services, svc)
	}

	return services, nil
}

func normalizeOne(item gjson.Result) (model.Service, error) {
	id := item.Get("service")
	if !id.Exists() || id.String() == "" {
		return model.Service{}, errors.New("missing service id")
	}

	name := item.Get("name").String()
	if name == "" {
		return model.Service{}, errors.New("missing service name")
	}

	rate, err := floatField(item, "rate")
	if err != nil {
		return model.Service{}, err
	}
	if rate < 0 {
		return model.Service{}, fmt.Errorf("negative rate: %v", rate)
	}

	min, err := intField(item, "min")
	if err != nil {
		return model.Service{}, err
	}
	max, err := intField(item, "max")
	if err != nil {
		return model.Service{}, err
	}
	if min > max {
		return model.Service{}, fmt.Errorf("min %d exceeds max %d", min, max)
	}

	return model.Service{
		ServiceID: id.String(),
		Name:      name,
		Category:  item.Get("category").String(),
		Type:      item.Get("type").String(),
		Rate:      rate,
		Min:       min,
		Max:       max,
		Refill:    item.Get("refill").Bool(),
		Cancel:    item.Get("cancel").Bool(),
		IsActive:  true,
	}, nil
}

func floatField(item gjson.Result, key string) (float64, error) {
	v := item.Get(key)
	switch v.Type {
	case gjson.Number:
		return v.Float(), nil
	case gjson.String:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.String()), 64)
		if err != nil {
			return 0, fmt.Errorf("field %q: invalid number %q", key, v.String())
		}
		return f, nil
	default:
		return 0, fmt.Errorf("field %q: missing or non-numeric", key)
	}
}

func intField(item gjson.Result, key string) (int, error) {
	v := item.Get(key)
	switch v.Type {
	case gjson.Number:
		return int(v.Int()), nil
	case gjson.String:
		n, err := strconv.Atoi(strings.TrimSpace(v.String()))
		if err != nil {
			return 0, fmt.Errorf("field %q: invalid number %q", key, v.String())
		}
		return n, nil
	default:
		return 0, fmt.Errorf("field %q: missing or non-numeric", key)
	}
}
