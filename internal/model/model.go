// Package model содержит доменные сущности SMM-агрегатора.
package model

import (
	"math"
	"time"
)

// Service описывает услугу из каталога провайдера.
// Список услуг целиком заменяется при каждой синхронизации каталога.
type Service struct {
	ServiceID string  `json:"serviceId"`
	Name      string  `json:"name"`
	Category  string  `json:"category"`
	Type      string  `json:"type"`
	Rate      float64 `json:"rate"`
	Min       int     `json:"min"`
	Max       int     `json:"max"`
	Refill    bool    `json:"refill"`
	Cancel    bool    `json:"cancel"`
	IsActive  bool    `json:"isActive"`
	// Margin — административная наценка к тарифу провайдера (за 1000 единиц).
	// Задаётся вручную и переносится между синхронизациями каталога.
	Margin float64 `json:"margin"`
}

// ProviderStats содержит накопительную статистику запросов к провайдеру.
type ProviderStats struct {
	TotalOrders         int64   `json:"totalOrders"`
	SuccessfulOrders    int64   `json:"successfulOrders"`
	FailedOrders        int64   `json:"failedOrders"`
	TotalSpent          float64 `json:"totalSpent"`
	AverageResponseTime float64 `json:"averageResponseTime"`
}

// ProviderSettings содержит настройки взаимодействия с API провайдера.
type ProviderSettings struct {
	Timeout       time.Duration `json:"timeout"`
	RetryAttempts int           `json:"retryAttempts"`
	RetryDelay    time.Duration `json:"retryDelay"`
	AutoSync      bool          `json:"autoSync"`
	SyncInterval  time.Duration `json:"syncInterval"`
}

// DefaultSettings возвращает настройки провайдера по умолчанию.
func DefaultSettings() ProviderSettings {
	return ProviderSettings{
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    time.Second,
		AutoSync:      true,
		SyncInterval:  time.Hour,
	}
}

// Provider представляет внешнюю SMM-панель с её каталогом услуг.
type Provider struct {
	ID          int64
	Name        string
	DisplayName string
	APIURL      string
	APIKey      string
	Username    string
	Password    string
	IsActive    bool
	Priority    int
	Services    []Service
	Balance     float64
	Currency    string
	LastSyncAt  time.Time
	Stats       ProviderStats
	Settings    ProviderSettings
	CreatedBy   int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// FindService возвращает услугу каталога по внешнему идентификатору.
func (p *Provider) FindService(serviceID string) (Service, bool) {
	for _, s := range p.Services {
		if s.ServiceID == serviceID {
			return s, true
		}
	}
	return Service{}, false
}

// OrderStatus описывает статус выполнения заказа.
// Значения совпадают со словарём статусов стандартного API SMM-панелей.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "Pending"
	OrderStatusInProgress OrderStatus = "In progress"
	OrderStatusProcessing OrderStatus = "Processing"
	OrderStatusCompleted  OrderStatus = "Completed"
	OrderStatusPartial    OrderStatus = "Partial"
	OrderStatusCanceled   OrderStatus = "Canceled"
)

// ParseOrderStatus сопоставляет строку статуса из ответа провайдера с доменным статусом.
func ParseOrderStatus(s string) (OrderStatus, bool) {
	switch OrderStatus(s) {
	case OrderStatusPending, OrderStatusInProgress, OrderStatusProcessing,
		OrderStatusCompleted, OrderStatusPartial, OrderStatusCanceled:
		return OrderStatus(s), true
	}
	return "", false
}

// IsTerminal сообщает, является ли статус конечным.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCanceled
}

// ServiceSnapshot — неизменяемая копия данных услуги на момент создания заказа.
// Последующие синхронизации каталога не затрагивают исторические заказы.
type ServiceSnapshot struct {
	ServiceID string
	Name      string
	Category  string
	Rate      float64
	Refill    bool
	Cancel    bool
}

// OrderMetadata содержит произвольные атрибуты заказа.
type OrderMetadata struct {
	Platform       string
	PostType       string
	TargetAudience string
}

// Timeline фиксирует ключевые моменты жизненного цикла заказа.
type Timeline struct {
	OrderedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	CanceledAt  *time.Time
}

// Order представляет внутренний заказ, переданный провайдеру на исполнение.
type Order struct {
	ID              int64
	OrderID         string
	ExternalOrderID string
	ProviderID      int64
	UserID          int64
	Service         ServiceSnapshot
	Link            string
	Quantity        int
	Charge          float64
	Currency        string
	StartCount      int
	Remains         int
	Status          OrderStatus
	Comments        []string
	RefillID        string
	CancelID        string
	Notes           string
	Metadata        OrderMetadata
	Timeline        Timeline
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ApplyStatus переводит заказ в новый статус и обновляет счётчики доставки.
// Отметки таймлайна выставляются только при первом попадании в соответствующий
// статус и далее не перезаписываются.
func (o *Order) ApplyStatus(status OrderStatus, startCount, remains *int, now time.Time) {
	o.Status = status

	if startCount != nil {
		o.StartCount = *startCount
	}
	if remains != nil {
		o.Remains = *remains
	}

	switch status {
	case OrderStatusInProgress, OrderStatusProcessing:
		if o.Timeline.StartedAt == nil {
			o.Timeline.StartedAt = &now
		}
	case OrderStatusCompleted:
		if o.Timeline.CompletedAt == nil {
			o.Timeline.CompletedAt = &now
		}
	case OrderStatusCanceled:
		if o.Timeline.CanceledAt == nil {
			o.Timeline.CanceledAt = &now
		}
	}
}

// CompletionPercentage возвращает процент доставки заказа в диапазоне [0, 100].
func (o *Order) CompletionPercentage() int {
	if o.Quantity == 0 {
		return 0
	}
	delivered := o.Quantity - o.Remains
	return int(math.Round(float64(delivered) / float64(o.Quantity) * 100))
}

// CanRefill сообщает, допустим ли запрос refill для заказа.
func (o *Order) CanRefill() bool {
	return o.Status == OrderStatusCompleted && o.Service.Refill
}

// CanCancel сообщает, допустима ли отмена заказа.
func (o *Order) CanCancel() bool {
	switch o.Status {
	case OrderStatusPending, OrderStatusInProgress, OrderStatusProcessing:
		return o.Service.Cancel
	}
	return false
}
