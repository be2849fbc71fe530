// Package order реализует оформление заказов и управление их жизненным циклом.
package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/smm-panel-system/internal/model"
	"github.com/mmeshcher/smm-panel-system/internal/panel"
	"github.com/mmeshcher/smm-panel-system/internal/repository"
	"github.com/mmeshcher/smm-panel-system/internal/stats"
	"github.com/mmeshcher/smm-panel-system/internal/validation"
)

// ErrProviderUnavailable возвращается, если провайдер не найден или выключен.
var (
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrServiceUnavailable возвращается, если услуга отсутствует или неактивна.
	ErrServiceUnavailable = errors.New("service unavailable")
	// ErrInvalidLink возвращается при некорректной ссылке назначения.
	ErrInvalidLink = errors.New("invalid destination link")
	// ErrOrderRejected возвращается, если панель не вернула идентификатор заказа.
	ErrOrderRejected = errors.New("order rejected by provider")
	// ErrRefillNotAllowed возвращается при refill вне допустимого состояния.
	ErrRefillNotAllowed = errors.New("refill not allowed for order state")
	// ErrNoRefillRequested возвращается, если у заказа нет refill-запроса.
	ErrNoRefillRequested = errors.New("no refill requested for order")
	// ErrCancelNotAllowed возвращается при отмене вне допустимого состояния.
	ErrCancelNotAllowed = errors.New("cancel not allowed for order state")
	// ErrCancelRejected возвращается, если панель отклонила отмену.
	ErrCancelRejected = errors.New("cancel rejected by provider")
)

// QuantityRangeError сообщает допустимые границы количества для услуги.
type QuantityRangeError struct {
	Min int
	Max int
}

func (e *QuantityRangeError) Error() string {
	return fmt.Sprintf("quantity must be between %d and %d", e.Min, e.Max)
}

// Repository описывает контракт доступа к данным, используемый сервисом заказов.
type Repository interface {
	CreateOrder(ctx context.Context, o *model.Order) (int64, error)
	GetOrderByOrderID(ctx context.Context, orderID string) (*model.Order, error)
	ListOrders(ctx context.Context, f repository.OrderFilter) ([]model.Order, error)
	UpdateOrder(ctx context.Context, o *model.Order) error
	GetOrdersForPolling(ctx context.Context, limit int) ([]model.Order, error)
	AddProviderSpend(ctx context.Context, providerID int64, amount float64) error
}

// Providers — часть реестра провайдеров, нужная сервису заказов.
type Providers interface {
	Get(ctx context.Context, providerID int64) (*model.Provider, error)
}

// Client — операции клиента панели, используемые сервисом заказов.
type Client interface {
	CreateOrder(ctx context.Context, serviceID, link string, quantity int, comments []string) (string, error)
	OrderStatus(ctx context.Context, externalOrderID string) (*panel.StatusInfo, error)
	OrdersStatus(ctx context.Context, externalOrderIDs []string) (map[string]panel.StatusInfo, error)
	CreateRefill(ctx context.Context, externalOrderID string) (string, error)
	RefillStatus(ctx context.Context, refillID string) (string, error)
	CancelOrder(ctx context.Context, externalOrderID string) (string, error)
}

// ClientFactory создаёт клиент панели для провайдера.
type ClientFactory func(p *model.Provider) Client

// Service содержит бизнес-логику заказов.
type Service struct {
	repo      Repository
	providers Providers
	clients   ClientFactory
	logger    *zap.Logger

	now        func() time.Time
	newOrderID func() string
}

// NewService создаёт сервис заказов.
func NewService(repo Repository, providers Providers, clients ClientFactory, logger *zap.Logger) *Service {
	return &Service{
		repo:       repo,
		providers:  providers,
		clients:    clients,
		logger:     logger,
		now:        time.Now,
		newOrderID: generateOrderID,
	}
}

func generateOrderID() string {
	return "SMM-" + uuid.NewString()
}

// computeCharge вычисляет стоимость заказа: (тариф + наценка) × количество / 1000.
// Наценка применяется только здесь; провайдеру уходит количество без наценки.
func computeCharge(rate, margin float64, quantity int) float64 {
	charge := decimal.NewFromFloat(rate).
		Add(decimal.NewFromFloat(margin)).
		Mul(decimal.NewFromInt(int64(quantity))).
		Div(decimal.NewFromInt(1000))

	f, _ := charge.Float64()
	return f
}

// CreateInput — параметры оформления заказа.
type CreateInput struct {
	ProviderID int64
	ServiceID  string
	Link       string
	Quantity   int
	Comments   []string
	UserID     int64
	Notes      string
	Metadata   model.OrderMetadata
}

// CreateOrder проводит заказ через полный конвейер: валидация против
// каталога провайдера, расчёт стоимости, размещение у панели и сохранение
// внутренней записи со снимком услуги.
func (s *Service) CreateOrder(ctx context.Context, in CreateInput) (*model.Order, error) {
	p, err := s.providers.Get(ctx, in.ProviderID)
	if err != nil {
		if errors.Is(err, repository.ErrProviderNotFound) {
			return nil, ErrProviderUnavailable
		}
		return nil, err
	}
	if !p.IsActive {
		return nil, ErrProviderUnavailable
	}

	svc, ok := p.FindService(in.ServiceID)
	if !ok || !svc.IsActive {
		return nil, ErrServiceUnavailable
	}

	if in.Quantity < svc.Min || in.Quantity > svc.Max {
		return nil, &QuantityRangeError{Min: svc.Min, Max: svc.Max}
	}

	if !validation.IsValidLink(in.Link) {
		return nil, ErrInvalidLink
	}

	charge := computeCharge(svc.Rate, svc.Margin, in.Quantity)

	client := s.clients(p)
	externalID, err := client.CreateOrder(ctx, svc.ServiceID, in.Link, in.Quantity, in.Comments)
	if err != nil {
		var respErr *panel.ResponseError
		if errors.As(err, &respErr) {
			return nil, fmt.Errorf("%w: %s", ErrOrderRejected, respErr.Message)
		}
		return nil, err
	}

	currency := p.Currency
	if currency == "" {
		currency = "USD"
	}

	o := &model.Order{
		OrderID:         s.newOrderID(),
		ExternalOrderID: externalID,
		ProviderID:      p.ID,
		UserID:          in.UserID,
		Service: model.ServiceSnapshot{
			ServiceID: svc.ServiceID,
			Name:      svc.Name,
			Category:  svc.Category,
			Rate:      svc.Rate,
			Refill:    svc.Refill,
			Cancel:    svc.Cancel,
		},
		Link:     in.Link,
		Quantity: in.Quantity,
		Charge:   charge,
		Currency: currency,
		Status:   model.OrderStatusPending,
		Comments: in.Comments,
		Notes:    in.Notes,
		Metadata: in.Metadata,
		Timeline: model.Timeline{OrderedAt: s.now()},
	}

	id, err := s.repo.CreateOrder(ctx, o)
	if err != nil {
		// Заказ уже принят панелью: внешний идентификатор фиксируется в логе
		// для ручной сверки по листингу заказов провайдера.
		s.logger.Error("order accepted upstream but not persisted",
			zap.String("externalOrderID", externalID),
			zap.Int64("providerID", p.ID),
			zap.Error(err))
		return nil, fmt.Errorf("persist order: %w", err)
	}
	o.ID = id

	if err := s.repo.AddProviderSpend(ctx, p.ID, charge); err != nil {
		s.logger.Warn("add provider spend", zap.Int64("providerID", p.ID), zap.Error(err))
	}

	return o, nil
}

// Get возвращает заказ по внутреннему идентификатору.
func (s *Service) Get(ctx context.Context, orderID string) (*model.Order, error) {
	return s.repo.GetOrderByOrderID(ctx, orderID)
}

// List возвращает заказы по фильтру.
func (s *Service) List(ctx context.Context, f repository.OrderFilter) ([]model.Order, error) {
	return s.repo.ListOrders(ctx, f)
}

// UserAnalytics считает агрегированную аналитику заказов пользователя.
func (s *Service) UserAnalytics(ctx context.Context, userID int64) (stats.UserAnalytics, error) {
	orders, err := s.repo.ListOrders(ctx, repository.OrderFilter{UserID: userID})
	if err != nil {
		return stats.UserAnalytics{}, err
	}
	return stats.AggregateUser(orders), nil
}

// UpdateStatus применяет переход статуса с необязательными счётчиками доставки.
func (s *Service) UpdateStatus(ctx context.Context, orderID string, status model.OrderStatus, startCount, remains *int) (*model.Order, error) {
	o, err := s.repo.GetOrderByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	o.ApplyStatus(status, startCount, remains, s.now())

	if err := s.repo.UpdateOrder(ctx, o); err != nil {
		return nil, err
	}

	return o, nil
}

func (s *Service) applyStatusInfo(o *model.Order, info panel.StatusInfo) bool {
	status, ok := model.ParseOrderStatus(info.Status)
	if !ok {
		return false
	}

	startCount := info.StartCount
	remains := info.Remains
	o.ApplyStatus(status, &startCount, &remains, s.now())
	return true
}

// RefreshStatus запрашивает актуальное состояние заказа у панели и применяет его.
func (s *Service) RefreshStatus(ctx context.Context, orderID string) (*model.Order, error) {
	o, err := s.repo.GetOrderByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if o.Status.IsTerminal() {
		return o, nil
	}

	p, err := s.providers.Get(ctx, o.ProviderID)
	if err != nil {
		return nil, err
	}

	info, err := s.clients(p).OrderStatus(ctx, o.ExternalOrderID)
	if err != nil {
		return nil, err
	}

	if !s.applyStatusInfo(o, *info) {
		s.logger.Warn("unknown status from provider",
			zap.String("orderID", o.OrderID), zap.String("status", info.Status))
		return o, nil
	}

	if err := s.repo.UpdateOrder(ctx, o); err != nil {
		return nil, err
	}

	return o, nil
}

// RequestRefill запрашивает у панели повторную доставку по заказу.
// Статус заказа не меняется: refill отслеживается собственным идентификатором.
func (s *Service) RequestRefill(ctx context.Context, orderID string) (*model.Order, error) {
	o, err := s.repo.GetOrderByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if !o.CanRefill() {
		return nil, ErrRefillNotAllowed
	}

	p, err := s.providers.Get(ctx, o.ProviderID)
	if err != nil {
		return nil, err
	}

	refillID, err := s.clients(p).CreateRefill(ctx, o.ExternalOrderID)
	if err != nil {
		return nil, err
	}

	o.RefillID = refillID
	if err := s.repo.UpdateOrder(ctx, o); err != nil {
		return nil, err
	}

	return o, nil
}

// RefillStatus возвращает статус ранее созданного refill-запроса.
func (s *Service) RefillStatus(ctx context.Context, orderID string) (string, error) {
	o, err := s.repo.GetOrderByOrderID(ctx, orderID)
	if err != nil {
		return "", err
	}

	if o.RefillID == "" {
		return "", ErrNoRefillRequested
	}

	p, err := s.providers.Get(ctx, o.ProviderID)
	if err != nil {
		return "", err
	}

	return s.clients(p).RefillStatus(ctx, o.RefillID)
}

// RequestCancel запрашивает отмену заказа у панели. Подтверждённая отмена
// переводит заказ в Canceled; отказ панели оставляет заказ без изменений.
func (s *Service) RequestCancel(ctx context.Context, orderID string) (*model.Order, error) {
	o, err := s.repo.GetOrderByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if !o.CanCancel() {
		return nil, ErrCancelNotAllowed
	}

	p, err := s.providers.Get(ctx, o.ProviderID)
	if err != nil {
		return nil, err
	}

	cancelID, err := s.clients(p).CancelOrder(ctx, o.ExternalOrderID)
	if err != nil {
		var respErr *panel.ResponseError
		if errors.As(err, &respErr) {
			return nil, fmt.Errorf("%w: %s", ErrCancelRejected, respErr.Message)
		}
		return nil, err
	}

	o.CancelID = cancelID
	o.ApplyStatus(model.OrderStatusCanceled, nil, nil, s.now())

	if err := s.repo.UpdateOrder(ctx, o); err != nil {
		return nil, err
	}

	return o, nil
}

// StartStatusUpdates запускает фоновую сверку статусов незавершённых заказов.
func (s *Service) StartStatusUpdates(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.processPollBatch(ctx)
			}
		}
	}()
}

func (s *Service) processPollBatch(ctx context.Context) {
	orders, err := s.repo.GetOrdersForPolling(ctx, 100)
	if err != nil {
		s.logger.Error("select orders for polling", zap.Error(err))
		return
	}
	if len(orders) == 0 {
		return
	}

	byProvider := make(map[int64][]model.Order)
	for _, o := range orders {
		byProvider[o.ProviderID] = append(byProvider[o.ProviderID], o)
	}

	for providerID, group := range byProvider {
		p, err := s.providers.Get(ctx, providerID)
		if err != nil {
			s.logger.Warn("load provider for polling", zap.Int64("providerID", providerID), zap.Error(err))
			continue
		}

		ids := make([]string, 0, len(group))
		for _, o := range group {
			ids = append(ids, o.ExternalOrderID)
		}

		statuses, err := s.clients(p).OrdersStatus(ctx, ids)
		if err != nil {
			s.logger.Warn("poll orders status", zap.Int64("providerID", providerID), zap.Error(err))
			continue
		}

		for i := range group {
			o := &group[i]
			info, ok := statuses[o.ExternalOrderID]
			if !ok {
				continue
			}
			if !s.applyStatusInfo(o, info) {
				continue
			}
			if err := s.repo.UpdateOrder(ctx, o); err != nil {
				s.logger.Error("update polled order", zap.String("orderID", o.OrderID), zap.Error(err))
			}
		}
	}
}
