// Package handler содержит HTTP-обработчики API сервиса SMM-панели.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/smm-panel-system/internal/middleware"
	"github.com/mmeshcher/smm-panel-system/internal/model"
	"github.com/mmeshcher/smm-panel-system/internal/order"
	"github.com/mmeshcher/smm-panel-system/internal/panel"
	"github.com/mmeshcher/smm-panel-system/internal/provider"
	"github.com/mmeshcher/smm-panel-system/internal/repository"
	"github.com/mmeshcher/smm-panel-system/internal/stats"
)

// Providers определяет контракт реестра провайдеров, используемый HTTP-обработчиками.
type Providers interface {
	Register(ctx context.Context, in provider.RegisterInput) (*model.Provider, error)
	Get(ctx context.Context, providerID int64) (*model.Provider, error)
	List(ctx context.Context) ([]model.Provider, error)
	ListActive(ctx context.Context) ([]model.Provider, error)
	Update(ctx context.Context, providerID int64, in provider.UpdateInput) (*model.Provider, error)
	Toggle(ctx context.Context, providerID int64) (*model.Provider, error)
	Delete(ctx context.Context, providerID int64) error
	Sync(ctx context.Context, providerID int64) (*model.Provider, error)
	Services(ctx context.Context, providerID int64, f provider.ServiceFilter) ([]model.Service, error)
}

// Orders определяет контракт сервиса заказов, используемый HTTP-обработчиками.
type Orders interface {
	CreateOrder(ctx context.Context, in order.CreateInput) (*model.Order, error)
	Get(ctx context.Context, orderID string) (*model.Order, error)
	List(ctx context.Context, f repository.OrderFilter) ([]model.Order, error)
	RefreshStatus(ctx context.Context, orderID string) (*model.Order, error)
	RequestRefill(ctx context.Context, orderID string) (*model.Order, error)
	RefillStatus(ctx context.Context, orderID string) (string, error)
	RequestCancel(ctx context.Context, orderID string) (*model.Order, error)
	UserAnalytics(ctx context.Context, userID int64) (stats.UserAnalytics, error)
}

// Handler реализует HTTP-обработчики API сервиса SMM-панели.
type Handler struct {
	providers      Providers
	orders         Orders
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(providers Providers, orders Orders, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		providers:      providers,
		orders:         orders,
		logger:         logger,
		authMiddleware: auth,
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response", zap.Error(err))
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) writeError(w http.ResponseWriter, statusCode int, message string) {
	h.writeJSON(w, statusCode, errorResponse{Error: message})
}

// providerResponse не содержит учётных данных провайдера.
type providerResponse struct {
	ID          int64                  `json:"id"`
	Name        string                 `json:"name"`
	DisplayName string                 `json:"displayName"`
	APIURL      string                 `json:"apiUrl"`
	IsActive    bool                   `json:"isActive"`
	Priority    int                    `json:"priority"`
	Services    []model.Service        `json:"services"`
	Balance     float64                `json:"balance"`
	Currency    string                 `json:"currency"`
	LastSyncAt  *string                `json:"lastSyncAt"`
	Stats       model.ProviderStats    `json:"stats"`
	SuccessRate float64                `json:"successRate"`
	Settings    model.ProviderSettings `json:"settings"`
	CreatedAt   string                 `json:"createdAt"`
}

func newProviderResponse(p *model.Provider) providerResponse {
	resp := providerResponse{
		ID:          p.ID,
		Name:        p.Name,
		DisplayName: p.DisplayName,
		APIURL:      p.APIURL,
		IsActive:    p.IsActive,
		Priority:    p.Priority,
		Services:    p.Services,
		Balance:     p.Balance,
		Currency:    p.Currency,
		Stats:       p.Stats,
		SuccessRate: stats.SuccessRate(p.Stats),
		Settings:    p.Settings,
		CreatedAt:   p.CreatedAt.Format(time.RFC3339),
	}
	if !p.LastSyncAt.IsZero() {
		s := p.LastSyncAt.Format(time.RFC3339)
		resp.LastSyncAt = &s
	}
	return resp
}

type registerProviderRequest struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	APIURL      string `json:"apiUrl"`
	APIKey      string `json:"apiKey"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	Priority    int    `json:"priority"`
}

// RegisterProvider регистрирует нового провайдера и запускает первичную синхронизацию.
func (h *Handler) RegisterProvider(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req registerProviderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	p, err := h.providers.Register(r.Context(), provider.RegisterInput{
		Name:        req.Name,
		DisplayName: req.DisplayName,
		APIURL:      req.APIURL,
		APIKey:      req.APIKey,
		Username:    req.Username,
		Password:    req.Password,
		Priority:    req.Priority,
		CreatedBy:   userID,
	})
	if err != nil {
		switch {
		case errors.Is(err, provider.ErrInvalidProvider):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, repository.ErrProviderExists):
			h.writeError(w, http.StatusConflict, "provider already exists")
		default:
			h.logger.Error("register provider", zap.Error(err))
			h.writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, newProviderResponse(p))
}

// ListProviders возвращает провайдеров в порядке приоритета.
// Параметр ?active= сужает выборку до активных либо отключённых.
func (h *Handler) ListProviders(w http.ResponseWriter, r *http.Request) {
	var (
		providers []model.Provider
		err       error
	)

	if activeParam := r.URL.Query().Get("active"); activeParam != "" {
		active, parseErr := strconv.ParseBool(activeParam)
		if parseErr != nil {
			h.writeError(w, http.StatusBadRequest, "invalid active filter")
			return
		}
		if active {
			providers, err = h.providers.ListActive(r.Context())
		} else {
			var all []model.Provider
			all, err = h.providers.List(r.Context())
			if err == nil {
				providers = make([]model.Provider, 0, len(all))
				for _, p := range all {
					if !p.IsActive {
						providers = append(providers, p)
					}
				}
			}
		}
	} else {
		providers, err = h.providers.List(r.Context())
	}

	if err != nil {
		h.logger.Error("list providers", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := make([]providerResponse, 0, len(providers))
	for i := range providers {
		resp = append(resp, newProviderResponse(&providers[i]))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) providerID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "providerID"), 10, 64)
	return id, err == nil && id > 0
}

// GetProvider возвращает провайдера по идентификатору.
func (h *Handler) GetProvider(w http.ResponseWriter, r *http.Request) {
	id, ok := h.providerID(r)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "invalid provider id")
		return
	}

	p, err := h.providers.Get(r.Context(), id)
	if err != nil {
		h.providerError(w, err, id)
		return
	}

	h.writeJSON(w, http.StatusOK, newProviderResponse(p))
}

func (h *Handler) providerError(w http.ResponseWriter, err error, providerID int64) {
	switch {
	case errors.Is(err, repository.ErrProviderNotFound):
		h.writeError(w, http.StatusNotFound, "provider not found")
	case errors.Is(err, provider.ErrInvalidProvider), errors.Is(err, provider.ErrUnknownService):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, repository.ErrProviderHasPendingOrders):
		h.writeError(w, http.StatusConflict, "provider has pending orders")
	default:
		var reqErr *panel.RequestError
		if errors.As(err, &reqErr) {
			h.writeError(w, http.StatusBadGateway, "provider request failed")
			return
		}
		var respErr *panel.ResponseError
		if errors.As(err, &respErr) {
			h.writeError(w, http.StatusBadGateway, respErr.Message)
			return
		}
		h.logger.Error("provider operation", zap.Int64("providerID", providerID), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type updateProviderRequest struct {
	DisplayName *string                 `json:"displayName"`
	APIURL      *string                 `json:"apiUrl"`
	APIKey      *string                 `json:"apiKey"`
	Username    *string                 `json:"username"`
	Password    *string                 `json:"password"`
	Priority    *int                    `json:"priority"`
	IsActive    *bool                   `json:"isActive"`
	Settings    *model.ProviderSettings `json:"settings"`
	Margins     map[string]float64      `json:"margins"`
}

// UpdateProvider изменяет провайдера по списку разрешённых полей.
func (h *Handler) UpdateProvider(w http.ResponseWriter, r *http.Request) {
	id, ok := h.providerID(r)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "invalid provider id")
		return
	}

	var req updateProviderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	p, err := h.providers.Update(r.Context(), id, provider.UpdateInput{
		DisplayName: req.DisplayName,
		APIURL:      req.APIURL,
		APIKey:      req.APIKey,
		Username:    req.Username,
		Password:    req.Password,
		Priority:    req.Priority,
		IsActive:    req.IsActive,
		Settings:    req.Settings,
		Margins:     req.Margins,
	})
	if err != nil {
		h.providerError(w, err, id)
		return
	}

	h.writeJSON(w, http.StatusOK, newProviderResponse(p))
}

// ToggleProvider переключает флаг активности провайдера.
func (h *Handler) ToggleProvider(w http.ResponseWriter, r *http.Request) {
	id, ok := h.providerID(r)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "invalid provider id")
		return
	}

	p, err := h.providers.Toggle(r.Context(), id)
	if err != nil {
		h.providerError(w, err, id)
		return
	}

	h.writeJSON(w, http.StatusOK, newProviderResponse(p))
}

// DeleteProvider удаляет провайдера без незавершённых заказов.
func (h *Handler) DeleteProvider(w http.ResponseWriter, r *http.Request) {
	id, ok := h.providerID(r)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "invalid provider id")
		return
	}

	if err := h.providers.Delete(r.Context(), id); err != nil {
		h.providerError(w, err, id)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// SyncProvider запускает синхронизацию каталога и баланса провайдера.
func (h *Handler) SyncProvider(w http.ResponseWriter, r *http.Request) {
	id, ok := h.providerID(r)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "invalid provider id")
		return
	}

	p, err := h.providers.Sync(r.Context(), id)
	if err != nil {
		h.providerError(w, err, id)
		return
	}

	h.writeJSON(w, http.StatusOK, newProviderResponse(p))
}

// ListProviderServices возвращает каталог услуг провайдера с учётом фильтров.
func (h *Handler) ListProviderServices(w http.ResponseWriter, r *http.Request) {
	id, ok := h.providerID(r)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "invalid provider id")
		return
	}

	f := provider.ServiceFilter{
		Category: r.URL.Query().Get("category"),
		Search:   r.URL.Query().Get("search"),
	}
	if activeParam := r.URL.Query().Get("active"); activeParam != "" {
		active, err := strconv.ParseBool(activeParam)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid active filter")
			return
		}
		f.Active = &active
	}

	services, err := h.providers.Services(r.Context(), id, f)
	if err != nil {
		h.providerError(w, err, id)
		return
	}

	h.writeJSON(w, http.StatusOK, services)
}

type createOrderRequest struct {
	ProviderID int64    `json:"providerId"`
	ServiceID  string   `json:"serviceId"`
	Link       string   `json:"link"`
	Quantity   int      `json:"quantity"`
	Comments   []string `json:"comments"`
	Notes      string   `json:"notes"`

	Platform       string `json:"platform"`
	PostType       string `json:"postType"`
	TargetAudience string `json:"targetAudience"`
}

type orderResponse struct {
	ID         int64                 `json:"id"`
	OrderID    string                `json:"orderId"`
	ProviderID int64                 `json:"providerId"`
	Service    model.ServiceSnapshot `json:"service"`
	Link       string                `json:"link"`
	Quantity   int                   `json:"quantity"`
	Charge     float64               `json:"charge"`
	Currency   string                `json:"currency"`
	StartCount int                   `json:"startCount"`
	Remains    int                   `json:"remains"`
	Status     string                `json:"status"`
	Completion int                   `json:"completionPercentage"`
	RefillID   string                `json:"refillId,omitempty"`
	CancelID   string                `json:"cancelId,omitempty"`
	Notes      string                `json:"notes,omitempty"`
	OrderedAt  string                `json:"orderedAt"`
}

func newOrderResponse(o *model.Order) orderResponse {
	return orderResponse{
		ID:         o.ID,
		OrderID:    o.OrderID,
		ProviderID: o.ProviderID,
		Service:    o.Service,
		Link:       o.Link,
		Quantity:   o.Quantity,
		Charge:     o.Charge,
		Currency:   o.Currency,
		StartCount: o.StartCount,
		Remains:    o.Remains,
		Status:     string(o.Status),
		Completion: o.CompletionPercentage(),
		RefillID:   o.RefillID,
		CancelID:   o.CancelID,
		Notes:      o.Notes,
		OrderedAt:  o.Timeline.OrderedAt.Format(time.RFC3339),
	}
}

// CreateOrder размещает новый заказ у провайдера.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	o, err := h.orders.CreateOrder(r.Context(), order.CreateInput{
		ProviderID: req.ProviderID,
		ServiceID:  req.ServiceID,
		Link:       req.Link,
		Quantity:   req.Quantity,
		Comments:   req.Comments,
		UserID:     userID,
		Notes:      req.Notes,
		Metadata: model.OrderMetadata{
			Platform:       req.Platform,
			PostType:       req.PostType,
			TargetAudience: req.TargetAudience,
		},
	})
	if err != nil {
		h.orderError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, newOrderResponse(o))
}

func (h *Handler) orderError(w http.ResponseWriter, err error) {
	var rangeErr *order.QuantityRangeError
	switch {
	case errors.Is(err, repository.ErrOrderNotFound):
		h.writeError(w, http.StatusNotFound, "order not found")
	case errors.Is(err, order.ErrProviderUnavailable),
		errors.Is(err, order.ErrServiceUnavailable):
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &rangeErr), errors.Is(err, order.ErrInvalidLink):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, order.ErrRefillNotAllowed),
		errors.Is(err, order.ErrCancelNotAllowed),
		errors.Is(err, order.ErrNoRefillRequested):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, order.ErrOrderRejected), errors.Is(err, order.ErrCancelRejected):
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		var reqErr *panel.RequestError
		if errors.As(err, &reqErr) {
			h.writeError(w, http.StatusBadGateway, "provider request failed")
			return
		}
		h.logger.Error("order operation", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// ListOrders возвращает заказы текущего пользователя с учётом фильтров.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	f := repository.OrderFilter{UserID: userID}

	if statusParam := r.URL.Query().Get("status"); statusParam != "" {
		status, valid := model.ParseOrderStatus(statusParam)
		if !valid {
			h.writeError(w, http.StatusBadRequest, "invalid status filter")
			return
		}
		f.Status = status
	}
	if providerParam := r.URL.Query().Get("providerId"); providerParam != "" {
		providerID, err := strconv.ParseInt(providerParam, 10, 64)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid provider filter")
			return
		}
		f.ProviderID = providerID
	}
	if limitParam := r.URL.Query().Get("limit"); limitParam != "" {
		limit, err := strconv.Atoi(limitParam)
		if err != nil || limit < 0 {
			h.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = limit
	}
	if offsetParam := r.URL.Query().Get("offset"); offsetParam != "" {
		offset, err := strconv.Atoi(offsetParam)
		if err != nil || offset < 0 {
			h.writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		f.Offset = offset
	}

	orders, err := h.orders.List(r.Context(), f)
	if err != nil {
		h.logger.Error("list orders", zap.Int64("userID", userID), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for i := range orders {
		resp = append(resp, newOrderResponse(&orders[i]))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// orderForUser загружает заказ и проверяет, что он принадлежит текущему
// пользователю. Чужой заказ неотличим от несуществующего.
func (h *Handler) orderForUser(w http.ResponseWriter, r *http.Request) (*model.Order, bool) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return nil, false
	}

	o, err := h.orders.Get(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		h.orderError(w, err)
		return nil, false
	}
	if o.UserID != userID {
		h.writeError(w, http.StatusNotFound, "order not found")
		return nil, false
	}

	return o, true
}

// GetOrder возвращает заказ по внутреннему идентификатору.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, ok := h.orderForUser(w, r)
	if !ok {
		return
	}

	h.writeJSON(w, http.StatusOK, newOrderResponse(o))
}

// RefreshOrderStatus запрашивает актуальный статус заказа у провайдера.
func (h *Handler) RefreshOrderStatus(w http.ResponseWriter, r *http.Request) {
	o, ok := h.orderForUser(w, r)
	if !ok {
		return
	}

	o, err := h.orders.RefreshStatus(r.Context(), o.OrderID)
	if err != nil {
		h.orderError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, newOrderResponse(o))
}

// RequestRefill запрашивает повторную доставку по заказу.
func (h *Handler) RequestRefill(w http.ResponseWriter, r *http.Request) {
	o, ok := h.orderForUser(w, r)
	if !ok {
		return
	}

	o, err := h.orders.RequestRefill(r.Context(), o.OrderID)
	if err != nil {
		h.orderError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, newOrderResponse(o))
}

// GetRefillStatus возвращает статус refill-запроса по заказу.
func (h *Handler) GetRefillStatus(w http.ResponseWriter, r *http.Request) {
	o, ok := h.orderForUser(w, r)
	if !ok {
		return
	}

	status, err := h.orders.RefillStatus(r.Context(), o.OrderID)
	if err != nil {
		h.orderError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

// CancelOrder запрашивает отмену заказа у провайдера.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	o, ok := h.orderForUser(w, r)
	if !ok {
		return
	}

	o, err := h.orders.RequestCancel(r.Context(), o.OrderID)
	if err != nil {
		h.orderError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, newOrderResponse(o))
}

// GetAnalytics возвращает агрегированную аналитику заказов текущего пользователя.
func (h *Handler) GetAnalytics(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	analytics, err := h.orders.UserAnalytics(r.Context(), userID)
	if err != nil {
		h.logger.Error("user analytics", zap.Int64("userID", userID), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	h.writeJSON(w, http.StatusOK, analytics)
}
