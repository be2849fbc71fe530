package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/mmeshcher/smm-panel-system/internal/middleware"
	"github.com/mmeshcher/smm-panel-system/internal/model"
	"github.com/mmeshcher/smm-panel-system/internal/order"
	"github.com/mmeshcher/smm-panel-system/internal/panel"
	"github.com/mmeshcher/smm-panel-system/internal/provider"
	"github.com/mmeshcher/smm-panel-system/internal/repository"
	"github.com/mmeshcher/smm-panel-system/internal/stats"
)

type stubProviders struct {
	registerResp *model.Provider
	registerErr  error

	getResp *model.Provider
	getErr  error

	listResp []model.Provider
	listErr  error

	listActiveResp []model.Provider
	listActiveErr  error

	updateResp *model.Provider
	updateErr  error

	toggleResp *model.Provider
	toggleErr  error

	deleteErr error

	syncResp *model.Provider
	syncErr  error

	servicesResp []model.Service
	servicesErr  error
}

func (s *stubProviders) Register(ctx context.Context, in provider.RegisterInput) (*model.Provider, error) {
	return s.registerResp, s.registerErr
}

func (s *stubProviders) Get(ctx context.Context, providerID int64) (*model.Provider, error) {
	return s.getResp, s.getErr
}

func (s *stubProviders) List(ctx context.Context) ([]model.Provider, error) {
	return s.listResp, s.listErr
}

func (s *stubProviders) ListActive(ctx context.Context) ([]model.Provider, error) {
	return s.listActiveResp, s.listActiveErr
}

func (s *stubProviders) Update(ctx context.Context, providerID int64, in provider.UpdateInput) (*model.Provider, error) {
	return s.updateResp, s.updateErr
}

func (s *stubProviders) Toggle(ctx context.Context, providerID int64) (*model.Provider, error) {
	return s.toggleResp, s.toggleErr
}

func (s *stubProviders) Delete(ctx context.Context, providerID int64) error {
	return s.deleteErr
}

func (s *stubProviders) Sync(ctx context.Context, providerID int64) (*model.Provider, error) {
	return s.syncResp, s.syncErr
}

func (s *stubProviders) Services(ctx context.Context, providerID int64, f provider.ServiceFilter) ([]model.Service, error) {
	return s.servicesResp, s.servicesErr
}

type stubOrders struct {
	createResp *model.Order
	createErr  error

	getResp *model.Order
	getErr  error

	listResp   []model.Order
	listErr    error
	lastFilter repository.OrderFilter

	refreshResp *model.Order
	refreshErr  error

	refillResp *model.Order
	refillErr  error

	refillStatus    string
	refillStatusErr error

	cancelResp  *model.Order
	cancelErr   error
	cancelCalls int

	analyticsResp stats.UserAnalytics
	analyticsErr  error
}

func (s *stubOrders) CreateOrder(ctx context.Context, in order.CreateInput) (*model.Order, error) {
	return s.createResp, s.createErr
}

func (s *stubOrders) Get(ctx context.Context, orderID string) (*model.Order, error) {
	return s.getResp, s.getErr
}

func (s *stubOrders) List(ctx context.Context, f repository.OrderFilter) ([]model.Order, error) {
	s.lastFilter = f
	return s.listResp, s.listErr
}

func (s *stubOrders) RefreshStatus(ctx context.Context, orderID string) (*model.Order, error) {
	return s.refreshResp, s.refreshErr
}

func (s *stubOrders) RequestRefill(ctx context.Context, orderID string) (*model.Order, error) {
	return s.refillResp, s.refillErr
}

func (s *stubOrders) RefillStatus(ctx context.Context, orderID string) (string, error) {
	return s.refillStatus, s.refillStatusErr
}

func (s *stubOrders) RequestCancel(ctx context.Context, orderID string) (*model.Order, error) {
	s.cancelCalls++
	return s.cancelResp, s.cancelErr
}

func (s *stubOrders) UserAnalytics(ctx context.Context, userID int64) (stats.UserAnalytics, error) {
	return s.analyticsResp, s.analyticsErr
}

func newTestMux(t *testing.T, providers Providers, orders Orders) (*Handler, http.Handler) {
	t.Helper()

	auth := middleware.NewAuthMiddleware("test-secret")
	h := NewHandler(providers, orders, zap.NewNop(), auth)

	return h, h.SetupRouter()
}

func withSession(t *testing.T, h *Handler, req *http.Request, userID int64) {
	t.Helper()

	rec := httptest.NewRecorder()
	h.authMiddleware.SetSessionCookie(rec, userID)
	cookies := rec.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatalf("no session cookie")
	}
	req.AddCookie(cookies[0])
}

func sampleProvider() *model.Provider {
	return &model.Provider{
		ID:          5,
		Name:        "boostgram",
		DisplayName: "BoostGram",
		APIURL:      "https://boostgram.example/api/v2",
		APIKey:      "super-secret",
		Password:    "hidden",
		IsActive:    true,
		Priority:    1,
		Currency:    "USD",
	}
}

func sampleOrder() *model.Order {
	return &model.Order{
		ID:         1,
		OrderID:    "SMM-abc",
		ProviderID: 5,
		UserID:     42,
		Quantity:   100,
		Remains:    25,
		Status:     model.OrderStatusInProgress,
		Service:    model.ServiceSnapshot{ServiceID: "101", Name: "Instagram Followers"},
	}
}

func TestProtectedRoutes_RequireSession(t *testing.T) {
	_, mux := newTestMux(t, &stubProviders{}, &stubOrders{})

	req := httptest.NewRequest(http.MethodGet, "/api/orders/", nil)
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestRegisterProvider_StripsCredentials(t *testing.T) {
	providers := &stubProviders{registerResp: sampleProvider()}
	h, mux := newTestMux(t, providers, &stubOrders{})

	body := bytes.NewReader([]byte(`{"name":"boostgram","apiUrl":"https://boostgram.example/api/v2","apiKey":"super-secret"}`))
	req := httptest.NewRequest(http.MethodPost, "/api/providers/", body)
	withSession(t, h, req, 1)
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d, body %s", rec.Code, http.StatusCreated, rec.Body.String())
	}

	raw, _ := io.ReadAll(rec.Body)
	if strings.Contains(string(raw), "super-secret") || strings.Contains(string(raw), "hidden") {
		t.Fatalf("response leaks credentials: %s", raw)
	}

	var resp providerResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Name != "boostgram" {
		t.Fatalf("name = %q, want boostgram", resp.Name)
	}
}

func TestRegisterProvider_ValidationError(t *testing.T) {
	providers := &stubProviders{registerErr: fmt.Errorf("%w: name, api url and api key are required", provider.ErrInvalidProvider)}
	h, mux := newTestMux(t, providers, &stubOrders{})

	req := httptest.NewRequest(http.MethodPost, "/api/providers/", bytes.NewReader([]byte(`{}`)))
	withSession(t, h, req, 1)
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestRegisterProvider_Duplicate(t *testing.T) {
	providers := &stubProviders{registerErr: repository.ErrProviderExists}
	h, mux := newTestMux(t, providers, &stubOrders{})

	req := httptest.NewRequest(http.MethodPost, "/api/providers/", bytes.NewReader([]byte(`{"name":"x"}`)))
	withSession(t, h, req, 1)
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestGetProvider_NotFound(t *testing.T) {
	providers := &stubProviders{getErr: repository.ErrProviderNotFound}
	h, mux := newTestMux(t, providers, &stubOrders{})

	req := httptest.NewRequest(http.MethodGet, "/api/providers/99/", nil)
	withSession(t, h, req, 1)
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestDeleteProvider_PendingOrdersConflict(t *testing.T) {
	providers := &stubProviders{deleteErr: repository.ErrProviderHasPendingOrders}
	h, mux := newTestMux(t, providers, &stubOrders{})

	req := httptest.NewRequest(http.MethodDelete, "/api/providers/5/", nil)
	withSession(t, h, req, 1)
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestSyncProvider_UpstreamFailure(t *testing.T) {
	providers := &stubProviders{
		syncErr: fmt.Errorf("fetch catalog: %w", &panel.RequestError{Action: panel.ActionServices, Err: errors.New("connection refused")}),
	}
	h, mux := newTestMux(t, providers, &stubOrders{})

	req := httptest.NewRequest(http.MethodPost, "/api/providers/5/sync", nil)
	withSession(t, h, req, 1)
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
}

func TestCreateOrder_Created(t *testing.T) {
	orders := &stubOrders{createResp: sampleOrder()}
	h, mux := newTestMux(t, &stubProviders{}, orders)

	body := bytes.NewReader([]byte(`{"providerId":5,"serviceId":"101","link":"https://instagram.com/u","quantity":100}`))
	req := httptest.NewRequest(http.MethodPost, "/api/orders/", body)
	withSession(t, h, req, 42)
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d, body %s", rec.Code, http.StatusCreated, rec.Body.String())
	}

	var resp orderResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.OrderID != "SMM-abc" {
		t.Fatalf("orderId = %q, want SMM-abc", resp.OrderID)
	}
	if resp.Completion != 75 {
		t.Fatalf("completion = %v, want 75", resp.Completion)
	}
}

func TestCreateOrder_QuantityOutOfRange(t *testing.T) {
	orders := &stubOrders{createErr: &order.QuantityRangeError{Min: 50, Max: 1000}}
	h, mux := newTestMux(t, &stubProviders{}, orders)

	body := bytes.NewReader([]byte(`{"providerId":5,"serviceId":"101","link":"https://instagram.com/u","quantity":5}`))
	req := httptest.NewRequest(http.MethodPost, "/api/orders/", body)
	withSession(t, h, req, 42)
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if !strings.Contains(rec.Body.String(), "between 50 and 1000") {
		t.Fatalf("body %q does not name quantity bounds", rec.Body.String())
	}
}

func TestCreateOrder_ProviderUnavailable(t *testing.T) {
	orders := &stubOrders{createErr: order.ErrProviderUnavailable}
	h, mux := newTestMux(t, &stubProviders{}, orders)

	req := httptest.NewRequest(http.MethodPost, "/api/orders/", bytes.NewReader([]byte(`{"providerId":99}`)))
	withSession(t, h, req, 42)
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnprocessableEntity)
	}
}

func TestListOrders_InvalidStatusFilter(t *testing.T) {
	h, mux := newTestMux(t, &stubProviders{}, &stubOrders{})

	req := httptest.NewRequest(http.MethodGet, "/api/orders/?status=Mystery", nil)
	withSession(t, h, req, 42)
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestListOrders_FiltersByUser(t *testing.T) {
	orders := &stubOrders{listResp: []model.Order{*sampleOrder()}}
	h, mux := newTestMux(t, &stubProviders{}, orders)

	req := httptest.NewRequest(http.MethodGet, "/api/orders/?status=Completed&limit=10", nil)
	withSession(t, h, req, 42)
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if orders.lastFilter.UserID != 42 {
		t.Fatalf("filter userID = %d, want 42", orders.lastFilter.UserID)
	}
	if orders.lastFilter.Status != model.OrderStatusCompleted {
		t.Fatalf("filter status = %q, want Completed", orders.lastFilter.Status)
	}
	if orders.lastFilter.Limit != 10 {
		t.Fatalf("filter limit = %d, want 10", orders.lastFilter.Limit)
	}
}

func TestCancelOrder_NotAllowed(t *testing.T) {
	orders := &stubOrders{getResp: sampleOrder(), cancelErr: order.ErrCancelNotAllowed}
	h, mux := newTestMux(t, &stubProviders{}, orders)

	req := httptest.NewRequest(http.MethodPost, "/api/orders/SMM-abc/cancel", nil)
	withSession(t, h, req, 42)
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestCancelOrder_RejectedByProvider(t *testing.T) {
	orders := &stubOrders{getResp: sampleOrder(), cancelErr: fmt.Errorf("%w: order already started", order.ErrCancelRejected)}
	h, mux := newTestMux(t, &stubProviders{}, orders)

	req := httptest.NewRequest(http.MethodPost, "/api/orders/SMM-abc/cancel", nil)
	withSession(t, h, req, 42)
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnprocessableEntity)
	}
}

func TestGetOrder_NotFound(t *testing.T) {
	orders := &stubOrders{getErr: repository.ErrOrderNotFound}
	h, mux := newTestMux(t, &stubProviders{}, orders)

	req := httptest.NewRequest(http.MethodGet, "/api/orders/missing/", nil)
	withSession(t, h, req, 42)
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestGetProvider_IncludesSuccessRate(t *testing.T) {
	p := sampleProvider()
	p.Stats = model.ProviderStats{TotalOrders: 4, SuccessfulOrders: 3, FailedOrders: 1}
	providers := &stubProviders{getResp: p}
	h, mux := newTestMux(t, providers, &stubOrders{})

	req := httptest.NewRequest(http.MethodGet, "/api/providers/5/", nil)
	withSession(t, h, req, 1)
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp providerResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.SuccessRate != 75 {
		t.Fatalf("successRate = %v, want 75", resp.SuccessRate)
	}
}

func TestListProviders_ActiveFilter(t *testing.T) {
	activeProvider := *sampleProvider()
	inactiveProvider := *sampleProvider()
	inactiveProvider.ID = 6
	inactiveProvider.Name = "slowpanel"
	inactiveProvider.IsActive = false

	providers := &stubProviders{
		listResp:       []model.Provider{activeProvider, inactiveProvider},
		listActiveResp: []model.Provider{activeProvider},
	}
	h, mux := newTestMux(t, providers, &stubOrders{})

	get := func(target string) (*httptest.ResponseRecorder, []providerResponse) {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		withSession(t, h, req, 1)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)

		var resp []providerResponse
		if rec.Code == http.StatusOK {
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("unmarshal response: %v", err)
			}
		}
		return rec, resp
	}

	rec, resp := get("/api/providers/?active=true")
	if rec.Code != http.StatusOK || len(resp) != 1 || resp[0].Name != "boostgram" {
		t.Fatalf("active=true: status %d, resp %+v", rec.Code, resp)
	}

	rec, resp = get("/api/providers/?active=false")
	if rec.Code != http.StatusOK || len(resp) != 1 || resp[0].Name != "slowpanel" {
		t.Fatalf("active=false: status %d, resp %+v", rec.Code, resp)
	}

	rec, resp = get("/api/providers/")
	if rec.Code != http.StatusOK || len(resp) != 2 {
		t.Fatalf("no filter: status %d, %d providers", rec.Code, len(resp))
	}

	rec, _ = get("/api/providers/?active=maybe")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid filter: status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestGetOrder_ForeignOrderHidden(t *testing.T) {
	foreign := sampleOrder()
	foreign.UserID = 7
	orders := &stubOrders{getResp: foreign}
	h, mux := newTestMux(t, &stubProviders{}, orders)

	req := httptest.NewRequest(http.MethodGet, "/api/orders/SMM-abc/", nil)
	withSession(t, h, req, 42)
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestCancelOrder_ForeignOrderHidden(t *testing.T) {
	foreign := sampleOrder()
	foreign.UserID = 7
	orders := &stubOrders{getResp: foreign, cancelResp: sampleOrder()}
	h, mux := newTestMux(t, &stubProviders{}, orders)

	req := httptest.NewRequest(http.MethodPost, "/api/orders/SMM-abc/cancel", nil)
	withSession(t, h, req, 42)
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	if orders.cancelCalls != 0 {
		t.Fatalf("cancel invoked %d times for foreign order", orders.cancelCalls)
	}
}

func TestGetAnalytics_OK(t *testing.T) {
	orders := &stubOrders{analyticsResp: stats.UserAnalytics{TotalOrders: 3, CompletedOrders: 2, SuccessRate: 66.67}}
	h, mux := newTestMux(t, &stubProviders{}, orders)

	req := httptest.NewRequest(http.MethodGet, "/api/analytics", nil)
	withSession(t, h, req, 42)
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp stats.UserAnalytics
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.TotalOrders != 3 {
		t.Fatalf("totalOrders = %d, want 3", resp.TotalOrders)
	}
}
