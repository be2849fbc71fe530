// Package provider реализует реестр внешних SMM-провайдеров.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/mmeshcher/smm-panel-system/internal/catalog"
	"github.com/mmeshcher/smm-panel-system/internal/model"
	"github.com/mmeshcher/smm-panel-system/internal/panel"
	"github.com/mmeshcher/smm-panel-system/internal/stats"
)

// ErrInvalidProvider возвращается при некорректной конфигурации провайдера.
var (
	ErrInvalidProvider = errors.New("invalid provider configuration")
	// ErrUnknownService возвращается при попытке изменить услугу, которой нет в каталоге.
	ErrUnknownService = errors.New("service not found in provider catalog")
)

// Repository описывает контракт доступа к данным, используемый реестром.
type Repository interface {
	CreateProvider(ctx context.Context, p *model.Provider) (int64, error)
	GetProviderByID(ctx context.Context, id int64) (*model.Provider, error)
	ListProviders(ctx context.Context) ([]model.Provider, error)
	ListActiveProviders(ctx context.Context) ([]model.Provider, error)
	UpdateProvider(ctx context.Context, p *model.Provider) error
	ApplySyncResult(ctx context.Context, providerID int64, services []model.Service, balance float64, currency string, syncedAt time.Time) error
	UpdateProviderStats(ctx context.Context, providerID int64, st model.ProviderStats) error
	DeleteProvider(ctx context.Context, providerID int64) error
}

// apiClient — часть клиента панели, нужная для синхронизации каталога.
type apiClient interface {
	Services(ctx context.Context) (gjson.Result, error)
	Balance(ctx context.Context) (float64, string, error)
}

// Service реализует операции реестра провайдеров.
type Service struct {
	repo   Repository
	logger *zap.Logger

	newClient func(p *model.Provider) apiClient
	now       func() time.Time

	// Синхронизация — критическая секция на провайдера: параллельные sync
	// одного провайдера не должны чередовать замену каталога.
	mu        sync.Mutex
	syncLocks map[int64]*sync.Mutex
}

// NewService создаёт реестр провайдеров поверх репозитория.
func NewService(repo Repository, logger *zap.Logger) *Service {
	s := &Service{
		repo:      repo,
		logger:    logger,
		now:       time.Now,
		syncLocks: make(map[int64]*sync.Mutex),
	}
	s.newClient = func(p *model.Provider) apiClient {
		return panel.NewClient(p, s)
	}
	return s
}

// Client возвращает клиент панели для провайдера с учётом его настроек.
// Статистика запросов пишется через реестр.
func (s *Service) Client(p *model.Provider) *panel.Client {
	return panel.NewClient(p, s)
}

// RegisterInput — параметры регистрации нового провайдера.
type RegisterInput struct {
	Name        string
	DisplayName string
	APIURL      string
	APIKey      string
	Username    string
	Password    string
	Priority    int
	CreatedBy   int64
}

// Register создаёт провайдера и выполняет первичную синхронизацию каталога.
// Неудача первичной синхронизации не отменяет регистрацию: провайдер
// остаётся с пустым каталогом до следующего sync.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*model.Provider, error) {
	name := strings.ToLower(strings.TrimSpace(in.Name))
	if name == "" || strings.TrimSpace(in.APIURL) == "" || in.APIKey == "" {
		return nil, fmt.Errorf("%w: name, api url and api key are required", ErrInvalidProvider)
	}

	priority := in.Priority
	if priority == 0 {
		priority = 1
	}
	if priority < 1 || priority > 10 {
		return nil, fmt.Errorf("%w: priority must be between 1 and 10", ErrInvalidProvider)
	}

	displayName := in.DisplayName
	if displayName == "" {
		displayName = in.Name
	}

	p := &model.Provider{
		Name:        name,
		DisplayName: displayName,
		APIURL:      strings.TrimRight(strings.TrimSpace(in.APIURL), "/"),
		APIKey:      in.APIKey,
		Username:    in.Username,
		Password:    in.Password,
		IsActive:    true,
		Priority:    priority,
		Currency:    "USD",
		Settings:    model.DefaultSettings(),
		CreatedBy:   in.CreatedBy,
	}

	id, err := s.repo.CreateProvider(ctx, p)
	if err != nil {
		return nil, err
	}
	p.ID = id

	if _, err := s.Sync(ctx, id); err != nil {
		s.logger.Warn("initial catalog sync failed",
			zap.Int64("providerID", id), zap.String("provider", name), zap.Error(err))
	}

	return s.repo.GetProviderByID(ctx, id)
}

func (s *Service) syncLock(providerID int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.syncLocks[providerID]
	if !ok {
		l = &sync.Mutex{}
		s.syncLocks[providerID] = l
	}
	return l
}

// Sync обновляет каталог услуг и баланс провайдера.
//
// Каталог и баланс сначала собираются в локальные значения и применяются
// одним коммитом: частичный отказ не оставляет провайдера в полуобновлённом
// состоянии. Наценки переносятся из предыдущего каталога по serviceId.
func (s *Service) Sync(ctx context.Context, providerID int64) (*model.Provider, error) {
	lock := s.syncLock(providerID)
	lock.Lock()
	defer lock.Unlock()

	p, err := s.repo.GetProviderByID(ctx, providerID)
	if err != nil {
		return nil, err
	}

	client := s.newClient(p)

	raw, err := client.Services(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch catalog: %w", err)
	}

	services, err := catalog.Normalize(raw)
	if err != nil {
		return nil, fmt.Errorf("normalize catalog: %w", err)
	}

	balance, currency, err := client.Balance(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch balance: %w", err)
	}

	margins := make(map[string]float64, len(p.Services))
	for _, old := range p.Services {
		if old.Margin != 0 {
			margins[old.ServiceID] = old.Margin
		}
	}
	for i := range services {
		if m, ok := margins[services[i].ServiceID]; ok {
			services[i].Margin = m
		}
	}

	syncedAt := s.now()
	if err := s.repo.ApplySyncResult(ctx, providerID, services, balance, currency, syncedAt); err != nil {
		return nil, err
	}

	s.logger.Info("provider catalog synced",
		zap.Int64("providerID", providerID),
		zap.String("provider", p.Name),
		zap.Int("services", len(services)),
		zap.Float64("balance", balance))

	p.Services = services
	p.Balance = balance
	p.Currency = currency
	p.LastSyncAt = syncedAt
	return p, nil
}

// Get возвращает провайдера по идентификатору.
func (s *Service) Get(ctx context.Context, providerID int64) (*model.Provider, error) {
	return s.repo.GetProviderByID(ctx, providerID)
}

// List возвращает всех провайдеров в порядке приоритета.
func (s *Service) List(ctx context.Context) ([]model.Provider, error) {
	return s.repo.ListProviders(ctx)
}

// ListActive возвращает активных провайдеров: меньший приоритет — выше,
// при равенстве — более свежие.
func (s *Service) ListActive(ctx context.Context) ([]model.Provider, error) {
	return s.repo.ListActiveProviders(ctx)
}

// Toggle переключает флаг активности провайдера. Уже размещённые заказы
// продолжают обслуживаться.
func (s *Service) Toggle(ctx context.Context, providerID int64) (*model.Provider, error) {
	p, err := s.repo.GetProviderByID(ctx, providerID)
	if err != nil {
		return nil, err
	}

	p.IsActive = !p.IsActive
	if err := s.repo.UpdateProvider(ctx, p); err != nil {
		return nil, err
	}

	return p, nil
}

// Delete удаляет провайдера. Блокируется при наличии незавершённых заказов.
func (s *Service) Delete(ctx context.Context, providerID int64) error {
	return s.repo.DeleteProvider(ctx, providerID)
}

// UpdateInput — допустимые к изменению поля провайдера.
// Nil-поля остаются без изменений.
type UpdateInput struct {
	DisplayName *string
	APIURL      *string
	APIKey      *string
	Username    *string
	Password    *string
	Priority    *int
	IsActive    *bool
	Settings    *model.ProviderSettings
	// Margins задаёт административную наценку по serviceId.
	Margins map[string]float64
}

// Update применяет изменения к провайдеру по списку разрешённых полей.
func (s *Service) Update(ctx context.Context, providerID int64, in UpdateInput) (*model.Provider, error) {
	p, err := s.repo.GetProviderByID(ctx, providerID)
	if err != nil {
		return nil, err
	}

	if in.DisplayName != nil {
		p.DisplayName = *in.DisplayName
	}
	if in.APIURL != nil {
		p.APIURL = strings.TrimRight(strings.TrimSpace(*in.APIURL), "/")
	}
	if in.APIKey != nil {
		p.APIKey = *in.APIKey
	}
	if in.Username != nil {
		p.Username = *in.Username
	}
	if in.Password != nil {
		p.Password = *in.Password
	}
	if in.Priority != nil {
		if *in.Priority < 1 || *in.Priority > 10 {
			return nil, fmt.Errorf("%w: priority must be between 1 and 10", ErrInvalidProvider)
		}
		p.Priority = *in.Priority
	}
	if in.IsActive != nil {
		p.IsActive = *in.IsActive
	}
	if in.Settings != nil {
		p.Settings = *in.Settings
	}

	for serviceID, margin := range in.Margins {
		if margin < 0 {
			return nil, fmt.Errorf("%w: margin must not be negative", ErrInvalidProvider)
		}
		found := false
		for i := range p.Services {
			if p.Services[i].ServiceID == serviceID {
				p.Services[i].Margin = margin
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: %s", ErrUnknownService, serviceID)
		}
	}

	if err := s.repo.UpdateProvider(ctx, p); err != nil {
		return nil, err
	}

	return p, nil
}

// ServiceFilter задаёт условия выборки услуг из каталога провайдера.
type ServiceFilter struct {
	Category string
	Search   string
	Active   *bool
}

// Services возвращает услуги каталога провайдера с учётом фильтра.
func (s *Service) Services(ctx context.Context, providerID int64, f ServiceFilter) ([]model.Service, error) {
	p, err := s.repo.GetProviderByID(ctx, providerID)
	if err != nil {
		return nil, err
	}

	services := make([]model.Service, 0, len(p.Services))
	for _, svc := range p.Services {
		if f.Category != "" && !strings.Contains(strings.ToLower(svc.Category), strings.ToLower(f.Category)) {
			continue
		}
		if f.Search != "" && !strings.Contains(strings.ToLower(svc.Name), strings.ToLower(f.Search)) {
			continue
		}
		if f.Active != nil && svc.IsActive != *f.Active {
			continue
		}
		services = append(services, svc)
	}

	return services, nil
}

// RecordRequest учитывает исход логического запроса к панели провайдера.
// Реализует panel.Recorder; ошибки записи статистики не влияют на запрос.
func (s *Service) RecordRequest(ctx context.Context, providerID int64, success bool, elapsed time.Duration) {
	p, err := s.repo.GetProviderByID(ctx, providerID)
	if err != nil {
		s.logger.Error("load provider for stats", zap.Int64("providerID", providerID), zap.Error(err))
		return
	}

	stats.ApplyRequest(&p.Stats, success, float64(elapsed.Milliseconds()))

	if err := s.repo.UpdateProviderStats(ctx, providerID, p.Stats); err != nil {
		s.logger.Error("update provider stats", zap.Int64("providerID", providerID), zap.Error(err))
	}
}

// StartAutoSync запускает фоновый обход провайдеров: каталоги с включённым
// autoSync обновляются, когда истёк их syncInterval.
func (s *Service) StartAutoSync(ctx context.Context, sweepInterval time.Duration) {
	if sweepInterval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.autoSyncSweep(ctx)
			}
		}
	}()
}

func (s *Service) autoSyncSweep(ctx context.Context) {
	providers, err := s.repo.ListActiveProviders(ctx)
	if err != nil {
		s.logger.Error("list providers for auto-sync", zap.Error(err))
		return
	}

	for _, p := range providers {
		if !p.Settings.AutoSync || p.Settings.SyncInterval <= 0 {
			continue
		}
		if s.now().Sub(p.LastSyncAt) < p.Settings.SyncInterval {
			continue
		}

		if _, err := s.Sync(ctx, p.ID); err != nil {
			s.logger.Warn("auto-sync failed",
				zap.Int64("providerID", p.ID), zap.String("provider", p.Name), zap.Error(err))
		}
	}
}
