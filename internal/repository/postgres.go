// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/smm-panel-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrProviderExists возвращается при регистрации провайдера с занятым именем или URL.
var (
	ErrProviderExists = errors.New("provider already exists")
	// ErrProviderNotFound возвращается, если провайдер не найден.
	ErrProviderNotFound = errors.New("provider not found")
	// ErrProviderHasPendingOrders блокирует удаление провайдера с незавершёнными заказами.
	ErrProviderHasPendingOrders = errors.New("provider has pending orders")
	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = errors.New("order not found")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

const providerColumns = `id, name, display_name, api_url, api_key, username, password,
	is_active, priority, services, balance, currency, last_sync_at,
	stats_total_orders, stats_successful_orders, stats_failed_orders,
	stats_total_spent, stats_avg_response_ms,
	settings_timeout_ms, settings_retry_attempts, settings_retry_delay_ms,
	settings_auto_sync, settings_sync_interval_ms,
	created_by, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProvider(row rowScanner) (*model.Provider, error) {
	var (
		p            model.Provider
		services     []byte
		lastSyncAt   *time.Time
		timeoutMS    int64
		retryDelayMS int64
		syncMS       int64
	)

	err := row.Scan(
		&p.ID, &p.Name, &p.DisplayName, &p.APIURL, &p.APIKey, &p.Username, &p.Password,
		&p.IsActive, &p.Priority, &services, &p.Balance, &p.Currency, &lastSyncAt,
		&p.Stats.TotalOrders, &p.Stats.SuccessfulOrders, &p.Stats.FailedOrders,
		&p.Stats.TotalSpent, &p.Stats.AverageResponseTime,
		&timeoutMS, &p.Settings.RetryAttempts, &retryDelayMS,
		&p.Settings.AutoSync, &syncMS,
		&p.CreatedBy, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(services, &p.Services); err != nil {
		return nil, fmt.Errorf("decode services: %w", err)
	}

	if lastSyncAt != nil {
		p.LastSyncAt = *lastSyncAt
	}
	p.Settings.Timeout = time.Duration(timeoutMS) * time.Millisecond
	p.Settings.RetryDelay = time.Duration(retryDelayMS) * time.Millisecond
	p.Settings.SyncInterval = time.Duration(syncMS) * time.Millisecond

	return &p, nil
}

// CreateProvider сохраняет нового провайдера и возвращает его идентификатор.
func (r *PostgresRepository) CreateProvider(ctx context.Context, p *model.Provider) (int64, error) {
	services, err := json.Marshal(p.Services)
	if err != nil {
		return 0, fmt.Errorf("encode services: %w", err)
	}
	if len(p.Services) == 0 {
		services = []byte(`[]`)
	}

	var id int64
	err = r.pool.QueryRow(ctx,
		`INSERT INTO providers (name, display_name, api_url, api_key, username, password,
			is_active, priority, services,
			settings_timeout_ms, settings_retry_attempts, settings_retry_delay_ms,
			settings_auto_sync, settings_sync_interval_ms, created_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 RETURNING id`,
		p.Name, p.DisplayName, p.APIURL, p.APIKey, p.Username, p.Password,
		p.IsActive, p.Priority, services,
		p.Settings.Timeout.Milliseconds(), p.Settings.RetryAttempts, p.Settings.RetryDelay.Milliseconds(),
		p.Settings.AutoSync, p.Settings.SyncInterval.Milliseconds(), p.CreatedBy,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrProviderExists, p.Name)
		}
		return 0, fmt.Errorf("create provider: %w", err)
	}

	return id, nil
}

// GetProviderByID возвращает провайдера по идентификатору.
func (r *PostgresRepository) GetProviderByID(ctx context.Context, id int64) (*model.Provider, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+providerColumns+` FROM providers WHERE id = $1`, id)

	p, err := scanProvider(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProviderNotFound
		}
		return nil, fmt.Errorf("get provider: %w", err)
	}

	return p, nil
}

func (r *PostgresRepository) listProviders(ctx context.Context, query string, args ...any) ([]model.Provider, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select providers: %w", err)
	}
	defer rows.Close()

	var providers []model.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, fmt.Errorf("scan provider: %w", err)
		}
		providers = append(providers, *p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return providers, nil
}

// ListProviders возвращает всех провайдеров в порядке приоритета.
func (r *PostgresRepository) ListProviders(ctx context.Context) ([]model.Provider, error) {
	return r.listProviders(ctx,
		`SELECT `+providerColumns+` FROM providers ORDER BY priority, created_at DESC`)
}

// ListActiveProviders возвращает активных провайдеров: сначала с меньшим
// приоритетом, при равенстве — более свежие.
func (r *PostgresRepository) ListActiveProviders(ctx context.Context) ([]model.Provider, error) {
	return r.listProviders(ctx,
		`SELECT `+providerColumns+` FROM providers WHERE is_active = TRUE ORDER BY priority, created_at DESC`)
}

// UpdateProvider сохраняет изменяемые поля провайдера.
func (r *PostgresRepository) UpdateProvider(ctx context.Context, p *model.Provider) error {
	services, err := json.Marshal(p.Services)
	if err != nil {
		return fmt.Errorf("encode services: %w", err)
	}
	if len(p.Services) == 0 {
		services = []byte(`[]`)
	}

	tag, err := r.pool.Exec(ctx,
		`UPDATE providers SET
			display_name = $2, api_url = $3, api_key = $4, username = $5, password = $6,
			is_active = $7, priority = $8, services = $9,
			settings_timeout_ms = $10, settings_retry_attempts = $11, settings_retry_delay_ms = $12,
			settings_auto_sync = $13, settings_sync_interval_ms = $14,
			updated_at = now()
		 WHERE id = $1`,
		p.ID, p.DisplayName, p.APIURL, p.APIKey, p.Username, p.Password,
		p.IsActive, p.Priority, services,
		p.Settings.Timeout.Milliseconds(), p.Settings.RetryAttempts, p.Settings.RetryDelay.Milliseconds(),
		p.Settings.AutoSync, p.Settings.SyncInterval.Milliseconds(),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: %s", ErrProviderExists, p.Name)
		}
		return fmt.Errorf("update provider: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrProviderNotFound
	}

	return nil
}

// ApplySyncResult атомарно применяет результат синхронизации: каталог,
// баланс и отметку времени одним запросом, без промежуточных состояний.
func (r *PostgresRepository) ApplySyncResult(ctx context.Context, providerID int64, services []model.Service, balance float64, currency string, syncedAt time.Time) error {
	encoded, err := json.Marshal(services)
	if err != nil {
		return fmt.Errorf("encode services: %w", err)
	}
	if len(services) == 0 {
		encoded = []byte(`[]`)
	}

	tag, err := r.pool.Exec(ctx,
		`UPDATE providers SET services = $2, balance = $3, currency = $4, last_sync_at = $5, updated_at = now()
		 WHERE id = $1`,
		providerID, encoded, balance, currency, syncedAt,
	)
	if err != nil {
		return fmt.Errorf("apply sync: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrProviderNotFound
	}

	return nil
}

// UpdateProviderStats перезаписывает статистику запросов провайдера.
func (r *PostgresRepository) UpdateProviderStats(ctx context.Context, providerID int64, st model.ProviderStats) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE providers SET
			stats_total_orders = $2, stats_successful_orders = $3, stats_failed_orders = $4,
			stats_total_spent = $5, stats_avg_response_ms = $6, updated_at = now()
		 WHERE id = $1`,
		providerID, st.TotalOrders, st.SuccessfulOrders, st.FailedOrders,
		st.TotalSpent, st.AverageResponseTime,
	)
	if err != nil {
		return fmt.Errorf("update provider stats: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrProviderNotFound
	}

	return nil
}

// AddProviderSpend увеличивает накопленные траты провайдера.
func (r *PostgresRepository) AddProviderSpend(ctx context.Context, providerID int64, amount float64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE providers SET stats_total_spent = stats_total_spent + $2, updated_at = now() WHERE id = $1`,
		providerID, amount,
	)
	if err != nil {
		return fmt.Errorf("add provider spend: %w", err)
	}
	return nil
}

// DeleteProvider удаляет провайдера, если у него нет незавершённых заказов.
func (r *PostgresRepository) DeleteProvider(ctx context.Context, providerID int64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var pending int64
	err = tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM orders WHERE provider_id = $1 AND status NOT IN ($2, $3)`,
		providerID, string(model.OrderStatusCompleted), string(model.OrderStatusCanceled),
	).Scan(&pending)
	if err != nil {
		return fmt.Errorf("count pending orders: %w", err)
	}

	if pending > 0 {
		return ErrProviderHasPendingOrders
	}

	tag, err := tx.Exec(ctx, `DELETE FROM providers WHERE id = $1`, providerID)
	if err != nil {
		return fmt.Errorf("delete provider: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrProviderNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

const orderColumns = `id, order_id, external_order_id, provider_id, user_id,
	service_id, service_name, service_category, service_rate, service_refill, service_cancel,
	link, quantity, charge, currency, start_count, remains, status, comments,
	refill_id, cancel_id, notes, meta_platform, meta_post_type, meta_target_audience,
	ordered_at, started_at, completed_at, canceled_at, created_at, updated_at`

func scanOrder(row rowScanner) (*model.Order, error) {
	var (
		o      model.Order
		status string
	)

	err := row.Scan(
		&o.ID, &o.OrderID, &o.ExternalOrderID, &o.ProviderID, &o.UserID,
		&o.Service.ServiceID, &o.Service.Name, &o.Service.Category,
		&o.Service.Rate, &o.Service.Refill, &o.Service.Cancel,
		&o.Link, &o.Quantity, &o.Charge, &o.Currency, &o.StartCount, &o.Remains, &status, &o.Comments,
		&o.RefillID, &o.CancelID, &o.Notes,
		&o.Metadata.Platform, &o.Metadata.PostType, &o.Metadata.TargetAudience,
		&o.Timeline.OrderedAt, &o.Timeline.StartedAt, &o.Timeline.CompletedAt, &o.Timeline.CanceledAt,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	o.Status = model.OrderStatus(status)

	return &o, nil
}

// CreateOrder сохраняет новый заказ и возвращает его идентификатор.
func (r *PostgresRepository) CreateOrder(ctx context.Context, o *model.Order) (int64, error) {
	comments := o.Comments
	if comments == nil {
		comments = []string{}
	}

	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO orders (order_id, external_order_id, provider_id, user_id,
			service_id, service_name, service_category, service_rate, service_refill, service_cancel,
			link, quantity, charge, currency, start_count, remains, status, comments,
			notes, meta_platform, meta_post_type, meta_target_audience, ordered_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
		 RETURNING id`,
		o.OrderID, o.ExternalOrderID, o.ProviderID, o.UserID,
		o.Service.ServiceID, o.Service.Name, o.Service.Category,
		o.Service.Rate, o.Service.Refill, o.Service.Cancel,
		o.Link, o.Quantity, o.Charge, o.Currency, o.StartCount, o.Remains, string(o.Status), comments,
		o.Notes, o.Metadata.Platform, o.Metadata.PostType, o.Metadata.TargetAudience, o.Timeline.OrderedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create order: %w", err)
	}

	return id, nil
}

// GetOrderByOrderID возвращает заказ по внутреннему идентификатору.
func (r *PostgresRepository) GetOrderByOrderID(ctx context.Context, orderID string) (*model.Order, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE order_id = $1`, orderID)

	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	return o, nil
}

// OrderFilter задаёт условия выборки заказов.
type OrderFilter struct {
	UserID     int64
	ProviderID int64
	Status     model.OrderStatus
	Limit      int
	Offset     int
}

// ListOrders возвращает заказы по фильтру, новые — первыми.
func (r *PostgresRepository) ListOrders(ctx context.Context, f OrderFilter) ([]model.Order, error) {
	var (
		conds []string
		args  []any
	)

	addCond := func(expr string, value any) {
		args = append(args, value)
		conds = append(conds, fmt.Sprintf(expr, len(args)))
	}

	if f.UserID != 0 {
		addCond("user_id = $%d", f.UserID)
	}
	if f.ProviderID != 0 {
		addCond("provider_id = $%d", f.ProviderID)
	}
	if f.Status != "" {
		addCond("status = $%d", string(f.Status))
	}

	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at DESC`

	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return orders, nil
}

// UpdateOrder сохраняет изменяемое состояние заказа: статус, счётчики
// доставки, refill/cancel идентификаторы и таймлайн.
func (r *PostgresRepository) UpdateOrder(ctx context.Context, o *model.Order) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE orders SET
			external_order_id = $2, start_count = $3, remains = $4, status = $5,
			refill_id = $6, cancel_id = $7, notes = $8,
			started_at = $9, completed_at = $10, canceled_at = $11,
			updated_at = now()
		 WHERE order_id = $1`,
		o.OrderID, o.ExternalOrderID, o.StartCount, o.Remains, string(o.Status),
		o.RefillID, o.CancelID, o.Notes,
		o.Timeline.StartedAt, o.Timeline.CompletedAt, o.Timeline.CanceledAt,
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}

	return nil
}

// GetOrdersForPolling возвращает незавершённые заказы для фоновой сверки
// статусов с провайдерами.
func (r *PostgresRepository) GetOrdersForPolling(ctx context.Context, limit int) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE status IN ($1, $2, $3) AND external_order_id <> ''
		 ORDER BY updated_at
		 LIMIT $4`,
		string(model.OrderStatusPending),
		string(model.OrderStatusInProgress),
		string(model.OrderStatusProcessing),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders for polling: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return orders, nil
}
