// Package panel предоставляет клиент для API внешних SMM-панелей.
//
// Все панели используют единый протокол: form-encoded POST на базовый URL
// с полями key и action. Ответы приходят в свободном JSON-формате, поэтому
// разбор выполняется через gjson без жёстких структур.
package panel

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/tidwall/gjson"

	"github.com/mmeshcher/smm-panel-system/internal/model"
)

// Action задаёт закрытый словарь операций API панели.
type Action string

const (
	ActionServices     Action = "services"
	ActionAdd          Action = "add"
	ActionStatus       Action = "status"
	ActionRefill       Action = "refill"
	ActionRefillStatus Action = "refill_status"
	ActionCancel       Action = "cancel"
	ActionBalance      Action = "balance"
)

// RequestError возвращается после исчерпания всех повторов запроса.
type RequestError struct {
	Action Action
	Err    error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("panel request %q failed: %v", e.Action, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// ResponseError возвращается, когда панель ответила без обязательного поля
// успеха. Message содержит текст ошибки панели, если он был передан.
type ResponseError struct {
	Action  Action
	Message string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("panel %q response: %s", e.Action, e.Message)
}

// Recorder принимает результат каждого логического запроса к панели.
// Вызывается ровно один раз на запрос независимо от числа повторов.
type Recorder interface {
	RecordRequest(ctx context.Context, providerID int64, success bool, elapsed time.Duration)
}

// Client выполняет запросы к API одной панели с настройками её провайдера.
type Client struct {
	providerID    int64
	apiURL        string
	apiKey        string
	retryAttempts int
	retryDelay    time.Duration
	httpClient    *http.Client
	recorder      Recorder
}

// NewClient создаёт клиент панели для указанного провайдера.
func NewClient(p *model.Provider, recorder Recorder) *Client {
	settings := p.Settings
	if settings.Timeout <= 0 {
		settings.Timeout = model.DefaultSettings().Timeout
	}
	if settings.RetryAttempts < 0 {
		settings.RetryAttempts = 0
	}
	if settings.RetryDelay <= 0 {
		settings.RetryDelay = model.DefaultSettings().RetryDelay
	}

	return &Client{
		providerID:    p.ID,
		apiURL:        strings.TrimRight(p.APIURL, "/"),
		apiKey:        p.APIKey,
		retryAttempts: settings.RetryAttempts,
		retryDelay:    settings.RetryDelay,
		httpClient: &http.Client{
			Timeout: settings.Timeout,
		},
		recorder: recorder,
	}
}

// linearBackoff реализует задержку retryDelay × (номер попытки).
func linearBackoff(base time.Duration) retry.Backoff {
	var attempt int64
	return retry.BackoffFunc(func() (time.Duration, bool) {
		n := atomic.AddInt64(&attempt, 1)
		return base * time.Duration(n), false
	})
}

// execute выполняет один логический запрос к панели с повторами.
// Сетевые ошибки, не-2xx статусы и некорректный JSON повторяются; ответ с
// валидным JSON считается полученным и проверяется вызывающей операцией.
func (c *Client) execute(ctx context.Context, action Action, params url.Values) (gjson.Result, error) {
	form := url.Values{}
	for k, vals := range params {
		form[k] = vals
	}
	form.Set("key", c.apiKey)
	form.Set("action", string(action))
	payload := form.Encode()

	var (
		result  gjson.Result
		elapsed time.Duration
	)

	backoff := retry.WithMaxRetries(uint64(c.retryAttempts), linearBackoff(c.retryDelay))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		started := time.Now()
		res, attemptErr := c.attempt(ctx, payload)
		if attemptErr != nil {
			return retry.RetryableError(attemptErr)
		}
		elapsed = time.Since(started)
		result = res
		return nil
	})
	if err != nil {
		c.record(ctx, false, 0)
		return gjson.Result{}, &RequestError{Action: action, Err: err}
	}

	c.record(ctx, true, elapsed)
	return result, nil
}

func (c *Client) attempt(ctx context.Context, payload string) (gjson.Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, strings.NewReader(payload))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", "smm-panel-system/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return gjson.Result{}, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	if !gjson.ValidBytes(body) {
		return gjson.Result{}, fmt.Errorf("malformed response body")
	}

	return gjson.ParseBytes(body), nil
}

func (c *Client) record(ctx context.Context, success bool, elapsed time.Duration) {
	if c.recorder == nil {
		return
	}
	c.recorder.RecordRequest(ctx, c.providerID, success, elapsed)
}

func responseError(action Action, res gjson.Result) error {
	msg := res.Get("error").String()
	if msg == "" {
		msg = "required field missing in response"
	}
	return &ResponseError{Action: action, Message: msg}
}

// Services возвращает сырой каталог услуг панели.
// Формат проверяет нормализатор каталога.
func (c *Client) Services(ctx context.Context) (gjson.Result, error) {
	return c.execute(ctx, ActionServices, nil)
}

// CreateOrder размещает заказ и возвращает внешний идентификатор.
func (c *Client) CreateOrder(ctx context.Context, serviceID, link string, quantity int, comments []string) (string, error) {
	params := url.Values{}
	params.Set("service", serviceID)
	params.Set("link", link)
	params.Set("quantity", strconv.Itoa(quantity))
	if len(comments) > 0 {
		params.Set("comments", strings.Join(comments, "\n"))
	}

	res, err := c.execute(ctx, ActionAdd, params)
	if err != nil {
		return "", err
	}

	id := res.Get("order")
	if !id.Exists() || id.String() == "" {
		return "", responseError(ActionAdd, res)
	}
	return id.String(), nil
}

// StatusInfo описывает состояние заказа по данным панели.
type StatusInfo struct {
	Charge     float64
	StartCount int
	Status     string
	Remains    int
	Currency   string
}

func statusInfo(res gjson.Result) StatusInfo {
	return StatusInfo{
		Charge:     res.Get("charge").Float(),
		StartCount: int(res.Get("start_count").Int()),
		Status:     res.Get("status").String(),
		Remains:    int(res.Get("remains").Int()),
		Currency:   res.Get("currency").String(),
	}
}

// OrderStatus запрашивает состояние одного заказа.
func (c *Client) OrderStatus(ctx context.Context, externalOrderID string) (*StatusInfo, error) {
	params := url.Values{}
	params.Set("order", externalOrderID)

	res, err := c.execute(ctx, ActionStatus, params)
	if err != nil {
		return nil, err
	}

	if !res.Get("charge").Exists() {
		return nil, responseError(ActionStatus, res)
	}

	info := statusInfo(res)
	return &info, nil
}

// OrdersStatus запрашивает состояние нескольких заказов одним вызовом.
// Заказы, по которым панель вернула ошибку, в результат не включаются.
func (c *Client) OrdersStatus(ctx context.Context, externalOrderIDs []string) (map[string]StatusInfo, error) {
	params := url.Values{}
	params.Set("orders", strings.Join(externalOrderIDs, ","))

	res, err := c.execute(ctx, ActionStatus, params)
	if err != nil {
		return nil, err
	}

	statuses := make(map[string]StatusInfo, len(externalOrderIDs))
	res.ForEach(func(key, value gjson.Result) bool {
		if value.Get("error").Exists() || !value.Get("status").Exists() {
			return true
		}
		statuses[key.String()] = statusInfo(value)
		return true
	})

	return statuses, nil
}

// CreateRefill запрашивает повторную доставку по завершённому заказу.
func (c *Client) CreateRefill(ctx context.Context, externalOrderID string) (string, error) {
	params := url.Values{}
	params.Set("order", externalOrderID)

	res, err := c.execute(ctx, ActionRefill, params)
	if err != nil {
		return "", err
	}

	id := res.Get("refill")
	if !id.Exists() || id.String() == "" {
		return "", responseError(ActionRefill, res)
	}
	return id.String(), nil
}

// RefillStatus возвращает статус ранее созданного refill-запроса.
func (c *Client) RefillStatus(ctx context.Context, refillID string) (string, error) {
	params := url.Values{}
	params.Set("refill", refillID)

	res, err := c.execute(ctx, ActionRefillStatus, params)
	if err != nil {
		return "", err
	}

	status := res.Get("status")
	if !status.Exists() || status.String() == "" {
		return "", responseError(ActionRefillStatus, res)
	}
	return status.String(), nil
}

// CancelOrder запрашивает отмену заказа. Возвращает идентификатор отмены;
// отказ панели приходит как ResponseError с её текстом ошибки.
func (c *Client) CancelOrder(ctx context.Context, externalOrderID string) (string, error) {
	params := url.Values{}
	params.Set("order", externalOrderID)

	res, err := c.execute(ctx, ActionCancel, params)
	if err != nil {
		return "", err
	}

	id := res.Get("cancel")
	if !id.Exists() || id.String() == "" {
		return "", responseError(ActionCancel, res)
	}
	return id.String(), nil
}

// Balance запрашивает баланс аккаунта у панели.
func (c *Client) Balance(ctx context.Context) (float64, string, error) {
	res, err := c.execute(ctx, ActionBalance, nil)
	if err != nil {
		return 0, "", err
	}

	balance := res.Get("balance")
	if !balance.Exists() {
		return 0, "", responseError(ActionBalance, res)
	}

	currency := res.Get("currency").String()
	if currency == "" {
		currency = "USD"
	}

	return balance.Float(), currency, nil
}
