// Package stats содержит расчёт статистики провайдеров и пользователей.
package stats

import "github.com/mmeshcher/smm-panel-system/internal/model"

// ApplyRequest учитывает результат одного логического запроса к провайдеру.
// Среднее время ответа пересчитывается по формуле скользящего среднего:
// ((avg × (n−1)) + sample) / n, где n — счётчик после инкремента.
func ApplyRequest(st *model.ProviderStats, success bool, responseTimeMS float64) {
	st.TotalOrders++
	if success {
		st.SuccessfulOrders++
	} else {
		st.FailedOrders++
	}

	total := st.AverageResponseTime*float64(st.TotalOrders-1) + responseTimeMS
	st.AverageResponseTime = total / float64(st.TotalOrders)
}

// SuccessRate возвращает долю успешных запросов провайдера в процентах.
func SuccessRate(st model.ProviderStats) float64 {
	if st.TotalOrders == 0 {
		return 0
	}
	return float64(st.SuccessfulOrders) / float64(st.TotalOrders) * 100
}

// UserAnalytics — агрегированная аналитика заказов пользователя.
// Считается на чтении по списку заказов, отдельно не персистится.
type UserAnalytics struct {
	TotalOrders     int     `json:"totalOrders"`
	CompletedOrders int     `json:"completedOrders"`
	PendingOrders   int     `json:"pendingOrders"`
	TotalSpent      float64 `json:"totalSpent"`
	SuccessRate     float64 `json:"successRate"`
}

// AggregateUser вычисляет аналитику по всем заказам пользователя.
func AggregateUser(orders []model.Order) UserAnalytics {
	var a UserAnalytics

	for _, o := range orders {
		a.TotalOrders++
		a.TotalSpent += o.Charge

		switch o.Status {
		case model.OrderStatusCompleted:
			a.CompletedOrders++
		case model.OrderStatusPending, model.OrderStatusInProgress, model.OrderStatusProcessing:
			a.PendingOrders++
		}
	}

	if a.TotalOrders > 0 {
		a.SuccessRate = float64(a.CompletedOrders) / float64(a.TotalOrders) * 100
	}

	return a
}
