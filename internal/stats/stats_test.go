package stats

import (
	"math"
	"testing"

	"github.com/mmeshcher/smm-panel-system/internal/model"
)

func TestApplyRequest_RunningAverage(t *testing.T) {
	var st model.ProviderStats

	ApplyRequest(&st, true, 100)
	ApplyRequest(&st, true, 300)
	ApplyRequest(&st, false, 0)

	if st.TotalOrders != 3 {
		t.Fatalf("total = %d, want 3", st.TotalOrders)
	}
	if st.SuccessfulOrders != 2 || st.FailedOrders != 1 {
		t.Fatalf("counters = (%d, %d), want (2, 1)", st.SuccessfulOrders, st.FailedOrders)
	}

	// (100 + 300 + 0) / 3
	want := 400.0 / 3
	if math.Abs(st.AverageResponseTime-want) > 1e-9 {
		t.Fatalf("average = %v, want %v", st.AverageResponseTime, want)
	}
}

func TestSuccessRate(t *testing.T) {
	if got := SuccessRate(model.ProviderStats{}); got != 0 {
		t.Fatalf("empty stats rate = %v, want 0", got)
	}

	st := model.ProviderStats{TotalOrders: 4, SuccessfulOrders: 3, FailedOrders: 1}
	if got := SuccessRate(st); got != 75 {
		t.Fatalf("rate = %v, want 75", got)
	}
}

func TestAggregateUser(t *testing.T) {
	orders := []model.Order{
		{Status: model.OrderStatusCompleted, Charge: 0.25},
		{Status: model.OrderStatusCompleted, Charge: 1.75},
		{Status: model.OrderStatusPending, Charge: 0.5},
		{Status: model.OrderStatusProcessing, Charge: 0.5},
		{Status: model.OrderStatusCanceled, Charge: 3},
		{Status: model.OrderStatusPartial, Charge: 1},
	}

	a := AggregateUser(orders)

	if a.TotalOrders != 6 {
		t.Fatalf("total = %d, want 6", a.TotalOrders)
	}
	if a.CompletedOrders != 2 {
		t.Fatalf("completed = %d, want 2", a.CompletedOrders)
	}
	if a.PendingOrders != 2 {
		t.Fatalf("pending = %d, want 2", a.PendingOrders)
	}
	if math.Abs(a.TotalSpent-7) > 1e-9 {
		t.Fatalf("spent = %v, want 7", a.TotalSpent)
	}
	if math.Abs(a.SuccessRate-100.0/3) > 1e-9 {
		t.Fatalf("success rate = %v, want %v", a.SuccessRate, 100.0/3)
	}
}

func TestAggregateUser_Empty(t *testing.T) {
	a := AggregateUser(nil)
	if a.TotalOrders != 0 || a.SuccessRate != 0 {
		t.Fatalf("unexpected analytics for empty list: %+v", a)
	}
}
