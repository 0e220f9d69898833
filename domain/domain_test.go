package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderStatus_CanTransitionTo(t *testing.T) {
	cases := []struct {
		from, to OrderStatus
		ok       bool
	}{
		{OrderStatusPending, OrderStatusProcessing, true},
		{OrderStatusPending, OrderStatusCancelled, true},
		{OrderStatusPending, OrderStatusShipped, false},
		{OrderStatusProcessing, OrderStatusShipped, true},
		{OrderStatusShipped, OrderStatusDelivered, true},
		{OrderStatusShipped, OrderStatusCancelled, false},
		{OrderStatusDelivered, OrderStatusPending, false},
		{OrderStatusShipped, OrderStatusShipped, true},
		{OrderStatusCancelled, OrderStatusCancelled, false},
		{OrderStatusCancelled, OrderStatusProcessing, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.ok, c.from.CanTransitionTo(c.to), "%s -> %s", c.from, c.to)
	}
}

func TestComputeTotal(t *testing.T) {
	items := []OrderItem{
		{ProductID: "a", Quantity: 3, UnitPrice: decimal.RequireFromString("0.10")},
		{ProductID: "b", Quantity: 1, UnitPrice: decimal.RequireFromString("0.20")},
	}

	total := ComputeTotal(items)

	assert.True(t, decimal.RequireFromString("0.50").Equal(total), "got %s", total)
}

func TestProduct_Validate(t *testing.T) {
	p := &Product{Name: "Widget", Price: decimal.RequireFromString("10.00"), Stock: 5}
	require.NoError(t, p.Validate())

	p.Price = decimal.RequireFromString("10.001")
	assert.ErrorIs(t, p.Validate(), ErrPricePrecision)

	p.Price = decimal.RequireFromString("-1")
	assert.ErrorIs(t, p.Validate(), ErrNegativePrice)

	p.Price = decimal.Zero
	p.Stock = -1
	assert.ErrorIs(t, p.Validate(), ErrNegativeStock)

	p.Name = ""
	assert.ErrorIs(t, p.Validate(), ErrEmptyProductName)
}

func TestCentsRoundTrip(t *testing.T) {
	price := decimal.RequireFromString("1299.99")
	assert.Equal(t, int64(129999), Cents(price))
	assert.True(t, price.Equal(FromCents(Cents(price))))
}

func TestValidProductID(t *testing.T) {
	assert.True(t, ValidProductID("665f1c2e9b1e8a3d4c5b6a79"))
	assert.True(t, ValidProductID("7b1d7a52-8a4e-4c37-9f11-2f9c1c0d8e55"))
	assert.False(t, ValidProductID(""))
	assert.False(t, ValidProductID("bad id"))
	assert.False(t, ValidProductID("{$gt: ''}"))
}

func TestProductFilter_Normalize(t *testing.T) {
	f := ProductFilter{Page: 0, Limit: 1000, Sort: "bogus"}.Normalize()

	assert.Equal(t, 1, f.Page)
	assert.Equal(t, MaxPageSize, f.Limit)
	assert.Equal(t, SortNewest, f.Sort)
	assert.Equal(t, 0, f.Offset())
}

func TestOrderStats_AddOrder(t *testing.T) {
	var stats OrderStats
	stats.AddOrder(OrderStatusPending, decimal.NewFromInt(10))
	stats.AddOrder(OrderStatusCancelled, decimal.NewFromInt(99))

	assert.Equal(t, 2, stats.OrderCount)
	assert.True(t, decimal.NewFromInt(10).Equal(stats.Revenue))
	assert.Equal(t, 1, stats.ByStatus[OrderStatusCancelled])
}

func TestSourcesOf(t *testing.T) {
	assert.ElementsMatch(t, []OrderStatus{OrderStatusPending, OrderStatusProcessing}, SourcesOf(OrderStatusCancelled))
	assert.ElementsMatch(t, []OrderStatus{OrderStatusShipped, OrderStatusDelivered}, SourcesOf(OrderStatusDelivered))
	assert.ElementsMatch(t, []OrderStatus{OrderStatusPending}, SourcesOf(OrderStatusPending))
}

func TestPrincipal_IsAdmin(t *testing.T) {
	assert.True(t, Principal{UserID: "u", Role: RoleAdmin}.IsAdmin())
	assert.False(t, Principal{UserID: "u", Role: RoleUser}.IsAdmin())
	assert.False(t, Principal{UserID: "u"}.IsAdmin())
}
