package cart

import (
	"context"
	"errors"
	"testing"

	"cartflow/pkg/kvstore"
	"cartflow/pkg/kvstore/memory"
)

// countingStore wraps a store and counts writes, so tests can observe
// which operations rewrite the snapshot.
type countingStore struct {
	kvstore.Store
	sets    int
	deletes int
}

func (s *countingStore) Set(ctx context.Context, key, value string) error {
	s.sets++
	return s.Store.Set(ctx, key, value)
}

func (s *countingStore) Delete(ctx context.Context, key string) error {
	s.deletes++
	return s.Store.Delete(ctx, key)
}

func newTestCart(t *testing.T) (*Cart[map[string]any], *countingStore) {
	t.Helper()
	store := &countingStore{Store: memory.New()}
	c, err := New[map[string]any](context.Background(), store)
	if err != nil {
		t.Fatalf("new cart: %v", err)
	}
	return c, store
}

func TestNewNilStore(t *testing.T) {
	if _, err := New[any](context.Background(), nil); !errors.Is(err, ErrNoStore) {
		t.Fatalf("expected ErrNoStore, got %v", err)
	}
}

func TestAddSameIDIncrements(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCart(t)

	l := Line[map[string]any]{ID: "1", Price: 10, Quantity: 1}
	if err := c.Add(ctx, l); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := c.Add(ctx, l); err != nil {
		t.Fatalf("add again: %v", err)
	}
	if got := len(c.Items()); got != 1 {
		t.Fatalf("expected 1 line, got %d", got)
	}
	if got := c.ProductQuantity("1"); got != 2 {
		t.Fatalf("expected quantity 2, got %d", got)
	}
	if got := c.TotalAmount(); got != 20 {
		t.Fatalf("expected total 20, got %v", got)
	}
}

func TestAddIgnoresIncomingFieldsOnIncrement(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCart(t)

	if err := c.Add(ctx, Line[map[string]any]{ID: "1", Price: 10, Quantity: 1}); err != nil {
		t.Fatalf("add: %v", err)
	}
	// Same id with a different price and quantity: only quantity+1 counts.
	if err := c.Add(ctx, Line[map[string]any]{ID: "1", Price: 99, Quantity: 5}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if got := c.ProductQuantity("1"); got != 2 {
		t.Fatalf("expected quantity 2, got %d", got)
	}
	if got := c.Items()[0].Price; got != 10 {
		t.Fatalf("expected original price 10, got %v", got)
	}
}

func TestAddInvalidItem(t *testing.T) {
	ctx := context.Background()
	c, store := newTestCart(t)

	for _, l := range []Line[map[string]any]{
		{ID: "", Price: 5, Quantity: 1},
		{ID: "1", Price: 0, Quantity: 1},
		{ID: "1", Price: 5, Quantity: 0},
		{ID: "1", Price: 5, Quantity: -2},
	} {
		if err := c.Add(ctx, l); !errors.Is(err, ErrInvalidItem) {
			t.Fatalf("expected ErrInvalidItem for %+v, got %v", l, err)
		}
	}
	if !c.IsEmpty() {
		t.Fatal("cart should be unchanged after invalid adds")
	}
	if store.sets != 0 {
		t.Fatalf("expected no writes, got %d", store.sets)
	}
}

func TestDiscount(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCart(t)

	if err := c.Add(ctx, Line[map[string]any]{ID: "1", Price: 10, Quantity: 2}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := c.Discount(ctx, 0); err != nil {
		t.Fatalf("discount: %v", err)
	}
	if got := c.Items()[0].Price; got != 10 {
		t.Fatalf("discount(0) changed price to %v", got)
	}
	if err := c.Discount(ctx, 0.5); err != nil {
		t.Fatalf("discount: %v", err)
	}
	if got := c.Items()[0].Price; got != 5 {
		t.Fatalf("expected price 5, got %v", got)
	}
	// Compounds multiplicatively.
	if err := c.Discount(ctx, 0.5); err != nil {
		t.Fatalf("discount: %v", err)
	}
	if got := c.Items()[0].Price; got != 2.5 {
		t.Fatalf("expected price 2.5, got %v", got)
	}
	if err := c.Discount(ctx, 1); err != nil {
		t.Fatalf("discount: %v", err)
	}
	if got := c.TotalAmount(); got != 0 {
		t.Fatalf("discount(1) should zero prices, total %v", got)
	}
}

func TestTaxThenDiscountDoNotCancel(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCart(t)

	if err := c.Add(ctx, Line[map[string]any]{ID: "1", Price: 8, Quantity: 1}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := c.ApplyTax(ctx, 0.5); err != nil {
		t.Fatalf("tax: %v", err)
	}
	if got := c.Items()[0].Price; got != 12 {
		t.Fatalf("expected price 12 after tax, got %v", got)
	}
	if err := c.Discount(ctx, 0.5); err != nil {
		t.Fatalf("discount: %v", err)
	}
	// 8 * 1.5 * 0.5 = 6, not back to 8.
	if got := c.Items()[0].Price; got != 6 {
		t.Fatalf("expected price 6, got %v", got)
	}
}

func TestInvalidRatesAreSilentNoOps(t *testing.T) {
	ctx := context.Background()
	c, store := newTestCart(t)

	if err := c.Add(ctx, Line[map[string]any]{ID: "1", Price: 10, Quantity: 1}); err != nil {
		t.Fatalf("add: %v", err)
	}
	writes := store.sets
	if err := c.Discount(ctx, 1.5); err != nil {
		t.Fatalf("discount: %v", err)
	}
	if err := c.ApplyTax(ctx, -0.1); err != nil {
		t.Fatalf("tax: %v", err)
	}
	if got := c.Items()[0].Price; got != 10 {
		t.Fatalf("price changed to %v", got)
	}
	if store.sets != writes {
		t.Fatalf("out-of-range rate triggered a write: %d -> %d", writes, store.sets)
	}
}

func TestLessRemovesAtQuantityOne(t *testing.T) {
	ctx := context.Background()
	c, store := newTestCart(t)

	if err := c.Add(ctx, Line[map[string]any]{ID: "1", Price: 10, Quantity: 2}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := c.Less(ctx, "1"); err != nil {
		t.Fatalf("less: %v", err)
	}
	if got := c.ProductQuantity("1"); got != 1 {
		t.Fatalf("expected quantity 1, got %d", got)
	}
	writes := store.sets
	if err := c.Less(ctx, "1"); err != nil {
		t.Fatalf("less: %v", err)
	}
	if c.HasItem("1") {
		t.Fatal("line should be removed at quantity 0")
	}
	// The removal path persists once, not twice.
	if store.sets != writes+1 {
		t.Fatalf("expected one write, got %d", store.sets-writes)
	}
}

func TestMoreOnMissingIDStillPersists(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{Store: memory.New()}
	c, err := New[map[string]any](ctx, store)
	if err != nil {
		t.Fatalf("new cart: %v", err)
	}
	if err := c.Add(ctx, Line[map[string]any]{ID: "1", Price: 10, Quantity: 1}); err != nil {
		t.Fatalf("add: %v", err)
	}
	writes := store.sets
	if err := c.More(ctx, "missing"); err != nil {
		t.Fatalf("more: %v", err)
	}
	if err := c.Less(ctx, "missing"); err != nil {
		t.Fatalf("less: %v", err)
	}
	if store.sets != writes+2 {
		t.Fatalf("expected 2 no-op writes, got %d", store.sets-writes)
	}
	if got := len(c.Items()); got != 1 {
		t.Fatalf("contents changed, %d lines", got)
	}
	// Reloading from the store reproduces the same mapping.
	reloaded, err := New[map[string]any](ctx, store)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := reloaded.ProductQuantity("1"); got != 1 {
		t.Fatalf("reloaded quantity %d", got)
	}
	if got := reloaded.TotalAmount(); got != 10 {
		t.Fatalf("reloaded total %v", got)
	}
}

func TestClearDeletesStoreEntry(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{Store: memory.New()}
	c, err := New[map[string]any](ctx, store)
	if err != nil {
		t.Fatalf("new cart: %v", err)
	}
	if err := c.Add(ctx, Line[map[string]any]{ID: "1", Price: 10, Quantity: 1}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := c.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if !c.IsEmpty() {
		t.Fatal("cart not empty after clear")
	}
	if _, err := store.Get(ctx, DefaultKey); !errors.Is(err, kvstore.ErrNotFound) {
		t.Fatalf("store entry should be deleted, got %v", err)
	}
	// A fresh construction simulates a reload and starts empty.
	fresh, err := New[map[string]any](ctx, store)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !fresh.IsEmpty() {
		t.Fatal("reloaded cart not empty")
	}
}

func TestReloadPreservesOrderAndMeta(t *testing.T) {
	type meta struct {
		Color string `json:"color"`
	}
	ctx := context.Background()
	store := memory.New()

	c, err := New[meta](ctx, store, WithKey("cart:alice"))
	if err != nil {
		t.Fatalf("new cart: %v", err)
	}
	if err := c.Add(ctx, Line[meta]{ID: "b", Price: 2, Quantity: 1, Meta: meta{Color: "blue"}}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := c.Add(ctx, Line[meta]{ID: "a", Price: 1, Quantity: 3, Meta: meta{Color: "red"}}); err != nil {
		t.Fatalf("add: %v", err)
	}

	reloaded, err := New[meta](ctx, store, WithKey("cart:alice"))
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	items := reloaded.Items()
	if len(items) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(items))
	}
	if items[0].ID != "b" || items[1].ID != "a" {
		t.Fatalf("insertion order lost: %s, %s", items[0].ID, items[1].ID)
	}
	if items[1].Meta.Color != "red" {
		t.Fatalf("meta not preserved: %+v", items[1].Meta)
	}
	if got := reloaded.TotalItemCount(); got != 4 {
		t.Fatalf("expected 4 items, got %d", got)
	}
}

func TestItemsReturnsCopies(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCart(t)

	if err := c.Add(ctx, Line[map[string]any]{ID: "1", Price: 10, Quantity: 1}); err != nil {
		t.Fatalf("add: %v", err)
	}
	items := c.Items()
	items[0].Price = 999
	if got := c.ProductAmount("1"); got != 10 {
		t.Fatalf("caller mutation leaked into cart: %v", got)
	}
}

func TestQueriesOnMissingID(t *testing.T) {
	c, _ := newTestCart(t)
	if got := c.ProductAmount("nope"); got != 0 {
		t.Fatalf("amount %v", got)
	}
	if got := c.ProductQuantity("nope"); got != 0 {
		t.Fatalf("quantity %d", got)
	}
	if c.HasItem("nope") {
		t.Fatal("HasItem on empty cart")
	}
	if got := c.TotalAmount(); got != 0 {
		t.Fatalf("total %v", got)
	}
	if got := c.TotalItemCount(); got != 0 {
		t.Fatalf("count %d", got)
	}
}

func TestEndToEnd(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCart(t)

	l := Line[map[string]any]{ID: "1", Price: 10, Quantity: 1}
	if err := c.Add(ctx, l); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := c.Add(ctx, l); err != nil {
		t.Fatalf("add: %v", err)
	}
	if got := c.ProductQuantity("1"); got != 2 {
		t.Fatalf("quantity %d", got)
	}
	if got := c.TotalAmount(); got != 20 {
		t.Fatalf("total %v", got)
	}
	if err := c.Discount(ctx, 0.5); err != nil {
		t.Fatalf("discount: %v", err)
	}
	if got := c.ProductAmount("1"); got != 10 {
		t.Fatalf("amount %v", got)
	}
	if err := c.Remove(ctx, "1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if !c.IsEmpty() {
		t.Fatal("cart not empty")
	}
}
