// Package cart implements a shopping cart persisted as a single
// key-value snapshot. Every mutation rewrites the full cart image
// through the injected store.
package cart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"cartflow/pkg/kvstore"
)

// DefaultKey is the store key carts persist under unless WithKey is used.
const DefaultKey = "cart"

// ErrNoStore indicates the cart was constructed without a persistence store.
var ErrNoStore = errors.New("persistence store unavailable")

// ErrInvalidItem indicates Add was called with a missing id, a zero
// price, or a non-positive quantity.
var ErrInvalidItem = errors.New("invalid item")

// Line is one cart entry. ID, Price, and Quantity are the fields the
// cart operates on; Meta is an opaque caller payload carried through
// the snapshot verbatim.
type Line[T any] struct {
	ID       string  `json:"id"`
	Price    float64 `json:"price"`
	Quantity int     `json:"quantity"`
	Meta     T       `json:"meta"`
}

// Cart is an insertion-ordered mapping from line id to line, backed by
// a kvstore.Store. It is not safe for concurrent use.
type Cart[T any] struct {
	store kvstore.Store
	key   string
	log   *zap.Logger

	lines map[string]Line[T]
	order []string
}

type options struct {
	key string
	log *zap.Logger
}

// Option configures a cart at construction.
type Option func(*options)

// WithKey sets the store key the cart persists under.
func WithKey(key string) Option {
	return func(o *options) { o.key = key }
}

// WithLogger sets the logger used for the Clear notice.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

// New builds a cart over the given store, loading any snapshot
// previously persisted under its key. A nil store fails with
// ErrNoStore; a store that cannot serve the snapshot fails construction.
func New[T any](ctx context.Context, store kvstore.Store, opts ...Option) (*Cart[T], error) {
	if store == nil {
		return nil, ErrNoStore
	}
	o := options{key: DefaultKey, log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	c := &Cart[T]{
		store: store,
		key:   o.key,
		log:   o.log,
		lines: make(map[string]Line[T]),
	}
	snap, err := store.Get(ctx, c.key)
	if errors.Is(err, kvstore.ErrNotFound) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	var pairs []pair[T]
	if err := json.Unmarshal([]byte(snap), &pairs); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	for _, p := range pairs {
		c.lines[p.key] = p.line
		c.order = append(c.order, p.key)
	}
	return c, nil
}

// Add puts a new line in the cart, or increments the quantity of the
// existing line with the same id by one. On the increment path the
// incoming line's own price and quantity are ignored beyond validation.
func (c *Cart[T]) Add(ctx context.Context, l Line[T]) error {
	if l.ID == "" || l.Price == 0 || l.Quantity < 1 {
		return fmt.Errorf("%w: id=%q price=%v quantity=%d", ErrInvalidItem, l.ID, l.Price, l.Quantity)
	}
	if cur, ok := c.lines[l.ID]; ok {
		cur.Quantity++
		c.lines[l.ID] = cur
	} else {
		c.lines[l.ID] = l
		c.order = append(c.order, l.ID)
	}
	return c.persist(ctx)
}

// Remove deletes the line for id if present; removing an absent id is
// not an error. The snapshot is rewritten either way.
func (c *Cart[T]) Remove(ctx context.Context, id string) error {
	if _, ok := c.lines[id]; ok {
		delete(c.lines, id)
		for i, k := range c.order {
			if k == id {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
	}
	return c.persist(ctx)
}

// Less decrements the quantity of the line for id by one, removing the
// line entirely when its quantity reaches zero. An absent id still
// rewrites the unchanged snapshot.
func (c *Cart[T]) Less(ctx context.Context, id string) error {
	l, ok := c.lines[id]
	if !ok {
		return c.persist(ctx)
	}
	if l.Quantity > 1 {
		l.Quantity--
		c.lines[id] = l
		return c.persist(ctx)
	}
	return c.Remove(ctx, id)
}

// More increments the quantity of the line for id by one. An absent id
// still rewrites the unchanged snapshot.
func (c *Cart[T]) More(ctx context.Context, id string) error {
	if l, ok := c.lines[id]; ok {
		l.Quantity++
		c.lines[id] = l
	}
	return c.persist(ctx)
}

// Clear empties the cart and deletes its store entry.
func (c *Cart[T]) Clear(ctx context.Context) error {
	n := len(c.lines)
	c.lines = make(map[string]Line[T])
	c.order = c.order[:0]
	if err := c.store.Delete(ctx, c.key); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	c.log.Info("cart cleared", zap.String("key", c.key), zap.Int("lines", n))
	return nil
}

// Discount multiplies every line's price by (1-rate). Rates outside
// [0,1] do nothing, including no snapshot write. Repeated calls
// compound multiplicatively.
func (c *Cart[T]) Discount(ctx context.Context, rate float64) error {
	if rate < 0 || rate > 1 {
		return nil
	}
	for id, l := range c.lines {
		l.Price -= l.Price * rate
		c.lines[id] = l
	}
	return c.persist(ctx)
}

// ApplyTax multiplies every line's price by (1+rate). Rates outside
// [0,1] do nothing, including no snapshot write.
func (c *Cart[T]) ApplyTax(ctx context.Context, rate float64) error {
	if rate < 0 || rate > 1 {
		return nil
	}
	for id, l := range c.lines {
		l.Price += l.Price * rate
		c.lines[id] = l
	}
	return c.persist(ctx)
}

// HasItem reports whether the cart holds a line for id.
func (c *Cart[T]) HasItem(id string) bool {
	_, ok := c.lines[id]
	return ok
}

// IsEmpty reports whether the cart holds no lines.
func (c *Cart[T]) IsEmpty() bool {
	return len(c.lines) == 0
}

// Items returns the cart's lines in insertion order. The slice and its
// elements are copies; mutating them does not affect the cart.
func (c *Cart[T]) Items() []Line[T] {
	out := make([]Line[T], 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.lines[id])
	}
	return out
}

// ProductAmount returns quantity*price for the line at id, or 0 if absent.
func (c *Cart[T]) ProductAmount(id string) float64 {
	l, ok := c.lines[id]
	if !ok {
		return 0
	}
	return float64(l.Quantity) * l.Price
}

// ProductQuantity returns the quantity of the line at id, or 0 if absent.
func (c *Cart[T]) ProductQuantity(id string) int {
	return c.lines[id].Quantity
}

// TotalAmount returns the sum of quantity*price over all lines.
func (c *Cart[T]) TotalAmount() float64 {
	var total float64
	for _, l := range c.lines {
		total += float64(l.Quantity) * l.Price
	}
	return total
}

// TotalItemCount returns the sum of quantities over all lines.
func (c *Cart[T]) TotalItemCount() int {
	var total int
	for _, l := range c.lines {
		total += l.Quantity
	}
	return total
}

func (c *Cart[T]) persist(ctx context.Context) error {
	pairs := make([]pair[T], 0, len(c.order))
	for _, id := range c.order {
		pairs = append(pairs, pair[T]{key: id, line: c.lines[id]})
	}
	b, err := json.Marshal(pairs)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := c.store.Set(ctx, c.key, string(b)); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// pair is one snapshot entry, encoded as a two-element JSON array
// [id, line].
type pair[T any] struct {
	key  string
	line Line[T]
}

func (p pair[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{p.key, p.line})
}

func (p *pair[T]) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("snapshot pair has %d elements, want 2", len(raw))
	}
	if err := json.Unmarshal(raw[0], &p.key); err != nil {
		return err
	}
	return json.Unmarshal(raw[1], &p.line)
}
