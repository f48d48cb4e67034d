package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	httpSwagger "github.com/swaggo/http-swagger"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"cartflow/pkg/cart"
	"cartflow/pkg/kvstore"
	pg "cartflow/pkg/kvstore/postgres"
	kvredis "cartflow/pkg/kvstore/redis"
	"cartflow/pkg/logger"
	"cartflow/pkg/otel"
)

var (
	redisClient *redis.Client
	cartStore   kvstore.Store
	tracer      trace.Tracer
)

// attrs is the opaque per-line payload the API passes through unchanged.
type attrs = map[string]any

// @title Cartflow API
// @version 1.0
// @description API for managing session shopping carts
// @host localhost:8443
// @BasePath /
func main() {
	logger.Init("cartflow")
	defer logger.Sync()
	log := logger.Log

	tp, shutdown, err := otel.InitTracing(otel.Config{ServiceName: "cartflow", Host: os.Getenv("OTEL_HOST"), Probability: 1.0})
	if err != nil {
		log.Error("init tracing", zap.Error(err))
		return
	}
	defer shutdown(context.Background())
	tracer = tp.Tracer("cartflow")

	redisClient = redis.NewClient(&redis.Options{Addr: os.Getenv("REDIS_ADDR")})

	// Cart snapshots live in postgres when DATABASE_URL is set, in
	// redis otherwise. Sessions always live in redis.
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			log.Error("db connect", zap.Error(err))
			os.Exit(1)
		}
		if _, err := db.Exec("CREATE TABLE IF NOT EXISTS kv (key TEXT PRIMARY KEY, value TEXT NOT NULL)"); err != nil {
			log.Error("create table", zap.Error(err))
			os.Exit(1)
		}
		cartStore = pg.New(db)
	} else {
		cartStore = kvredis.New(redisClient)
	}

	r := mux.NewRouter()
	r.Use(traceMiddleware)
	r.HandleFunc("/login", loginHandler).Methods(http.MethodPost)

	api := r.PathPrefix("/cart").Subrouter()
	api.Use(authMiddleware)
	api.HandleFunc("", getCartHandler).Methods(http.MethodGet)
	api.HandleFunc("", clearCartHandler).Methods(http.MethodDelete)
	api.HandleFunc("/summary", summaryHandler).Methods(http.MethodGet)
	api.HandleFunc("/items", addItemHandler).Methods(http.MethodPost)
	api.HandleFunc("/items/{id}", removeItemHandler).Methods(http.MethodDelete)
	api.HandleFunc("/items/{id}/more", moreHandler).Methods(http.MethodPost)
	api.HandleFunc("/items/{id}/less", lessHandler).Methods(http.MethodPost)
	api.HandleFunc("/discount", discountHandler).Methods(http.MethodPost)
	api.HandleFunc("/tax", taxHandler).Methods(http.MethodPost)

	r.PathPrefix("/swagger/").Handler(httpSwagger.WrapHandler)

	log.Info("listening", zap.String("addr", ":8443"))
	if err := http.ListenAndServeTLS(":8443", "certs/server.crt", "certs/server.key", r); err != nil {
		log.Error("server closed", zap.Error(err))
	}
}

// cartFor loads the caller's cart from its persisted snapshot.
func cartFor(ctx context.Context, user string) (*cart.Cart[attrs], error) {
	return cart.New[attrs](ctx, cartStore,
		cart.WithKey("cart:"+user),
		cart.WithLogger(logger.Log))
}

// loginHandler handles user login and session creation.
// @Summary Login
// @Description Authenticates user and sets session cookie
// @Accept json
// @Produce json
// @Param creds body loginRequest true "Credentials"
// @Success 200
// @Router /login [post]
func loginHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.AddSpan(r.Context(), "loginHandler")
	defer span.End()

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		http.Error(w, "invalid credentials", http.StatusBadRequest)
		return
	}
	sid := uuid.NewString()
	if err := redisClient.Set(ctx, "session:"+sid, req.Username, time.Hour).Err(); err != nil {
		http.Error(w, "session error", http.StatusInternalServerError)
		return
	}
	http.SetCookie(w, &http.Cookie{Name: "session_id", Value: sid, Path: "/", Expires: time.Now().Add(time.Hour), HttpOnly: true})
	w.WriteHeader(http.StatusOK)
}

type userKeyType int

const userKey userKeyType = 1

// authMiddleware ensures a valid session exists.
func authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie("session_id")
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		user, err := redisClient.Get(r.Context(), "session:"+c.Value).Result()
		if err != nil || user == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), userKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func sessionUser(ctx context.Context) string {
	user, _ := ctx.Value(userKey).(string)
	return user
}

func traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.InjectTracing(r.Context(), tracer)
		logger.Log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("trace_id", otel.GetTraceID(ctx)))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// getCartHandler lists the cart's lines.
// @Summary Get cart
// @Produce json
// @Success 200 {array} cart.Line[any]
// @Security ApiKeyAuth
// @Router /cart [get]
func getCartHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.AddSpan(r.Context(), "getCartHandler")
	defer span.End()

	c, err := cartFor(ctx, sessionUser(ctx))
	if err != nil {
		logger.Log.Error("load cart", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(c.Items())
}

// addItemHandler adds a line to the cart.
// @Summary Add item
// @Accept json
// @Produce json
// @Param item body cart.Line[any] true "Item"
// @Success 201 {object} cart.Line[any]
// @Failure 422
// @Security ApiKeyAuth
// @Router /cart/items [post]
func addItemHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.AddSpan(r.Context(), "addItemHandler")
	defer span.End()

	var l cart.Line[attrs]
	if err := json.NewDecoder(r.Body).Decode(&l); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	c, err := cartFor(ctx, sessionUser(ctx))
	if err != nil {
		logger.Log.Error("load cart", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := c.Add(ctx, l); err != nil {
		if errors.Is(err, cart.ErrInvalidItem) {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		logger.Log.Error("add item", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(l)
}

// removeItemHandler removes a line from the cart.
// @Summary Remove item
// @Param id path string true "Item ID"
// @Success 204
// @Security ApiKeyAuth
// @Router /cart/items/{id} [delete]
func removeItemHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.AddSpan(r.Context(), "removeItemHandler")
	defer span.End()

	c, err := cartFor(ctx, sessionUser(ctx))
	if err != nil {
		logger.Log.Error("load cart", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := c.Remove(ctx, mux.Vars(r)["id"]); err != nil {
		logger.Log.Error("remove item", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// moreHandler increments a line's quantity.
// @Summary Increment item quantity
// @Produce json
// @Param id path string true "Item ID"
// @Success 200
// @Security ApiKeyAuth
// @Router /cart/items/{id}/more [post]
func moreHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.AddSpan(r.Context(), "moreHandler")
	defer span.End()

	adjustQuantity(ctx, w, r, (*cart.Cart[attrs]).More)
}

// lessHandler decrements a line's quantity, removing the line at zero.
// @Summary Decrement item quantity
// @Produce json
// @Param id path string true "Item ID"
// @Success 200
// @Security ApiKeyAuth
// @Router /cart/items/{id}/less [post]
func lessHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.AddSpan(r.Context(), "lessHandler")
	defer span.End()

	adjustQuantity(ctx, w, r, (*cart.Cart[attrs]).Less)
}

func adjustQuantity(ctx context.Context, w http.ResponseWriter, r *http.Request, op func(*cart.Cart[attrs], context.Context, string) error) {
	id := mux.Vars(r)["id"]
	c, err := cartFor(ctx, sessionUser(ctx))
	if err != nil {
		logger.Log.Error("load cart", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := op(c, ctx, id); err != nil {
		logger.Log.Error("adjust quantity", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"id": id, "quantity": c.ProductQuantity(id)})
}

// clearCartHandler empties the cart.
// @Summary Clear cart
// @Success 204
// @Security ApiKeyAuth
// @Router /cart [delete]
func clearCartHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.AddSpan(r.Context(), "clearCartHandler")
	defer span.End()

	c, err := cartFor(ctx, sessionUser(ctx))
	if err != nil {
		logger.Log.Error("load cart", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := c.Clear(ctx); err != nil {
		logger.Log.Error("clear cart", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// discountHandler applies a discount rate to every line.
// @Summary Apply discount
// @Accept json
// @Produce json
// @Param rate body rateRequest true "Rate"
// @Success 200 {object} summaryResponse
// @Security ApiKeyAuth
// @Router /cart/discount [post]
func discountHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.AddSpan(r.Context(), "discountHandler")
	defer span.End()

	applyRate(ctx, w, r, (*cart.Cart[attrs]).Discount)
}

// taxHandler applies a tax rate to every line.
// @Summary Apply tax
// @Accept json
// @Produce json
// @Param rate body rateRequest true "Rate"
// @Success 200 {object} summaryResponse
// @Security ApiKeyAuth
// @Router /cart/tax [post]
func taxHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.AddSpan(r.Context(), "taxHandler")
	defer span.End()

	applyRate(ctx, w, r, (*cart.Cart[attrs]).ApplyTax)
}

// applyRate runs a rate operation and responds with the cart summary.
// Out-of-range rates are a silent no-op in the cart, so the summary
// simply comes back unchanged.
func applyRate(ctx context.Context, w http.ResponseWriter, r *http.Request, op func(*cart.Cart[attrs], context.Context, float64) error) {
	var req rateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	c, err := cartFor(ctx, sessionUser(ctx))
	if err != nil {
		logger.Log.Error("load cart", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := op(c, ctx, req.Rate); err != nil {
		logger.Log.Error("apply rate", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeSummary(w, c)
}

// summaryHandler reports cart totals.
// @Summary Cart summary
// @Produce json
// @Success 200 {object} summaryResponse
// @Security ApiKeyAuth
// @Router /cart/summary [get]
func summaryHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.AddSpan(r.Context(), "summaryHandler")
	defer span.End()

	c, err := cartFor(ctx, sessionUser(ctx))
	if err != nil {
		logger.Log.Error("load cart", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeSummary(w, c)
}

func writeSummary(w http.ResponseWriter, c *cart.Cart[attrs]) {
	resp := summaryResponse{
		TotalAmount: c.TotalAmount(),
		TotalItems:  c.TotalItemCount(),
	}
	for _, l := range c.Items() {
		resp.Lines = append(resp.Lines, summaryLine{
			ID:       l.ID,
			Quantity: l.Quantity,
			Amount:   c.ProductAmount(l.ID),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// loginRequest represents login credentials.
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// rateRequest carries a discount or tax rate in [0,1].
type rateRequest struct {
	Rate float64 `json:"rate"`
}

// summaryLine is one line of a cart summary.
type summaryLine struct {
	ID       string  `json:"id"`
	Quantity int     `json:"quantity"`
	Amount   float64 `json:"amount"`
}

// summaryResponse reports cart totals.
type summaryResponse struct {
	TotalAmount float64       `json:"total_amount"`
	TotalItems  int           `json:"total_items"`
	Lines       []summaryLine `json:"lines"`
}
