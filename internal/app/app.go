// Package app assembles the lending service from configuration.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/jules-labs/libralend/internal/auth"
	"github.com/jules-labs/libralend/internal/borrowing"
	"github.com/jules-labs/libralend/internal/clock"
	"github.com/jules-labs/libralend/internal/config"
	"github.com/jules-labs/libralend/internal/database"
	"github.com/jules-labs/libralend/internal/fines"
	"github.com/jules-labs/libralend/internal/gateway"
	"github.com/jules-labs/libralend/internal/httpx"
	"github.com/jules-labs/libralend/internal/inventory"
	"github.com/jules-labs/libralend/internal/journal"
	"github.com/jules-labs/libralend/internal/members"
	"github.com/jules-labs/libralend/internal/notify"
	"github.com/jules-labs/libralend/internal/reservation"
	"github.com/jules-labs/libralend/internal/reviews"
	"github.com/jules-labs/libralend/internal/sweeper"
)

const visitorIdle = 3 * time.Minute

// App is a wired lending service: its HTTP handler and its background
// sweeper. Close releases its connections.
type App struct {
	Handler   http.Handler
	Scheduler *sweeper.Scheduler

	closers []func()
}

type options struct {
	clock   clock.Clock
	gateway gateway.Gateway
}

type Option func(*options)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithGateway replaces the gateway chosen from configuration.
func WithGateway(g gateway.Gateway) Option {
	return func(o *options) { o.gateway = g }
}

type stores struct {
	books         inventory.Repository
	reservations  reservation.Repository
	loans         borrowing.Repository
	payments      fines.Repository
	notifications notify.Repository
	members       members.Repository
	reviews       reviews.Repository
	journal       journal.Store
}

func memoryStores() stores {
	return stores{
		books:         inventory.NewMemoryRepository(),
		reservations:  reservation.NewMemoryRepository(),
		loans:         borrowing.NewMemoryRepository(),
		payments:      fines.NewMemoryRepository(),
		notifications: notify.NewMemoryRepository(),
		members:       members.NewMemoryRepository(),
		reviews:       reviews.NewMemoryRepository(),
		journal:       journal.NewMemoryStore(),
	}
}

func postgresStores(db *sqlx.DB) stores {
	return stores{
		books:         inventory.NewPostgresRepository(db),
		reservations:  reservation.NewPostgresRepository(db),
		loans:         borrowing.NewPostgresRepository(db),
		payments:      fines.NewPostgresRepository(db),
		notifications: notify.NewPostgresRepository(db),
		members:       members.NewPostgresRepository(db),
		reviews:       reviews.NewPostgresRepository(db),
		journal:       journal.NewPostgresStore(db),
	}
}

// New builds the service described by cfg.
func New(ctx context.Context, cfg config.Config, logger zerolog.Logger, opts ...Option) (*App, error) {
	o := options{clock: clock.Real()}
	for _, opt := range opts {
		opt(&o)
	}
	a := &App{}

	st := memoryStores()
	if cfg.StoreDriver == "postgres" {
		db, err := database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { db.Close() })
		if err := database.Migrate(ctx, db); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		st = postgresStores(db)
	} else {
		logger.Warn().Msg("using in-memory stores; data is lost on restart")
	}

	clk := o.clock
	j := journal.New(st.journal, logger)

	hub := notify.NewHub(logger)
	publishers := []notify.Publisher{hub}
	if cfg.RabbitMQURL != "" {
		amqpPub, err := notify.NewAMQPPublisher(cfg.RabbitMQURL, cfg.NotifyExchange, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, amqpPub.Close)
		publishers = append(publishers, amqpPub)
	}
	notes := notify.NewService(st.notifications, clk, logger, publishers...)

	books := inventory.NewService(st.books, j, clk, logger)
	queue := reservation.NewService(st.reservations, books, notes, j, clk, cfg.NotifyWindow, logger)
	books.OnRestock(func(ctx context.Context, bookID uuid.UUID) {
		if _, err := queue.PromoteWaiting(ctx, bookID); err != nil {
			logger.Error().Err(err).Str("book_id", bookID.String()).Msg("failed to promote reservation after restock")
		}
	})

	rate, err := cfg.FineRateValue()
	if err != nil {
		a.Close()
		return nil, err
	}
	policy := fines.Policy{Unit: cfg.FineUnit, Rate: rate}
	lending := borrowing.NewService(st.loans, books, queue, fines.NewLedger(st.payments), policy, notes, j, clk,
		borrowing.Options{LoanPeriod: cfg.LoanPeriod, MaxActiveBorrows: cfg.MaxActiveBorrows}, logger)

	gw := o.gateway
	if gw == nil {
		gw = newGateway(cfg, logger)
	}
	signer := gateway.NewSigner(cfg.GatewayKeySecret, cfg.GatewayWebhookSecret)
	fineSvc := fines.NewService(st.payments, lending, gw, signer, policy, cfg.Currency, notes, j, clk, logger)

	people := members.NewService(st.members, j, clk, logger)
	ratings := reviews.NewService(st.reviews, books, j, clk, logger)
	if cfg.AdminPassword != "" {
		if _, err := people.EnsureAdmin(ctx, cfg.AdminEmail, cfg.AdminPassword); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to bootstrap admin: %w", err)
		}
	}

	resp := httpx.Responder{Logger: logger}
	issuer := auth.NewIssuer(cfg.JWTSecret, cfg.TokenTTL)
	limiter := httpx.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, resp)

	a.Scheduler = sweeper.New(logger)
	a.Scheduler.Register(sweeper.ReservationExpiry(queue, clk, cfg.ReservationSweepInterval))
	a.Scheduler.Register(sweeper.OverdueScan(lending, fineSvc, notes, clk, cfg.OverdueSweepInterval, logger))
	a.Scheduler.Register(sweeper.VisitorCleanup(limiter, visitorIdle, time.Minute))

	a.Handler = routes(handlers{
		resp:    resp,
		gate:    auth.NewGate(issuer, resp),
		limiter: limiter,
		books:   inventory.NewHandler(books, resp),
		queue:   reservation.NewHandler(queue, resp),
		lending: borrowing.NewHandler(lending, clk, resp),
		fines:   fines.NewHandler(fineSvc, cfg.GatewayKeyID, resp),
		notes:   notify.NewHandler(notes, hub, resp),
		members: members.NewHandler(people, issuer, resp),
		reviews: reviews.NewHandler(ratings, resp),
		reports: &reports{lending: lending, books: books, members: people, policy: policy, clock: clk, resp: resp},
		stats:   &stats{lending: lending, queue: queue, reviews: ratings, clock: clk, resp: resp},
		audit:   journal.NewHandler(j, resp),
	})
	return a, nil
}

func newGateway(cfg config.Config, logger zerolog.Logger) gateway.Gateway {
	if cfg.GatewayBaseURL == "" {
		logger.Warn().Msg("GATEWAY_BASE_URL not set; payment orders are created by the local sandbox")
		return gateway.NewSandbox()
	}
	return gateway.NewClient(gateway.ClientConfig{
		BaseURL:    cfg.GatewayBaseURL,
		KeyID:      cfg.GatewayKeyID,
		KeySecret:  cfg.GatewayKeySecret,
		Timeout:    cfg.GatewayTimeout,
		MaxRetries: uint(max(cfg.GatewayMaxRetries, 0)),
	}, logger)
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
