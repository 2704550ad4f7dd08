package issuing

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/alovak/cardbridge/internal/clock"
	"github.com/alovak/cardbridge/internal/issuerapi"
	"github.com/alovak/cardbridge/internal/metrics"
	"github.com/alovak/cardbridge/internal/middleware"
	"github.com/alovak/cardbridge/internal/signature"
	"github.com/alovak/cardbridge/ledger"
	"github.com/alovak/cardbridge/webhook"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/exp/slog"
)

// App is the main application, it contains all the components of the issuing
// service and is responsible for starting and stopping them.
type App struct {
	srv    *http.Server
	wg     *sync.WaitGroup
	Addr   string
	logger *slog.Logger
	config *Config
	clock  clock.Clock

	store ledger.Store
	sim   *issuerapi.Simulator
}

func NewApp(logger *slog.Logger, config *Config) *App {
	logger = logger.With(slog.String("app", "cardbridge"))

	if config == nil {
		config = DefaultConfig()
	}

	return &App{
		wg:     &sync.WaitGroup{},
		logger: logger,
		config: config,
		clock:  clock.RealClock{},
	}
}

// Start wires the components and serves HTTP in the background. The issuer mode
// is fixed here for the process lifetime.
func (a *App) Start() error {
	a.logger.Info("starting app...")

	if err := a.config.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	fee, _ := a.config.withdrawalFee()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := ledger.Open(ctx, a.config.Store.Backend, a.config.Store.DSN)
	if err != nil {
		return fmt.Errorf("opening ledger: %w", err)
	}
	a.store = store

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	verifier, err := a.verifier()
	if err != nil {
		a.closeStore()
		return err
	}

	pipeline := webhook.NewPipeline(store, webhook.Options{
		Verifier:     verifier,
		Clock:        a.clock,
		ChallengeTTL: a.config.ThreeDS.TTL,
		Metrics:      m,
		Logger:       a.logger,
	})

	client, err := a.issuerClient(pipeline)
	if err != nil {
		a.closeStore()
		return err
	}

	opts := ServiceOptions{
		Clock:         a.clock,
		WithdrawalFee: fee,
		Logger:        a.logger,
	}
	if a.sim != nil {
		opts.Withdrawals = a.sim
	}
	svc := NewService(store, issuerapi.Instrument(client, m), opts)

	router := chi.NewRouter()
	router.Use(chimw.RequestID)
	router.Use(chimw.Recoverer)
	router.Use(middleware.NewStructuredLogger(a.logger))
	router.Use(m.Middleware)

	router.Get("/-/live", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	router.Get("/-/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			http.Error(w, "ledger not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	pipeline.AppendRoutes(router)
	NewAPI(svc).AppendRoutes(router)
	NewOperatorAPI(svc).AppendRoutes(router)
	if a.sim != nil {
		NewDevAPI(svc, a.sim).AppendRoutes(router)
	}

	l, err := net.Listen("tcp", a.config.HTTPAddr)
	if err != nil {
		a.closeSimulator()
		a.closeStore()
		return fmt.Errorf("listening tcp port: %w", err)
	}

	a.Addr = l.Addr().String()

	a.srv = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.logger.Info("http server started", slog.String("addr", a.Addr), slog.String("mode", string(client.Mode())))

		if err := a.srv.Serve(l); err != nil && err != http.ErrServerClosed {
			a.logger.Error("serving http", "err", err)
		}
		a.logger.Info("http server stopped")
	}()

	return nil
}

// verifier authenticates inbound webhooks. Without a public key, deliveries are
// accepted unauthenticated in simulated mode only.
func (a *App) verifier() (signature.Verifier, error) {
	if a.config.Issuer.PublicKey == "" {
		if a.config.Mode() == issuerapi.ModeReal {
			return nil, &signature.ConfigError{Key: "public key"}
		}
		a.logger.Warn("webhook signature verification disabled in simulated mode")
		return signature.AcceptAll{}, nil
	}
	v, err := signature.NewVerifier(a.config.Issuer.PublicKey)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (a *App) issuerClient(sink issuerapi.EventSink) (issuerapi.Client, error) {
	sim := issuerapi.DefaultSimulationConfig()
	sim.Latency = a.config.Simulation.Latency
	sim.Clock = a.clock
	if len(a.config.Simulation.BINs) > 0 {
		sim.BINs = a.config.Simulation.BINs
	}
	if balance, err := a.config.merchantBalance(); err == nil {
		sim.MerchantBalance = balance
	}
	if a.config.Simulation.EmitWebhooks {
		sim.Sink = sink
	}

	client, err := issuerapi.New(issuerapi.Config{
		APIURL:     a.config.Issuer.APIURL,
		APIKey:     a.config.Issuer.APIKey,
		PrivateKey: a.config.Issuer.PrivateKey,
		Timeout:    a.config.Issuer.Timeout,
		Simulation: sim,
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("creating issuer client: %w", err)
	}
	if s, ok := client.(*issuerapi.Simulator); ok {
		a.sim = s
	}
	return client, nil
}

func (a *App) closeSimulator() {
	if a.sim != nil {
		a.sim.Close()
	}
}

func (a *App) closeStore() {
	if a.store == nil {
		return
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("closing ledger", "err", err)
	}
}

func (a *App) Shutdown() {
	a.logger.Info("shutting down app...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if a.srv != nil {
		if err := a.srv.Shutdown(ctx); err != nil {
			a.logger.Error("shutting down http server", "err", err)
		}
	}

	a.wg.Wait()

	// queued simulated webhooks are delivered before the ledger goes away
	a.closeSimulator()
	a.closeStore()

	a.logger.Info("app stopped")
}
