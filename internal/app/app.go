package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"aster-rotator/internal/alerts"
	"aster-rotator/internal/config"
	"aster-rotator/internal/exchange"
	"aster-rotator/internal/exchange/aster"
	"aster-rotator/internal/exchange/ws"
	"aster-rotator/internal/metrics"
	"aster-rotator/internal/store/sqlite"
	"aster-rotator/internal/strategy"
	"aster-rotator/internal/warehouse"

	"go.uber.org/zap"
)

// markPriceMaxAge bounds how stale a streamed mark price may be before the
// app falls back to REST.
const markPriceMaxAge = 30 * time.Second

type App struct {
	cfg       *config.Config
	log       *zap.Logger
	store     *sqlite.Store
	client    exchange.Client
	feed      *ws.Feed
	engine    *strategy.Engine
	metrics   *metrics.Metrics
	prom      *metrics.Prometheus
	alerts    *alerts.Telegram
	warehouse *warehouse.Writer

	opsMu          sync.RWMutex
	paused         bool
	operatorWarned bool
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if cfg.Exchange.APIKey == "" || cfg.Exchange.APISecret == "" {
		return nil, errors.New("ASTER_API_KEY and ASTER_API_SECRET are required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	st, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	restClient, err := aster.New(
		cfg.Exchange.BaseURL,
		cfg.Exchange.APIKey,
		cfg.Exchange.APISecret,
		cfg.Exchange.Timeout,
		cfg.Exchange.RecvWindow,
		log,
	)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	feed := ws.NewFeed(cfg.Exchange.StreamURL, cfg.Strategy.Symbol, cfg.Exchange.ReconnectDelay, log)
	client := &markPriceClient{Client: restClient, feed: feed, maxAge: markPriceMaxAge}

	m := metrics.NewNoop()
	var prom *metrics.Prometheus
	if cfg.Metrics.Enabled {
		prom = metrics.NewPrometheus()
		m = prom.Metrics
	}
	alertsClient := alerts.NewTelegram(cfg.Telegram, log)
	wh, err := warehouse.New(cfg.Warehouse, log)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	risk := strategy.NewRiskManager(cfg.Strategy, cfg.Risk)
	engine := strategy.NewEngine(cfg.Strategy, client, st, risk, nil, m, log)
	engine.SetNotifier(alertsClient)
	if wh != nil {
		engine.SetRecorder(wh)
	}

	return &App{
		cfg:       cfg,
		log:       log,
		store:     st,
		client:    client,
		feed:      feed,
		engine:    engine,
		metrics:   m,
		prom:      prom,
		alerts:    alertsClient,
		warehouse: wh,
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	defer a.warehouse.Close()

	if err := a.client.SetHedgeMode(ctx, true); err != nil {
		return err
	}
	if err := a.client.SetLeverage(ctx, a.cfg.Strategy.Symbol, a.cfg.Strategy.Leverage); err != nil {
		return err
	}
	if err := a.engine.Restore(ctx); err != nil {
		return err
	}
	a.log.Info("restored engine state", zap.String("state", string(a.engine.State())))

	go func() {
		if err := a.feed.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("mark price feed stopped", zap.Error(err))
		}
	}()
	a.warehouse.Start(ctx)
	a.serveMetrics(ctx)
	a.startOperator(ctx)

	if err := a.alerts.Send(ctx, "aster-rotator started: "+a.engine.Status()); err != nil {
		a.log.Warn("alert send failed", zap.Error(err))
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		timer.Reset(a.runOnce(ctx))
	}
}

// runOnce runs one cycle and returns how long to wait before the next.
// Failed cycles retry on the shorter backoff instead of the full interval.
func (a *App) runOnce(ctx context.Context) time.Duration {
	if a.isPaused() {
		return a.cfg.Strategy.CycleInterval
	}
	if err := a.engine.RunCycle(ctx); err != nil {
		if ctx.Err() != nil {
			return a.cfg.Strategy.CycleInterval
		}
		a.metrics.CycleErrors.Inc()
		a.log.Warn("strategy cycle failed", zap.Error(err))
		var partial *strategy.PartialExecutionError
		if errors.As(err, &partial) {
			if alertErr := a.alerts.Send(ctx, "Partial execution: "+partial.Error()); alertErr != nil {
				a.log.Warn("alert send failed", zap.Error(alertErr))
			}
		}
		return a.cfg.Strategy.RetryBackoff
	}
	return a.cfg.Strategy.CycleInterval
}

func (a *App) serveMetrics(ctx context.Context) {
	if a.prom == nil {
		return
	}
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Metrics.Path, a.prom.Handler())
	server := &http.Server{Addr: a.cfg.Metrics.Address, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("metrics server failed", zap.Error(err))
		}
	}()
}

func (a *App) isPaused() bool {
	a.opsMu.RLock()
	defer a.opsMu.RUnlock()
	return a.paused
}

func (a *App) setPaused(paused bool) bool {
	a.opsMu.Lock()
	defer a.opsMu.Unlock()
	changed := a.paused != paused
	a.paused = paused
	return changed
}

type priceSource interface {
	Price() (float64, time.Time, bool)
}

// markPriceClient serves mark prices from the websocket stream when fresh,
// falling back to REST when the stream is cold or stale.
type markPriceClient struct {
	exchange.Client
	feed   priceSource
	maxAge time.Duration
	now    func() time.Time
}

func (c *markPriceClient) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	if price, at, ok := c.feed.Price(); ok {
		now := time.Now()
		if c.now != nil {
			now = c.now()
		}
		if now.Sub(at) <= c.maxAge {
			return price, nil
		}
	}
	return c.Client.MarkPrice(ctx, symbol)
}
