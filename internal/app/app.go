package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"yield-alerts/internal/alerting"
	"yield-alerts/internal/api"
	"yield-alerts/internal/config"
	"yield-alerts/internal/fetcher"
	"yield-alerts/internal/monitor"
	"yield-alerts/internal/scheduler"
	"yield-alerts/internal/service"
	"yield-alerts/internal/storage"
	"yield-alerts/internal/stream"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// Out receives tables and reports printed by show, replay and presets.
	Out io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

func (a *App) newEngine(now func() time.Time) *monitor.Engine {
	return monitor.NewEngine(monitor.Options{
		AlertLimit:      a.Config.Alerting.AlertLimit,
		DefaultCooldown: a.Config.Alerting.DefaultCooldown,
		PerEntity:       a.Config.Alerting.AlertPerEntity,
		Now:             now,
	})
}

func (a *App) newSource() *fetcher.Multi {
	src := fetcher.NewMulti(a.Logger)
	if agg := a.Config.Source.Aggregator; agg.Enabled {
		src.Add("aggregator", fetcher.NewAggregator(fetcher.AggregatorOptions{
			BaseURL:   agg.BaseURL,
			Timeout:   agg.RequestTimeout,
			UserAgent: agg.UserAgent,
			MinTVL:    agg.MinTVL,
			Protocols: agg.Protocols,
			Chains:    agg.Chains,
		}, a.Logger))
	}
	if v := a.Config.Source.Vaults; v.Enabled {
		src.Add("vaults", fetcher.NewVaultSource(fetcher.VaultOptions{
			RPCURL:    v.RPCURL,
			Chain:     v.Chain,
			Vaults:    v.Vaults,
			Timeout:   v.RequestTimeout,
			APYWindow: v.APYWindow,
		}, a.Logger))
	}
	return src
}

// newNotifiers builds every enabled external channel. The returned closer
// releases broker and index clients.
func (a *App) newNotifiers() ([]alerting.Notifier, func(), error) {
	cfg := a.Config.Alerting
	var (
		notifiers []alerting.Notifier
		closers   []func() error
	)
	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				a.Logger.Warn().Err(err).Msg("close notifier")
			}
		}
	}

	notifiers = append(notifiers, alerting.NewWebhookNotifier(cfg.Webhooks.Targets, cfg.Webhooks.Timeout, cfg.Webhooks.UserAgent, a.Logger))

	if cfg.Telegram.Enabled {
		notifiers = append(notifiers, alerting.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.APIBase, cfg.Dispatcher.Timeout, a.Logger))
	}
	if cfg.Kafka.Enabled {
		p := alerting.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, a.Logger)
		notifiers = append(notifiers, p)
		closers = append(closers, p.Close)
	}
	if cfg.Elasticsearch.Enabled {
		es, err := alerting.NewElasticArchiver(alerting.ElasticOptions{
			Addresses: cfg.Elasticsearch.Addresses,
			Username:  cfg.Elasticsearch.Username,
			Password:  cfg.Elasticsearch.Password,
			Index:     cfg.Elasticsearch.Index,
		}, a.Logger)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("elasticsearch: %w", err)
		}
		notifiers = append(notifiers, es)
		closers = append(closers, es.Close)
	}
	return notifiers, closeAll, nil
}

func (a *App) newDispatcher(engine *monitor.Engine, notifiers []alerting.Notifier) *alerting.Dispatcher {
	cfg := a.Config.Alerting.Dispatcher
	return alerting.NewDispatcher(notifiers, alerting.DispatcherOptions{
		Workers:   cfg.Workers,
		QueueSize: cfg.QueueSize,
		Timeout:   cfg.Timeout,
	}, func(alertID, channel string) {
		if err := engine.MarkDelivered(alertID, channel); err != nil && !errors.Is(err, monitor.ErrNotFound) {
			a.Logger.Warn().Err(err).Str("alert_id", alertID).Msg("record delivery failed")
		}
	}, a.Logger)
}

// restoreState loads persisted state into engine. Load failures are logged and
// the engine starts from whatever could be read. Configured presets seed an
// empty condition list.
func (a *App) restoreState(ctx context.Context, engine *monitor.Engine, store storage.StateStore) {
	st, err := storage.LoadState(ctx, store)
	if err != nil {
		a.Logger.Error().Err(err).Msg("restore state failed; continuing with partial state")
	}
	engine.Restore(st.Conditions, st.Alerts, st.Snapshot)
	a.Logger.Info().
		Int("conditions", len(st.Conditions)).
		Int("alerts", len(st.Alerts)).
		Int("entities", st.Snapshot.Len()).
		Msg("state restored")

	if len(st.Conditions) > 0 {
		return
	}
	a.applyPresets(engine, a.Config.Alerting.Presets)
}

func (a *App) applyPresets(engine *monitor.Engine, names []string) {
	for _, name := range names {
		created, err := engine.ApplyPreset(name)
		if err != nil {
			a.Logger.Error().Err(err).Str("preset", name).Msg("apply preset failed")
			continue
		}
		a.Logger.Info().Str("preset", name).Int("conditions", len(created)).Msg("preset applied")
	}
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, locker, err := storage.Open(ctx, a.Config)
	if err != nil {
		return err
	}
	defer store.Close()
	if a.Config.Persistence.Driver == config.DriverNone {
		a.Logger.Warn().Msg("persistence.driver is none; state will not survive restarts")
	}

	engine := a.newEngine(nil)
	a.restoreState(ctx, engine, store)

	persister := storage.NewPersister(store, a.Config.Persistence.FlushDelay, a.Logger)
	persistCtx, stopPersist := context.WithCancel(context.Background())
	persistDone := make(chan struct{})
	go func() {
		persister.Run(persistCtx)
		close(persistDone)
	}()

	hub := stream.NewHub(stream.Options{
		Buffer: a.Config.Stream.Buffer,
		Welcome: func() any {
			return service.NewWelcome(engine, a.Config.Stream.RecentAlerts)
		},
	}, a.Logger)

	notifiers, closeNotifiers, err := a.newNotifiers()
	if err != nil {
		stopPersist()
		return err
	}
	defer closeNotifiers()
	dispatcher := a.newDispatcher(engine, notifiers)
	dispatcher.Start()

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Poller.Interval,
		MaxCycles:    a.Config.Poller.MaxCycles,
		Immediate:    a.Config.Poller.Immediate,
		StartupDelay: a.Config.Poller.StartupDelay,
	}, a.Logger)

	svc := service.New(service.OptionsFromConfig(a.Config), sched, a.newSource(), engine, hub, dispatcher, persister, locker, a.Logger)

	engine.OnConditionsChanged(func(conditions []monitor.Condition) {
		persister.ScheduleConditions(conditions)
		svc.PublishSummary("conditions")
	})
	engine.OnAlertsChanged(persister.ScheduleAlerts)

	var httpServer *http.Server
	if a.Config.Server.Enabled {
		httpServer = a.newHTTPServer(engine, hub)
		go func() {
			a.Logger.Info().Str("addr", httpServer.Addr).Msg("http server listening")
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.Logger.Error().Err(err).Msg("http server failed")
				cancel()
			}
		}()
	}

	a.Logger.Info().Strs("channels", dispatcher.Channels()).Msg("starting monitoring service")
	runErr := svc.Run(ctx)

	if httpServer != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			a.Logger.Warn().Err(err).Msg("http server shutdown")
		}
		cancelShutdown()
	}

	dispatcher.Stop()
	stopPersist()
	<-persistDone
	if err := persister.Flush(context.Background()); err != nil {
		a.Logger.Error().Err(err).Msg("final state flush failed")
	}

	if runErr != nil {
		a.Logger.Error().Err(runErr).Msg("service terminated with error")
		return runErr
	}
	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

func (a *App) newHTTPServer(engine *monitor.Engine, hub *stream.Hub) *http.Server {
	srv := api.NewServer(engine, api.Options{
		SSE:         stream.NewSSEHandler(hub, a.Logger),
		WebSocket:   stream.NewWSHandler(hub, a.Config.Stream.AllowedOrigins, a.Logger),
		CORSOrigins: a.Config.Server.CORSOrigins,
	}, a.Logger)
	return &http.Server{
		Addr:              a.Config.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: a.Config.Server.ReadTimeout,
	}
}

// openStateReadOnly opens the configured store for one-shot commands.
func (a *App) openStateReadOnly(ctx context.Context) (storage.State, error) {
	if a.Config.Persistence.Driver == config.DriverNone {
		return storage.State{}, errors.New("persistence.driver is none; no stored state to read")
	}
	store, _, err := storage.Open(ctx, a.Config)
	if err != nil {
		return storage.State{}, err
	}
	defer store.Close()
	return storage.LoadState(ctx, store)
}

// ExportOptions hold parameters for exporting alert history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit          int
	Unacknowledged bool
}

// ReplayOptions configure a replay of recorded readings.
type ReplayOptions struct {
	Path string
	// Presets seed the condition list when the store has none.
	Presets []string
	// Notify delivers replayed alerts through the configured channels.
	Notify bool
	// Persist writes the resulting state back to the store.
	Persist bool
}

// SimulateOptions describe the synthetic entity of simulate-alert.
type SimulateOptions struct {
	Protocol  string
	Asset     string
	APY       float64
	TVL       float64
	RiskScore *float64
	Threshold float64
}
