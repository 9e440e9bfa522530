// Command server runs the dispatch HTTP API, the websocket hub and the
// escalation timers.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/example/emergency-dispatch/internal/audit"
	"github.com/example/emergency-dispatch/internal/config"
	"github.com/example/emergency-dispatch/internal/dispatch"
	"github.com/example/emergency-dispatch/internal/eta"
	"github.com/example/emergency-dispatch/internal/geo"
	httpapi "github.com/example/emergency-dispatch/internal/http"
	"github.com/example/emergency-dispatch/internal/ingest"
	"github.com/example/emergency-dispatch/internal/ledger"
	"github.com/example/emergency-dispatch/internal/logging"
	"github.com/example/emergency-dispatch/internal/matcher"
	"github.com/example/emergency-dispatch/internal/notify"
	"github.com/example/emergency-dispatch/internal/observability"
	"github.com/example/emergency-dispatch/internal/orchestrator"
	"github.com/example/emergency-dispatch/internal/storage"
)

var (
	cfgPath       string
	migrationsDir string
)

var rootCmd = &cobra.Command{
	Use:   "server",
	Short: "Emergency dispatch API",
	RunE:  run,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "configuration file (yaml or json)")
	rootCmd.Flags().StringVar(&migrationsDir, "migrations", "migrations", "directory of *.sql files applied when migrations are enabled")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadServerConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logging.NewLogger(cfg.LogLevel, "dispatch")
	log.Info().Interface("config", cfg.Redacted()).Msg("configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := wire(ctx, cfg, log)
	if err != nil {
		a.close()
		return err
	}
	defer a.close()

	n, err := a.svc.Recover(ctx)
	if err != nil {
		log.Error().Err(err).Msg("recovery sweep")
	}
	log.Info().Int("requests", n).Msg("recovered open requests")

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(a.svc, a.hub, log.With().Str("component", "http").Logger(), a.checks),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("emergency dispatch listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	log.Info().Msg("shutting down")
	return srv.Shutdown(shutdownCtx)
}

// app holds everything wire built so it can be torn down in reverse order.
type app struct {
	svc     *orchestrator.Service
	hub     *dispatch.Hub
	notify  *notify.Notifier
	checks  map[string]httpapi.ReadyCheck
	closers []func()
}

func (a *app) onClose(fn func()) { a.closers = append(a.closers, fn) }

func (a *app) close() {
	if a.svc != nil {
		a.svc.Close()
	}
	if a.notify != nil {
		a.notify.Wait()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func wire(ctx context.Context, cfg config.ServerConfig, log zerolog.Logger) (*app, error) {
	a := &app{hub: dispatch.NewHub(), checks: map[string]httpapi.ReadyCheck{}}

	var dir geo.Directory = geo.NewIndex()
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		a.onClose(func() { _ = rc.Close() })
		a.checks["redis"] = func(ctx context.Context) error { return rc.Ping(ctx).Err() }
		dir = geo.NewRedisGeo(rc, cfg.RedisGeoKey)
	}

	var store storage.RequestStore = storage.NewMemoryStore()
	var ldg ledger.Ledger = ledger.NewMemoryLedger()
	if cfg.PGDSN != "" {
		db, err := storage.Open(ctx, cfg.PGDSN)
		if err != nil {
			return a, fmt.Errorf("open postgres: %w", err)
		}
		a.onClose(func() { _ = db.Close() })
		a.checks["postgres"] = db.PingContext
		if cfg.RunMigrations {
			if err := runMigrations(ctx, db, migrationsDir, log); err != nil {
				return a, err
			}
		}
		pool, err := pgxpool.New(ctx, cfg.PGDSN)
		if err != nil {
			return a, fmt.Errorf("open pgx pool: %w", err)
		}
		a.onClose(pool.Close)
		store = storage.NewPostgresStore(db)
		ldg = ledger.NewPostgresLedger(pool)
	} else {
		log.Warn().Msg("PG_DSN not set, requests and offers are kept in memory")
	}

	var router eta.Router
	switch {
	case cfg.OSRMURL != "":
		router = eta.NewOSRMClient(cfg.OSRMURL)
	case cfg.GoogleMapsAPIKey != "":
		g, err := eta.NewGoogleRouter(cfg.GoogleMapsAPIKey)
		if err != nil {
			return a, fmt.Errorf("google router: %w", err)
		}
		router = g
	}
	estimator := &eta.Estimator{
		Router:   router,
		Cache:    eta.NewCache(cfg.ETACacheTTL),
		SpeedKmh: cfg.AvgSpeedKmh,
		Timeout:  cfg.RoutingTimeout,
		Logger:   log.With().Str("component", "eta").Logger(),
	}

	publishers := dispatch.Multi{a.hub}
	if cfg.MQTTBroker != "" {
		client, err := dispatch.DialMQTT(cfg.MQTTBroker, cfg.MQTTClientID)
		if err != nil {
			return a, fmt.Errorf("mqtt: %w", err)
		}
		mp := dispatch.NewMQTTPublisher(client, cfg.MQTTTopicPrefix)
		a.onClose(mp.Close)
		publishers = append(publishers, mp)
	}

	if cfg.FCMEndpoint != "" {
		publishers = append(publishers, dispatch.NewFCMPublisher(cfg.FCMEndpoint, cfg.FCMKey))
	}

	var messenger dispatch.Messenger = dispatch.NopMessenger{}
	if cfg.SMSGatewayURL != "" {
		messenger = dispatch.NewGatewayMessenger(cfg.SMSGatewayURL, cfg.SMSGatewayToken)
	}

	sinks := audit.Fanout{audit.LogSink{Logger: log.With().Str("component", "audit").Logger()}}
	var trail orchestrator.LocationPublisher
	if len(cfg.KafkaBrokers) > 0 {
		ks := audit.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaAuditTopic)
		a.onClose(func() { _ = ks.Close() })
		sinks = append(sinks, ks)

		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		a.onClose(func() { _ = kp.Close() })
		trail = kp
	}
	if cfg.PubSubProject != "" && cfg.PubSubTopic != "" {
		ps, err := audit.NewPubSubSink(ctx, cfg.PubSubProject, cfg.PubSubTopic, log)
		if err != nil {
			return a, fmt.Errorf("pubsub audit sink: %w", err)
		}
		a.onClose(func() { _ = ps.Close() })
		sinks = append(sinks, ps)
	}

	var kpi observability.KPISink = observability.NopKPISink{}
	if cfg.InfluxURL != "" {
		kpi = observability.NewInfluxKPISinkWithFallback(ctx, cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket, log)
		if c, ok := kpi.(interface{ Close() }); ok {
			a.onClose(c.Close)
		}
	}

	a.notify = notify.New(publishers, messenger, sinks, log.With().Str("component", "notify").Logger())
	a.svc = orchestrator.New(orchestrator.Config{
		BaseRadiusMeters:   cfg.BaseRadiusMeters,
		MaxRadiusMeters:    cfg.MaxRadiusMeters,
		EscalationTimeout:  cfg.EscalationTimeout,
		TransferPingMaxAge: cfg.TransferPingMaxAge,
	}, orchestrator.Deps{
		Store:     store,
		Directory: dir,
		Matcher:   &matcher.Service{Directory: dir},
		Ledger:    ldg,
		Notifier:  a.notify,
		Estimator: estimator,
		KPI:       kpi,
		Trail:     trail,
		Logger:    log,
	})
	return a, nil
}

// runMigrations applies every *.sql file in dir in name order. The files are
// idempotent.
func runMigrations(ctx context.Context, db *sql.DB, dir string, log zerolog.Logger) error {
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return err
	}
	sort.Strings(files)
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := db.ExecContext(ctx, string(b)); err != nil {
			return fmt.Errorf("migration %s: %w", filepath.Base(f), err)
		}
		log.Info().Str("file", filepath.Base(f)).Msg("migration applied")
	}
	return nil
}
