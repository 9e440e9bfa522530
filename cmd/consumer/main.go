// Command consumer persists responder location pings from Kafka into the
// gps_logs trail table.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/spf13/cobra"

	"github.com/example/emergency-dispatch/internal/config"
	"github.com/example/emergency-dispatch/internal/ingest"
	"github.com/example/emergency-dispatch/internal/logging"
	"github.com/example/emergency-dispatch/internal/models"
	"github.com/example/emergency-dispatch/internal/storage"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	trailWrites = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_trail_writes_total",
		Help: "Total pings written to the trail",
	})
	trailErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_trail_errors_total",
		Help: "Total pings dropped after retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, trailWrites, trailErrors)
}

var (
	cfgPath     string
	metricsAddr string
)

var rootCmd = &cobra.Command{
	Use:   "consumer",
	Short: "Persist responder location pings to the GPS trail",
	RunE:  run,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "configuration file (yaml or json)")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
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
	log := logging.NewLogger(cfg.LogLevel, "gps-consumer")
	if cfg.PGDSN == "" {
		return errors.New("PG_DSN is required for the trail consumer")
	}
	if len(cfg.KafkaBrokers) == 0 {
		cfg.KafkaBrokers = []string{"localhost:9092"}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(ctx, cfg.PGDSN)
	if err != nil {
		return err
	}
	defer db.Close()
	trail := storage.NewPostgresGPSLog(db)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := db.PingContext(r.Context()); err != nil {
				http.Error(w, "postgres not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		log.Info().Str("addr", metricsAddr).Msg("metrics/health listening")
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaTopic,
		GroupID:  cfg.KafkaGroupID,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer r.Close()

	log.Info().Str("topic", cfg.KafkaTopic).Strs("brokers", cfg.KafkaBrokers).Str("group", cfg.KafkaGroupID).Msg("consumer listening")
	consume(ctx, r, trail, log)
	return nil
}

// MessageReader is the subset of *kafka.Reader the loop uses.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// consume reads until ctx ends. Read errors back off exponentially; a ping
// that still fails after its retries is dropped and counted.
func consume(ctx context.Context, r MessageReader, trail storage.GPSLog, log zerolog.Logger) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info().Msg("shutting down consumer")
				return
			}
			log.Warn().Err(err).Dur("backoff", backoff).Msg("kafka read error")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		p, err := ingest.DecodeLocation(m)
		if err != nil {
			msgsInvalid.Inc()
			log.Warn().Err(err).Int64("offset", m.Offset).Msg("invalid message")
			continue
		}
		if err := appendWithRetry(ctx, trail, p, 3, 200*time.Millisecond); err != nil {
			trailErrors.Inc()
			log.Error().Err(err).Str("responder_id", p.ResponderID).Msg("trail write failed")
			continue
		}
		trailWrites.Inc()
	}
}

// appendWithRetry writes one ping, doubling delay between attempts.
func appendWithRetry(ctx context.Context, trail storage.GPSLog, p models.LocationPing, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = trail.Append(ctx, p); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
