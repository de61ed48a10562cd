package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	collabsync "github.com/schemacraft/collabsync"
	"github.com/schemacraft/collabsync/collab"
	"github.com/schemacraft/collabsync/internal"
)

var version = "dev"

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func durationEnvOr(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid duration in %s: %s\n", key, err)
		os.Exit(1)
	}
	return d
}

var (
	flagBindAddr        = flag.String("port", envOr("COLLAB_BINDADDR", ":8080"), "Bind address")
	flagPostgres        = flag.String("db", envOr("COLLAB_DB", ""), "Postgres DB connection string (see lib/pq docs). Sessions are kept in memory if unset")
	flagReapInterval    = flag.Duration("reap-interval", durationEnvOr("COLLAB_REAP_INTERVAL", collab.DefaultReapInterval), "How often to look for stale sessions")
	flagStaleThreshold  = flag.Duration("stale-threshold", durationEnvOr("COLLAB_STALE_THRESHOLD", collab.DefaultStaleThreshold), "Sessions without activity for this long are deactivated")
	flagParticipantsTTL = flag.Duration("participants-ttl", durationEnvOr("COLLAB_PARTICIPANTS_TTL", collab.DefaultParticipantsTTL), "How long a project's active-user list is cached")
	flagRedis           = flag.String("redis", envOr("COLLAB_REDIS", ""), "Redis address for relaying broadcasts between nodes")
	flagKafkaBrokers    = flag.String("kafka-brokers", envOr("COLLAB_KAFKA_BROKERS", ""), "Comma separated Kafka brokers for the session audit stream")
	flagKafkaTopic      = flag.String("kafka-topic", envOr("COLLAB_KAFKA_TOPIC", "collab.sessions"), "Kafka topic for the session audit stream")
	flagOrigin          = flag.String("allowed-origin", envOr("COLLAB_ALLOWED_ORIGIN", ""), "Origin browsers must present to open a socket. Any if unset")
	flagOTLP            = flag.String("otlp", envOr("COLLAB_OTLP_URL", ""), "OTLP/HTTP collector URL, e.g http://localhost:4318")
	flagOTLPUser        = flag.String("otlp-user", envOr("COLLAB_OTLP_USERNAME", ""), "OTLP basic auth username")
	flagOTLPPass        = flag.String("otlp-pass", envOr("COLLAB_OTLP_PASSWORD", ""), "OTLP basic auth password")
	flagSentryDSN       = flag.String("sentry-dsn", envOr("COLLAB_SENTRY_DSN", ""), "Sentry DSN")
	flagMetrics         = flag.Bool("metrics", envOr("COLLAB_PROM", "") != "", "Expose Prometheus metrics at /metrics")
	flagDebug           = flag.Bool("debug", envOr("COLLAB_DEBUG", "") == "1", "Trace level logging, and panic on failed assertions")
)

func main() {
	flag.Parse()
	fmt.Printf("collabd %s\n", version)

	if *flagSentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:     *flagSentryDSN,
			Release: version,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "sentry.Init failed: %s\n", err)
			os.Exit(1)
		}
		defer sentry.Flush(2 * time.Second)
	}
	if *flagOTLP != "" {
		if err := internal.ConfigureOTLP(*flagOTLP, *flagOTLPUser, *flagOTLPPass, version); err != nil {
			fmt.Fprintf(os.Stderr, "failed to configure OTLP: %s\n", err)
			os.Exit(1)
		}
	}
	if *flagDebug {
		// internal.Assert reads this directly
		os.Setenv("COLLAB_DEBUG", "1")
	}

	var brokers []string
	for _, b := range strings.Split(*flagKafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err := collabsync.RunCollabServer(ctx, collabsync.Config{
		BindAddr:        *flagBindAddr,
		PostgresURI:     *flagPostgres,
		ReapInterval:    *flagReapInterval,
		StaleThreshold:  *flagStaleThreshold,
		ParticipantsTTL: *flagParticipantsTTL,
		RedisAddr:       *flagRedis,
		KafkaBrokers:    brokers,
		KafkaTopic:      *flagKafkaTopic,
		AllowedOrigin:   *flagOrigin,
		EnableMetrics:   *flagMetrics,
		Debug:           *flagDebug,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		sentry.Flush(2 * time.Second)
		os.Exit(1)
	}
}
