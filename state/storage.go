package state

import (
	"context"
	"os"

	"github.com/getsentry/sentry-go"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/schemacraft/collabsync/state/migrations"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Storage is the Postgres-backed session store.
type Storage struct {
	*SessionsTable
	DB *sqlx.DB
}

func NewStorage(postgresURI string) *Storage {
	db, err := sqlx.Open("postgres", postgresURI)
	if err != nil {
		sentry.CaptureException(err)
		logger.Panic().Err(err).Msg("failed to open SQL DB")
	}
	return NewStorageWithDB(db)
}

func NewStorageWithDB(db *sqlx.DB) *Storage {
	// Migrations must run before the table is created and its statements are prepared,
	// otherwise a legacy column type would be baked into the prepared plans.
	if err := migrations.Up(db.DB); err != nil {
		sentry.CaptureException(err)
		logger.Panic().Err(err).Msg("failed to run migrations")
	}
	sessions, err := NewSessionsTable(db)
	if err != nil {
		sentry.CaptureException(err)
		logger.Panic().Err(err).Msg("failed to prepare session statements")
	}
	return &Storage{
		SessionsTable: sessions,
		DB:            db,
	}
}

func (s *Storage) Ping(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}

func (s *Storage) Teardown() {
	s.SessionsTable.Teardown()
	if err := s.DB.Close(); err != nil {
		logger.Err(err).Msg("failed to close SQL DB")
	}
}
