package gorm

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"critic/internal/config"
)

const connectTimeout = 30 * time.Second

// postgresURL is shared by the gorm connection and the migrator.
func postgresURL(db config.Database) string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(db.User, db.Password),
		Host:     db.Host + ":" + db.Port,
		Path:     "/" + db.Name,
		RawQuery: url.Values{"sslmode": {db.SSLMode}, "TimeZone": {"UTC"}}.Encode(),
	}
	return u.String()
}

// ConnectDB opens the database, retrying while it is still starting up, and applies pending
// migrations. Services are usually started together with the database.
func ConnectDB(ctx context.Context, envConf *config.Config) (*gorm.DB, error) {
	level := logger.Warn
	switch envConf.ProductionType {
	case "debug":
		level = logger.Info
	case "prod":
		level = logger.Error
	}
	gormLog := log.With().Str("layer", "storage").Str("component", "gorm").Logger()

	gormConfig := &gorm.Config{
		Logger: logger.New(&gormLog, logger.Config{
			SlowThreshold: 500 * time.Millisecond,
			LogLevel:      level,
			// pending ref updates and replay results are routinely looked up before they exist
			IgnoreRecordNotFoundError: true,
		}),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(postgres.Open(postgresURL(envConf.Database)), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB from gorm DB: %w", err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = connectTimeout
	err = backoff.RetryNotify(func() error {
		return sqlDB.PingContext(ctx)
	}, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
		log.Warn().
			Err(err).
			Str("layer", "storage").
			Dur("retry_in", wait).
			Msg("database not reachable yet")
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// The githook service keeps one connection per waiting post-receive client.
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(10 * time.Minute)

	log.Info().
		Str("layer", "storage").
		Str("host", envConf.Database.Host).
		Str("database", envConf.Database.Name).
		Msg("connected to the database")

	if err := RunMigrations(envConf); err != nil {
		return nil, err
	}
	return db, nil
}

// RunMigrations applies every pending migration from cfg.Database.MigrationsPath.
func RunMigrations(cfg *config.Config) error {
	m, err := migrate.New(cfg.Database.MigrationsPath, postgresURL(cfg.Database))
	if err != nil {
		return fmt.Errorf("migration init error: %w", err)
	}
	defer m.Close()

	from, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("migration version error: %w", err)
	}
	if dirty {
		return fmt.Errorf("database schema is dirty at version %d; fix it and force the version", from)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Debug().Str("layer", "storage").Uint("version", from).Msg("schema is up to date")
			return nil
		}
		return fmt.Errorf("migration up error: %w", err)
	}

	to, _, _ := m.Version()
	log.Info().Str("layer", "storage").Uint("from", from).Uint("to", to).Msg("migrations applied")
	return nil
}
