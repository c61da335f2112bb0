package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alecgard/keypool/internal/config"
	"github.com/alecgard/keypool/internal/credential"
	"github.com/alecgard/keypool/internal/crypto"
	"github.com/alecgard/keypool/internal/metrics"
	"github.com/alecgard/keypool/internal/pool"
	"github.com/alecgard/keypool/internal/postgres"
	"github.com/alecgard/keypool/internal/sqlite"
	"github.com/alecgard/keypool/internal/usage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// credentialStore is what both backends provide.
type credentialStore interface {
	pool.Store
	usage.Reader
	Create(ctx context.Context, in credential.CreateCredentialInput) (*credential.Credential, error)
	CountByTenant(ctx context.Context, tenantID string) (int, error)
}

type backend struct {
	store credentialStore
	ping  func(ctx context.Context) error
	stats metrics.DBPoolStatFunc
	close func()
}

func (b *backend) Ping(ctx context.Context) error { return b.ping(ctx) }

// openBackend connects to the configured database. With migrate set it
// applies pending migrations first.
func openBackend(ctx context.Context, cfg *config.Config, migrate bool) (*backend, error) {
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		if migrate {
			if err := postgres.RunMigrations(cfg.Database.URL); err != nil {
				return nil, err
			}
		}
		pc, err := pgxpool.ParseConfig(cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing database url: %w", err)
		}
		if cfg.Database.MaxConns > 0 {
			pc.MaxConns = cfg.Database.MaxConns
		}
		db, err := pgxpool.NewWithConfig(ctx, pc)
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		if err := db.Ping(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("pinging postgres: %w", err)
		}
		slog.Info("connected to database", "driver", cfg.Database.Driver)
		return &backend{
			store: postgres.NewStore(db),
			ping:  db.Ping,
			stats: func() metrics.PoolStats {
				s := db.Stat()
				return metrics.PoolStats{
					Open:      int64(s.TotalConns()),
					InUse:     int64(s.AcquiredConns()),
					Idle:      int64(s.IdleConns()),
					WaitCount: s.EmptyAcquireCount(),
				}
			},
			close: db.Close,
		}, nil

	case config.DriverSQLite:
		db, err := sqlite.Open(cfg.Database.URL)
		if err != nil {
			return nil, err
		}
		if migrate {
			if err := sqlite.RunMigrations(db.Writer); err != nil {
				_ = db.Close()
				return nil, err
			}
		}
		slog.Info("opened database", "driver", cfg.Database.Driver, "path", cfg.Database.URL)
		return &backend{
			store: sqlite.NewStore(db),
			ping:  db.Ping,
			stats: func() metrics.PoolStats {
				w, r := db.Writer.Stats(), db.Reader.Stats()
				return metrics.PoolStats{
					Open:      int64(w.OpenConnections + r.OpenConnections),
					InUse:     int64(w.InUse + r.InUse),
					Idle:      int64(w.Idle + r.Idle),
					WaitCount: w.WaitCount + r.WaitCount,
				}
			},
			close: func() { _ = db.Close() },
		}, nil
	}
	return nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
}

// newManager builds the pool manager over b.
func newManager(cfg *config.Config, b *backend, logger *slog.Logger, rec pool.Recorder) (*pool.Manager, error) {
	cipher, err := crypto.FromConfig(cfg.Crypto.Key, cfg.Crypto.Passphrase, cfg.Crypto.Salt)
	if err != nil {
		return nil, err
	}
	opts := []pool.Option{
		pool.WithLogger(logger),
		pool.WithMaxAttempts(cfg.Pool.MaxAttempts),
	}
	if rec != nil {
		opts = append(opts, pool.WithRecorder(rec))
	}
	return pool.New(b.store, cipher, opts...), nil
}

// openRedis returns nil when no redis address is configured.
func openRedis(ctx context.Context, rc config.RedisConfig) (*redis.Client, error) {
	if rc.Addr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", rc.Addr, err)
	}
	return client, nil
}
