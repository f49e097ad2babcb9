package ackpine

import (
	"context"
	"fmt"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ahrav/ackpine/internal/domain/session"
	"github.com/ahrav/ackpine/internal/infra/storage"
	"github.com/ahrav/ackpine/internal/infra/storage/postgres"
	"github.com/ahrav/ackpine/pkg/common"
)

// openPostgres connects to the configured database, retrying while it comes
// up, and applies pending migrations when a migrations dir is configured.
func (a *Ackpine) openPostgres(ctx context.Context) (session.Repository, error) {
	sc := a.cfg.Storage

	poolCfg, err := pgxpool.ParseConfig(sc.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse db config: %w", err)
	}
	if sc.MaxConns > 0 {
		poolCfg.MaxConns = sc.MaxConns
	}
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	var pool *pgxpool.Pool
	err = common.Retry(ctx, a.log, "postgres.connect", common.DefaultRetryConfig(), func() error {
		p, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return err
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return err
		}
		pool = p
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error {
		pool.Close()
		return nil
	})

	if sc.MigrationsDir != "" {
		if err := storage.RunMigrations(pool, sc.MigrationsDir); err != nil {
			return nil, err
		}
		a.log.Info(ctx, "migrations applied", "dir", sc.MigrationsDir)
	}

	return postgres.NewSessionStore(pool, a.tracer), nil
}
