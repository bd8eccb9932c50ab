// Package migrate applies embedded SQL migrations on startup.
package migrate

import (
	"context"
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/and161185/waconnect/migrations"
)

// Up runs all pending migrations from the embedded filesystem and logs each applied version.
func Up(ctx context.Context, dsn string, log *zap.Logger) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	p, err := goose.NewProvider(goose.DialectPostgres, db, migrations.FS)
	if err != nil {
		return err
	}
	res, err := p.Up(ctx)
	for _, r := range res {
		log.Info("migration applied",
			zap.Int64("version", r.Source.Version),
			zap.String("path", r.Source.Path),
			zap.Duration("dur", r.Duration),
		)
	}
	return err
}
