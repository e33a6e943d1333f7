package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/lib/pq"

	logx "petfeeder/pkg/logx"
)

const (
	pgMaxOpen     = 8
	pgMaxIdle     = 4
	pgIdleTimeout = 5 * time.Minute
	pgOpenTimeout = 10 * time.Second
)

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres: dsn is required")
	}
	// lib/pq accepts both URLs and key=value strings; normalize URLs so a
	// malformed one fails here with a readable error.
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		kv, err := pq.ParseURL(dsn)
		if err != nil {
			return nil, fmt.Errorf("postgres: dsn: %w", err)
		}
		dsn = kv
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	db.SetMaxOpenConns(pgMaxOpen)
	db.SetMaxIdleConns(pgMaxIdle)
	db.SetConnMaxIdleTime(pgIdleTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), pgOpenTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: ping %s: %w", redactDSN(cfg.DSN), err)
	}
	st := newSQLStore(db, dialectPostgres, log)
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}
	log.Info("postgres store ready", logx.String("dsn", redactDSN(cfg.DSN)))
	return st, nil
}

// redactDSN strips credentials from URL-form DSNs for logs and errors.
func redactDSN(dsn string) string {
	u, err := url.Parse(strings.TrimSpace(dsn))
	if err != nil || u.Host == "" {
		return "postgres"
	}
	return u.Redacted()
}
