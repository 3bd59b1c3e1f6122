package probe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresProber connects to BaseURL as a DSN and pings the server. A fresh
// connection per probe keeps the check honest about connectivity.
type PostgresProber struct {
	// Query replaces the ping when set, e.g. "select 1 from pg_database limit 1".
	Query string
}

func (p PostgresProber) Probe(ctx context.Context, d Descriptor) Result {
	d = d.WithDefaults()
	start := now()

	ctx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()

	cfg, err := pgx.ParseConfig(d.BaseURL)
	if err != nil {
		return outcome(d, start, StatusUnhealthy, "invalid dsn", err)
	}
	cfg.ConnectTimeout = d.Timeout

	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return classifyPgErr(ctx, d, start, err)
	}
	defer func() {
		cctx, ccancel := context.WithTimeout(context.WithoutCancel(ctx), d.Timeout)
		defer ccancel()
		_ = conn.Close(cctx)
	}()

	q := p.Query
	if q == "" {
		q = d.Option("query")
	}
	if q == "" {
		err = conn.Ping(ctx)
	} else {
		_, err = conn.Exec(ctx, q)
	}
	if err != nil {
		return classifyPgErr(ctx, d, start, err)
	}
	return outcome(d, start, StatusHealthy, "ok", nil)
}

// classifyPgErr maps server errors to unhealthy and transport errors to
// unreachable.
func classifyPgErr(ctx context.Context, d Descriptor, start time.Time, err error) Result {
	var pgErr *pgconn.PgError
	switch {
	case deadlineHit(ctx, err) || pgconn.Timeout(err):
		return timedOut(d, start, err)
	case errors.As(err, &pgErr):
		return outcome(d, start, StatusUnhealthy, fmt.Sprintf("postgres %s: %s", pgErr.Code, pgErr.Message), err)
	default:
		return unreachable(d, start, err)
	}
}
