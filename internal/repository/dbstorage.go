package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	internalerrors "github.com/Schera-ole/cloudconnector/internal/errors"
	models "github.com/Schera-ole/cloudconnector/internal/model"
	"github.com/Schera-ole/cloudconnector/internal/retry"
)

type DBStorage struct {
	db     *sql.DB
	delays []time.Duration
}

func NewDBStorage(dsn string) (*DBStorage, error) {
	dbConnect, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return NewDBStorageWithDB(dbConnect, retry.DefaultDelays), nil
}

// NewDBStorageWithDB wraps an open database handle. delays controls how
// transient failures are retried.
func NewDBStorageWithDB(db *sql.DB, delays []time.Duration) *DBStorage {
	return &DBStorage{db: db, delays: delays}
}

func (storage *DBStorage) Close() error {
	return storage.db.Close()
}

func (storage *DBStorage) SaveReport(ctx context.Context, r models.RunReport) (int64, error) {
	const query = `INSERT INTO run_reports
		(device, started_at, finished_at, published, confirmed, failed, avg_latency_ms, outcome, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`

	var id int64
	err := retry.Do(ctx, storage.delays, IsRetryableError, func(ctx context.Context) error {
		return storage.db.QueryRowContext(ctx, query,
			r.Device, r.StartedAt, r.FinishedAt, r.Published, r.Confirmed, r.Failed,
			r.AvgLatencyMs, r.Outcome, r.Error,
		).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("error saving report: %w", wrapUnavailable(err))
	}
	return id, nil
}

func (storage *DBStorage) ListReports(ctx context.Context, device string, limit int) ([]models.RunReport, error) {
	query := `SELECT id, device, started_at, finished_at, published, confirmed, failed, avg_latency_ms, outcome, error
		FROM run_reports`
	var args []any
	if device != "" {
		args = append(args, device)
		query += fmt.Sprintf(" WHERE device = $%d", len(args))
	}
	query += " ORDER BY id DESC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := storage.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error retrieving reports: %w", wrapUnavailable(err))
	}
	defer rows.Close()

	reports := make([]models.RunReport, 0)
	for rows.Next() {
		var r models.RunReport
		err = rows.Scan(&r.ID, &r.Device, &r.StartedAt, &r.FinishedAt, &r.Published, &r.Confirmed,
			&r.Failed, &r.AvgLatencyMs, &r.Outcome, &r.Error)
		if err != nil {
			return nil, fmt.Errorf("error scanning report: %w", err)
		}
		reports = append(reports, r)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over reports: %w", err)
	}
	return reports, nil
}

func (storage *DBStorage) Ping(ctx context.Context) error {
	err := storage.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("database ping failed: %w", wrapUnavailable(err))
	}
	return nil
}

// IsRetryableError reports whether err is a transient connection problem.
func IsRetryableError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgerrcode.IsConnectionException(pgErr.Code) ||
			pgErr.Code == pgerrcode.AdminShutdown ||
			pgErr.Code == pgerrcode.CannotConnectNow
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}

	errStr := err.Error()
	return strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "network is unreachable") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "connection reset by peer")
}

func wrapUnavailable(err error) error {
	if IsRetryableError(err) {
		return fmt.Errorf("%w: %w", internalerrors.ErrStorageUnavailable, err)
	}
	return err
}
