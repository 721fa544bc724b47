package probe

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/nbari/dbpulse/metrics"
)

const (
	pgUptime = "SELECT EXTRACT(EPOCH FROM NOW() - pg_postmaster_start_time())::bigint"

	pgReplicationLag = "SELECT EXTRACT(EPOCH FROM NOW() - pg_last_xact_replay_timestamp())"

	pgBlocking = "SELECT COUNT(*) FROM pg_stat_activity WHERE wait_event_type = 'Lock' AND state = 'active'"

	pgCreateTable = "CREATE TABLE IF NOT EXISTS " + MonitorTable + ` (
		id INT PRIMARY KEY,
		t1 BIGINT,
		t2 TIMESTAMP(6) DEFAULT CURRENT_TIMESTAMP(6),
		uuid UUID,
		CONSTRAINT ` + MonitorTable + `_uuid_unique UNIQUE (uuid)
	)`

	pgCreateIndex = "CREATE INDEX IF NOT EXISTS " + MonitorTable + "_t2_idx ON " + MonitorTable + " (t2)"

	pgUpsert = "INSERT INTO " + MonitorTable + ` (id, t1, t2, uuid) VALUES ($1, $2, NOW(), $3)
		ON CONFLICT (id) DO UPDATE SET t1 = EXCLUDED.t1, t2 = NOW(), uuid = EXCLUDED.uuid`

	pgSelect = "SELECT t1, uuid::text FROM " + MonitorTable + " WHERE id = $1"

	pgSelectT1 = "SELECT t1 FROM " + MonitorTable + " WHERE id = $1"

	pgUpdateZero = "UPDATE " + MonitorTable + " SET t1 = 0 WHERE id = $1"

	pgCleanup = "DELETE FROM " + MonitorTable + ` WHERE ctid IN
		(SELECT ctid FROM ` + MonitorTable + " WHERE t2 < NOW() - INTERVAL '1 hour' LIMIT 10000)"

	pgRowEstimate = "SELECT reltuples::bigint FROM pg_class WHERE relname = '" + MonitorTable + "'"

	pgCount = "SELECT COUNT(*) FROM " + MonitorTable

	pgTableSize = "SELECT pg_total_relation_size('" + MonitorTable + "')"

	pgDatabaseSize = "SELECT pg_database_size(current_database())"

	pgStatSSL = "SELECT version, cipher FROM pg_stat_ssl WHERE pid = pg_backend_pid()"
)

func (p *Probe) runPostgres(ctx context.Context, conn *sql.Conn, now time.Time) (*Result, error) {
	for _, q := range []string{"SET statement_timeout = '5s'", "SET lock_timeout = '2s'"} {
		if _, err := conn.ExecContext(ctx, q); err != nil {
			return nil, fmt.Errorf("failed to set session timeouts: %w", err)
		}
	}

	res := &Result{DBHost: "local", UptimeSeconds: -1}

	if err := conn.QueryRowContext(ctx, "SHOW server_version").Scan(&res.Version); err != nil {
		return nil, fmt.Errorf("failed to read server version: %w", err)
	}

	var host sql.NullString
	if err := conn.QueryRowContext(ctx,
		"SELECT COALESCE(inet_server_addr()::text, 'local')").Scan(&host); err == nil && host.Valid {
		res.DBHost = host.String
	}

	var uptime int64
	if err := conn.QueryRowContext(ctx, pgUptime).Scan(&uptime); err == nil {
		res.UptimeSeconds = uptime
	}

	var inRecovery bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_is_in_recovery()").Scan(&inRecovery); err != nil {
		return nil, fmt.Errorf("failed to read recovery state: %w", err)
	}
	if inRecovery {
		res.Version += AnnotationRecovery
		var lag sql.NullFloat64
		if err := conn.QueryRowContext(ctx, pgReplicationLag).Scan(&lag); err == nil && lag.Valid {
			p.metrics.ReplicationLag.WithLabelValues(p.database).Observe(lag.Float64)
		}
		return res, nil
	}

	var txRO string
	if err := conn.QueryRowContext(ctx, "SHOW transaction_read_only").Scan(&txRO); err != nil {
		return nil, fmt.Errorf("failed to read transaction_read_only: %w", err)
	}
	if txRO == "on" {
		res.Version += AnnotationTxRO
		return res, nil
	}

	var blocking int64
	if err := conn.QueryRowContext(ctx, pgBlocking).Scan(&blocking); err == nil {
		p.metrics.BlockingQueries.WithLabelValues(p.database).Set(float64(blocking))
	}

	if err := p.observeOp(metrics.OpCreateTable, func() error {
		return p.ensurePostgresTable(ctx, conn)
	}); err != nil {
		return nil, err
	}

	id := p.randomID()
	uid := p.newUUID()
	t1 := now.Unix()

	if err := p.observeOp(metrics.OpInsert, func() error {
		result, err := conn.ExecContext(ctx, pgUpsert, id, t1, uid)
		if err != nil {
			return fmt.Errorf("failed to upsert monitor row: %w", err)
		}
		if n, err := result.RowsAffected(); err == nil && n > 0 {
			p.metrics.RowsAffected.WithLabelValues(p.database, metrics.OpInsert).Add(float64(n))
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if err := p.observeOp(metrics.OpSelect, func() error {
		var gotT1 int64
		var gotUUID string
		err := conn.QueryRowContext(ctx, pgSelect, id).Scan(&gotT1, &gotUUID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to read back monitor row: %w", err)
		}
		if err != nil || gotT1 != t1 || gotUUID != uid {
			return errors.New("Records don't match")
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if err := p.observeOp(metrics.OpTransaction, func() error {
		return p.postgresTransactionTest(ctx, conn, now)
	}); err != nil {
		return nil, err
	}

	if err := p.observeOp(metrics.OpCleanup, func() error {
		result, err := conn.ExecContext(ctx, pgCleanup)
		if err != nil {
			return err
		}
		if n, err := result.RowsAffected(); err == nil && n > 0 {
			p.metrics.RowsAffected.WithLabelValues(p.database, metrics.OpDelete).Add(float64(n))
		}
		return nil
	}); err != nil {
		p.logger.Warn("cleanup failed", "err", err)
	}

	rowCount := int64(-1)
	var estimate sql.NullFloat64
	if err := conn.QueryRowContext(ctx, pgRowEstimate).Scan(&estimate); err == nil && estimate.Valid && estimate.Float64 >= 0 {
		rowCount = int64(estimate.Float64)
	}
	if rowCount < 0 {
		if err := conn.QueryRowContext(ctx, pgCount).Scan(&rowCount); err != nil {
			return nil, fmt.Errorf("failed to count monitor rows: %w", err)
		}
	}
	p.metrics.TableRows.WithLabelValues(p.database, MonitorTable).Set(float64(rowCount))

	if now.Minute() == 0 && id < 5 {
		var n int64
		if err := conn.QueryRowContext(ctx, pgCount).Scan(&n); err == nil && n < 100000 {
			if _, err := conn.ExecContext(ctx, "DROP TABLE IF EXISTS "+MonitorTable); err != nil {
				p.logger.Warn("hourly table drop failed", "err", err)
			}
		}
	}

	var tableSize int64
	if err := conn.QueryRowContext(ctx, pgTableSize).Scan(&tableSize); err == nil {
		p.metrics.TableSizeBytes.WithLabelValues(p.database, MonitorTable).Set(float64(tableSize))
	}
	var dbSize int64
	if err := conn.QueryRowContext(ctx, pgDatabaseSize).Scan(&dbSize); err == nil {
		p.metrics.DatabaseSizeBytes.WithLabelValues(p.database).Set(float64(dbSize))
	}

	if p.tlsCfg.Mode.IsEnabled() {
		res.TLS = p.postgresTLS(ctx, conn)
	}
	return res, nil
}

// ensurePostgresTable creates the uuid-ossp extension, the monitor table and
// its t2 index. Duplicate-object races from concurrent probes are ignored.
func (p *Probe) ensurePostgresTable(ctx context.Context, conn *sql.Conn) error {
	if _, err := conn.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS "uuid-ossp"`); err != nil && !pgDuplicate(err) {
		return fmt.Errorf("failed to ensure uuid-ossp extension: %w", err)
	}
	if _, err := conn.ExecContext(ctx, pgCreateTable); err != nil && !pgDuplicate(err) {
		return fmt.Errorf("failed to create monitor table: %w", err)
	}
	if _, err := conn.ExecContext(ctx, pgCreateIndex); err != nil && !pgDuplicate(err) {
		return fmt.Errorf("failed to create monitor index: %w", err)
	}
	return nil
}

func pgDuplicate(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && (pqErr.Code == "42710" || pqErr.Code == "23505") {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "already exists") || strings.Contains(msg, "duplicate key")
}

// postgresTransactionTest writes and updates a transient row inside a
// transaction, verifies the update, rolls back and verifies the rollback took
// effect.
func (p *Probe) postgresTransactionTest(ctx context.Context, conn *sql.Conn, now time.Time) error {
	rid := rollbackID(now)

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("transaction begin failed: %w", err)
	}
	if _, err := tx.ExecContext(ctx, pgUpsert, rid, 999, p.newUUID()); err != nil {
		tx.Rollback()
		return fmt.Errorf("transaction write failed: %w", err)
	}
	if _, err := tx.ExecContext(ctx, pgUpdateZero, rid); err != nil {
		tx.Rollback()
		return fmt.Errorf("transaction update failed: %w", err)
	}
	var t1 int64
	if err := tx.QueryRowContext(ctx, pgSelectT1, rid).Scan(&t1); err != nil {
		tx.Rollback()
		return fmt.Errorf("transaction read failed: %w", err)
	}
	if t1 != 0 {
		tx.Rollback()
		return errors.New("Transaction update failed")
	}
	if err := tx.Rollback(); err != nil {
		return fmt.Errorf("transaction rollback failed: %w", err)
	}

	err = conn.QueryRowContext(ctx, pgSelectT1, rid).Scan(&t1)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("transaction verification failed: %w", err)
	case t1 == 0:
		return errors.New("Transaction rollback failed")
	}
	return nil
}

// postgresTLS reads the session's negotiated TLS parameters from pg_stat_ssl
// and backfills certificate details from the probe cache.
func (p *Probe) postgresTLS(ctx context.Context, conn *sql.Conn) *TLSMetadata {
	meta := &TLSMetadata{}

	var version, cipher sql.NullString
	if err := conn.QueryRowContext(ctx, pgStatSSL).Scan(&version, &cipher); err != nil {
		p.logger.Debug("pg_stat_ssl lookup failed", "err", err)
	} else {
		meta.Version = version.String
		meta.Cipher = cipher.String
	}

	if cert := p.certMetadata(); cert != nil {
		meta.CertSubject = cert.Subject
		meta.CertIssuer = cert.Issuer
		days := cert.ExpiryDays
		meta.CertExpiryDays = &days
	}
	return meta
}
