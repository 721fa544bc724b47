package probe

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/blang/semver/v4"

	"github.com/nbari/dbpulse/metrics"
)

const (
	myBlocking = "SELECT COUNT(*) FROM information_schema.processlist WHERE state LIKE '%lock%' OR state LIKE '%Locked%'"

	myCreateTable = "CREATE TABLE IF NOT EXISTS " + MonitorTable + ` (
		id INT NOT NULL PRIMARY KEY,
		t1 BIGINT,
		t2 TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6) ON UPDATE CURRENT_TIMESTAMP(6),
		uuid CHAR(36) CHARACTER SET ascii,
		UNIQUE KEY ` + MonitorTable + `_uuid (uuid),
		KEY ` + MonitorTable + `_t2 (t2)
	) ENGINE=InnoDB`

	myUpsert = "INSERT INTO " + MonitorTable + ` (id, t1, uuid) VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE t1 = VALUES(t1), uuid = VALUES(uuid)`

	mySelect = "SELECT t1, uuid FROM " + MonitorTable + " WHERE id = ?"

	mySelectT1 = "SELECT t1 FROM " + MonitorTable + " WHERE id = ?"

	myUpdateZero = "UPDATE " + MonitorTable + " SET t1 = 0 WHERE id = ?"

	myCleanup = "DELETE FROM " + MonitorTable + " WHERE t2 < NOW() - INTERVAL 1 HOUR LIMIT 10000"

	myRowEstimate = "SELECT table_rows FROM information_schema.TABLES WHERE table_schema = DATABASE() AND table_name = '" + MonitorTable + "'"

	myCount = "SELECT COUNT(*) FROM " + MonitorTable

	myTableSize = "SELECT COALESCE(data_length + index_length, 0) FROM information_schema.TABLES WHERE table_schema = DATABASE() AND table_name = '" + MonitorTable + "'"

	myDatabaseSize = "SELECT COALESCE(SUM(data_length + index_length), 0) FROM information_schema.TABLES WHERE table_schema = DATABASE()"
)

func (p *Probe) runMySQL(ctx context.Context, conn *sql.Conn, now time.Time) (*Result, error) {
	// max_execution_time is MySQL (ms); MariaDB spells it max_statement_time
	// in seconds.
	if _, err := conn.ExecContext(ctx, "SET SESSION max_execution_time = 5000"); err != nil {
		if _, err := conn.ExecContext(ctx, "SET SESSION max_statement_time = 5"); err != nil {
			p.logger.Debug("server supports no statement timeout", "err", err)
		}
	}
	if _, err := conn.ExecContext(ctx, "SET SESSION innodb_lock_wait_timeout = 2"); err != nil {
		return nil, fmt.Errorf("failed to set lock wait timeout: %w", err)
	}

	res := &Result{DBHost: "local", UptimeSeconds: -1}

	if err := conn.QueryRowContext(ctx, "SELECT VERSION()").Scan(&res.Version); err != nil {
		return nil, fmt.Errorf("failed to read server version: %w", err)
	}

	var host sql.NullString
	if err := conn.QueryRowContext(ctx, "SELECT @@hostname").Scan(&host); err == nil && host.Valid && host.String != "" {
		res.DBHost = host.String
	}

	var name, value string
	if err := conn.QueryRowContext(ctx, "SHOW GLOBAL STATUS LIKE 'Uptime'").Scan(&name, &value); err == nil {
		if uptime, err := strconv.ParseInt(value, 10, 64); err == nil {
			res.UptimeSeconds = uptime
		}
	}

	var readOnly string
	if err := conn.QueryRowContext(ctx, "SELECT @@read_only").Scan(&readOnly); err != nil {
		return nil, fmt.Errorf("failed to read read_only state: %w", err)
	}
	if readOnly == "1" || strings.EqualFold(readOnly, "ON") {
		res.Version += AnnotationReadOnly
		p.observeMySQLReplicaLag(ctx, conn, res.Version)
		return res, nil
	}

	var blocking int64
	if err := conn.QueryRowContext(ctx, myBlocking).Scan(&blocking); err == nil {
		p.metrics.BlockingQueries.WithLabelValues(p.database).Set(float64(blocking))
	}

	if err := p.observeOp(metrics.OpCreateTable, func() error {
		if _, err := conn.ExecContext(ctx, myCreateTable); err != nil {
			return fmt.Errorf("failed to create monitor table: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	id := p.randomID()
	uid := p.newUUID()
	t1 := now.Unix()

	if err := p.observeOp(metrics.OpInsert, func() error {
		result, err := conn.ExecContext(ctx, myUpsert, id, t1, uid)
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
		err := conn.QueryRowContext(ctx, mySelect, id).Scan(&gotT1, &gotUUID)
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
		return p.mysqlTransactionTest(ctx, conn, now)
	}); err != nil {
		return nil, err
	}

	if err := p.observeOp(metrics.OpCleanup, func() error {
		result, err := conn.ExecContext(ctx, myCleanup)
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
	var estimate sql.NullInt64
	if err := conn.QueryRowContext(ctx, myRowEstimate).Scan(&estimate); err == nil && estimate.Valid {
		rowCount = estimate.Int64
	}
	if rowCount < 0 {
		if err := conn.QueryRowContext(ctx, myCount).Scan(&rowCount); err != nil {
			return nil, fmt.Errorf("failed to count monitor rows: %w", err)
		}
	}
	p.metrics.TableRows.WithLabelValues(p.database, MonitorTable).Set(float64(rowCount))

	if now.Minute() == 0 && id < 5 {
		var n int64
		if err := conn.QueryRowContext(ctx, myCount).Scan(&n); err == nil && n < 100000 {
			if _, err := conn.ExecContext(ctx, "DROP TABLE IF EXISTS "+MonitorTable); err != nil {
				p.logger.Warn("hourly table drop failed", "err", err)
			}
		}
	}

	var tableSize int64
	if err := conn.QueryRowContext(ctx, myTableSize).Scan(&tableSize); err == nil {
		p.metrics.TableSizeBytes.WithLabelValues(p.database, MonitorTable).Set(float64(tableSize))
	}
	var dbSize int64
	if err := conn.QueryRowContext(ctx, myDatabaseSize).Scan(&dbSize); err == nil {
		p.metrics.DatabaseSizeBytes.WithLabelValues(p.database).Set(float64(dbSize))
	}

	if p.tlsCfg.Mode.IsEnabled() {
		res.TLS = p.mysqlTLS(ctx, conn)
	}
	return res, nil
}

func (p *Probe) mysqlTransactionTest(ctx context.Context, conn *sql.Conn, now time.Time) error {
	rid := rollbackID(now)

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("transaction begin failed: %w", err)
	}
	if _, err := tx.ExecContext(ctx, myUpsert, rid, 999, p.newUUID()); err != nil {
		tx.Rollback()
		return fmt.Errorf("transaction write failed: %w", err)
	}
	if _, err := tx.ExecContext(ctx, myUpdateZero, rid); err != nil {
		tx.Rollback()
		return fmt.Errorf("transaction update failed: %w", err)
	}
	var t1 int64
	if err := tx.QueryRowContext(ctx, mySelectT1, rid).Scan(&t1); err != nil {
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

	err = conn.QueryRowContext(ctx, mySelectT1, rid).Scan(&t1)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("transaction verification failed: %w", err)
	case t1 == 0:
		return errors.New("Transaction rollback failed")
	}
	return nil
}

// observeMySQLReplicaLag records Seconds_Behind_Source when the server is a
// replica. Best effort; the replica-status statement is version dependent.
func (p *Probe) observeMySQLReplicaLag(ctx context.Context, conn *sql.Conn, version string) {
	rows, err := conn.QueryContext(ctx, replicaStatusQuery(version))
	if err != nil {
		return
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil || !rows.Next() {
		return
	}
	vals := make([]sql.RawBytes, len(cols))
	args := make([]any, len(cols))
	for i := range vals {
		args[i] = &vals[i]
	}
	if err := rows.Scan(args...); err != nil {
		return
	}
	for i, col := range cols {
		if col != "Seconds_Behind_Source" && col != "Seconds_Behind_Master" {
			continue
		}
		if lag, err := strconv.ParseInt(string(vals[i]), 10, 64); err == nil && lag >= 0 {
			p.metrics.ReplicationLag.WithLabelValues(p.database).Observe(float64(lag))
		}
	}
}

// replicaStatusQuery picks SHOW REPLICA STATUS on servers that support it:
// MySQL >= 8.0.22, MariaDB >= 10.5.2. Everything older gets the legacy
// statement.
func replicaStatusQuery(version string) string {
	v, ok := mysqlSemver(version)
	if !ok {
		return "SHOW SLAVE STATUS"
	}
	cutover := semver.MustParse("8.0.22")
	if strings.Contains(version, "MariaDB") {
		cutover = semver.MustParse("10.5.2")
	}
	if v.GE(cutover) {
		return "SHOW REPLICA STATUS"
	}
	return "SHOW SLAVE STATUS"
}

// mysqlSemver parses the numeric prefix of a server version string such as
// "10.6.12-MariaDB-log".
func mysqlSemver(version string) (semver.Version, bool) {
	i := 0
	for i < len(version) && (version[i] == '.' || ('0' <= version[i] && version[i] <= '9')) {
		i++
	}
	v, err := semver.ParseTolerant(version[:i])
	return v, err == nil
}

// mysqlTLS reads the session TLS status variables and backfills certificate
// details from the probe cache when the server does not expose them.
func (p *Probe) mysqlTLS(ctx context.Context, conn *sql.Conn) *TLSMetadata {
	meta := &TLSMetadata{}

	rows, err := conn.QueryContext(ctx, "SHOW STATUS LIKE 'Ssl%'")
	if err != nil {
		p.logger.Debug("ssl status lookup failed", "err", err)
	} else {
		defer rows.Close()
		for rows.Next() {
			var name, value string
			if rows.Scan(&name, &value) != nil {
				continue
			}
			switch name {
			case "Ssl_version":
				meta.Version = value
			case "Ssl_cipher":
				meta.Cipher = value
			case "Ssl_server_not_after":
				meta.CertExpiryDays = parseNotAfter(value)
			}
		}
	}

	if cert := p.certMetadata(); cert != nil {
		meta.CertSubject = cert.Subject
		meta.CertIssuer = cert.Issuer
		if meta.CertExpiryDays == nil {
			days := cert.ExpiryDays
			meta.CertExpiryDays = &days
		}
	}
	return meta
}

// notAfterFormats are the two layouts observed across MySQL and MariaDB
// builds for Ssl_server_not_after.
var notAfterFormats = []string{"Jan _2 15:04:05 2006 GMT", "2006-01-02 15:04:05"}

// parseNotAfter converts an Ssl_server_not_after value into days until
// expiry. Empty, zeroed and unrecognized values yield nil.
func parseNotAfter(s string) *int {
	if s == "" || s == "0000-00-00 00:00:00" {
		return nil
	}
	for _, layout := range notAfterFormats {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		days := int(math.Floor(time.Until(t).Hours() / 24))
		return &days
	}
	return nil
}
