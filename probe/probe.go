// Package probe implements one health-check iteration against the target
// database: connect, validate server posture, exercise the read/write and
// transaction-rollback paths on the monitor table, clean up, and record
// metrics.
package probe

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/nbari/dbpulse/config"
	"github.com/nbari/dbpulse/metrics"
	"github.com/nbari/dbpulse/tlsprobe"
)

// MonitorTable is the table the probe owns on the target database.
const MonitorTable = "dbpulse_rw"

// Version annotations appended when the server cannot serve writes. The
// supervision loop keys off these to report read-only posture.
const (
	AnnotationRecovery = " - Database is in recovery mode"
	AnnotationTxRO     = " - Transaction read-only mode enabled"
	AnnotationReadOnly = " - Database is in read-only mode"
)

// TLSMetadata is the TLS posture observed during one iteration. Empty string
// or nil fields mean "not observed".
type TLSMetadata struct {
	Version        string
	Cipher         string
	CertSubject    string
	CertIssuer     string
	CertExpiryDays *int
}

// Result is the outcome of one successful iteration. UptimeSeconds is -1
// when the server did not report an uptime.
type Result struct {
	Version       string
	DBHost        string
	UptimeSeconds int64
	TLS           *TLSMetadata
}

// Probe runs one iteration per Run call. It is not safe for concurrent use;
// the supervision loop is its only caller.
type Probe struct {
	dsn      *config.DSN
	tlsCfg   *config.TLSConfig
	idRange  uint32
	metrics  *metrics.Metrics
	cache    *tlsprobe.Cache
	logger   *slog.Logger
	database string

	// seams for tests
	open      func(driverName, dataSource string) (*sql.DB, error)
	fetchCert func(host string, port uint16, postgres bool) (*tlsprobe.Metadata, error)
	newUUID   func() string
}

func New(dsn *config.DSN, tlsCfg *config.TLSConfig, idRange uint32, m *metrics.Metrics, cache *tlsprobe.Cache, logger *slog.Logger) *Probe {
	return &Probe{
		dsn:       dsn,
		tlsCfg:    tlsCfg,
		idRange:   idRange,
		metrics:   m,
		cache:     cache,
		logger:    logger,
		database:  dsn.MetricDatabase(),
		open:      sql.Open,
		fetchCert: tlsprobe.Fetch,
		newUUID:   uuid.NewString,
	}
}

// Run executes one full iteration. Any error aborts the iteration; the
// caller converts it to metrics and retries next interval.
func (p *Probe) Run(ctx context.Context, now time.Time) (*Result, error) {
	connStart := time.Now()
	db, err := p.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		db.Close()
		p.metrics.ConnectionDuration.Observe(time.Since(connStart).Seconds())
	}()

	// Pin a single connection so session settings apply to every statement.
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Close()

	if p.dsn.IsPostgres() {
		return p.runPostgres(ctx, conn, now)
	}
	return p.runMySQL(ctx, conn, now)
}

// connect opens the target database, creating it first when the server
// reports it missing. The connect latency feeds the operation histogram and,
// under TLS, the handshake histogram.
func (p *Probe) connect(ctx context.Context) (*sql.DB, error) {
	start := time.Now()

	db, err := p.openTarget(p.dsn.Database)
	if err == nil {
		err = db.PingContext(ctx)
	}
	if err != nil && databaseMissing(err) {
		if db != nil {
			db.Close()
		}
		if cerr := p.createDatabase(ctx); cerr != nil {
			return nil, cerr
		}
		db, err = p.openTarget(p.dsn.Database)
		if err == nil {
			err = db.PingContext(ctx)
		}
	}
	if err != nil {
		if db != nil {
			db.Close()
		}
		return nil, err
	}

	elapsed := time.Since(start).Seconds()
	p.metrics.OperationDuration.WithLabelValues(p.database, metrics.OpConnect).Observe(elapsed)
	if p.tlsCfg.Mode.IsEnabled() {
		p.metrics.TLSHandshakeDuration.WithLabelValues(p.database).Observe(elapsed)
	}
	return db, nil
}

func (p *Probe) openTarget(database string) (*sql.DB, error) {
	d := *p.dsn
	d.Database = database
	if d.IsPostgres() {
		return p.open("postgres", config.FormPostgresDSN(&d, p.tlsCfg))
	}
	source, err := config.FormMySQLDSN(&d, p.tlsCfg)
	if err != nil {
		return nil, err
	}
	return p.open("mysql", source)
}

// createDatabase connects to the server's administrative database and issues
// CREATE DATABASE for the missing target.
func (p *Probe) createDatabase(ctx context.Context) error {
	admin := "mysql"
	stmt := fmt.Sprintf("CREATE DATABASE %s", quoteMySQLIdent(p.dsn.Database))
	if p.dsn.IsPostgres() {
		admin = "postgres"
		stmt = fmt.Sprintf("CREATE DATABASE %s", pq.QuoteIdentifier(p.dsn.Database))
	}

	db, err := p.openTarget(admin)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", admin, err)
	}
	defer db.Close()

	p.logger.Info("creating missing database", "database", p.dsn.Database)
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create database %s: %w", p.dsn.Database, err)
	}
	return nil
}

// databaseMissing reports whether err means the target database does not
// exist: SQLSTATE 3D000 on Postgres, error 1049 on MySQL.
func databaseMissing(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "3D000"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1049
	}
	return false
}

func quoteMySQLIdent(name string) string {
	out := make([]byte, 0, len(name)+2)
	out = append(out, '`')
	for i := 0; i < len(name); i++ {
		if name[i] == '`' {
			out = append(out, '`')
		}
		out = append(out, name[i])
	}
	return string(append(out, '`'))
}

// randomID draws the monitor-row id from [0, idRange). A range of 1 always
// yields 0.
func (p *Probe) randomID() int {
	if p.idRange < 1 {
		return 0
	}
	return rand.IntN(int(p.idRange))
}

// rollbackID derives the transient id used by the transaction test. Always
// non-negative and within int32.
func rollbackID(now time.Time) int64 {
	id := now.UnixMicro() % math.MaxInt32
	if id < 0 {
		id += math.MaxInt32
	}
	return id
}

// certMetadata resolves subject/issuer/expiry through the cache, probing the
// server on a miss. Probe failures are counted, never fatal.
func (p *Probe) certMetadata() *tlsprobe.Metadata {
	host := p.dsn.Host
	if host == "" {
		return nil
	}
	key := fmt.Sprintf("%s:%d", host, p.dsn.DefaultPort())
	if meta, ok := p.cache.Get(key); ok {
		return &meta
	}

	meta, err := p.fetchCert(host, p.dsn.PortOrDefault(), p.dsn.IsPostgres())
	if err != nil {
		p.metrics.TLSCertProbeErrors.WithLabelValues(p.database, tlsprobe.Phase(err)).Inc()
		p.logger.Debug("certificate probe failed", "err", err)
		return nil
	}
	p.cache.Put(key, *meta)
	return meta
}

// observeOp times fn into the per-operation histogram.
func (p *Probe) observeOp(op string, fn func() error) error {
	start := time.Now()
	err := fn()
	p.metrics.OperationDuration.WithLabelValues(p.database, op).Observe(time.Since(start).Seconds())
	return err
}
