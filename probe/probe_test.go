package probe

import (
	"context"
	"database/sql"
	"math"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/prometheus/common/promslog"

	"github.com/nbari/dbpulse/config"
	"github.com/nbari/dbpulse/metrics"
	"github.com/nbari/dbpulse/tlsprobe"
)

func testProbe(t *testing.T, driver string) (*Probe, *metrics.Metrics) {
	t.Helper()
	dsn, err := config.ParseDSN(driver + "://user:secret@tcp(127.0.0.1)/pulse")
	if err != nil {
		t.Fatal(err)
	}
	m := metrics.New()
	return New(dsn, &config.TLSConfig{}, 1, m, tlsprobe.NewCache(0), promslog.NewNopLogger()), m
}

func newMockConn(t *testing.T) (*sql.Conn, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	conn, err := db.Conn(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, mock
}

// uuidSequence hands out fixed ids so write/read-back assertions are
// deterministic.
func uuidSequence(ids ...string) func() string {
	i := 0
	return func() string {
		id := ids[i%len(ids)]
		i++
		return id
	}
}

func TestRollbackIDBounds(t *testing.T) {
	for _, now := range []time.Time{
		time.Unix(0, 0),
		time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
		time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC),
	} {
		id := rollbackID(now)
		if id < 0 || id >= math.MaxInt32 {
			t.Errorf("rollbackID(%v) = %d, out of int32 range", now, id)
		}
	}
}

func TestRandomIDRangeOne(t *testing.T) {
	p, _ := testProbe(t, "mysql")
	for i := 0; i < 100; i++ {
		if id := p.randomID(); id != 0 {
			t.Fatalf("range 1 must always yield 0, got %d", id)
		}
	}
}

func TestDatabaseMissing(t *testing.T) {
	if !databaseMissing(&pq.Error{Code: "3D000"}) {
		t.Error("3D000 should mean database missing")
	}
	if databaseMissing(&pq.Error{Code: "28P01"}) {
		t.Error("auth failure is not database missing")
	}
}

func TestConnectCreatesMissingDatabase(t *testing.T) {
	p, _ := testProbe(t, "postgres")

	missing, missingMock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatal(err)
	}
	missingMock.ExpectPing().WillReturnError(&pq.Error{Code: "3D000"})
	missingMock.ExpectClose()

	admin, adminMock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	if err != nil {
		t.Fatal(err)
	}
	adminMock.ExpectExec(`CREATE DATABASE "pulse"`).WillReturnResult(sqlmock.NewResult(0, 0))
	adminMock.ExpectClose()

	target, targetMock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatal(err)
	}
	targetMock.ExpectPing()

	dbs := []*sql.DB{missing, admin, target}
	p.open = func(_, _ string) (*sql.DB, error) {
		db := dbs[0]
		dbs = dbs[1:]
		return db, nil
	}

	db, err := p.connect(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	db.Close()

	for _, mock := range []sqlmock.Sqlmock{missingMock, adminMock, targetMock} {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Error(err)
		}
	}
}

func TestCertMetadataCachesAndCounts(t *testing.T) {
	p, m := testProbe(t, "postgres")
	p.cache = tlsprobe.NewCache(time.Minute)

	calls := 0
	p.fetchCert = func(host string, port uint16, postgres bool) (*tlsprobe.Metadata, error) {
		calls++
		return &tlsprobe.Metadata{Subject: "CN=db", Issuer: "CN=ca", ExpiryDays: 42}, nil
	}

	first := p.certMetadata()
	second := p.certMetadata()
	if first == nil || second == nil {
		t.Fatal("expected metadata")
	}
	if calls != 1 {
		t.Errorf("expected one probe, cache should serve the second call; got %d", calls)
	}

	p.cache = tlsprobe.NewCache(0)
	p.fetchCert = func(string, uint16, bool) (*tlsprobe.Metadata, error) {
		return nil, &tlsprobe.Error{Phase: tlsprobe.PhaseTimeout, Err: context.DeadlineExceeded}
	}
	if meta := p.certMetadata(); meta != nil {
		t.Fatal("probe failure must yield nil metadata")
	}
	got := testutil.ToFloat64(m.TLSCertProbeErrors.WithLabelValues("postgres", tlsprobe.PhaseTimeout))
	if got != 1 {
		t.Errorf("probe error counter = %v, want 1", got)
	}
}
