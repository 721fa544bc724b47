// Package metrics declares every metric family dbpulse exposes and owns the
// registry backing the /metrics endpoint.
package metrics

import (
	"bytes"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

const namespace = "dbpulse"

// Label values for operation_duration_seconds and rows_affected_total.
const (
	OpConnect     = "connect"
	OpCreateTable = "create_table"
	OpInsert      = "insert"
	OpSelect      = "select"
	OpTransaction = "transaction_test"
	OpCleanup     = "cleanup"
	OpDelete      = "delete"
)

// Status label values for iterations_total.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Metrics holds every family registered on the dbpulse registry. Families are
// registered exactly once at construction; a duplicate registration panics,
// which is the intended fatal startup behavior.
type Metrics struct {
	registry *prometheus.Registry

	Pulse                prometheus.Gauge
	Runtime              prometheus.Histogram
	RuntimeLastMS        *prometheus.GaugeVec
	VersionInfo          *prometheus.GaugeVec
	HostInfo             *prometheus.GaugeVec
	UptimeSeconds        *prometheus.GaugeVec
	ReadOnly             *prometheus.GaugeVec
	DatabaseSizeBytes    *prometheus.GaugeVec
	ErrorsTotal          *prometheus.CounterVec
	IterationsTotal      *prometheus.CounterVec
	LastSuccessTimestamp *prometheus.GaugeVec
	OperationDuration    *prometheus.HistogramVec
	ConnectionDuration   prometheus.Histogram
	RowsAffected         *prometheus.CounterVec
	TableSizeBytes       *prometheus.GaugeVec
	TableRows            *prometheus.GaugeVec
	BlockingQueries      *prometheus.GaugeVec
	ReplicationLag       *prometheus.HistogramVec
	TLSHandshakeDuration *prometheus.HistogramVec
	TLSConnectionErrors  *prometheus.CounterVec
	TLSInfo              *prometheus.GaugeVec
	TLSCertExpiryDays    *prometheus.GaugeVec
	TLSCertProbeErrors   *prometheus.CounterVec
	PanicsRecovered      prometheus.Counter
}

// New builds the registry and registers every dbpulse family on it. The
// process-level collectors (go, process, build info) are registered separately
// by the caller so tests can encode a registry containing dbpulse series only.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.Pulse = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pulse",
		Help:      "1 when the last iteration completed a full read/write/transaction cycle, 0 otherwise.",
	})
	m.Runtime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "runtime",
		Help:      "Wall time of one probe iteration in seconds.",
	})
	m.RuntimeLastMS = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "runtime_last_milliseconds",
		Help:      "Duration of the last probe iteration in milliseconds.",
	}, []string{"database"})
	m.VersionInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "database_version_info",
		Help:      "Constant 1 labeled with the server version; at most one series per database.",
	}, []string{"database", "version"})
	m.HostInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "database_host_info",
		Help:      "Constant 1 labeled with the backend host; at most one series per database.",
	}, []string{"database", "host"})
	m.UptimeSeconds = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "database_uptime_seconds",
		Help:      "Server uptime in seconds.",
	}, []string{"database"})
	m.ReadOnly = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "database_readonly",
		Help:      "1 when the server is read-only or in recovery.",
	}, []string{"database"})
	m.DatabaseSizeBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "database_size_bytes",
		Help:      "Total size of the target database in bytes.",
	}, []string{"database"})
	m.ErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "errors_total",
		Help:      "Iteration errors by classified type.",
	}, []string{"database", "error_type"})
	m.IterationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "iterations_total",
		Help:      "Probe iterations by outcome.",
	}, []string{"database", "status"})
	m.LastSuccessTimestamp = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix timestamp of the last successful iteration.",
	}, []string{"database"})
	m.OperationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "operation_duration_seconds",
		Help:      "Latency of individual probe operations in seconds.",
	}, []string{"database", "operation"})
	m.ConnectionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "connection_duration_seconds",
		Help:      "Lifetime of the per-iteration database connection in seconds.",
	})
	m.RowsAffected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rows_affected_total",
		Help:      "Rows affected by probe writes and deletes.",
	}, []string{"database", "operation"})
	m.TableSizeBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "table_size_bytes",
		Help:      "Size of the monitor table in bytes.",
	}, []string{"database", "table"})
	m.TableRows = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "table_rows",
		Help:      "Approximate row count of the monitor table.",
	}, []string{"database", "table"})
	m.BlockingQueries = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "blocking_queries",
		Help:      "Sessions currently waiting on locks.",
	}, []string{"database"})
	m.ReplicationLag = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "replication_lag_seconds",
		Help:      "Replication lag in seconds, recorded on replicas only.",
	}, []string{"database"})
	m.TLSHandshakeDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "tls_handshake_duration_seconds",
		Help:      "TLS connection establishment latency in seconds.",
	}, []string{"database"})
	m.TLSConnectionErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tls_connection_errors_total",
		Help:      "TLS-related connection errors.",
	}, []string{"database", "error_type"})
	m.TLSInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tls_info",
		Help:      "Constant 1 labeled with the negotiated TLS version and cipher.",
	}, []string{"database", "version", "cipher"})
	m.TLSCertExpiryDays = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tls_cert_expiry_days",
		Help:      "Days until the server certificate expires; negative when expired.",
	}, []string{"database"})
	m.TLSCertProbeErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tls_cert_probe_errors_total",
		Help:      "Certificate probe failures by phase.",
	}, []string{"database", "error_type"})
	m.PanicsRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "panics_recovered_total",
		Help:      "Probe panics caught by the supervision loop.",
	})

	m.registry.MustRegister(
		m.Pulse,
		m.Runtime,
		m.RuntimeLastMS,
		m.VersionInfo,
		m.HostInfo,
		m.UptimeSeconds,
		m.ReadOnly,
		m.DatabaseSizeBytes,
		m.ErrorsTotal,
		m.IterationsTotal,
		m.LastSuccessTimestamp,
		m.OperationDuration,
		m.ConnectionDuration,
		m.RowsAffected,
		m.TableSizeBytes,
		m.TableRows,
		m.BlockingQueries,
		m.ReplicationLag,
		m.TLSHandshakeDuration,
		m.TLSConnectionErrors,
		m.TLSInfo,
		m.TLSCertExpiryDays,
		m.TLSCertProbeErrors,
		m.PanicsRecovered,
	)

	return m
}

// Registry returns the registry backing the /metrics endpoint. Additional
// process-level collectors may be registered on it at startup.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Encode renders the current state of the registry in the Prometheus text
// exposition format.
func (m *Metrics) Encode() ([]byte, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
