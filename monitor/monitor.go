// Package monitor drives the probe at a fixed interval, isolates panics,
// rotates info-gauge labels and serves the metrics endpoint.
package monitor

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nbari/dbpulse/config"
	"github.com/nbari/dbpulse/metrics"
	"github.com/nbari/dbpulse/probe"
)

// Pulse is the JSON record written to stdout once per iteration.
type Pulse struct {
	RuntimeMS  int64  `json:"runtime_ms"`
	Time       string `json:"time"`
	Version    string `json:"version"`
	Uptime     *int64 `json:"uptime_seconds,omitempty"`
	TLSVersion string `json:"tls_version,omitempty"`
	TLSCipher  string `json:"tls_cipher,omitempty"`
}

// Monitor owns the supervision loop. It is the single writer of every
// info-gauge label; lastVersion/lastHost carry the rotation state.
type Monitor struct {
	interval   time.Duration
	metrics    *metrics.Metrics
	logger     *slog.Logger
	database   string
	tlsEnabled bool

	// seams for tests
	run   func(ctx context.Context, now time.Time) (*probe.Result, error)
	sleep func(ctx context.Context, d time.Duration)
	out   io.Writer

	lastVersion string
	lastHost    string
}

func New(dsn *config.DSN, tlsCfg *config.TLSConfig, interval time.Duration, p *probe.Probe, m *metrics.Metrics, logger *slog.Logger) *Monitor {
	return &Monitor{
		interval:   interval,
		metrics:    m,
		logger:     logger,
		database:   dsn.MetricDatabase(),
		tlsEnabled: tlsCfg.Mode.IsEnabled(),
		run:        p.Run,
		sleep:      pause,
		out:        os.Stdout,
	}
}

// Run loops until the context is canceled. Iteration failures and panics are
// absorbed; only cancellation ends the loop.
func (m *Monitor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		m.iterate(ctx)
	}
}

func (m *Monitor) iterate(ctx context.Context) {
	now := time.Now().UTC()
	timer := prometheus.NewTimer(m.metrics.Runtime)

	res, panicked, err := m.runProbe(ctx, now)
	if panicked {
		timer.ObserveDuration()
		m.metrics.Pulse.Set(0)
		m.metrics.PanicsRecovered.Inc()
		m.sleep(ctx, m.interval)
		return
	}

	pulse := &Pulse{Time: now.Format(time.RFC3339)}
	if err != nil {
		m.onError(err)
	} else {
		m.onSuccess(res, now, pulse)
	}

	elapsed := timer.ObserveDuration()
	m.metrics.RuntimeLastMS.WithLabelValues(m.database).Set(float64(elapsed.Milliseconds()))
	pulse.RuntimeMS = elapsed.Milliseconds()

	if encErr := json.NewEncoder(m.out).Encode(pulse); encErr != nil {
		m.logger.Error("failed to write pulse record", "err", encErr)
	}

	if remain := m.interval - time.Since(now); remain > 0 {
		m.sleep(ctx, remain)
	}
}

// runProbe executes one probe iteration behind a recover boundary so a panic
// never takes down the supervisor.
func (m *Monitor) runProbe(ctx context.Context, now time.Time) (res *probe.Result, panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			m.logger.Error("probe panicked", "panic", r)
		}
	}()
	res, err = m.run(ctx, now)
	return res, false, err
}

func (m *Monitor) onSuccess(res *probe.Result, now time.Time, pulse *Pulse) {
	if res.Version != m.lastVersion {
		if m.lastVersion != "" {
			m.metrics.VersionInfo.DeleteLabelValues(m.database, m.lastVersion)
		}
		m.metrics.VersionInfo.WithLabelValues(m.database, res.Version).Set(1)
		m.lastVersion = res.Version
	}
	if res.DBHost != m.lastHost {
		if m.lastHost != "" {
			m.metrics.HostInfo.DeleteLabelValues(m.database, m.lastHost)
		}
		m.metrics.HostInfo.WithLabelValues(m.database, res.DBHost).Set(1)
		m.lastHost = res.DBHost
	}

	pulse.Version = res.Version
	if res.UptimeSeconds >= 0 {
		m.metrics.UptimeSeconds.WithLabelValues(m.database).Set(float64(res.UptimeSeconds))
		uptime := res.UptimeSeconds
		pulse.Uptime = &uptime
	}

	if readOnly(res.Version) {
		// The server answers but cannot take writes; that is a failed pulse.
		m.metrics.ReadOnly.WithLabelValues(m.database).Set(1)
		m.metrics.Pulse.Set(0)
		m.metrics.IterationsTotal.WithLabelValues(m.database, metrics.StatusError).Inc()
		m.metrics.ErrorsTotal.WithLabelValues(m.database, "query").Inc()
	} else {
		m.metrics.ReadOnly.WithLabelValues(m.database).Set(0)
		m.metrics.Pulse.Set(1)
		m.metrics.IterationsTotal.WithLabelValues(m.database, metrics.StatusSuccess).Inc()
		m.metrics.LastSuccessTimestamp.WithLabelValues(m.database).Set(float64(now.Unix()))
	}

	if res.TLS != nil {
		if res.TLS.Version != "" {
			m.metrics.TLSInfo.WithLabelValues(m.database, res.TLS.Version, res.TLS.Cipher).Set(1)
			pulse.TLSVersion = res.TLS.Version
			pulse.TLSCipher = res.TLS.Cipher
		}
		if res.TLS.CertExpiryDays != nil {
			m.metrics.TLSCertExpiryDays.WithLabelValues(m.database).Set(float64(*res.TLS.CertExpiryDays))
		}
	}
}

func (m *Monitor) onError(err error) {
	m.metrics.Pulse.Set(0)
	m.metrics.IterationsTotal.WithLabelValues(m.database, metrics.StatusError).Inc()
	if m.lastHost != "" {
		m.metrics.HostInfo.DeleteLabelValues(m.database, m.lastHost)
		m.lastHost = ""
	}

	msg := err.Error()
	m.metrics.ErrorsTotal.WithLabelValues(m.database, classifyError(msg)).Inc()
	if m.tlsEnabled && isTLSError(msg) {
		m.metrics.TLSConnectionErrors.WithLabelValues(m.database, "handshake").Inc()
	}
	m.logger.Error("iteration failed", "err", err)
}

func readOnly(version string) bool {
	return strings.Contains(version, probe.AnnotationRecovery) ||
		strings.Contains(version, probe.AnnotationTxRO) ||
		strings.Contains(version, probe.AnnotationReadOnly)
}

// classifyError buckets an iteration error by substring. The matches are
// case-sensitive on purpose; driver messages are stable.
func classifyError(msg string) string {
	switch {
	case strings.Contains(msg, "authentication"),
		strings.Contains(msg, "password"),
		strings.Contains(msg, "Access denied"):
		return "authentication"
	case strings.Contains(msg, "timeout"):
		return "timeout"
	case strings.Contains(msg, "connection"), strings.Contains(msg, "refused"):
		return "connection"
	case strings.Contains(msg, "transaction"):
		return "transaction"
	default:
		return "query"
	}
}

func isTLSError(msg string) bool {
	for _, s := range []string{"ssl", "SSL", "tls", "TLS", "certificate", "Certificate"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// pause sleeps for d, waking early on cancellation. Sub-second remainders
// are honored exactly.
func pause(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
