package monitor

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/version"
	"github.com/prometheus/exporter-toolkit/web"

	"github.com/nbari/dbpulse/metrics"
)

// Listen binds the metrics endpoint. An explicit listen IP is used as given;
// otherwise the dual-stack wildcard is tried first with an IPv4 fallback.
func Listen(listenIP string, port uint16) (net.Listener, error) {
	if listenIP != "" {
		return net.Listen("tcp", net.JoinHostPort(listenIP, strconv.Itoa(int(port))))
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("[::]:%d", port))
	if err != nil {
		return net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
	}
	return ln, nil
}

// NewServer builds the HTTP server exposing /metrics plus a landing page
// on /.
func NewServer(m *metrics.Metrics, logger *slog.Logger) (*http.Server, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{
		ErrorLog: slog.NewLogLogger(logger.Handler(), slog.LevelError),
	}))

	landing, err := web.NewLandingPage(web.LandingConfig{
		Name:        "dbpulse",
		Description: "Database health probe",
		Version:     version.Info(),
		Links: []web.LandingLinks{
			{Address: "/metrics", Text: "Metrics"},
		},
	})
	if err != nil {
		return nil, err
	}
	mux.Handle("/", landing)

	return &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}, nil
}
