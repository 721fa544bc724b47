package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// TLSMode selects how the database connection is encrypted and verified.
type TLSMode int

const (
	// TLSDisable uses a plaintext connection.
	TLSDisable TLSMode = iota
	// TLSRequire requires TLS but skips certificate verification.
	TLSRequire
	// TLSVerifyCA verifies the server certificate chain against a CA.
	TLSVerifyCA
	// TLSVerifyFull verifies the chain and the server hostname.
	TLSVerifyFull
)

// ParseTLSMode parses a mode string, case-insensitively.
func ParseTLSMode(s string) (TLSMode, error) {
	switch strings.ToLower(s) {
	case "disable":
		return TLSDisable, nil
	case "require":
		return TLSRequire, nil
	case "verify-ca":
		return TLSVerifyCA, nil
	case "verify-full":
		return TLSVerifyFull, nil
	}
	return TLSDisable, fmt.Errorf("invalid TLS mode: %s", s)
}

func (m TLSMode) String() string {
	switch m {
	case TLSRequire:
		return "require"
	case TLSVerifyCA:
		return "verify-ca"
	case TLSVerifyFull:
		return "verify-full"
	default:
		return "disable"
	}
}

// IsEnabled reports whether the connection uses TLS at all.
func (m TLSMode) IsEnabled() bool { return m != TLSDisable }

func (m TLSMode) pgSSLMode() string { return m.String() }

// TLSConfig carries the TLS mode and the optional certificate material paths.
type TLSConfig struct {
	Mode TLSMode
	CA   string
	Cert string
	Key  string
}

// tlsParamAliases maps every recognized DSN query-parameter spelling to the
// TLSConfig field it feeds.
var tlsParamAliases = map[string][]string{
	"mode": {"sslmode", "ssl-mode"},
	"ca":   {"sslrootcert", "sslca", "ssl-ca"},
	"cert": {"sslcert", "ssl-cert"},
	"key":  {"sslkey", "ssl-key"},
}

// TLSFromParams derives a TLSConfig from DSN query parameters. Unrecognized
// parameters are ignored; an unparseable sslmode is an error.
func TLSFromParams(params map[string]string) (*TLSConfig, error) {
	lookup := func(field string) string {
		for _, k := range tlsParamAliases[field] {
			if v, ok := params[k]; ok && v != "" {
				return v
			}
		}
		return ""
	}

	cfg := &TLSConfig{
		CA:   lookup("ca"),
		Cert: lookup("cert"),
		Key:  lookup("key"),
	}
	if s := lookup("mode"); s != "" {
		mode, err := ParseTLSMode(s)
		if err != nil {
			return nil, err
		}
		cfg.Mode = mode
	}
	return cfg, cfg.Validate()
}

// Validate checks the invariants: client cert and key come together or not
// at all.
func (c *TLSConfig) Validate() error {
	if (c.Cert == "") != (c.Key == "") {
		return errors.New("TLS client certificate and key must be provided together")
	}
	return nil
}

// the name used with mysql.RegisterTLSConfig for verify modes
const mysqlTLSName = "dbpulse"

// registerMySQL returns the go-sql-driver tls parameter value for the mode,
// registering a custom tls.Config when CA or client-certificate material is
// involved. host is used for hostname verification under verify-full.
func (c *TLSConfig) registerMySQL(host string) (string, error) {
	switch c.Mode {
	case TLSDisable:
		return "false", nil
	case TLSRequire:
		return "skip-verify", nil
	}

	pool, err := c.caPool()
	if err != nil {
		return "", err
	}

	tlsCfg := &tls.Config{RootCAs: pool}
	if c.Mode == TLSVerifyCA {
		// Verify the chain but not the hostname: disable the built-in
		// verification and run a chain-only check instead.
		tlsCfg.InsecureSkipVerify = true
		tlsCfg.VerifyPeerCertificate = verifyChainOnly(pool)
	} else {
		tlsCfg.ServerName = host
	}

	if c.Cert != "" && c.Key != "" {
		keypair, err := tls.LoadX509KeyPair(c.Cert, c.Key)
		if err != nil {
			return "", fmt.Errorf("failed to load TLS client certificate %s / key %s: %w", c.Cert, c.Key, err)
		}
		tlsCfg.Certificates = []tls.Certificate{keypair}
	}

	if err := mysql.RegisterTLSConfig(mysqlTLSName, tlsCfg); err != nil {
		return "", fmt.Errorf("failed to register a custom TLS configuration for mysql dsn: %w", err)
	}
	return mysqlTLSName, nil
}

func (c *TLSConfig) caPool() (*x509.CertPool, error) {
	if c.CA == "" {
		return x509.SystemCertPool()
	}
	pool := x509.NewCertPool()
	pemCA, err := os.ReadFile(c.CA)
	if err != nil {
		return nil, err
	}
	if !pool.AppendCertsFromPEM(pemCA) {
		return nil, fmt.Errorf("failed to parse pem-encoded CA certificates from %s", c.CA)
	}
	return pool, nil
}

func verifyChainOnly(pool *x509.CertPool) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("no server certificate presented")
		}
		certs := make([]*x509.Certificate, 0, len(rawCerts))
		for _, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return fmt.Errorf("failed to parse server certificate: %w", err)
			}
			certs = append(certs, cert)
		}
		opts := x509.VerifyOptions{
			Roots:         pool,
			Intermediates: x509.NewCertPool(),
		}
		for _, cert := range certs[1:] {
			opts.Intermediates.AddCert(cert)
		}
		_, err := certs[0].Verify(opts)
		return err
	}
}
