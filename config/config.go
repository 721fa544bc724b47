// Package config holds the connection material for a probe target: the
// parsed DSN and the TLS settings, plus the per-driver connection-string
// builders.
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// Supported driver names.
const (
	DriverPostgres   = "postgres"
	DriverPostgreSQL = "postgresql"
	DriverMySQL      = "mysql"
)

// DSN is a parsed connection string of the form
//
//	<driver>://<user>:<pass>@tcp(<host>:<port>)/<database>?<k=v>&...
//
// The tcp(host:port) syntax is the legacy form; a plain
// <user>:<pass>@<host>:<port> authority is also accepted, as is
// unix(/path/to.sock) for socket connections.
type DSN struct {
	Driver   string
	Username string
	Password string
	Host     string
	Port     uint16
	Socket   string
	Database string
	Params   map[string]string
}

// ParseDSN parses s into a DSN. It validates the driver name but not
// reachability; an empty authority yields a DSN with no host.
func ParseDSN(s string) (*DSN, error) {
	scheme, rest, ok := strings.Cut(s, "://")
	if !ok {
		return nil, fmt.Errorf("invalid DSN %q: missing scheme", s)
	}

	driver := strings.ToLower(scheme)
	switch driver {
	case DriverPostgres, DriverPostgreSQL, DriverMySQL:
	default:
		return nil, fmt.Errorf("unsupported driver %q", scheme)
	}

	dsn := &DSN{Driver: driver, Params: map[string]string{}}

	var query string
	if rest, query, ok = strings.Cut(rest, "?"); ok {
		for _, kv := range strings.Split(query, "&") {
			if kv == "" {
				continue
			}
			k, v, _ := strings.Cut(kv, "=")
			dsn.Params[k] = v
		}
	}

	authority := rest
	if i := strings.Index(rest, "/"); i >= 0 {
		authority = rest[:i]
		dsn.Database = rest[i+1:]
	}

	addr := authority
	// Split credentials on the last '@' so passwords containing '@' survive.
	if i := strings.LastIndex(authority, "@"); i >= 0 {
		userinfo := authority[:i]
		addr = authority[i+1:]
		dsn.Username, dsn.Password, _ = strings.Cut(userinfo, ":")
	}

	switch {
	case addr == "":
	case strings.HasPrefix(addr, "tcp(") && strings.HasSuffix(addr, ")"):
		if err := dsn.setHostPort(addr[len("tcp(") : len(addr)-1]); err != nil {
			return nil, err
		}
	case strings.HasPrefix(addr, "unix(") && strings.HasSuffix(addr, ")"):
		dsn.Socket = addr[len("unix(") : len(addr)-1]
	default:
		if err := dsn.setHostPort(addr); err != nil {
			return nil, err
		}
	}

	return dsn, nil
}

func (d *DSN) setHostPort(hostport string) error {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		// No port given.
		d.Host = hostport
		return nil
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return fmt.Errorf("invalid port %q: %w", port, err)
	}
	d.Host = host
	d.Port = uint16(p)
	return nil
}

// IsPostgres reports whether the DSN targets PostgreSQL.
func (d *DSN) IsPostgres() bool {
	return d.Driver == DriverPostgres || d.Driver == DriverPostgreSQL
}

// DefaultPort returns the driver's well-known port.
func (d *DSN) DefaultPort() uint16 {
	if d.IsPostgres() {
		return 5432
	}
	return 3306
}

// PortOrDefault returns the explicit port, or the driver default.
func (d *DSN) PortOrDefault() uint16 {
	if d.Port != 0 {
		return d.Port
	}
	return d.DefaultPort()
}

// MetricDatabase returns the value used for the "database" metric label:
// "postgres" for either PostgreSQL driver spelling, otherwise the driver
// name.
func (d *DSN) MetricDatabase() string {
	if d.IsPostgres() {
		return DriverPostgres
	}
	return d.Driver
}

// FormMySQLDSN builds a go-sql-driver/mysql DSN for the target, registering
// a custom TLS configuration when the mode requires one.
func FormMySQLDSN(d *DSN, tlsCfg *TLSConfig) (string, error) {
	cfg := mysql.NewConfig()
	cfg.User = d.Username
	cfg.Passwd = d.Password
	cfg.DBName = d.Database
	if d.Socket != "" {
		cfg.Net = "unix"
		cfg.Addr = d.Socket
	} else {
		host := d.Host
		if host == "" {
			host = "127.0.0.1"
		}
		cfg.Net = "tcp"
		cfg.Addr = net.JoinHostPort(host, strconv.Itoa(int(d.PortOrDefault())))
	}

	name, err := tlsCfg.registerMySQL(d.Host)
	if err != nil {
		return "", err
	}
	cfg.TLSConfig = name

	return cfg.FormatDSN(), nil
}

// FormPostgresDSN builds a lib/pq key/value conninfo string for the target.
func FormPostgresDSN(d *DSN, tlsCfg *TLSConfig) string {
	kv := make([]string, 0, 10)
	add := func(k, v string) {
		if v != "" {
			kv = append(kv, k+"="+quoteConninfo(v))
		}
	}

	if d.Socket != "" {
		add("host", d.Socket)
	} else {
		host := d.Host
		if host == "" {
			host = "127.0.0.1"
		}
		add("host", host)
		add("port", strconv.Itoa(int(d.PortOrDefault())))
	}
	add("user", d.Username)
	add("password", d.Password)
	add("dbname", d.Database)

	add("sslmode", tlsCfg.Mode.pgSSLMode())
	if tlsCfg.Mode.IsEnabled() {
		add("sslrootcert", tlsCfg.CA)
		if tlsCfg.Cert != "" && tlsCfg.Key != "" {
			add("sslcert", tlsCfg.Cert)
			add("sslkey", tlsCfg.Key)
		}
	}

	return strings.Join(kv, " ")
}

// quoteConninfo quotes a conninfo value per libpq rules when needed.
func quoteConninfo(v string) string {
	if !strings.ContainsAny(v, " '\\") {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}
