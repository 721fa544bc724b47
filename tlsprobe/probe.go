// Package tlsprobe performs a STARTTLS-style handshake against a PostgreSQL
// or MySQL server for the sole purpose of inspecting the peer certificate.
// The handshake accepts any certificate; verification belongs to the real
// database connection, not to this side channel.
package tlsprobe

import (
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"strconv"
	"time"
)

// Error phases, used as the error_type label on probe failure counters.
const (
	PhaseConnection = "connection"
	PhaseHandshake  = "handshake"
	PhaseParse      = "parse"
	PhaseTimeout    = "timeout"
	PhaseUnknown    = "unknown"
)

// Metadata is what the probe extracts from the server's leaf certificate.
type Metadata struct {
	Subject    string
	Issuer     string
	ExpiryDays int
}

// Error tags a probe failure with the phase it occurred in.
type Error struct {
	Phase string
	Err   error
}

func (e *Error) Error() string { return fmt.Sprintf("tls probe %s: %v", e.Phase, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Phase extracts the failure phase from any error returned by this package.
func Phase(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Phase
	}
	return PhaseUnknown
}

func phaseErr(phase string, err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		phase = PhaseTimeout
	}
	return &Error{Phase: phase, Err: err}
}

const probeTimeout = 10 * time.Second

// MySQL capability flags, per the client/server protocol.
const (
	capLongFlag     = 0x00000004
	capProtocol41   = 0x00000200
	capSSL          = 0x00000800
	capSecureConn   = 0x00008000
	capPluginAuth   = 0x00080000
	maxPacketSize   = 16 * 1024 * 1024
	defaultCharset  = 0x21 // utf8_general_ci
	sslRequestLen   = 32
	pgSSLRequestTag = 80877103
)

// Fetch connects to host:port, drives the protocol-specific STARTTLS
// exchange, completes a verification-free TLS handshake and returns the leaf
// certificate metadata. Failures carry the phase they occurred in.
func Fetch(host string, port uint16, postgres bool) (*Metadata, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(int(port)))
	conn, err := net.DialTimeout("tcp", addr, probeTimeout)
	if err != nil {
		return nil, phaseErr(PhaseConnection, err)
	}
	defer conn.Close()
	if err := conn.SetDeadline(time.Now().Add(probeTimeout)); err != nil {
		return nil, phaseErr(PhaseConnection, err)
	}

	if postgres {
		err = startTLSPostgres(conn)
	} else {
		err = startTLSMySQL(conn)
	}
	if err != nil {
		return nil, err
	}

	tconn := tls.Client(conn, &tls.Config{InsecureSkipVerify: true})
	if err := tconn.Handshake(); err != nil {
		return nil, phaseErr(PhaseHandshake, err)
	}

	certs := tconn.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return nil, phaseErr(PhaseParse, errors.New("no peer certificate presented"))
	}
	leaf := certs[0]

	return &Metadata{
		Subject:    leaf.Subject.String(),
		Issuer:     leaf.Issuer.String(),
		ExpiryDays: int(math.Floor(time.Until(leaf.NotAfter).Hours() / 24)),
	}, nil
}

// startTLSPostgres sends the 8-byte SSLRequest and expects the single-byte
// 'S' acceptance.
func startTLSPostgres(conn net.Conn) error {
	var req [8]byte
	binary.BigEndian.PutUint32(req[0:4], 8)
	binary.BigEndian.PutUint32(req[4:8], pgSSLRequestTag)
	if _, err := conn.Write(req[:]); err != nil {
		return phaseErr(PhaseHandshake, err)
	}

	var resp [1]byte
	if _, err := io.ReadFull(conn, resp[:]); err != nil {
		return phaseErr(PhaseHandshake, err)
	}
	if resp[0] != 'S' {
		return phaseErr(PhaseHandshake,
			fmt.Errorf("server does not accept TLS (response %#x)", resp[0]))
	}
	return nil
}

// startTLSMySQL reads the server's initial handshake packet, checks the
// CLIENT_SSL capability and answers with an SSLRequest frame, after which the
// socket is ready for a TLS client handshake.
func startTLSMySQL(conn net.Conn) error {
	var header [4]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return phaseErr(PhaseHandshake, err)
	}
	length := int(header[0]) | int(header[1])<<8 | int(header[2])<<16
	payload := make([]byte, length)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return phaseErr(PhaseHandshake, err)
	}

	caps, collation, err := parseHandshake(payload)
	if err != nil {
		return phaseErr(PhaseParse, err)
	}
	if caps&capSSL == 0 {
		return phaseErr(PhaseHandshake, errors.New("server does not support TLS"))
	}

	flags := uint32(capSSL|capProtocol41|capSecureConn|capLongFlag|capPluginAuth) & (caps | capSSL)

	frame := make([]byte, 4+sslRequestLen)
	frame[0] = sslRequestLen
	frame[3] = 1 // sequence
	binary.LittleEndian.PutUint32(frame[4:8], flags)
	binary.LittleEndian.PutUint32(frame[8:12], maxPacketSize)
	frame[12] = collation
	// bytes 13..35 stay zero (reserved)

	if _, err := conn.Write(frame); err != nil {
		return phaseErr(PhaseHandshake, err)
	}
	return nil
}

// parseHandshake walks the initial handshake payload far enough to recover
// the full 32-bit capability flags and the server collation.
func parseHandshake(payload []byte) (caps uint32, collation byte, err error) {
	collation = defaultCharset

	if len(payload) < 1 {
		return 0, 0, errors.New("empty handshake payload")
	}
	pos := 1 // protocol version

	// null-terminated server version
	end := -1
	for i := pos; i < len(payload); i++ {
		if payload[i] == 0 {
			end = i
			break
		}
	}
	if end < 0 {
		return 0, 0, errors.New("unterminated server version")
	}
	pos = end + 1

	// connection id, auth-plugin-data-1, filler
	pos += 4 + 8 + 1
	if pos+2 > len(payload) {
		return 0, 0, errors.New("handshake payload truncated before capability flags")
	}
	caps = uint32(binary.LittleEndian.Uint16(payload[pos : pos+2]))
	pos += 2

	// Optional tail: collation, status flags, upper capability flags.
	if pos < len(payload) {
		collation = payload[pos]
		pos++
	}
	pos += 2 // status flags
	if pos+2 <= len(payload) {
		caps |= uint32(binary.LittleEndian.Uint16(payload[pos:pos+2])) << 16
	}

	return caps, collation, nil
}
