package tlsprobe

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"io"
	"math/big"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"
)

func mysqlHandshakePayload(caps uint32, collation byte) []byte {
	p := []byte{10}                          // protocol version
	p = append(p, []byte("8.0.36\x00")...)   // server version
	p = append(p, 1, 0, 0, 0)                // connection id
	p = append(p, make([]byte, 8)...)        // auth-plugin-data-1
	p = append(p, 0)                         // filler
	p = binary.LittleEndian.AppendUint16(p, uint16(caps))
	p = append(p, collation)
	p = append(p, 0, 0) // status flags
	p = binary.LittleEndian.AppendUint16(p, uint16(caps>>16))
	return p
}

func TestParseHandshake(t *testing.T) {
	caps := uint32(capSSL | capProtocol41 | capSecureConn | capPluginAuth)
	gotCaps, gotColl, err := parseHandshake(mysqlHandshakePayload(caps, 0x2d))
	if err != nil {
		t.Fatal(err)
	}
	if gotCaps != caps {
		t.Errorf("caps = %#x, want %#x", gotCaps, caps)
	}
	if gotColl != 0x2d {
		t.Errorf("collation = %#x, want 0x2d", gotColl)
	}
}

func TestParseHandshakeShortPayloadIsParseError(t *testing.T) {
	if _, _, err := parseHandshake([]byte{10, 'x'}); err == nil {
		t.Fatal("expected error for truncated payload")
	}
}

func TestPostgresStartTLSRefused(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	go func() {
		buf := make([]byte, 8)
		io.ReadFull(server, buf)
		server.Write([]byte{'N'})
	}()

	err := startTLSPostgres(client)
	if err == nil {
		t.Fatal("expected refusal error")
	}
	if Phase(err) != PhaseHandshake {
		t.Errorf("phase = %q, want %q", Phase(err), PhaseHandshake)
	}
}

func TestMySQLStartTLSWithoutSSLCapability(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	go func() {
		payload := mysqlHandshakePayload(capProtocol41|capSecureConn, defaultCharset)
		header := []byte{byte(len(payload)), byte(len(payload) >> 8), byte(len(payload) >> 16), 0}
		server.Write(append(header, payload...))
	}()

	err := startTLSMySQL(client)
	if err == nil {
		t.Fatal("expected capability error")
	}
	if Phase(err) != PhaseHandshake {
		t.Errorf("phase = %q, want %q", Phase(err), PhaseHandshake)
	}
}

func selfSignedCert(t *testing.T, notAfter time.Time) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "dbpulse-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     notAfter,
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

// fakeServer accepts one connection, runs the plaintext preamble and then
// completes a TLS server handshake with the given certificate.
func fakeServer(t *testing.T, cert tls.Certificate, preamble func(net.Conn)) (host string, port uint16) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		preamble(conn)
		tconn := tls.Server(conn, &tls.Config{Certificates: []tls.Certificate{cert}})
		tconn.Handshake()
	}()

	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	p, _ := strconv.Atoi(portStr)
	return "127.0.0.1", uint16(p)
}

func TestFetchPostgres(t *testing.T) {
	cert := selfSignedCert(t, time.Now().Add(48*time.Hour+30*time.Minute))
	host, port := fakeServer(t, cert, func(conn net.Conn) {
		buf := make([]byte, 8)
		io.ReadFull(conn, buf)
		if binary.BigEndian.Uint32(buf[4:8]) != pgSSLRequestTag {
			conn.Write([]byte{'N'})
			return
		}
		conn.Write([]byte{'S'})
	})

	meta, err := Fetch(host, port, true)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(meta.Subject, "dbpulse-test") {
		t.Errorf("subject = %q, want CN dbpulse-test", meta.Subject)
	}
	if meta.ExpiryDays != 2 {
		t.Errorf("expiry days = %d, want 2", meta.ExpiryDays)
	}
}

func TestFetchMySQL(t *testing.T) {
	cert := selfSignedCert(t, time.Now().Add(-36 * time.Hour))
	host, port := fakeServer(t, cert, func(conn net.Conn) {
		payload := mysqlHandshakePayload(capSSL|capProtocol41|capSecureConn, defaultCharset)
		header := []byte{byte(len(payload)), byte(len(payload) >> 8), byte(len(payload) >> 16), 0}
		conn.Write(append(header, payload...))
		reply := make([]byte, 4+sslRequestLen)
		io.ReadFull(conn, reply)
	})

	meta, err := Fetch(host, port, false)
	if err != nil {
		t.Fatal(err)
	}
	if meta.ExpiryDays >= 0 {
		t.Errorf("expiry days = %d, want negative for an expired cert", meta.ExpiryDays)
	}
}

func TestFetchConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	p, _ := strconv.Atoi(portStr)
	ln.Close()

	_, err = Fetch("127.0.0.1", uint16(p), true)
	if err == nil {
		t.Fatal("expected connection error")
	}
	if Phase(err) != PhaseConnection {
		t.Errorf("phase = %q, want %q", Phase(err), PhaseConnection)
	}
}
