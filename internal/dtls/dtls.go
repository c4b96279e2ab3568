// Package dtls adapts github.com/pion/dtls/v3 to the narrow call shape the
// peer controller needs: an ephemeral self-signed certificate, its SDP
// fingerprint, and a client- or server-role handshake that can export SRTP
// keying material (RFC 5764 §4.2). WebRTC never validates the DTLS
// certificate against a CA; identity is instead checked by comparing the
// peer's certificate against the fingerprint carried in the signed SDP, and
// any mismatch aborts the handshake.
package dtls

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"fmt"
	"math/big"
	"net"
	"strings"
	"time"

	pdtls "github.com/pion/dtls/v3"
	dtlsnet "github.com/pion/dtls/v3/pkg/net"
)

// HashAlgorithm selects the digest used to compute a certificate
// fingerprint. Only SHA-256 is negotiated here.
type HashAlgorithm int

const HashAlgorithmSHA256 HashAlgorithm = iota

const certValidity = 365 * 24 * time.Hour

// GenerateSelfSigned creates an ephemeral ECDSA P-256 certificate and key,
// regenerated per session.
func GenerateSelfSigned() (*x509.Certificate, crypto.PrivateKey, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("dtls: generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("dtls: generate serial: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "duocall"},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(certValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, fmt.Errorf("dtls: create certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("dtls: parse certificate: %w", err)
	}

	return cert, priv, nil
}

// Fingerprint computes the SDP "fingerprint" attribute value (RFC 8122)
// for cert: lowercase colon-separated hex octets of the DER digest.
func Fingerprint(cert *x509.Certificate, algo HashAlgorithm) (string, error) {
	if algo != HashAlgorithmSHA256 {
		return "", fmt.Errorf("dtls: unsupported fingerprint algorithm")
	}
	sum := sha256.Sum256(cert.Raw)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = hex.EncodeToString([]byte{b})
	}
	return strings.Join(parts, ":"), nil
}

// normalizeFingerprint reduces an SDP fingerprint value ("sha-256 AB:CD:…",
// any case, with or without the algorithm token) to bare lowercase hex.
// Returns "" for a value naming any algorithm other than sha-256, which
// makes verification fail closed.
func normalizeFingerprint(v string) string {
	v = strings.TrimSpace(v)
	if fields := strings.Fields(v); len(fields) == 2 {
		if !strings.EqualFold(fields[0], "sha-256") {
			return ""
		}
		v = fields[1]
	}
	v = strings.ReplaceAll(v, ":", "")
	return strings.ToLower(v)
}

// Config configures a DTLS handshake.
type Config struct {
	Certificate *x509.Certificate
	PrivateKey  crypto.PrivateKey

	// ExpectedFingerprint is the peer's certificate fingerprint as
	// conveyed in its SDP. The handshake accepts the peer's certificate
	// iff its SHA-256 fingerprint matches; there is no fallback.
	ExpectedFingerprint string
}

func (c *Config) toPion() *pdtls.Config {
	expected := normalizeFingerprint(c.ExpectedFingerprint)
	return &pdtls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{c.Certificate.Raw},
			PrivateKey:  c.PrivateKey,
			Leaf:        c.Certificate,
		}},
		ClientAuth:         pdtls.RequireAnyClientCert,
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return fmt.Errorf("dtls: peer presented no certificate")
			}
			sum := sha256.Sum256(rawCerts[0])
			if expected == "" || hex.EncodeToString(sum[:]) != expected {
				return fmt.Errorf("dtls: peer certificate fingerprint mismatch")
			}
			return nil
		},
	}
}

// Conn is an established DTLS connection.
type Conn struct {
	*pdtls.Conn
}

// ExportKeyingMaterial exports length bytes from the completed handshake
// using the TLS exporter (RFC 5705); the DTLS-SRTP label is
// "EXTRACTOR-dtls_srtp" with an empty context.
func (c *Conn) ExportKeyingMaterial(label string, context []byte, length int) ([]byte, error) {
	state, ok := c.Conn.ConnectionState()
	if !ok {
		return nil, fmt.Errorf("dtls: handshake not complete")
	}
	return state.ExportKeyingMaterial(label, context, length)
}

// Client performs a DTLS handshake as the client over conn, which must
// already be demultiplexed from any other traffic sharing the socket (see
// internal/mux). Blocks until the handshake completes or fails.
func Client(conn net.Conn, config *Config) (*Conn, error) {
	pc, err := pdtls.Client(dtlsnet.PacketConnFromConn(conn), conn.RemoteAddr(), config.toPion())
	if err != nil {
		return nil, fmt.Errorf("dtls: client setup: %w", err)
	}
	if err := pc.Handshake(); err != nil {
		pc.Close()
		return nil, fmt.Errorf("dtls: client handshake: %w", err)
	}
	return &Conn{pc}, nil
}

// Server performs a DTLS handshake as the server over conn.
func Server(conn net.Conn, config *Config) (*Conn, error) {
	pc, err := pdtls.Server(dtlsnet.PacketConnFromConn(conn), conn.RemoteAddr(), config.toPion())
	if err != nil {
		return nil, fmt.Errorf("dtls: server setup: %w", err)
	}
	if err := pc.Handshake(); err != nil {
		pc.Close()
		return nil, fmt.Errorf("dtls: server handshake: %w", err)
	}
	return &Conn{pc}, nil
}
