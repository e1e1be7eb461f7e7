// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package state

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

// ErrAuthFailed is returned when a peer's PSK challenge response does not
// verify.
var ErrAuthFailed = errors.New("replication: peer authentication failed")

// SecurityConfig holds the transport security settings for a replication
// link: an optional pre-shared key for HMAC challenge-response, and
// optional TLS for the underlying connection.
type SecurityConfig struct {
	SecretKey   string
	TLSCertFile string
	TLSKeyFile  string
	TLSCAFile   string
	TLSMutual   bool
}

// newSecureListener opens a listener for the primary's replica-accept
// socket. Plain TCP unless a certificate/key pair is configured.
func newSecureListener(addr string, cfg SecurityConfig) (net.Listener, error) {
	if cfg.TLSCertFile == "" || cfg.TLSKeyFile == "" {
		return net.Listen("tcp", addr)
	}

	cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("replication: load tls certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if cfg.TLSMutual && cfg.TLSCAFile != "" {
		pool, err := loadCAPool(cfg.TLSCAFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return tls.Listen("tcp", addr, tlsConfig)
}

// dialSecure connects a replica to the primary's replication socket,
// again falling back to plain TCP when no certificate is configured.
func dialSecure(addr string, cfg SecurityConfig, timeout time.Duration) (net.Conn, error) {
	if cfg.TLSCertFile == "" {
		return net.DialTimeout("tcp", addr, timeout)
	}

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.TLSCAFile != "" {
		pool, err := loadCAPool(cfg.TLSCAFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.RootCAs = pool
	}

	if cfg.TLSMutual && cfg.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("replication: load tls certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	dialer := &net.Dialer{Timeout: timeout}
	return tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
}

func loadCAPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("replication: read ca certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("replication: parse ca certificate")
	}
	return pool, nil
}

// authChallenge/authResponse implement a PSK challenge-response: the
// primary sends a fresh nonce, the replica proves it holds the secret
// key by returning an HMAC over that nonce.
type authChallenge struct {
	Nonce string `json:"nonce"`
}

type authResponse struct {
	MAC string `json:"mac"`
}

func generateNonce() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func computeMAC(nonce string, secretKey []byte) string {
	mac := hmac.New(sha256.New, secretKey)
	mac.Write([]byte(nonce))
	return hex.EncodeToString(mac.Sum(nil))
}

func verifyMAC(nonce, receivedMAC string, secretKey []byte) bool {
	expected := computeMAC(nonce, secretKey)
	return hmac.Equal([]byte(expected), []byte(receivedMAC))
}
