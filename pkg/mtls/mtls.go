// Package mtls builds the TLS configurations both sides of this system use:
// the gateway server that terminates client connections, and the worker's
// client identity towards the record store. Both verify the peer against the
// same trusted CA bundle.
package mtls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// Config locates the local certificate pair and the CA bundle.
type Config struct {
	CertPath     string
	KeyPath      string
	CABundlePath string
}

// defaultCipherSuites restricts TLS 1.2 connections to AEAD suites with
// forward secrecy. TLS 1.3 suites are not configurable and unaffected.
var defaultCipherSuites = []uint16{
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
}

// ServerConfig returns a tls.Config that requires and chain-verifies a client
// certificate against the CA bundle. Handlers behind it can rely on
// r.TLS.PeerCertificates[0] being present and chain-valid; revocation and
// identity checks stay with the oracle.
func (c Config) ServerConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(c.CertPath, c.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}
	pool, err := loadCAPool(c.CABundlePath)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
		CipherSuites: defaultCipherSuites,
		NextProtos:   []string{"h2", "http/1.1"},
	}, nil
}

// ClientConfig returns a tls.Config presenting the local certificate and
// verifying the server against the CA bundle.
func (c Config) ClientConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(c.CertPath, c.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load client certificate: %w", err)
	}
	pool, err := loadCAPool(c.CABundlePath)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
		CipherSuites: defaultCipherSuites,
	}, nil
}

func loadCAPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("CA bundle %s contains no usable certificates", path)
	}
	return pool, nil
}
