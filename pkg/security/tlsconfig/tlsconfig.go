package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// reloadTTL bounds how long a hot-reloaded certificate is cached.
const reloadTTL = 10 * time.Second

// Options defines TLS inputs for both the MongoDB connection and the
// management endpoint.
type Options struct {
	Enable   bool
	CAFile   string
	CertFile string
	KeyFile  string
	// CertKeyFile is a single PEM holding both certificate and key, the
	// layout mongod and mongosh use. It takes precedence over
	// CertFile/KeyFile.
	CertKeyFile        string
	InsecureSkipVerify bool
	ServerName         string
}

func (o Options) hasCert() bool {
	return o.CertKeyFile != "" || (o.CertFile != "" && o.KeyFile != "")
}

func (o Options) loadCert() (tls.Certificate, error) {
	if o.CertKeyFile != "" {
		pem, err := os.ReadFile(o.CertKeyFile)
		if err != nil {
			return tls.Certificate{}, err
		}
		cert, err := tls.X509KeyPair(pem, pem)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("tls: %s: %w", o.CertKeyFile, err)
		}
		return cert, nil
	}
	return tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
}

func loadPool(path string) (*x509.CertPool, error) {
	ca, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(ca) {
		return nil, fmt.Errorf("tls: no certificates found in %s", path)
	}
	return pool, nil
}

// Server returns a tls.Config for servers if enabled, otherwise nil. A CA
// file turns on client certificate verification.
func (o Options) Server() (*tls.Config, error) {
	if !o.Enable {
		return nil, nil
	}
	if !o.hasCert() {
		return nil, errors.New("tls: server cert/key required when TLS enabled")
	}
	cert, err := o.loadCert()
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	if o.CAFile != "" {
		pool, err := loadPool(o.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}

// Client returns a tls.Config for clients if enabled, otherwise nil.
func (o Options) Client() (*tls.Config, error) {
	if !o.Enable {
		return nil, nil
	}
	cfg := &tls.Config{InsecureSkipVerify: o.InsecureSkipVerify, MinVersion: tls.VersionTLS12} //nolint:gosec
	if o.ServerName != "" {
		cfg.ServerName = o.ServerName
	}
	if o.CAFile != "" {
		pool, err := loadPool(o.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	if o.hasCert() {
		cert, err := o.loadCert()
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// ServerHotReload returns a server tls.Config that reloads the certificate
// from disk periodically (lazy, on handshake) to support manual rotation
// without restarting the agent. The CA pool is loaded once.
func (o Options) ServerHotReload() (*tls.Config, error) {
	if !o.Enable {
		return nil, nil
	}
	if !o.hasCert() {
		return nil, errors.New("tls: server cert/key required when TLS enabled")
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if o.CAFile != "" {
		pool, err := loadPool(o.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	var (
		mu       sync.Mutex
		cached   *tls.Certificate
		lastLoad time.Time
	)
	cfg.GetCertificate = func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		mu.Lock()
		defer mu.Unlock()
		if cached != nil && time.Since(lastLoad) < reloadTTL {
			return cached, nil
		}
		cert, err := o.loadCert()
		if err != nil {
			return nil, err
		}
		cached = &cert
		lastLoad = time.Now()
		return cached, nil
	}
	return cfg, nil
}
