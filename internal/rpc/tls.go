package rpc

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shale-io/shale/internal/logging"
)

// DefaultCertCheckInterval is how often a watching CertReloader looks for
// changed certificate files.
const DefaultCertCheckInterval = 30 * time.Second

// CertReloader serves a certificate pair from disk and picks up rotated
// files without a restart.
type CertReloader struct {
	certFile string
	keyFile  string
	logger   *logging.Logger
	cert     atomic.Pointer[tls.Certificate]

	mu      sync.Mutex
	modTime time.Time
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewCertReloader loads the pair. A nil logger uses the global logger.
func NewCertReloader(certFile, keyFile string, logger *logging.Logger) (*CertReloader, error) {
	if certFile == "" || keyFile == "" {
		return nil, errors.New("rpc: tls certificate and key files are required")
	}
	if logger == nil {
		logger = logging.Global()
	}
	r := &CertReloader{certFile: certFile, keyFile: keyFile, logger: logger.Named("tls")}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	r.modTime, _ = r.latestModTime()
	return r, nil
}

// Reload reads the pair from disk. On failure the previous certificate
// stays in use.
func (r *CertReloader) Reload() error {
	cert, err := tls.LoadX509KeyPair(r.certFile, r.keyFile)
	if err != nil {
		return fmt.Errorf("rpc: load certificate: %w", err)
	}
	r.cert.Store(&cert)
	r.logger.Infof("certificate loaded", map[string]any{"cert": r.certFile})
	return nil
}

// GetCertificate is a tls.Config.GetCertificate callback.
func (r *CertReloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	if c := r.cert.Load(); c != nil {
		return c, nil
	}
	return nil, errors.New("rpc: no certificate loaded")
}

// ServerConfig returns a TLS 1.2+ server config backed by the reloader.
func (r *CertReloader) ServerConfig() *tls.Config {
	return &tls.Config{GetCertificate: r.GetCertificate, MinVersion: tls.VersionTLS12}
}

func (r *CertReloader) latestModTime() (time.Time, error) {
	var latest time.Time
	for _, f := range []string{r.certFile, r.keyFile} {
		fi, err := os.Stat(f)
		if err != nil {
			return time.Time{}, err
		}
		if fi.ModTime().After(latest) {
			latest = fi.ModTime()
		}
	}
	return latest, nil
}

// changed reports whether either file is newer than the last load.
func (r *CertReloader) changed() bool {
	latest, err := r.latestModTime()
	if err != nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !latest.After(r.modTime) {
		return false
	}
	r.modTime = latest
	return true
}

// Watch reloads the pair whenever its files change, until Stop.
func (r *CertReloader) Watch(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCertCheckInterval
	}
	r.mu.Lock()
	if r.stopCh != nil {
		r.mu.Unlock()
		return
	}
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	stopCh, doneCh := r.stopCh, r.doneCh
	r.mu.Unlock()

	go func() {
		defer close(doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				if !r.changed() {
					continue
				}
				if err := r.Reload(); err != nil {
					r.logger.Warnf("certificate reload failed", map[string]any{"error": err.Error()})
				}
			}
		}
	}()
}

// Stop ends Watch. It is a no-op when not watching.
func (r *CertReloader) Stop() {
	r.mu.Lock()
	stopCh, doneCh := r.stopCh, r.doneCh
	r.stopCh = nil
	r.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	<-doneCh
}
