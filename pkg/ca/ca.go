// Package ca implements the Cert Authority Helper (C9): one CA
// certificate+key for the deployment, issuing short-lived server-auth leaf
// certificates for the egress proxy's MITM path. The CA is persisted as
// plain DER through the shared control-plane store; if none is found at
// startup a fresh CA is generated and saved to that store, so it is reused
// by later starts against the same store but is never shared with a fresh
// deployment. Leaf certs are serverAuth-only,
// 30-day, SAN=host, cached in memory and evicted lazily on expiry.
package ca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sandboxlabs/sandboxd/pkg/log"
	"github.com/sandboxlabs/sandboxd/pkg/metrics"
	"github.com/sandboxlabs/sandboxd/pkg/store"
)

const (
	rootValidity = 5 * 365 * 24 * time.Hour
	leafValidity = 30 * 24 * time.Hour
	rootKeyBits  = 4096
	leafKeyBits  = 2048

	// refreshMargin is how far ahead of expiry a cached leaf is treated as
	// stale and reissued, per §4.8 "not near expiry".
	refreshMargin = 48 * time.Hour
)

// LeafCert is a host's certificate plus its private key, ready to hand to
// tls.Config.GetCertificate or similar.
type LeafCert struct {
	Host      string
	TLSCert   tls.Certificate
	ExpiresAt time.Time
}

type caData struct {
	RootCertDER []byte
	RootKeyDER  []byte
}

// Authority is the C9 Cert Authority Helper.
type Authority struct {
	st store.Store

	mu       sync.RWMutex
	rootCert *x509.Certificate
	rootKey  *rsa.PrivateKey

	cacheMu sync.RWMutex
	cache   map[string]*LeafCert

	logger zerolog.Logger
}

// New constructs an Authority over st. Call LoadOrCreate before issuing
// leaves.
func New(st store.Store) *Authority {
	return &Authority{st: st, cache: make(map[string]*LeafCert), logger: log.WithComponent("ca")}
}

// LoadOrCreate loads a persisted root CA from the store, or generates and
// persists a fresh one. If the store has no CA on first startup, this is
// the "ephemeral CA" fallback of §4.8 — it is not literally ephemeral
// (it's saved), but it is local to this process' store and never
// federates across a fresh deployment.
func (a *Authority) LoadOrCreate() error {
	blob, found, err := a.st.GetCA()
	if err != nil {
		return fmt.Errorf("ca: reading persisted CA: %w", err)
	}
	if found {
		return a.loadFrom(blob)
	}

	a.logger.Warn().Msg("no CA found in store; generating an ephemeral CA for this process")
	if err := a.generateRoot(); err != nil {
		return err
	}
	return a.persist()
}

func (a *Authority) generateRoot() error {
	key, err := rsa.GenerateKey(rand.Reader, rootKeyBits)
	if err != nil {
		return fmt.Errorf("ca: generating root key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("ca: generating serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"sandboxd"},
			CommonName:   "sandboxd egress proxy CA",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(rootValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLenZero:        true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("ca: creating root certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("ca: parsing root certificate: %w", err)
	}

	a.mu.Lock()
	a.rootCert = cert
	a.rootKey = key
	a.mu.Unlock()
	return nil
}

func (a *Authority) persist() error {
	a.mu.RLock()
	data := caData{RootCertDER: a.rootCert.Raw, RootKeyDER: x509.MarshalPKCS1PrivateKey(a.rootKey)}
	a.mu.RUnlock()

	blob, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("ca: marshaling CA data: %w", err)
	}
	return a.st.SaveCA(blob)
}

func (a *Authority) loadFrom(blob []byte) error {
	var data caData
	if err := json.Unmarshal(blob, &data); err != nil {
		return fmt.Errorf("ca: unmarshaling CA data: %w", err)
	}
	cert, err := x509.ParseCertificate(data.RootCertDER)
	if err != nil {
		return fmt.Errorf("ca: parsing root certificate: %w", err)
	}
	key, err := x509.ParsePKCS1PrivateKey(data.RootKeyDER)
	if err != nil {
		return fmt.Errorf("ca: parsing root key: %w", err)
	}

	a.mu.Lock()
	a.rootCert = cert
	a.rootKey = key
	a.mu.Unlock()
	return nil
}

// RootCertDER returns the root CA certificate, DER-encoded, for the
// sandbox workload's trust store (§4.6 security invariant ii).
func (a *Authority) RootCertDER() []byte {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.rootCert == nil {
		return nil
	}
	return a.rootCert.Raw
}

// GetOrCreateLeaf returns a cached, non-expiring-soon leaf certificate for
// host, or issues a fresh one. Concurrent-safe; satisfies §4.6's
// atomic-insert-if-absent requirement for the shared cert cache.
func (a *Authority) GetOrCreateLeaf(host string) (*LeafCert, error) {
	a.cacheMu.RLock()
	cached, ok := a.cache[host]
	a.cacheMu.RUnlock()
	if ok && time.Until(cached.ExpiresAt) > refreshMargin {
		return cached, nil
	}

	leaf, err := a.issueLeaf(host)
	if err != nil {
		return nil, err
	}

	a.cacheMu.Lock()
	// Re-check under the write lock: another connection may have raced us.
	if existing, ok := a.cache[host]; ok && time.Until(existing.ExpiresAt) > refreshMargin {
		a.cacheMu.Unlock()
		return existing, nil
	}
	a.cache[host] = leaf
	metrics.ProxyCertCacheSize.Set(float64(len(a.cache)))
	a.cacheMu.Unlock()

	return leaf, nil
}

func (a *Authority) issueLeaf(host string) (*LeafCert, error) {
	a.mu.RLock()
	rootCert, rootKey := a.rootCert, a.rootKey
	a.mu.RUnlock()
	if rootCert == nil || rootKey == nil {
		return nil, fmt.Errorf("ca: not initialized")
	}

	key, err := rsa.GenerateKey(rand.Reader, leafKeyBits)
	if err != nil {
		return nil, fmt.Errorf("ca: generating leaf key for %s: %w", host, err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("ca: generating serial for %s: %w", host, err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    now,
		NotAfter:     now.Add(leafValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{host},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, rootCert, &key.PublicKey, rootKey)
	if err != nil {
		return nil, fmt.Errorf("ca: creating leaf certificate for %s: %w", host, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("ca: parsing leaf certificate for %s: %w", host, err)
	}

	return &LeafCert{
		Host:      host,
		ExpiresAt: cert.NotAfter,
		TLSCert: tls.Certificate{
			Certificate: [][]byte{der},
			PrivateKey:  key,
			Leaf:        cert,
		},
	}, nil
}
