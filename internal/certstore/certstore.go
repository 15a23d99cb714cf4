// Package certstore mints the per-host TLS certificates used for MITM
// decryption (design doc Section 4.5, spec Section 6: "forged TLS
// certificate has Subject.CN = <requested host>, validity ≤ 397 days,
// signed by a locally-generated CA"). The CA key is the only state the
// proxy persists across restarts.
package certstore

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// maxValidity matches the 397-day CA/Browser Forum ceiling cited in the
// external interfaces section.
const maxValidity = 397 * 24 * time.Hour

// Store mints per-host leaf certificates signed by a locally-trusted CA,
// minting on first use and caching thereafter (spec Section 5:
// "Certificate store: read concurrently; the CA private key is loaded
// once at start and immutable thereafter").
type Store struct {
	caCert *x509.Certificate
	caKey  *rsa.PrivateKey
	caTLS  tls.Certificate

	mu    sync.RWMutex
	cache map[string]*tls.Certificate
}

// LoadOrCreate reads the CA certificate/key pair from caPath, generating
// and persisting a new self-signed CA if none exists yet. caPath's
// directory is created if necessary.
func LoadOrCreate(caPath string) (*Store, error) {
	if existing, err := loadCA(caPath); err == nil {
		return newStore(existing)
	}

	ca, err := generateCA()
	if err != nil {
		return nil, fmt.Errorf("certstore: generate CA: %w", err)
	}
	if err := saveCA(caPath, ca); err != nil {
		return nil, fmt.Errorf("certstore: persist CA: %w", err)
	}
	return newStore(ca)
}

type caKeyPair struct {
	cert *x509.Certificate
	key  *rsa.PrivateKey
	der  []byte
}

func newStore(ca *caKeyPair) (*Store, error) {
	caTLS := tls.Certificate{
		Certificate: [][]byte{ca.der},
		PrivateKey:  ca.key,
		Leaf:        ca.cert,
	}
	return &Store{
		caCert: ca.cert,
		caKey:  ca.key,
		caTLS:  caTLS,
		cache:  make(map[string]*tls.Certificate),
	}, nil
}

// CACertPEM returns the CA certificate in PEM form, for installing into a
// client trust store.
func (s *Store) CACertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: s.caCert.Raw})
}

// Mint returns a leaf certificate for host, signed by the store's CA.
// Certificates are cached per host for the process lifetime; a
// CertificateMintFailure (spec Section 7) is returned as a plain error so
// callers can fall back to a raw tunnel.
func (s *Store) Mint(host string) (*tls.Certificate, error) {
	s.mu.RLock()
	if cert, ok := s.cache[host]; ok {
		s.mu.RUnlock()
		return cert, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if cert, ok := s.cache[host]; ok {
		return cert, nil
	}

	cert, err := s.signLeaf(host)
	if err != nil {
		return nil, fmt.Errorf("certstore: mint leaf for %s: %w", host, err)
	}
	s.cache[host] = cert
	return cert, nil
}

func (s *Store) signLeaf(host string) (*tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}

	notBefore := time.Now().Add(-time.Hour)
	notAfter := notBefore.Add(maxValidity)

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{host},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, s.caCert, &key.PublicKey, s.caKey)
	if err != nil {
		return nil, err
	}

	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}

	return &tls.Certificate{
		Certificate: [][]byte{der, s.caCert.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

func generateCA() (*caKeyPair, error) {
	key, err := rsa.GenerateKey(rand.Reader, 3072)
	if err != nil {
		return nil, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "dev-proxy local CA", Organization: []string{"dev-proxy"}},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &caKeyPair{cert: cert, key: key, der: der}, nil
}

func saveCA(path string, ca *caKeyPair) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	keyDER := x509.MarshalPKCS1PrivateKey(ca.key)
	var out []byte
	out = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.der})
	out = append(out, pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: keyDER})...)

	return os.WriteFile(path, out, 0o600)
}

func loadCA(path string) (*caKeyPair, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var certBlock, keyBlock *pem.Block
	rest := raw
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		switch block.Type {
		case "CERTIFICATE":
			certBlock = block
		case "RSA PRIVATE KEY":
			keyBlock = block
		}
	}
	if certBlock == nil || keyBlock == nil {
		return nil, fmt.Errorf("certstore: %s does not contain a CA cert and key", path)
	}

	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, err
	}
	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, err
	}
	return &caKeyPair{cert: cert, key: key, der: certBlock.Bytes}, nil
}

// DefaultPath returns the platform default location for the CA key file,
// overridable via the DEV_PROXY_CA_PATH environment variable (spec
// Section 6: "overridable via environment variable").
func DefaultPath() string {
	if p := os.Getenv("DEV_PROXY_CA_PATH"); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "dev-proxy", "ca.pem")
}
