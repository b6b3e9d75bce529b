package keystore

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"
)

// MinCertValidity is the remaining lifetime a certificate must have to be
// accepted for mTLS use.
const MinCertValidity = 24 * time.Hour

// CAStore issues and verifies certificates for the daemon's mTLS surfaces.
// The self-signed root is generated lazily on first use.
type CAStore struct {
	mu       sync.Mutex
	rootCert *x509.Certificate
	rootKey  *ecdsa.PrivateKey
	rootPEM  []byte
	serial   int64
}

// NewCAStore returns an empty store; the root is created on demand.
func NewCAStore() *CAStore {
	return &CAStore{}
}

// Leaf is an issued certificate with its private key, both PEM-encoded.
type Leaf struct {
	CertPEM []byte
	KeyPEM  []byte
	Cert    *x509.Certificate
}

func (s *CAStore) ensureRoot() error {
	if s.rootCert != nil {
		return nil
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate root key: %w", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "cyberred-root", Organization: []string{"cyberred"}},
		NotBefore:             time.Now().Add(-5 * time.Minute),
		NotAfter:              time.Now().AddDate(5, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create root certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("parse root certificate: %w", err)
	}
	s.rootCert = cert
	s.rootKey = key
	s.rootPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	s.serial = 1
	return nil
}

// RootPEM returns the PEM-encoded root certificate, creating it if needed.
func (s *CAStore) RootPEM() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureRoot(); err != nil {
		return nil, err
	}
	return s.rootPEM, nil
}

// IssueLeaf issues a certificate for the given common name and SANs, valid
// for the given duration, usable for both client and server auth.
func (s *CAStore) IssueLeaf(commonName string, sans []string, validity time.Duration) (*Leaf, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureRoot(); err != nil {
		return nil, err
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate leaf key: %w", err)
	}
	s.serial++
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(s.serial),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-5 * time.Minute),
		NotAfter:     time.Now().Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	for _, san := range sans {
		if ip := net.ParseIP(san); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, san)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, s.rootCert, &key.PublicKey, s.rootKey)
	if err != nil {
		return nil, fmt.Errorf("issue leaf certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse leaf certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal leaf key: %w", err)
	}
	return &Leaf{
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
		Cert:    cert,
	}, nil
}

// VerifyChain checks a PEM certificate against the root and enforces the
// 24-hour remaining-validity threshold.
func (s *CAStore) VerifyChain(certPEM []byte) error {
	s.mu.Lock()
	if err := s.ensureRoot(); err != nil {
		s.mu.Unlock()
		return err
	}
	root := s.rootCert
	s.mu.Unlock()

	block, _ := pem.Decode(certPEM)
	if block == nil {
		return fmt.Errorf("verify chain: no PEM block found")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return fmt.Errorf("verify chain: %w", err)
	}

	pool := x509.NewCertPool()
	pool.AddCert(root)
	if _, err := cert.Verify(x509.VerifyOptions{
		Roots:     pool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return fmt.Errorf("verify chain: %w", err)
	}

	if remaining := time.Until(cert.NotAfter); remaining < MinCertValidity {
		return fmt.Errorf("certificate expires in %s, below %s threshold", remaining.Round(time.Minute), MinCertValidity)
	}
	return nil
}

// TLSConfig builds an mTLS config from an issued leaf: the peer must present
// a certificate chaining to the same root.
func (s *CAStore) TLSConfig(leaf *Leaf) (*tls.Config, error) {
	rootPEM, err := s.RootPEM()
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(rootPEM) {
		return nil, fmt.Errorf("append root certificate")
	}
	pair, err := tls.X509KeyPair(leaf.CertPEM, leaf.KeyPEM)
	if err != nil {
		return nil, fmt.Errorf("load leaf pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{pair},
		RootCAs:      pool,
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}, nil
}
