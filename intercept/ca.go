package intercept

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/seamgate/seamgate/logger"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

var ErrNoCA = errors.New("intercept: no CA material")

// https://pkg.go.dev/crypto#PrivateKey
type signer interface {
	Public() crypto.PublicKey
	Equal(x crypto.PrivateKey) bool
}

type caOptions struct {
	validity    time.Duration
	poolTTL     time.Duration
	mintWorkers int64
	onMint      func(serverName string)
	logger      logger.Logger
}

type CAOption func(opts *caOptions)

// ValidityCAOption sets the validity window of minted leaf certificates.
func ValidityCAOption(validity time.Duration) CAOption {
	return func(opts *caOptions) {
		opts.validity = validity
	}
}

// PoolTTLCAOption sets how long minted leaves are reused before a fresh
// mint. It should stay well inside the leaf validity.
func PoolTTLCAOption(ttl time.Duration) CAOption {
	return func(opts *caOptions) {
		opts.poolTTL = ttl
	}
}

// MintWorkersCAOption bounds how many mints may run at once.
func MintWorkersCAOption(n int64) CAOption {
	return func(opts *caOptions) {
		opts.mintWorkers = n
	}
}

// OnMintCAOption observes every fresh mint (a pool miss).
func OnMintCAOption(f func(serverName string)) CAOption {
	return func(opts *caOptions) {
		opts.onMint = f
	}
}

func LoggerCAOption(logger logger.Logger) CAOption {
	return func(opts *caOptions) {
		opts.logger = logger
	}
}

// CA mints per-host leaf certificates signed by the intercepting root.
// Leaves are pooled with a TTL; concurrent first requests for the same
// host share one mint.
type CA struct {
	cert    *x509.Certificate
	key     crypto.PrivateKey
	pool    *cache.Cache
	group   singleflight.Group
	sem     *semaphore.Weighted
	options caOptions
}

func NewCA(cert *x509.Certificate, key crypto.PrivateKey, opts ...CAOption) (*CA, error) {
	options := caOptions{
		validity:    7 * 24 * time.Hour,
		poolTTL:     time.Hour,
		mintWorkers: 4,
		logger:      logger.Default().WithFields(map[string]any{"kind": "ca"}),
	}
	for _, opt := range opts {
		opt(&options)
	}

	if cert == nil || key == nil {
		return nil, ErrNoCA
	}
	if _, ok := key.(signer); !ok {
		return nil, errors.New("intercept: unusable CA key type")
	}

	return &CA{
		cert:    cert,
		key:     key,
		pool:    cache.New(options.poolTTL, 10*time.Minute),
		sem:     semaphore.NewWeighted(options.mintWorkers),
		options: options,
	}, nil
}

// LoadCA parses PEM encoded CA certificate and private key material.
func LoadCA(certPEM, keyPEM []byte, opts ...CAOption) (*CA, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, ErrNoCA
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("intercept: parse CA cert: %w", err)
	}

	block, _ = pem.Decode(keyPEM)
	if block == nil {
		return nil, ErrNoCA
	}
	key, err := parsePrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("intercept: parse CA key: %w", err)
	}

	return NewCA(cert, key, opts...)
}

// GenerateCA creates a fresh self-signed ECDSA root, mainly for tests
// and first-run setups.
func GenerateCA(commonName string, opts ...CAOption) (*CA, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject: pkix.Name{
			CommonName:   commonName,
			Organization: []string{"Seamgate"},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
	}
	raw, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(raw)
	if err != nil {
		return nil, err
	}
	return NewCA(cert, key, opts...)
}

func parsePrivateKey(der []byte) (crypto.PrivateKey, error) {
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	return x509.ParsePKCS1PrivateKey(der)
}

// Cert returns the root certificate.
func (ca *CA) Cert() *x509.Certificate {
	return ca.cert
}

// CertPEM returns the PEM encoded root certificate for client trust
// store installation.
func (ca *CA) CertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.cert.Raw})
}

// GetCertificate returns a leaf for serverName, minting and pooling one
// when needed.
func (ca *CA) GetCertificate(serverName string) (*tls.Certificate, error) {
	if host, _, _ := net.SplitHostPort(serverName); host != "" {
		serverName = host
	}

	if v, ok := ca.pool.Get(serverName); ok {
		return v.(*tls.Certificate), nil
	}

	v, err, _ := ca.group.Do(serverName, func() (any, error) {
		if v, ok := ca.pool.Get(serverName); ok {
			return v, nil
		}

		if err := ca.sem.Acquire(context.Background(), 1); err != nil {
			return nil, err
		}
		defer ca.sem.Release(1)

		start := time.Now()
		cert, err := ca.mint(serverName)
		if err != nil {
			return nil, err
		}
		ca.options.logger.Debugf("minted leaf for %s (%v)", serverName, time.Since(start))
		if ca.options.onMint != nil {
			ca.options.onMint(serverName)
		}

		ca.pool.SetDefault(serverName, cert)
		return cert, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*tls.Certificate), nil
}

func (ca *CA) mint(serverName string) (*tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano() / 100000),
		Subject: pkix.Name{
			Organization: []string{"Seamgate"},
		},
		NotBefore:   time.Now().Add(-ca.options.validity),
		NotAfter:    time.Now().Add(ca.options.validity),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}

	if ip := net.ParseIP(serverName); ip != nil {
		tmpl.IPAddresses = []net.IP{ip}
	} else {
		tmpl.Subject.CommonName = serverName
		tmpl.DNSNames = []string{serverName}
	}

	raw, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, key.Public(), ca.key)
	if err != nil {
		return nil, err
	}
	leaf, err := x509.ParseCertificate(raw)
	if err != nil {
		return nil, err
	}

	return &tls.Certificate{
		Certificate: [][]byte{raw, ca.cert.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}
