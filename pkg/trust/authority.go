package trust

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	caCertFile   = "ca.pem"
	caKeyFile    = "ca.key"
	hostCertFile = "host.pem"
	hostKeyFile  = "host.key"

	caValidity     = 10 * 365 * 24 * time.Hour
	leafValidity   = 2 * 365 * 24 * time.Hour
	organization   = "LinuxPlay"
	caCommonName   = "LinuxPlay Host CA"
	hostCommonName = "LinuxPlay Host"
)

// Fingerprint returns the uppercase hex SHA-256 of the certificate DER
func Fingerprint(cert *x509.Certificate) string {
	return FingerprintDER(cert.Raw)
}

// FingerprintDER returns the uppercase hex SHA-256 of raw DER bytes
func FingerprintDER(der []byte) string {
	sum := sha256.Sum256(der)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// Authority is the host's private CA plus its TLS server certificate
type Authority struct {
	dir    string
	CACert *x509.Certificate
	caKey  *ecdsa.PrivateKey
	CAPEM  []byte
	Server tls.Certificate
}

// EnsureAuthority loads the CA and host certificate from dir, creating
// whichever is missing.
func EnsureAuthority(dir string) (*Authority, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create authority dir: %w", err)
	}
	a := &Authority{dir: dir}

	caCert, caKey, caPEM, err := loadPair(filepath.Join(dir, caCertFile), filepath.Join(dir, caKeyFile))
	if errors.Is(err, os.ErrNotExist) {
		caCert, caKey, caPEM, err = a.createCA()
	}
	if err != nil {
		return nil, fmt.Errorf("host ca: %w", err)
	}
	a.CACert, a.caKey, a.CAPEM = caCert, caKey, caPEM

	hostPath, hostKeyPath := filepath.Join(dir, hostCertFile), filepath.Join(dir, hostKeyFile)
	server, err := tls.LoadX509KeyPair(hostPath, hostKeyPath)
	if errors.Is(err, os.ErrNotExist) {
		var certPEM, keyPEM []byte
		certPEM, keyPEM, _, err = a.issue(hostCommonName, x509.ExtKeyUsageServerAuth)
		if err == nil {
			err = writePEMPair(hostPath, certPEM, hostKeyPath, keyPEM)
		}
		if err == nil {
			server, err = tls.X509KeyPair(certPEM, keyPEM)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("host certificate: %w", err)
	}
	a.Server = server
	return a, nil
}

// IssueClientCertificate signs a new client certificate. The caller hands
// the PEM pair to the client out of band; the fingerprint is what the trust
// store records.
func (a *Authority) IssueClientCertificate(name string) (certPEM, keyPEM []byte, fingerprint string, err error) {
	if name == "" {
		name = "client"
	}
	return a.issue(name, x509.ExtKeyUsageClientAuth)
}

// ServerTLSConfig requests (but does not require) a client certificate so
// PIN-only clients can still complete the TLS layer.
func (a *Authority) ServerTLSConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{a.Server},
		ClientAuth:   tls.RequestClientCert,
		MinVersion:   tls.VersionTLS12,
	}
}

// ClientTLSConfig builds the client side configuration. The host certificate
// is verified against caFile without hostname checks since hosts are dialed
// by IP. certFile/keyFile may be empty for PIN-only clients.
func ClientTLSConfig(certFile, keyFile, caFile string) (*tls.Config, error) {
	caPEM, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read ca: %w", err)
	}
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("ca %s: no certificates found", caFile)
	}
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: true, // chain verified below without hostname
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return errors.New("host presented no certificate")
			}
			leaf, err := x509.ParseCertificate(rawCerts[0])
			if err != nil {
				return err
			}
			_, err = leaf.Verify(x509.VerifyOptions{
				Roots:     roots,
				KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
			})
			return err
		},
	}
	if certFile != "" && keyFile != "" {
		pair, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{pair}
	}
	return cfg, nil
}

func (a *Authority) createCA() (*x509.Certificate, *ecdsa.PrivateKey, []byte, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, nil, err
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, nil, nil, err
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: caCommonName, Organization: []string{organization}},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, nil, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM, err := encodeKey(key)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := writePEMPair(filepath.Join(a.dir, caCertFile), certPEM, filepath.Join(a.dir, caKeyFile), keyPEM); err != nil {
		return nil, nil, nil, err
	}
	return cert, key, certPEM, nil
}

func (a *Authority) issue(name string, usage x509.ExtKeyUsage) (certPEM, keyPEM []byte, fingerprint string, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, "", err
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, nil, "", err
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: name, Organization: []string{organization}},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(leafValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{usage},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, a.CACert, &key.PublicKey, a.caKey)
	if err != nil {
		return nil, nil, "", err
	}
	keyPEM, err = encodeKey(key)
	if err != nil {
		return nil, nil, "", err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), keyPEM, FingerprintDER(der), nil
}

func loadPair(certPath, keyPath string) (*x509.Certificate, *ecdsa.PrivateKey, []byte, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, nil, nil, err
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, nil, nil, err
	}
	cb, _ := pem.Decode(certPEM)
	if cb == nil {
		return nil, nil, nil, fmt.Errorf("%s: not PEM", certPath)
	}
	cert, err := x509.ParseCertificate(cb.Bytes)
	if err != nil {
		return nil, nil, nil, err
	}
	kb, _ := pem.Decode(keyPEM)
	if kb == nil {
		return nil, nil, nil, fmt.Errorf("%s: not PEM", keyPath)
	}
	key, err := x509.ParseECPrivateKey(kb.Bytes)
	if err != nil {
		return nil, nil, nil, err
	}
	return cert, key, certPEM, nil
}

func encodeKey(key *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), nil
}

func writePEMPair(certPath string, certPEM []byte, keyPath string, keyPEM []byte) error {
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return err
	}
	return os.WriteFile(certPath, certPEM, 0o644)
}

func randomSerial() (*big.Int, error) {
	return rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
}
