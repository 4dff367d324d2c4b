package unison

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"embed"
	"math/big"
	"time"

	"github.com/pkg/errors"
)

//go:embed assets/dev-cert.pem assets/dev-key.pem
var embeddedDevAssets embed.FS

// TLSSource selects how the server's TLS identity is obtained, in the
// priority order named in spec.md §4.3: explicit files, embedded
// assets, self-signed generated on first run. The core only exposes
// this interface; certificate *provisioning policy* beyond it is out of
// scope.
type TLSSource struct {
	// CertFile/KeyFile, when both set, are loaded first (highest
	// priority).
	CertFile, KeyFile string

	// UseEmbedded, when true and CertFile/KeyFile are unset, loads the
	// module's bundled development certificate.
	UseEmbedded bool

	// selfSignedHosts, when neither of the above applies, triggers
	// generation of a fresh self-signed certificate for these hosts.
	SelfSignedHosts []string
}

// Resolve produces a *tls.Config carrying the identity selected by src's
// priority order.
func (src TLSSource) Resolve() (*tls.Config, error) {
	cert, err := src.loadCertificate()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"unison/1"},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

func (src TLSSource) loadCertificate() (tls.Certificate, error) {
	if src.CertFile != "" && src.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(src.CertFile, src.KeyFile)
		if err != nil {
			return tls.Certificate{}, errors.Wrap(err, "unison: loading explicit TLS certificate")
		}
		return cert, nil
	}

	if src.UseEmbedded {
		certPEM, err := embeddedDevAssets.ReadFile("assets/dev-cert.pem")
		if err != nil {
			return tls.Certificate{}, errors.Wrap(err, "unison: reading embedded dev certificate")
		}
		keyPEM, err := embeddedDevAssets.ReadFile("assets/dev-key.pem")
		if err != nil {
			return tls.Certificate{}, errors.Wrap(err, "unison: reading embedded dev key")
		}
		cert, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			return tls.Certificate{}, errors.Wrap(err, "unison: parsing embedded dev certificate")
		}
		return cert, nil
	}

	hosts := src.SelfSignedHosts
	if len(hosts) == 0 {
		hosts = []string{"localhost"}
	}
	return GenerateSelfSignedCertificate(hosts)
}

// InsecureClientTLSConfig returns a development-only tls.Config that
// skips server certificate verification (spec.md §4.3: "documented as a
// development shortcut — NOT production-safe"). Production deployments
// MUST supply their own verifier via a real tls.Config instead of this
// helper.
func InsecureClientTLSConfig(nextProtos ...string) *tls.Config {
	if len(nextProtos) == 0 {
		nextProtos = []string{"unison/1"}
	}
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         nextProtos,
		MinVersion:         tls.VersionTLS13,
	}
}

// GenerateSelfSignedCertificate builds an RSA-2048 self-signed
// certificate valid for one year, the core's last-resort TLS identity
// source (spec.md §4.3). The key-generation step is adapted from the
// teacher package's RSA keypair helper (see DESIGN.md).
func GenerateSelfSignedCertificate(hosts []string) (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, errors.Wrap(err, "unison: generating self-signed RSA key")
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, errors.Wrap(err, "unison: generating certificate serial number")
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{Organization: []string{"unison self-signed"}, CommonName: hosts[0]},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(1, 0, 0),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     hosts,
		IsCA:         true,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, errors.Wrap(err, "unison: creating self-signed certificate")
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}, nil
}
