package unison

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateSelfSignedCertificate(t *testing.T) {
	cert, err := GenerateSelfSignedCertificate([]string{"localhost"})
	require.NoError(t, err)
	require.NotEmpty(t, cert.Certificate)
	require.NotNil(t, cert.PrivateKey)
}

func TestTLSSourceResolveFallsBackToSelfSigned(t *testing.T) {
	src := TLSSource{}
	conf, err := src.Resolve()
	require.NoError(t, err)
	require.Len(t, conf.Certificates, 1)
	require.Equal(t, []string{"unison/1"}, conf.NextProtos)
}

func TestTLSSourceResolveUsesEmbeddedAssets(t *testing.T) {
	src := TLSSource{UseEmbedded: true}
	conf, err := src.Resolve()
	require.NoError(t, err)
	require.Len(t, conf.Certificates, 1)
}
