package certinfo

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func selfSignedDER(t *testing.T, commonName string) []byte {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		DNSNames:     []string{commonName},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	return der
}

func TestSummarizeSelfSigned(t *testing.T) {
	der := selfSignedDER(t, "terminal.example.test")

	summary := Summarize(der)
	require.Empty(t, summary.ParseError)
	require.True(t, summary.SelfSigned)
	require.Contains(t, summary.Subject, "terminal.example.test")
	require.Equal(t, []string{"terminal.example.test"}, summary.DNSNames)
	require.Len(t, summary.FingerprintSHA256, 64)
	require.Contains(t, summary.String(), "terminal.example.test")
}

func TestSummarizeGarbage(t *testing.T) {
	summary := Summarize([]byte{0xDE, 0xAD, 0xBE, 0xEF})
	require.NotEmpty(t, summary.ParseError)
	require.Len(t, summary.FingerprintSHA256, 64)
	require.Contains(t, summary.String(), "unparseable")
}

func TestSummarizeChain(t *testing.T) {
	chain := [][]byte{
		selfSignedDER(t, "a.example.test"),
		{0x00}, // junk entry must not abort the chain
	}

	summaries := SummarizeChain(chain)
	require.Len(t, summaries, 2)
	require.Empty(t, summaries[0].ParseError)
	require.NotEmpty(t, summaries[1].ParseError)
}
