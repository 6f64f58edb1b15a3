// Package certinfo summarizes the X.509 certificates each side of a
// relayed connection presents. RDP servers routinely serve self-signed or
// otherwise malformed certificates, so parsing uses zcrypto's lenient
// parser instead of crypto/x509.
package certinfo

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	zx509 "github.com/zmap/zcrypto/x509"
)

// Summary is the recorded view of one presented certificate.
type Summary struct {
	Subject            string    `json:"subject"`
	Issuer             string    `json:"issuer"`
	NotBefore          time.Time `json:"not_before"`
	NotAfter           time.Time `json:"not_after"`
	DNSNames           []string  `json:"dns_names,omitempty"`
	SignatureAlgorithm string    `json:"signature_algorithm"`
	SelfSigned         bool      `json:"self_signed"`
	FingerprintSHA256  string    `json:"fingerprint_sha256"`

	// ParseError is set when even lenient parsing failed; the
	// fingerprint is still usable for correlation.
	ParseError string `json:"parse_error,omitempty"`
}

// Summarize parses one DER certificate leniently. It never returns an
// error: an unparseable certificate yields a fingerprint-only summary.
func Summarize(der []byte) Summary {
	digest := sha256.Sum256(der)

	summary := Summary{FingerprintSHA256: hex.EncodeToString(digest[:])}

	cert, err := zx509.ParseCertificate(der)
	if err != nil {
		summary.ParseError = err.Error()

		return summary
	}

	summary.Subject = cert.Subject.String()
	summary.Issuer = cert.Issuer.String()
	summary.NotBefore = cert.NotBefore
	summary.NotAfter = cert.NotAfter
	summary.DNSNames = cert.DNSNames
	summary.SignatureAlgorithm = cert.SignatureAlgorithm.String()
	summary.SelfSigned = cert.Subject.String() == cert.Issuer.String()

	return summary
}

// SummarizeChain parses every certificate of a presented chain.
func SummarizeChain(chain [][]byte) []Summary {
	summaries := make([]Summary, 0, len(chain))
	for _, der := range chain {
		summaries = append(summaries, Summarize(der))
	}

	return summaries
}

// String renders a one-line description for logs.
func (s Summary) String() string {
	if s.ParseError != "" {
		return fmt.Sprintf("unparseable certificate %s", s.FingerprintSHA256[:16])
	}

	return fmt.Sprintf("%s (issuer %s, expires %s)", s.Subject, s.Issuer, s.NotAfter.Format(time.RFC3339))
}
