// Package certlib parses, validates and persists X.509 certificates and
// holds the host name helpers shared by the scan pipelines.
package certlib

/*
certwatch - periodic TLS, DNS, WHOIS and CT monitoring for large host sets
Copyright (C) 2025  Pepijn van der Stap <rxtls@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

import (
	"crypto/dsa" //nolint:staticcheck // legacy keys still show up in CT
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // fingerprint only
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"regexp"
	"strings"

	"github.com/x-stp/certwatch/internal/model"
	"github.com/x-stp/certwatch/internal/util"
)

// Certificate sources.
const (
	SourceHandshake = "handshake"
	SourceCrtSh     = "crt.sh"
)

// Key types stored with each certificate.
const (
	KeyRSA     = "rsa"
	KeyDSA     = "dsa"
	KeyECC     = "ecc"
	KeyEd25519 = "ed25519"
	KeyUnknown = "unknown"
)

var (
	ErrNoPEM = errors.New("no certificate PEM block")

	cloudflareSSL = regexp.MustCompile(`^ssl[0-9]+\.cloudflare\.com$`)
)

// FromX509 converts a parsed certificate into its stored form. The PEM text,
// source and id columns are left for the caller.
func FromX509(cert *x509.Certificate) *model.Certificate {
	s1 := sha1.Sum(cert.Raw) //nolint:gosec
	s256 := sha256.Sum256(cert.Raw)

	alt := AltNames(cert)
	altJSON, _ := json.Marshal(alt)

	c := &model.Certificate{
		FprintSHA1:   hex.EncodeToString(s1[:]),
		FprintSHA256: hex.EncodeToString(s256[:]),
		ValidFrom:    cert.NotBefore.UTC(),
		ValidTo:      cert.NotAfter.UTC(),
		CName:        cert.Subject.CommonName,
		Subject:      cert.Subject.String(),
		Issuer:       cert.Issuer.String(),
		IsCA:         cert.BasicConstraintsValid && cert.IsCA,
		IsSelfSigned: isSelfSigned(cert),
		IsPrecert:    isPrecert(cert),
		AltNamesJSON: string(altJSON),
		AltNamesCnt:  len(alt),
		SigAlg:       cert.SignatureAlgorithm.String(),
		AltNames:     alt,
	}
	c.IsLE = strings.Contains(c.Issuer, "Let's Encrypt")
	c.IsCloudflare = hasCloudflareName(append([]string{c.CName}, alt...))
	c.KeyType, c.KeyBitSize = keyInfo(cert.PublicKey)
	return c
}

// ParsePEM decodes the first CERTIFICATE block in data.
func ParsePEM(data []byte) (*x509.Certificate, error) {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, ErrNoPEM
		}
		if block.Type == "CERTIFICATE" {
			return x509.ParseCertificate(block.Bytes)
		}
	}
}

// EncodePEM renders DER bytes as a PEM CERTIFICATE block.
func EncodePEM(der []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
}

// AltNames returns the DNS SANs in certificate order with duplicates removed.
func AltNames(cert *x509.Certificate) []string {
	names := make([]string, 0, len(cert.DNSNames))
	for _, n := range cert.DNSNames {
		if n = NormalizeDomain(n); n != "" {
			names = append(names, n)
		}
	}
	return util.StableUniq(names)
}

func isSelfSigned(cert *x509.Certificate) bool {
	if cert.Subject.String() != cert.Issuer.String() {
		return false
	}
	return cert.CheckSignatureFrom(cert) == nil
}

// ctPoison is the precertificate poison extension (RFC 6962 3.1).
const ctPoison = "1.3.6.1.4.1.11129.2.4.3"

func isPrecert(cert *x509.Certificate) bool {
	for _, ext := range cert.Extensions {
		if ext.Id.String() == ctPoison {
			return true
		}
	}
	return false
}

func hasCloudflareName(names []string) bool {
	for _, n := range names {
		if strings.HasSuffix(n, ".cloudflaressl.com") || cloudflareSSL.MatchString(n) {
			return true
		}
	}
	return false
}

func keyInfo(pub any) (string, int) {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		return KeyRSA, k.N.BitLen()
	case *dsa.PublicKey:
		return KeyDSA, k.P.BitLen()
	case *ecdsa.PublicKey:
		return KeyECC, k.Curve.Params().BitSize
	case ed25519.PublicKey:
		return KeyEd25519, 256
	default:
		return KeyUnknown, -1
	}
}

// NormalizeDomain standardizes domain names.
func NormalizeDomain(domain string) string {
	domain = strings.TrimSpace(domain)
	if domain == "" || strings.ContainsAny(domain, " \t\n") {
		if strings.ContainsAny(domain, " :/") || domain == "::1" || strings.HasPrefix(domain, "-") {
			return domain
		}
		return ""
	}
	domain = strings.ToLower(domain)
	for strings.HasPrefix(domain, ".") {
		domain = domain[1:]
	}
	for strings.HasSuffix(domain, ".") {
		domain = domain[:len(domain)-1]
	}
	if domain == "" {
		return ""
	}

	// Wildcard labels are kept; malformed labels are returned untouched so
	// the eligibility checks can reject them.
	for part := range strings.SplitSeq(domain, ".") {
		if strings.HasPrefix(part, "-") || strings.HasSuffix(part, "-") {
			return domain
		}
		if strings.HasPrefix(part, "*") && part != "*" {
			return domain
		}
	}
	return domain
}
