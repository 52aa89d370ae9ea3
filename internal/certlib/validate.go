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
	"crypto/x509"
	"errors"
	"time"
)

// Validation error labels stored in err_validity.
const (
	ErrValidityExpired   = "expired"
	ErrValidityNotYet    = "not_yet_valid"
	ErrValidityUntrusted = "untrusted"
	ErrValidityNoLeaf    = "no_leaf"
	ErrValidityOther     = "invalid"
)

// Validation is the outcome of path and hostname checks on a handshake chain.
type Validation struct {
	ValidPath     bool
	ValidHostname bool
	ManyLeafs     bool
	Err           string
	// ValidLeaves are the leaves that chained to a trusted root.
	ValidLeaves []*x509.Certificate
}

// Validator verifies chains against a root pool. A nil pool means the system
// roots.
type Validator struct {
	Roots *x509.CertPool
	Now   func() time.Time
}

// Validate checks every non-CA certificate of chain as a leaf, using the CA
// certificates as intermediates, then matches host against the leaves that
// verified.
func (v *Validator) Validate(chain []*x509.Certificate, host string) Validation {
	var res Validation
	now := time.Now()
	if v != nil && v.Now != nil {
		now = v.Now()
	}

	inter := x509.NewCertPool()
	var leaves []*x509.Certificate
	for _, c := range chain {
		if c.BasicConstraintsValid && c.IsCA {
			inter.AddCert(c)
			continue
		}
		leaves = append(leaves, c)
	}
	res.ManyLeafs = len(leaves) > 1
	if len(leaves) == 0 {
		res.Err = ErrValidityNoLeaf
		return res
	}

	opts := x509.VerifyOptions{
		Intermediates: inter,
		CurrentTime:   now,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if v != nil {
		opts.Roots = v.Roots
	}
	var firstErr error
	for _, leaf := range leaves {
		if _, err := leaf.Verify(opts); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		res.ValidLeaves = append(res.ValidLeaves, leaf)
	}
	res.ValidPath = len(res.ValidLeaves) > 0
	if !res.ValidPath {
		res.Err = classify(firstErr, now)
	}

	for _, leaf := range res.ValidLeaves {
		if MatchHostname(leaf, host) {
			res.ValidHostname = true
			break
		}
	}
	return res
}

// MatchHostname reports whether cert is valid for host, honouring wildcard
// SANs. IP hosts match IP SANs.
func MatchHostname(cert *x509.Certificate, host string) bool {
	host = NormalizeDomain(host)
	if host == "" {
		return false
	}
	return cert.VerifyHostname(host) == nil
}

func classify(err error, now time.Time) string {
	var inv x509.CertificateInvalidError
	if errors.As(err, &inv) {
		if inv.Reason == x509.Expired {
			if inv.Cert != nil && now.Before(inv.Cert.NotBefore) {
				return ErrValidityNotYet
			}
			return ErrValidityExpired
		}
		return ErrValidityOther
	}
	var ua x509.UnknownAuthorityError
	if errors.As(err, &ua) {
		return ErrValidityUntrusted
	}
	return ErrValidityOther
}
