// Package change decides whether a fresh scan record differs from the last
// persisted one. Each record type is projected onto a fixed set of columns;
// bookkeeping columns (ids, timestamps, counters, elapsed time) and purely
// informational ones (PTR, CDN) are never part of the projection.
package change

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
	"strconv"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/x-stp/certwatch/internal/model"
	"github.com/x-stp/certwatch/internal/util"
)

// tuple is the canonical string projection of a record.
type tuple []string

func (t tuple) digest() uint64 {
	h := xxh3.New()
	for _, s := range t {
		_, _ = h.WriteString(s)
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}

// equal compares digests first and falls back to the columns so a hash
// collision can never hide a change.
func equal(a, b tuple) bool {
	if len(a) != len(b) || a.digest() != b.digest() {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func i(v int) string     { return strconv.Itoa(v) }
func i64(v int64) string { return strconv.FormatInt(v, 10) }
func b(v bool) string    { return strconv.FormatBool(v) }

func i64p(v *int64) string {
	if v == nil {
		return "\x00nil"
	}
	return i64(*v)
}

func tp(v *time.Time) string {
	if v == nil {
		return "\x00nil"
	}
	return v.UTC().Format(time.RFC3339Nano)
}

// TLSColumns projects a TLS handshake record.
func TLSColumns(r *model.TLSScan) []string {
	return tuple{
		r.IPScanned, r.TLSVer, i(r.Status), i(r.ErrCode), i(r.Results), r.CertsIDs, i64p(r.CertIDLeaf),
		b(r.ValidPath), b(r.ValidHostname), r.ErrValidity, b(r.ErrManyLeafs),
		i(r.ReqHTTPSResult), i(r.FollowHTTPResult), i(r.FollowHTTPSResult),
		util.StripQuery(r.FollowHTTPURL), util.StripQuery(r.FollowHTTPSURL),
		b(r.HSTSPresent), i64(r.HSTSMaxAge), b(r.HSTSIncludeSubdomains), b(r.HSTSPreload),
		b(r.PinningPresent), b(r.PinningReportOnly), r.PinningPins,
	}
}

func CrtShColumns(r *model.CrtShQuery) []string {
	return tuple{i(r.Status), i(r.Results), r.CertsIDs}
}

// WildcardColumns also tracks the newest CT entry so a re-issued
// certificate with the same name set still counts as a change.
func WildcardColumns(r *model.CrtShQuery) []string {
	return tuple{i(r.Status), i(r.Results), i64p(r.NewestCertShID), r.CertsIDs}
}

func WhoisColumns(r *model.WhoisCheck) []string {
	return tuple{
		i(r.Status), r.RegistrantCC, r.Registrar,
		tp(r.RegisteredAt), tp(r.ExpiresAt), tp(r.RecUpdatedAt),
		r.DNS, r.Aux,
	}
}

func DNSColumns(r *model.DNSScan) []string {
	return tuple{i(r.Status), r.DNS}
}

func SubdomainColumns(r *model.SubdomainResult) []string {
	return tuple{r.Result}
}

func IPScanColumns(r *model.IPScanResult) []string {
	return tuple{r.IPsAlive, r.IPsValid}
}

// same treats a missing previous record as a change.
func same[T any](old, cur *T, cols func(*T) []string) bool {
	if old == nil || cur == nil {
		return false
	}
	return equal(cols(old), cols(cur))
}

// SameTLS reports whether two handshake records are equivalent.
func SameTLS(old, cur *model.TLSScan) bool {
	return same(old, cur, TLSColumns)
}

func SameCrtSh(old, cur *model.CrtShQuery) bool {
	return same(old, cur, CrtShColumns)
}

func SameWildcard(old, cur *model.CrtShQuery) bool {
	return same(old, cur, WildcardColumns)
}

func SameWhois(old, cur *model.WhoisCheck) bool {
	return same(old, cur, WhoisColumns)
}

func SameDNS(old, cur *model.DNSScan) bool {
	return same(old, cur, DNSColumns)
}

func SameSubdomain(old, cur *model.SubdomainResult) bool {
	return same(old, cur, SubdomainColumns)
}

func SameIPScan(old, cur *model.IPScanResult) bool {
	return same(old, cur, IPScanColumns)
}
