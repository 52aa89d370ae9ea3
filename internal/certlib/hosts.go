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
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"sync"

	"go4.org/netipx"
	"golang.org/x/net/publicsuffix"
)

// MaxNameLen is the longest name stored in an indexed column; longer
// subdomain names are flagged as long.
const MaxNameLen = 191

var (
	ErrNotDomain  = errors.New("not a registrable domain name")
	ErrBadRange   = errors.New("invalid address range")
	ErrRangeLarge = errors.New("address range too large")
)

var privateSet = sync.OnceValue(func() *netipx.IPSet {
	var b netipx.IPSetBuilder
	for _, p := range []string{
		"0.0.0.0/8", "10.0.0.0/8", "100.64.0.0/10", "127.0.0.0/8",
		"169.254.0.0/16", "172.16.0.0/12", "192.168.0.0/16",
		"::1/128", "fc00::/7", "fe80::/10",
	} {
		b.AddPrefix(netip.MustParsePrefix(p))
	}
	set, _ := b.IPSet()
	return set
})

// IsPrivateIP reports whether addr is loopback, link-local or inside a
// private or shared address block. Unparseable input is not private.
func IsPrivateIP(addr string) bool {
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return false
	}
	return privateSet().Contains(ip.Unmap())
}

// IsIP reports whether host is a literal IPv4 or IPv6 address.
func IsIP(host string) bool {
	_, err := netip.ParseAddr(strings.Trim(host, "[]"))
	return err == nil
}

func IsWildcard(name string) bool {
	return strings.HasPrefix(name, "*.")
}

// StripWildcard removes a leading "*." or "%." label.
func StripWildcard(name string) string {
	if strings.HasPrefix(name, "*.") || strings.HasPrefix(name, "%.") {
		return name[2:]
	}
	return name
}

// validLabel accepts LDH labels; underscores are tolerated since they show up
// in real service names.
func validLabel(l string) bool {
	if l == "" || len(l) > 63 || l[0] == '-' || l[len(l)-1] == '-' {
		return false
	}
	for i := 0; i < len(l); i++ {
		c := l[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

func isHostname(host string) bool {
	if host == "" || len(host) > 253 {
		return false
	}
	for l := range strings.SplitSeq(host, ".") {
		if !validLabel(l) {
			return false
		}
	}
	return true
}

// CanConnect reports whether a TLS handshake can be attempted against host.
func CanConnect(host string) bool {
	host = NormalizeDomain(host)
	if host == "" || IsWildcard(host) {
		return false
	}
	return IsIP(host) || isHostname(host)
}

// CanWhois reports whether host is a domain name with a registrable part.
func CanWhois(host string) bool {
	host = NormalizeDomain(host)
	if host == "" || IsIP(host) || IsWildcard(host) || !strings.Contains(host, ".") || !isHostname(host) {
		return false
	}
	_, err := TopDomain(host)
	return err == nil
}

// TopDomain returns the registrable domain (eTLD+1) of host.
func TopDomain(host string) (string, error) {
	host = StripWildcard(NormalizeDomain(host))
	if host == "" || IsIP(host) {
		return "", ErrNotDomain
	}
	top, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrNotDomain, host, err)
	}
	return top, nil
}

// IsLongName reports whether name exceeds the indexed column width.
func IsLongName(name string) bool {
	return len(name) > MaxNameLen
}

// UnderHost reports whether name equals host or is a subdomain of it.
func UnderHost(name, host string) bool {
	name, host = NormalizeDomain(name), NormalizeDomain(host)
	return name == host || strings.HasSuffix(name, "."+host)
}

// ExpandRange lists every address in [begin, end]. Ranges with more than
// limit addresses are refused.
func ExpandRange(begin, end string, limit int) ([]netip.Addr, error) {
	b, err := netip.ParseAddr(begin)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRange, err)
	}
	e, err := netip.ParseAddr(end)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRange, err)
	}
	r := netipx.IPRangeFrom(b.Unmap(), e.Unmap())
	if !r.IsValid() {
		return nil, fmt.Errorf("%w: %s-%s", ErrBadRange, begin, end)
	}
	var out []netip.Addr
	for ip := r.From(); ; ip = ip.Next() {
		if len(out) >= limit {
			return nil, fmt.Errorf("%w: %s exceeds %d addresses", ErrRangeLarge, r, limit)
		}
		out = append(out, ip)
		if ip == r.To() {
			break
		}
	}
	return out, nil
}
