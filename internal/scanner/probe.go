package scanner

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
	"context"
	"net/netip"

	"github.com/x-stp/certwatch/internal/certlib"
)

// AddrResult is the outcome of probing one address of a sweep.
type AddrResult struct {
	Addr  netip.Addr
	Alive bool
	// Valid means the leaf certificate matches the probed service name.
	Valid bool
}

// IPProber runs the lightweight handshake of the IP sweep. Certificates are
// inspected but never stored.
type IPProber struct {
	tls *TLSScanner
}

func NewIPProber(s *TLSScanner) *IPProber {
	return &IPProber{tls: s}
}

// Probe handshakes once with addr:port using name as SNI. Sweeps mostly hit
// dead addresses, so a refused connection is final.
func (p *IPProber) Probe(ctx context.Context, addr netip.Addr, port int, name string) (AddrResult, error) {
	res := AddrResult{Addr: addr}
	hs, err := p.tls.attempt(ctx, addr.String(), port, name)
	if err != nil {
		return res, err
	}
	if !hs.OK() {
		return res, nil
	}
	res.Alive = true
	res.Valid = certlib.MatchHostname(hs.Chain[0], name)
	return res, nil
}
