// Package scanner holds the network primitives used by the scan pipelines:
// DNS resolution, TLS handshakes, HTTP probes, crt.sh searches, WHOIS lookups
// and the lightweight address probe of the IP sweep. None of them touch
// storage.
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
	"errors"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/x-stp/certwatch/internal/model"
)

var (
	// ErrNXDomain means the name does not exist.
	ErrNXDomain = errors.New("nxdomain")
	// ErrNoRecords means the name exists but has no records of the type.
	ErrNoRecords = errors.New("no records")
	// ErrNoDNSServers is returned when the resolver has nothing to ask.
	ErrNoDNSServers = errors.New("no dns servers configured")
)

// DNSOptions configures a DNSClient.
type DNSOptions struct {
	Servers []string
	Timeout time.Duration
	Retries int
}

// Addr is one resolved address.
type Addr struct {
	Family int
	IP     string
}

// DNSClient resolves names against a fixed list of upstream servers.
type DNSClient struct {
	client  *dns.Client
	tcp     *dns.Client
	servers []string
	timeout time.Duration
	retries int
}

func NewDNSClient(opts DNSOptions) (*DNSClient, error) {
	if len(opts.Servers) == 0 {
		return nil, ErrNoDNSServers
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	servers := make([]string, 0, len(opts.Servers))
	for _, s := range opts.Servers {
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(s, "53")
		}
		servers = append(servers, s)
	}
	return &DNSClient{
		client: &dns.Client{
			Net:            "udp",
			Timeout:        timeout,
			Dialer:         &net.Dialer{Timeout: timeout},
			ReadTimeout:    timeout,
			WriteTimeout:   timeout,
			SingleInflight: true,
		},
		tcp:     &dns.Client{Net: "tcp", Timeout: timeout},
		servers: servers,
		timeout: timeout,
		retries: max(opts.Retries, 0),
	}, nil
}

// Resolve returns the A and AAAA records of host sorted by family and
// address. A name with neither record type yields ErrNXDomain or
// ErrNoRecords; transport failures and SERVFAIL are returned as is.
func (c *DNSClient) Resolve(ctx context.Context, host string) ([]Addr, error) {
	name := dns.Fqdn(strings.ToLower(strings.TrimSpace(host)))
	var (
		out      []Addr
		nxdomain int
	)
	for _, qt := range []uint16{dns.TypeA, dns.TypeAAAA} {
		resp, err := c.exchange(ctx, name, qt)
		if err != nil {
			return nil, err
		}
		if resp.Rcode == dns.RcodeNameError {
			nxdomain++
			continue
		}
		for _, rr := range resp.Answer {
			switch v := rr.(type) {
			case *dns.A:
				out = append(out, Addr{Family: model.FamilyIPv4, IP: v.A.String()})
			case *dns.AAAA:
				out = append(out, Addr{Family: model.FamilyIPv6, IP: v.AAAA.String()})
			}
		}
	}
	if len(out) == 0 {
		if nxdomain > 0 {
			return nil, fmt.Errorf("%w: %s", ErrNXDomain, host)
		}
		return nil, fmt.Errorf("%w: %s", ErrNoRecords, host)
	}
	SortAddrs(out)
	return slices.Compact(out), nil
}

// SortAddrs orders addresses by family then numerically.
func SortAddrs(addrs []Addr) {
	slices.SortFunc(addrs, func(a, b Addr) int {
		if a.Family != b.Family {
			return a.Family - b.Family
		}
		pa, ea := netip.ParseAddr(a.IP)
		pb, eb := netip.ParseAddr(b.IP)
		if ea != nil || eb != nil {
			return strings.Compare(a.IP, b.IP)
		}
		return pa.Compare(pb)
	})
}

// CNAME returns the canonical name host points at, or "" when it has none.
func (c *DNSClient) CNAME(ctx context.Context, host string) (string, error) {
	name := dns.Fqdn(strings.ToLower(strings.TrimSpace(host)))
	resp, err := c.exchange(ctx, name, dns.TypeCNAME)
	if err != nil {
		return "", err
	}
	if resp.Rcode == dns.RcodeNameError {
		return "", ErrNXDomain
	}
	for _, rr := range resp.Answer {
		if v, ok := rr.(*dns.CNAME); ok {
			target := strings.TrimSuffix(v.Target, ".")
			if !strings.EqualFold(target, strings.TrimSuffix(name, ".")) {
				return target, nil
			}
		}
	}
	return "", nil
}

// Reverse returns the first PTR name of ip.
func (c *DNSClient) Reverse(ctx context.Context, ip string) (string, error) {
	arpa, err := dns.ReverseAddr(ip)
	if err != nil {
		return "", err
	}
	resp, err := c.exchange(ctx, arpa, dns.TypePTR)
	if err != nil {
		return "", err
	}
	if resp.Rcode == dns.RcodeNameError {
		return "", ErrNXDomain
	}
	for _, rr := range resp.Answer {
		if v, ok := rr.(*dns.PTR); ok {
			return strings.TrimSuffix(v.Ptr, "."), nil
		}
	}
	return "", ErrNoRecords
}

// exchange asks each server in turn, retrying the whole list. NOERROR and
// NXDOMAIN answers are returned; other rcodes count as failures.
func (c *DNSClient) exchange(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(name, qtype)
	msg.RecursionDesired = true

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		for _, server := range c.servers {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			qctx, cancel := context.WithTimeout(ctx, c.timeout)
			resp, _, err := c.client.ExchangeContext(qctx, msg, server)
			cancel()
			if err != nil {
				lastErr = err
				continue
			}
			if resp.Truncated {
				tctx, tcancel := context.WithTimeout(ctx, c.timeout)
				resp, _, err = c.tcp.ExchangeContext(tctx, msg, server)
				tcancel()
				if err != nil {
					lastErr = err
					continue
				}
			}
			switch resp.Rcode {
			case dns.RcodeSuccess, dns.RcodeNameError:
				return resp, nil
			default:
				lastErr = fmt.Errorf("%s %s: %s", dns.TypeToString[qtype], name, dns.RcodeToString[resp.Rcode])
			}
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no dns response for %s", name)
	}
	return nil, lastErr
}

// IsResolutionError reports whether err means the name itself has no
// addresses, as opposed to a transport failure.
func IsResolutionError(err error) bool {
	return errors.Is(err, ErrNXDomain) || errors.Is(err, ErrNoRecords)
}
