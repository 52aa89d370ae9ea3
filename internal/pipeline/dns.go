package pipeline

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
	"encoding/json"
	"fmt"

	"github.com/x-stp/certwatch/internal/certlib"
	"github.com/x-stp/certwatch/internal/change"
	"github.com/x-stp/certwatch/internal/core"
	"github.com/x-stp/certwatch/internal/logger"
	"github.com/x-stp/certwatch/internal/model"
	"github.com/x-stp/certwatch/internal/scanner"
)

func (p *Processor) dnsCheck(ctx context.Context, job *core.Job, t *model.WatchTarget, host string) (any, error) {
	if !certlib.CanWhois(host) {
		return nil, errSkip
	}
	last, err := lastOrNil(p.Store.LastDNSScan(ctx, t.ID))
	if err != nil {
		return nil, fmt.Errorf("load last dns scan: %w", err)
	}
	if last != nil && p.fresh(job, last.LastScanAt, p.cfg.Checks.DNS) {
		job.PrimaryIP = last.PrimaryIP()
		return last, errSkip
	}

	start := p.now()
	addrs, err := p.Resolver.Resolve(ctx, host)
	cur := &model.DNSScan{WatchID: t.ID}
	switch {
	case err == nil:
		cur.Status = model.DNSStatusOK
	case scanner.IsResolutionError(err):
		cur.Status = model.DNSStatusNotFound
	default:
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}

	// CNAME is informational; any failure leaves it empty.
	if cname, err := p.Resolver.CNAME(ctx, host); err == nil {
		cur.CNAME = cname
	} else if ctx.Err() != nil {
		return nil, ctx.Err()
	} else {
		p.log.Debug("cname lookup", logger.String("host", host), logger.Error(err))
	}

	fillDNS(cur, addrs)
	cur.Stamp(p.now(), p.now().Sub(start))

	same := change.SameDNS(last, cur)
	err = p.commit(ctx, job, write{
		old:  record(last),
		cur:  cur,
		same: same,
		insert: func(ctx context.Context) error {
			if err := p.Store.InsertDNSScan(ctx, cur); err != nil {
				return err
			}
			return p.Store.AdvanceLastDNSScan(ctx, t.ID, cur.ID)
		},
		cache: cacheKey{kind: model.CacheWatch, obj: t.ID},
	})
	if err != nil {
		return nil, err
	}

	rec := cur
	if same {
		rec = last
	}
	job.PrimaryIP = rec.PrimaryIP()
	return rec, nil
}

// fillDNS derives the entries and the compared dns column from addrs, which
// are already sorted by family and address.
func fillDNS(s *model.DNSScan, addrs []scanner.Addr) {
	pairs := make([][2]any, 0, len(addrs))
	s.Entries = make([]model.DNSEntry, 0, len(addrs))
	for i, a := range addrs {
		v6 := a.Family == model.FamilyIPv6
		if v6 {
			s.NumIPv6++
		} else {
			s.NumIPv4++
		}
		s.Entries = append(s.Entries, model.DNSEntry{
			IsIPv6:     v6,
			IsInternal: certlib.IsPrivateIP(a.IP),
			IP:         a.IP,
			ResOrder:   i,
		})
		pairs = append(pairs, [2]any{a.Family, a.IP})
	}
	s.NumRes = len(addrs)
	b, _ := json.Marshal(pairs)
	s.DNS = string(b)
}
