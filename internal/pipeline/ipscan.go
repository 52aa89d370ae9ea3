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

	"golang.org/x/sync/errgroup"

	"github.com/x-stp/certwatch/internal/certlib"
	"github.com/x-stp/certwatch/internal/change"
	"github.com/x-stp/certwatch/internal/core"
	"github.com/x-stp/certwatch/internal/model"
	"github.com/x-stp/certwatch/internal/scanner"
)

func (p *Processor) ipScanCheck(ctx context.Context, job *core.Job, r *model.IPScanRecord) (any, error) {
	addrs, err := certlib.ExpandRange(r.IPBeg, r.IPEnd, p.cfg.MaxIPRange)
	if err != nil {
		return nil, fmt.Errorf("ip scan %d: %w: %w", r.ID, core.ErrInvalidHostname, err)
	}
	last, err := lastOrNil(p.Store.LastIPScanResult(ctx, r.ID))
	if err != nil {
		return nil, fmt.Errorf("load last ip scan: %w", err)
	}
	if last != nil && p.fresh(job, last.LastScanAt, p.cfg.Checks.IPScan) {
		return last, errSkip
	}

	start := p.now()
	results := make([]scanner.AddrResult, len(addrs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.ProbeConcurrency)
	for i, a := range addrs {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			res, err := p.Addr.Probe(gctx, a, r.Port(), r.ServiceName)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil || ctx.Err() != nil {
		return nil, fmt.Errorf("ip scan %d interrupted: %w", r.ID, core.ErrShuttingDown)
	}

	var alive, valid []string
	for _, res := range results {
		if res.Alive {
			alive = append(alive, res.Addr.String())
		}
		if res.Valid {
			valid = append(valid, res.Addr.String())
		}
	}
	cur := &model.IPScanResult{
		IPScanRecordID: r.ID,
		IPsAlive:       addrList(alive),
		IPsValid:       addrList(valid),
		NumIPsAlive:    len(alive),
		NumIPsValid:    len(valid),
	}
	cur.Stamp(p.now(), p.now().Sub(start))

	same := change.SameIPScan(last, cur)
	err = p.commit(ctx, job, write{
		old:    record(last),
		cur:    cur,
		same:   same,
		insert: func(ctx context.Context) error { return p.Store.InsertIPScanResult(ctx, cur) },
		cache:  cacheKey{kind: model.CacheIPScan, obj: r.ID},
	})
	if err != nil {
		return nil, err
	}
	if same {
		return last, nil
	}
	p.autoFill(ctx, core.TypeIPScan, r.ID, valid)
	return cur, nil
}

// addrList renders addresses, already in numeric order, as a JSON array.
func addrList(addrs []string) string {
	if addrs == nil {
		addrs = []string{}
	}
	b, _ := json.Marshal(addrs)
	return string(b)
}
