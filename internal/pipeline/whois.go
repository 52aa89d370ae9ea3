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
	"errors"
	"fmt"

	"github.com/x-stp/certwatch/internal/certlib"
	"github.com/x-stp/certwatch/internal/change"
	"github.com/x-stp/certwatch/internal/core"
	"github.com/x-stp/certwatch/internal/logger"
	"github.com/x-stp/certwatch/internal/model"
	"github.com/x-stp/certwatch/internal/scanner"
	"github.com/x-stp/certwatch/internal/util"
)

// topDomain resolves and stores the registrable domain of host.
func (p *Processor) topDomain(ctx context.Context, host string) (*model.TopDomain, error) {
	name, err := certlib.TopDomain(host)
	if err != nil {
		return nil, err
	}
	dom, err := p.Store.UpsertTopDomain(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("upsert top domain %s: %w", name, err)
	}
	return dom, nil
}

func (p *Processor) whoisCheck(ctx context.Context, job *core.Job, t *model.WatchTarget, host string) (any, error) {
	if !certlib.CanWhois(host) {
		return nil, errSkip
	}
	dom, err := p.topDomain(ctx, host)
	if errors.Is(err, certlib.ErrNotDomain) {
		return nil, errSkip
	}
	if err != nil {
		return nil, err
	}
	if t.TopDomainID == nil || *t.TopDomainID != dom.ID {
		if err := p.Store.SetTopDomain(ctx, t.ID, dom.ID); err != nil {
			return nil, fmt.Errorf("set top domain of watch %d: %w", t.ID, err)
		}
		id := dom.ID
		t.TopDomainID = &id
	}

	last, err := lastOrNil(p.Store.LastWhoisCheck(ctx, dom.ID))
	if err != nil {
		return nil, fmt.Errorf("load last whois check: %w", err)
	}
	if last != nil && p.fresh(job, last.LastScanAt, p.cfg.Checks.Whois) {
		return last, errSkip
	}

	start := p.now()
	rec, err := p.Whois.Lookup(ctx, dom.Name)
	cur := &model.WhoisCheck{DomainID: dom.ID}
	switch {
	case err == nil:
		cur.Status = model.WhoisStatusOK
		fillWhois(cur, rec)
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(err, scanner.ErrWhoisRateLimited):
		return nil, fmt.Errorf("whois %s: %w", dom.Name, err)
	case errors.Is(err, scanner.ErrWhoisNotFound), errors.Is(err, scanner.ErrWhoisNoServer):
		cur.Status = model.WhoisStatusNotFound
	default:
		p.log.Info("whois lookup failed", logger.String("domain", dom.Name), logger.Error(err))
		cur.Status = model.WhoisStatusError
	}
	cur.Stamp(p.now(), p.now().Sub(start))

	same := change.SameWhois(last, cur)
	err = p.commit(ctx, job, write{
		old:    record(last),
		cur:    cur,
		same:   same,
		insert: func(ctx context.Context) error { return p.Store.InsertWhoisCheck(ctx, cur) },
		cache:  cacheKey{kind: model.CacheTopDom, obj: dom.ID},
	})
	if err != nil {
		return nil, err
	}
	if same {
		return last, nil
	}
	return cur, nil
}

func fillWhois(w *model.WhoisCheck, r *scanner.WhoisRecord) {
	w.Registrar = r.Registrar
	w.RegistrantCC = r.Country
	w.RegisteredAt = r.CreatedAt
	w.ExpiresAt = r.ExpiresAt
	w.RecUpdatedAt = r.UpdatedAt
	w.DNSSEC = r.DNSSEC
	w.DNS = util.SortedJSON(r.NameServers)
	w.Emails = util.SortedJSON(r.Emails)
}
