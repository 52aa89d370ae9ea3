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
	"fmt"
	"slices"
	"time"

	"github.com/x-stp/certwatch/internal/certlib"
	"github.com/x-stp/certwatch/internal/change"
	"github.com/x-stp/certwatch/internal/core"
	"github.com/x-stp/certwatch/internal/logger"
	"github.com/x-stp/certwatch/internal/model"
	"github.com/x-stp/certwatch/internal/util"
)

// wildcardCheck discovers the subdomains of a sub-watch target through two
// CT searches, %.host and host. The result counts as changed when either
// search changed.
func (p *Processor) wildcardCheck(ctx context.Context, job *core.Job, s *model.SubdomainWatchTarget) (any, error) {
	host := certlib.StripWildcard(certlib.NormalizeDomain(s.ScanHost))
	if p.Blacklist != nil && p.Blacklist.Match(host) {
		return nil, errNoop
	}
	if !certlib.CanWhois(host) {
		return nil, fmt.Errorf("sub-watch %d %q: %w", s.ID, s.ScanHost, core.ErrInvalidHostname)
	}

	dom, err := p.topDomain(ctx, host)
	if err != nil {
		return nil, err
	}
	if s.TopDomainID == nil || *s.TopDomainID != dom.ID {
		if err := p.Store.SetSubTopDomain(ctx, s.ID, dom.ID); err != nil {
			return nil, fmt.Errorf("set top domain of sub-watch %d: %w", s.ID, err)
		}
		id := dom.ID
		s.TopDomainID = &id
	}

	wildIn, err := p.Store.UpsertCrtShInput(ctx, host, model.CrtShInputWildcard)
	if err != nil {
		return nil, fmt.Errorf("upsert crt.sh input: %w", err)
	}
	baseIn, err := p.Store.UpsertCrtShInput(ctx, host, model.CrtShInputExact)
	if err != nil {
		return nil, fmt.Errorf("upsert crt.sh input: %w", err)
	}

	subID := s.ID
	lastWild, err := lastOrNil(p.Store.LastCrtShQuery(ctx, nil, &subID, wildIn.ID))
	if err != nil {
		return nil, fmt.Errorf("load last wildcard query: %w", err)
	}
	if lastWild != nil && p.fresh(job, lastWild.LastScanAt, p.cfg.Checks.Wildcard) {
		return lastWild, errSkip
	}
	lastBase, err := lastOrNil(p.Store.LastCrtShQuery(ctx, nil, &subID, baseIn.ID))
	if err != nil {
		return nil, fmt.Errorf("load last crt.sh query: %w", err)
	}

	base, err := p.searchCT(ctx, job, ctSearch{
		subWatchID: &subID,
		input:      baseIn,
		last:       lastBase,
		cache:      cacheKey{kind: model.CacheSubWatch, obj: s.ID, aux: auxID(baseIn.ID)},
	})
	if err != nil {
		return nil, err
	}
	wild, err := p.searchCT(ctx, job, ctSearch{
		subWatchID: &subID,
		input:      wildIn,
		wildcard:   true,
		last:       lastWild,
		cache:      cacheKey{kind: model.CacheSubWatch, obj: s.ID, aux: auxID(wildIn.ID)},
	})
	if err != nil {
		return nil, err
	}
	if !base.changed && !wild.changed {
		return wild.rec, nil
	}

	names := subdomainNames(host, append(base.certs, wild.certs...))
	if err := p.storeSubdomains(ctx, job, s.ID, names); err != nil {
		return nil, err
	}
	p.autoFill(ctx, core.TypeSub, s.ID, names)
	return wild.rec, nil
}

// subdomainNames returns the sorted names of certs that are host itself or
// lie under it.
func subdomainNames(host string, certs []*model.Certificate) []string {
	var names []string
	for _, c := range certs {
		for _, n := range certlib.Names(c) {
			if certlib.UnderHost(n, host) {
				names = append(names, n)
			}
		}
	}
	names = util.StableUniq(names)
	slices.Sort(names)
	return names
}

func (p *Processor) storeSubdomains(ctx context.Context, job *core.Job, subID int64, names []string) error {
	last, err := lastOrNil(p.Store.LastSubdomainResult(ctx, subID))
	if err != nil {
		return fmt.Errorf("load last subdomain result: %w", err)
	}
	cur := &model.SubdomainResult{
		WatchID:    subID,
		ScanType:   int(model.CheckWildcard),
		Result:     util.SortedJSON(names),
		ResultSize: len(names),
	}
	cur.Stamp(p.now(), 0)
	err = p.commit(ctx, job, write{
		old:    record(last),
		cur:    cur,
		same:   change.SameSubdomain(last, cur),
		insert: func(ctx context.Context) error { return p.Store.InsertSubdomainResult(ctx, cur) },
		cache:  cacheKey{kind: model.CacheSubWatch, obj: subID, aux: "result"},
	})
	if err != nil {
		return err
	}
	return p.syncEntries(ctx, subID, names, p.now())
}

// syncEntries bumps the entries that exist and inserts the rest, in chunks.
func (p *Processor) syncEntries(ctx context.Context, subID int64, names []string, now time.Time) error {
	for _, chunk := range util.Chunk(names, entryChunk) {
		existing, err := p.Store.SubdomainEntries(ctx, subID, chunk)
		if err != nil {
			return fmt.Errorf("load subdomain entries: %w", err)
		}
		var (
			bump   []int64
			insert []*model.SubdomainEntry
		)
		for _, n := range chunk {
			if e, ok := existing[n]; ok {
				bump = append(bump, e.ID)
				continue
			}
			insert = append(insert, &model.SubdomainEntry{
				WatchID:    subID,
				Name:       n,
				IsWildcard: certlib.IsWildcard(n),
				IsLong:     certlib.IsLongName(n),
				CreatedAt:  now,
				LastScanAt: now,
				NumScans:   1,
			})
		}
		if len(bump) > 0 {
			if err := p.Store.BumpSubdomainEntries(ctx, bump, now); err != nil {
				return fmt.Errorf("bump subdomain entries: %w", err)
			}
		}
		if len(insert) > 0 {
			if err := p.Store.InsertSubdomainEntries(ctx, insert); err != nil {
				return fmt.Errorf("insert subdomain entries: %w", err)
			}
		}
	}
	return nil
}

// autoFill hands names to the provisioner for every association that asked
// for it. Failures are logged; discovery already succeeded.
func (p *Processor) autoFill(ctx context.Context, t core.JobType, targetID int64, names []string) {
	if p.Provision == nil || len(names) == 0 {
		return
	}
	assocs, err := p.Store.AutoFillAssocs(ctx, t, targetID)
	if err != nil {
		p.log.Warn("load auto-fill associations", logger.Int64("target", targetID), logger.Error(err))
		return
	}
	owners := assocs[:0]
	for _, a := range assocs {
		if a.AutoFillWatches && a.Active() {
			owners = append(owners, a)
		}
	}
	if len(owners) == 0 {
		return
	}
	n, err := p.Provision.Fill(ctx, owners, names)
	if err != nil {
		p.log.Warn("auto-fill", logger.Int64("target", targetID), logger.Error(err))
		return
	}
	if n > 0 {
		p.log.Info("auto-filled watch targets", logger.Int64("target", targetID), logger.Int("added", n))
	}
}
