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

	"github.com/x-stp/certwatch/internal/certlib"
	"github.com/x-stp/certwatch/internal/change"
	"github.com/x-stp/certwatch/internal/core"
	"github.com/x-stp/certwatch/internal/logger"
	"github.com/x-stp/certwatch/internal/model"
	"github.com/x-stp/certwatch/internal/scanner"
	"github.com/x-stp/certwatch/internal/util"
)

func (p *Processor) crtShCheck(ctx context.Context, job *core.Job, t *model.WatchTarget, host string) (any, error) {
	if !certlib.CanWhois(host) {
		return nil, errSkip
	}
	input, err := p.Store.UpsertCrtShInput(ctx, host, model.CrtShInputExact)
	if err != nil {
		return nil, fmt.Errorf("upsert crt.sh input: %w", err)
	}
	watchID := t.ID
	last, err := lastOrNil(p.Store.LastCrtShQuery(ctx, &watchID, nil, input.ID))
	if err != nil {
		return nil, fmt.Errorf("load last crt.sh query: %w", err)
	}
	if last != nil && p.fresh(job, last.LastScanAt, p.cfg.Checks.CrtSh) {
		return last, errSkip
	}

	out, err := p.searchCT(ctx, job, ctSearch{
		watchID: &watchID,
		input:   input,
		last:    last,
		cache:   cacheKey{kind: model.CacheWatch, obj: t.ID, aux: auxID(input.ID)},
	})
	if err != nil {
		return nil, err
	}
	return out.rec, nil
}

// ctSearch describes one CT query and where its record belongs.
type ctSearch struct {
	watchID    *int64
	subWatchID *int64
	input      *model.CrtShInput
	wildcard   bool
	last       *model.CrtShQuery
	cache      cacheKey
}

type ctResult struct {
	// rec is the stored record: the new one, or last after a bump.
	rec     *model.CrtShQuery
	changed bool
	// certs are every certificate the search resolved to a stored row.
	certs []*model.Certificate
}

// searchCT queries the CT log, stores certificates that are not known yet
// and persists the query record.
func (p *Processor) searchCT(ctx context.Context, job *core.Job, s ctSearch) (*ctResult, error) {
	start := p.now()
	entries, err := p.CT.Query(ctx, s.input.Query())
	if err != nil {
		return nil, fmt.Errorf("crt.sh query %q: %w", s.input.Query(), err)
	}

	shIDs := make([]int64, 0, len(entries))
	for _, e := range entries {
		shIDs = append(shIDs, e.ID)
	}
	known, err := p.Store.CertsByCrtShIDs(ctx, shIDs)
	if err != nil {
		return nil, fmt.Errorf("load certificates by crt.sh id: %w", err)
	}
	if known == nil {
		known = make(map[int64]*model.Certificate)
	}
	if err := p.matchFingerprints(ctx, entries, known); err != nil {
		return nil, err
	}

	var missing []int64
	caOf := make(map[int64]int64, len(entries))
	for _, e := range entries {
		caOf[e.ID] = e.CAID
		if _, ok := known[e.ID]; !ok {
			missing = append(missing, e.ID)
		}
	}
	// entries are newest first, so missing is too.
	batch := p.cfg.CrtShBatch
	if job.Interactive {
		batch = p.cfg.CrtShBatchInteractive
	}
	if len(missing) > batch {
		missing = missing[:batch]
	}

	newCerts := 0
	for _, id := range missing {
		c, isNew, err := p.download(ctx, id, caOf[id])
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			p.log.Warn("crt.sh download", logger.Int64("crt_sh_id", id), logger.Error(err))
			continue
		}
		known[id] = c
		if isNew {
			newCerts++
		}
	}

	cur := &model.CrtShQuery{
		WatchID:    s.watchID,
		SubWatchID: s.subWatchID,
		InputID:    s.input.ID,
		Status:     model.StatusOK,
		NewResults: newCerts,
		Wildcard:   s.wildcard,
	}
	var certIDs []int64
	res := &ctResult{}
	for _, id := range shIDs {
		if c, ok := known[id]; ok {
			certIDs = append(certIDs, c.ID)
			res.certs = append(res.certs, c)
		}
	}
	certIDs = util.StableUniq(certIDs)
	cur.Results = len(certIDs)
	cur.CertsIDs = util.SortedJSON(certIDs)
	cur.CertsShIDs = util.SortedJSON(shIDs)
	if len(certIDs) > 0 {
		newest := slices.Max(certIDs)
		cur.NewestCertID = &newest
	}
	if len(shIDs) > 0 {
		newest := slices.Max(shIDs)
		cur.NewestCertShID = &newest
	}
	cur.Stamp(p.now(), p.now().Sub(start))

	same := change.SameCrtSh(s.last, cur)
	if s.wildcard {
		same = change.SameWildcard(s.last, cur)
	}
	err = p.commit(ctx, job, write{
		old:    record(s.last),
		cur:    cur,
		same:   same,
		insert: func(ctx context.Context) error { return p.Store.InsertCrtShQuery(ctx, cur) },
		cache:  s.cache,
	})
	if err != nil {
		return nil, err
	}
	res.changed = !same
	res.rec = cur
	if same {
		res.rec = s.last
	}
	return res, nil
}

// matchFingerprints resolves entries that carry a fingerprint against
// certificates first seen in a handshake, and backfills their crt.sh ids.
func (p *Processor) matchFingerprints(ctx context.Context, entries []scanner.CTEntry, known map[int64]*model.Certificate) error {
	var fps []string
	for _, e := range entries {
		if _, ok := known[e.ID]; !ok && e.SHA1 != "" {
			fps = append(fps, e.SHA1)
		}
	}
	if len(fps) == 0 {
		return nil
	}
	byFP, err := p.Store.CertsByFingerprints(ctx, util.StableUniq(fps))
	if err != nil {
		return fmt.Errorf("load certificates by fingerprint: %w", err)
	}
	for _, e := range entries {
		c, ok := byFP[e.SHA1]
		if !ok || e.SHA1 == "" {
			continue
		}
		known[e.ID] = c
		if err := p.backfill(ctx, c, e.ID, e.CAID); err != nil {
			return err
		}
	}
	return nil
}

// download fetches and stores one certificate. A certificate already known
// by fingerprint gets its crt.sh ids filled in.
func (p *Processor) download(ctx context.Context, id, caID int64) (*model.Certificate, bool, error) {
	pemText, err := p.CT.Download(ctx, id)
	if err != nil {
		return nil, false, err
	}
	shID := id
	var ca *int64
	if caID > 0 {
		ca = &caID
	}
	c, isNew, err := p.Certs.IngestPEM(ctx, pemText, &shID, ca, certlib.SourceCrtSh)
	if err != nil {
		return nil, false, err
	}
	if isNew {
		return c, true, nil
	}
	return c, false, p.backfill(ctx, c, id, caID)
}

func (p *Processor) backfill(ctx context.Context, c *model.Certificate, shID, caID int64) error {
	if c.CrtShID != nil {
		return nil
	}
	var ca *int64
	if caID > 0 {
		ca = &caID
	}
	if err := p.Store.SetCertCrtShID(ctx, c.ID, shID, ca); err != nil {
		return fmt.Errorf("backfill crt.sh id of certificate %d: %w", c.ID, err)
	}
	c.CrtShID = &shID
	c.CrtShCAID = ca
	return nil
}
