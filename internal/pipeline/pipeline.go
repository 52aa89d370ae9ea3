/*
Package pipeline executes the scan checks of a job. Target jobs run DNS, TLS,
crt.sh and WHOIS in that order; sub-watch jobs run the wildcard recon and IP
scan jobs sweep an address range.

Every check has the same shape: eligibility and freshness gates, one call to
a network primitive, normalisation into a record, change detection against
the last stored record, then either a bump of the stored record or an insert
with a cache update and an event.
*/
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
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/x-stp/certwatch/internal/certlib"
	"github.com/x-stp/certwatch/internal/config"
	"github.com/x-stp/certwatch/internal/core"
	"github.com/x-stp/certwatch/internal/logger"
	"github.com/x-stp/certwatch/internal/metrics"
	"github.com/x-stp/certwatch/internal/model"
)

const (
	defaultCrtShBatch            = 100
	defaultCrtShBatchInteractive = 25
	defaultMaxIPRange            = 16384
	defaultProbeConcurrency      = 16

	// entryChunk bounds one subdomain entry sync statement.
	entryChunk = 50
)

var (
	// errSkip marks a check that did not run: ineligible or still fresh.
	errSkip = errors.New("check skipped")
	// errNoop marks a check that succeeded without touching storage.
	errNoop = errors.New("check done without writes")
)

// Config holds the check intervals and batch sizes.
type Config struct {
	Checks                config.ChecksConfig
	CrtShBatch            int
	CrtShBatchInteractive int
	MaxIPRange            int
	ProbeConcurrency      int
}

// ConfigFrom extracts the pipeline settings from the daemon configuration.
func ConfigFrom(c *config.Config) Config {
	return Config{
		Checks:                c.Checks,
		CrtShBatch:            c.Scan.CrtShBatch,
		CrtShBatchInteractive: c.Scan.CrtShBatchInteractive,
		MaxIPRange:            c.Scan.MaxIPRange,
		ProbeConcurrency:      c.Scan.ProbeConcurrency,
	}
}

// Deps are the collaborators of a Processor. Provision and Events may be
// nil.
type Deps struct {
	Store     Store
	Certs     *certlib.Manager
	Validator *certlib.Validator
	Resolver  Resolver
	TLS       Handshaker
	HTTP      HTTPProber
	CT        CTLog
	Whois     WhoisClient
	Addr      AddrProber
	Blacklist Blacklist
	Provision Provisioner
	Events    EventSink
}

// Processor implements core.Processor.
type Processor struct {
	cfg Config
	Deps
	log logger.Logger
	now func() time.Time
}

var _ core.Processor = (*Processor)(nil)

func NewProcessor(cfg Config, deps Deps, log logger.Logger) *Processor {
	if cfg.CrtShBatch <= 0 {
		cfg.CrtShBatch = defaultCrtShBatch
	}
	if cfg.CrtShBatchInteractive <= 0 {
		cfg.CrtShBatchInteractive = defaultCrtShBatchInteractive
	}
	if cfg.MaxIPRange <= 0 {
		cfg.MaxIPRange = defaultMaxIPRange
	}
	if cfg.ProbeConcurrency <= 0 {
		cfg.ProbeConcurrency = defaultProbeConcurrency
	}
	if deps.Events == nil {
		deps.Events = nopSink{}
	}
	if deps.Certs == nil {
		deps.Certs = certlib.NewManager(deps.Store, log)
	}
	return &Processor{
		cfg:  cfg,
		Deps: deps,
		log:  log.With(logger.String("component", "pipeline")),
		now:  time.Now,
	}
}

// Process runs the checks of job. Individual check failures are recorded in
// job.Results; the returned error is reserved for job-level outcomes such
// as an invalid target or shutdown.
func (p *Processor) Process(ctx context.Context, job *core.Job) error {
	switch job.Type {
	case core.TypeTarget, core.TypeAPI:
		t, ok := job.Target.(*model.WatchTarget)
		if !ok {
			return fmt.Errorf("%s: target is %T: %w", job.Key(), job.Target, core.ErrUnknownJobType)
		}
		return p.processTarget(ctx, job, t)
	case core.TypeSub:
		s, ok := job.Target.(*model.SubdomainWatchTarget)
		if !ok {
			return fmt.Errorf("%s: target is %T: %w", job.Key(), job.Target, core.ErrUnknownJobType)
		}
		return p.run(ctx, job, model.CheckWildcard, &job.Results.Wildcard, func(ctx context.Context) (any, error) {
			return p.wildcardCheck(ctx, job, s)
		})
	case core.TypeIPScan:
		r, ok := job.Target.(*model.IPScanRecord)
		if !ok {
			return fmt.Errorf("%s: target is %T: %w", job.Key(), job.Target, core.ErrUnknownJobType)
		}
		return p.run(ctx, job, model.CheckIPScan, &job.Results.IPScan, func(ctx context.Context) (any, error) {
			return p.ipScanCheck(ctx, job, r)
		})
	default:
		return fmt.Errorf("%s: %w", job.Key(), core.ErrUnknownJobType)
	}
}

func (p *Processor) processTarget(ctx context.Context, job *core.Job, t *model.WatchTarget) error {
	host := certlib.NormalizeDomain(t.ScanHost)
	if !certlib.CanConnect(host) {
		return fmt.Errorf("%s %q: %w", job.Key(), t.ScanHost, core.ErrInvalidHostname)
	}
	if p.Blacklist != nil && p.Blacklist.Match(host) {
		p.log.Debug("target blacklisted", logger.String("host", host))
		for _, r := range []*core.ScanResult{&job.Results.DNS, &job.Results.TLS, &job.Results.CrtSh, &job.Results.Whois} {
			r.Skip()
		}
		return nil
	}
	if certlib.IsIP(host) {
		job.PrimaryIP = host
	}

	steps := []struct {
		check model.CheckType
		res   *core.ScanResult
		fn    func(context.Context) (any, error)
	}{
		{model.CheckDNS, &job.Results.DNS, func(ctx context.Context) (any, error) { return p.dnsCheck(ctx, job, t, host) }},
		{model.CheckTLS, &job.Results.TLS, func(ctx context.Context) (any, error) { return p.tlsCheck(ctx, job, t, host) }},
		{model.CheckCrtSh, &job.Results.CrtSh, func(ctx context.Context) (any, error) { return p.crtShCheck(ctx, job, t, host) }},
		{model.CheckWhois, &job.Results.Whois, func(ctx context.Context) (any, error) { return p.whoisCheck(ctx, job, t, host) }},
	}
	for _, s := range steps {
		if err := p.run(ctx, job, s.check, s.res, s.fn); err != nil {
			return err
		}
	}
	return nil
}

// run executes one check and records its outcome. Only shutdown and
// permanent target errors are returned.
func (p *Processor) run(ctx context.Context, job *core.Job, check model.CheckType, res *core.ScanResult, fn func(context.Context) (any, error)) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%s before %s: %w", job.Key(), check, core.ErrShuttingDown)
	}
	done := metrics.MeasureDuration(metrics.GetMetrics().ScanDuration, prometheus.Labels{"check": check.String()})
	aux, err := fn(ctx)
	done()

	switch {
	case err == nil:
		res.OK(aux)
		if herr := p.appendHistory(ctx, job, check); herr != nil {
			p.log.Warn("append scan history", logger.String("job", job.Key().String()), logger.Error(herr))
		}
	case errors.Is(err, errNoop):
		res.OK(aux)
	case errors.Is(err, errSkip):
		res.Skip()
		if aux != nil {
			res.Aux = aux
		}
	case errors.Is(err, core.ErrInvalidHostname):
		res.Fail(err)
		return err
	case ctx.Err() != nil || errors.Is(err, core.ErrShuttingDown):
		res.Fail(err)
		return fmt.Errorf("%s %s: %w", job.Key(), check, core.ErrShuttingDown)
	default:
		res.Fail(err)
		p.log.Warn("check failed",
			logger.String("job", job.Key().String()),
			logger.String("check", check.String()),
			logger.Error(err))
	}
	metrics.Inc(metrics.GetMetrics().ScanChecks, check.String(), res.State.String())
	return nil
}

func (p *Processor) appendHistory(ctx context.Context, job *core.Job, check model.CheckType) error {
	h := historyFor(job)
	h.ScanType = check
	h.CreatedAt = p.now()
	return p.Store.AppendHistory(ctx, h)
}

// historyFor addresses a history row at the object the job scanned.
func historyFor(job *core.Job) *model.ScanHistory {
	id := job.Key().ID
	h := &model.ScanHistory{ObjID: id}
	switch job.Type {
	case core.TypeSub:
		h.ObjType = model.CacheSubWatch
	case core.TypeIPScan:
		h.ObjType = model.CacheIPScan
	default:
		h.ObjType = model.CacheWatch
		h.WatchID = &id
	}
	return h
}

// fresh reports whether a record scanned at last is still within delta.
// Interactive jobs always rescan.
func (p *Processor) fresh(job *core.Job, last time.Time, delta time.Duration) bool {
	if job.Interactive || delta <= 0 || last.IsZero() {
		return false
	}
	return last.After(p.now().Add(-delta))
}

// cacheKey addresses one last_scan_cache row.
type cacheKey struct {
	kind int
	obj  int64
	aux  string
}

func auxID(id int64) string { return strconv.FormatInt(id, 10) }

// write is one persistence decision.
type write struct {
	old    model.ScanRecord
	cur    model.ScanRecord
	same   bool
	insert func(context.Context) error
	cache  cacheKey
}

// commit applies the write avoidance rule: an unchanged result only bumps
// the stored record, a changed one is inserted, cached and announced.
func (p *Processor) commit(ctx context.Context, job *core.Job, w write) error {
	now := p.now()
	check := w.cur.Check()
	if w.same {
		if err := p.Store.BumpScan(ctx, w.old, now); err != nil {
			return fmt.Errorf("bump %s record %d: %w", check, w.old.RecordID(), err)
		}
		m := w.old.Meta()
		m.LastScanAt = now
		m.NumScans++
		metrics.Inc(metrics.GetMetrics().ScanRecords, check.String(), "same")
		return nil
	}

	if err := w.insert(ctx); err != nil {
		return fmt.Errorf("insert %s record: %w", check, err)
	}
	err := p.Store.UpsertLastScanCache(ctx, &model.LastScanCache{
		CacheType: w.cache.kind,
		ObjID:     w.cache.obj,
		ScanType:  check,
		AuxKey:    w.cache.aux,
		ScanID:    w.cur.RecordID(),
		UpdatedAt: now,
	})
	if err != nil {
		return fmt.Errorf("update %s scan cache: %w", check, err)
	}
	metrics.Inc(metrics.GetMetrics().ScanRecords, check.String(), "new")
	p.Events.OnNewScan(w.old, w.cur, job)
	return nil
}

// record converts a possibly nil record pointer into a ScanRecord whose nil
// check works.
func record[T any, P interface {
	*T
	model.ScanRecord
}](r P) model.ScanRecord {
	if r == nil {
		return nil
	}
	return r
}

// lastOrNil maps model.ErrNotFound to a nil record.
func lastOrNil[T any](rec *T, err error) (*T, error) {
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}
