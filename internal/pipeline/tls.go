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
	"net/url"
	"strings"

	"github.com/x-stp/certwatch/internal/certlib"
	"github.com/x-stp/certwatch/internal/change"
	"github.com/x-stp/certwatch/internal/core"
	"github.com/x-stp/certwatch/internal/logger"
	"github.com/x-stp/certwatch/internal/model"
)

// cdnSuffixes maps reverse DNS suffixes to a CDN label.
var cdnSuffixes = []struct {
	suffix string
	cdn    string
}{
	{".cloudfront.net", "cloudfront"},
	{".akamaitechnologies.com", "akamai"},
	{".akamaiedge.net", "akamai"},
	{".fastly.net", "fastly"},
	{".cloudflare.com", "cloudflare"},
	{".incapdns.net", "incapsula"},
	{".edgecastcdn.net", "edgecast"},
	{".azureedge.net", "azure"},
	{".googleusercontent.com", "google"},
	{".1e100.net", "google"},
	{".stackpathdns.com", "stackpath"},
}

// CDNForPTR classifies a reverse DNS name. Unknown names yield "".
func CDNForPTR(ptr string) string {
	ptr = strings.TrimSuffix(strings.ToLower(ptr), ".")
	for _, c := range cdnSuffixes {
		if strings.HasSuffix(ptr, c.suffix) {
			return c.cdn
		}
	}
	return ""
}

func (p *Processor) tlsCheck(ctx context.Context, job *core.Job, t *model.WatchTarget, host string) (any, error) {
	ip := job.PrimaryIP
	if ip == "" {
		return nil, errSkip
	}
	last, err := lastOrNil(p.Store.LastTLSScan(ctx, t.ID, ip))
	if err != nil {
		return nil, fmt.Errorf("load last tls scan: %w", err)
	}
	if last != nil && p.fresh(job, last.LastScanAt, p.cfg.Checks.TLS) {
		return last, errSkip
	}

	sni := host
	if certlib.IsIP(host) {
		sni = ""
	}
	start := p.now()
	hs, err := p.TLS.Handshake(ctx, ip, t.Port(), sni)
	if err != nil {
		return nil, err
	}

	cur := &model.TLSScan{
		WatchID:      t.ID,
		IPScanned:    ip,
		IsIPv6:       strings.Contains(ip, ":"),
		TLSVer:       hs.Version,
		Status:       model.StatusFailed,
		ErrCode:      hs.ErrCode,
		TLSAlertCode: hs.Alert,
	}
	if hs.OK() {
		chain, err := p.Certs.IngestChain(ctx, hs.Chain, certlib.SourceHandshake)
		if err != nil {
			return nil, fmt.Errorf("store chain of %s: %w", ip, err)
		}
		cur.Status = model.StatusOK
		cur.Results = len(chain.IDs)
		cur.NewResults = chain.New
		cur.CertsIDs = chain.SortedIDsJSON()
		cur.CertIDLeaf = chain.LeafID

		v := p.Validator.Validate(hs.Chain, host)
		cur.ValidPath = v.ValidPath
		cur.ValidHostname = v.ValidHostname
		cur.ErrValidity = v.Err
		cur.ErrManyLeafs = v.ManyLeafs
	} else if hs.Err != nil {
		p.log.Debug("handshake failed",
			logger.String("ip", ip), logger.Int("err_code", hs.ErrCode), logger.Error(hs.Err))
	}

	if ptr, err := p.Resolver.Reverse(ctx, ip); err == nil {
		cur.PTR = ptr
		cur.CDN = CDNForPTR(ptr)
	} else if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if hs.ErrCode != model.TLSErrConn && hs.ErrCode != model.TLSErrReadTimeout {
		if err := p.probeHTTP(ctx, job, t, cur); err != nil {
			return nil, err
		}
	}
	cur.Stamp(p.now(), p.now().Sub(start))

	same := change.SameTLS(last, cur)
	err = p.commit(ctx, job, write{
		old:    record(last),
		cur:    cur,
		same:   same,
		insert: func(ctx context.Context) error { return p.Store.InsertTLSScan(ctx, cur) },
		cache:  cacheKey{kind: model.CacheWatch, obj: t.ID, aux: ip},
	})
	if err != nil {
		return nil, err
	}
	if same {
		return last, nil
	}
	return cur, nil
}

// probeHTTP fills the request result, redirect and header columns. A
// failed probe is recorded in its result code; only cancellation is
// returned.
func (p *Processor) probeHTTP(ctx context.Context, job *core.Job, t *model.WatchTarget, s *model.TLSScan) error {
	if p.HTTP == nil {
		return nil
	}
	u, err := job.TargetURL()
	if err != nil {
		return nil
	}
	https := *u
	https.Scheme = "https"
	https.Path = "/"

	direct, err := p.HTTP.Probe(ctx, https.String(), false)
	if err != nil {
		return err
	}
	s.ReqHTTPSResult = direct.Code
	if direct.Err == nil {
		s.HSTSPresent = direct.HSTS.Present
		s.HSTSMaxAge = direct.HSTS.MaxAge
		s.HSTSIncludeSubdomains = direct.HSTS.IncludeSubdomains
		s.HSTSPreload = direct.HSTS.Preload
		s.PinningPresent = direct.Pinning.Present
		s.PinningReportOnly = direct.Pinning.ReportOnly
		s.PinningPins = direct.Pinning.Pins
	}

	follow, err := p.HTTP.Probe(ctx, https.String(), true)
	if err != nil {
		return err
	}
	s.FollowHTTPSResult = follow.Code
	s.FollowHTTPSURL = follow.FinalURL

	if t.Port() != model.DefaultPort {
		return nil
	}
	h := u.Hostname()
	if strings.Contains(h, ":") {
		h = "[" + h + "]"
	}
	plain := url.URL{Scheme: "http", Host: h, Path: "/"}
	followHTTP, err := p.HTTP.Probe(ctx, plain.String(), true)
	if err != nil {
		return err
	}
	s.FollowHTTPResult = followHTTP.Code
	s.FollowHTTPURL = followHTTP.FinalURL
	return nil
}
