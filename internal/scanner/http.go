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
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/x-stp/certwatch/internal/client"
	"github.com/x-stp/certwatch/internal/model"
	"github.com/x-stp/certwatch/internal/util"
)

// HSTS is a parsed Strict-Transport-Security header.
type HSTS struct {
	Present           bool
	MaxAge            int64
	IncludeSubdomains bool
	Preload           bool
}

// Pinning is a parsed Public-Key-Pins header.
type Pinning struct {
	Present    bool
	ReportOnly bool
	// Pins is a sorted JSON array of the pin-sha256 values.
	Pins string
}

// ProbeResult is the outcome of one HTTP request.
type ProbeResult struct {
	Code     int
	Status   int
	FinalURL string
	HSTS     HSTS
	Pinning  Pinning
	Err      error
}

// HTTPProber issues GET requests against monitored hosts.
type HTTPProber struct {
	direct *http.Client
	follow *http.Client
}

func NewHTTPProber(timeout time.Duration) *HTTPProber {
	return &HTTPProber{
		direct: client.NewProbeClient(timeout, false),
		follow: client.NewProbeClient(timeout, true),
	}
}

// Probe fetches rawURL. Failures are classified into ProbeResult.Code; the
// returned error is non-nil only when ctx was cancelled.
func (p *HTTPProber) Probe(ctx context.Context, rawURL string, follow bool) (*ProbeResult, error) {
	c := p.direct
	if follow {
		c = p.follow
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return &ProbeResult{Code: model.ReqOther, Err: err}, nil
	}
	resp, err := c.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return &ProbeResult{Code: ClassifyRequestError(err), Err: err}, nil
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return &ProbeResult{
		Code:     model.ReqOK,
		Status:   resp.StatusCode,
		FinalURL: resp.Request.URL.String(),
		HSTS:     ParseHSTS(resp.Header.Get("Strict-Transport-Security")),
		Pinning:  ParsePinning(resp.Header),
	}, nil
}

// ClassifyRequestError maps a client error to a request result code.
func ClassifyRequestError(err error) int {
	switch {
	case err == nil:
		return model.ReqOK
	case errors.Is(err, client.ErrTooManyRedirects):
		return model.ReqRedirects
	case errors.Is(err, context.DeadlineExceeded):
		return model.ReqTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return model.ReqTimeout
	}
	var (
		rh  tls.RecordHeaderError
		ca  x509.UnknownAuthorityError
		inv x509.CertificateInvalidError
		hn  x509.HostnameError
	)
	if errors.As(err, &rh) || errors.As(err, &ca) || errors.As(err, &inv) || errors.As(err, &hn) ||
		strings.Contains(err.Error(), "tls: ") || strings.Contains(err.Error(), "HTTP response to HTTPS client") {
		return model.ReqSSL
	}
	var op *net.OpError
	if errors.As(err, &op) && op.Op == "dial" {
		return model.ReqConnect
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return model.ReqConnect
	}
	return model.ReqOther
}

// ParseHSTS parses a Strict-Transport-Security value. An empty value means
// the header was absent.
func ParseHSTS(v string) HSTS {
	v = strings.TrimSpace(v)
	if v == "" {
		return HSTS{}
	}
	h := HSTS{Present: true}
	for _, d := range strings.Split(v, ";") {
		name, val, _ := strings.Cut(strings.TrimSpace(d), "=")
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "max-age":
			if n, err := strconv.ParseInt(strings.Trim(strings.TrimSpace(val), `"`), 10, 64); err == nil {
				h.MaxAge = n
			}
		case "includesubdomains":
			h.IncludeSubdomains = true
		case "preload":
			h.Preload = true
		}
	}
	return h
}

// ParsePinning reads Public-Key-Pins, falling back to the report-only form.
func ParsePinning(hdr http.Header) Pinning {
	v := hdr.Get("Public-Key-Pins")
	p := Pinning{}
	if v == "" {
		v = hdr.Get("Public-Key-Pins-Report-Only")
		p.ReportOnly = v != ""
	}
	if v == "" {
		return Pinning{}
	}
	p.Present = true
	var pins []string
	for _, d := range strings.Split(v, ";") {
		name, val, ok := strings.Cut(strings.TrimSpace(d), "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), "pin-sha256") {
			continue
		}
		if pin := strings.Trim(strings.TrimSpace(val), `"`); pin != "" {
			pins = append(pins, pin)
		}
	}
	p.Pins = util.SortedJSON(util.StableUniq(pins))
	return p
}
