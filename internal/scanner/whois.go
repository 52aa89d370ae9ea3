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
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/x-stp/certwatch/internal/util"
)

const (
	defaultIANAWhois  = "whois.iana.org:43"
	maxWhoisBody      = 1 << 20
	defaultWhoisRetry = 2
	defaultWhoisPause = 1500 * time.Millisecond
)

var (
	ErrWhoisNotFound    = errors.New("whois: domain not found")
	ErrWhoisRateLimited = errors.New("whois: rate limited")
	ErrWhoisNoServer    = errors.New("whois: no server for tld")
)

var (
	notFoundMarkers = []string{
		"no match for", "not found", "no data found", "no entries found",
		"status: free", "status:\tfree", "is available for registration", "no object found",
	}
	slowDownMarkers = []string{
		"limit exceeded", "quota exceeded", "try again later", "too many requests",
		"slow down", "request rate", "exceeded the maximum",
	}
	emailRe = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)

	whoisDateLayouts = []string{
		time.RFC3339,
		"2006-01-02T15:04:05Z",
		"2006-01-02T15:04:05.0Z",
		"2006-01-02T15:04:05.000Z",
		"2006-01-02 15:04:05",
		"2006-01-02",
		"2006.01.02",
		"02-Jan-2006",
		"02.01.2006",
		"2006/01/02",
		"20060102",
	}
)

// WhoisRecord holds the fields certwatch keeps from a WHOIS answer.
type WhoisRecord struct {
	Domain      string
	Registrar   string
	Country     string
	CreatedAt   *time.Time
	ExpiresAt   *time.Time
	UpdatedAt   *time.Time
	DNSSEC      bool
	NameServers []string
	Emails      []string
}

// WhoisOption configures a WhoisClient.
type WhoisOption func(*WhoisClient)

// WhoisClient speaks the port 43 protocol, discovering the server of each
// TLD through IANA.
type WhoisClient struct {
	timeout time.Duration
	iana    string
	limiter Limiter
	retries int
	pause   time.Duration

	mu      sync.RWMutex
	servers map[string]string
}

func NewWhoisClient(timeout time.Duration, opts ...WhoisOption) *WhoisClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &WhoisClient{
		timeout: timeout,
		iana:    defaultIANAWhois,
		retries: defaultWhoisRetry,
		pause:   defaultWhoisPause,
		servers: make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithWhoisIANA points server discovery at addr.
func WithWhoisIANA(addr string) WhoisOption {
	return func(c *WhoisClient) { c.iana = addr }
}

// WithWhoisServer pins the server used for tld.
func WithWhoisServer(tld, addr string) WhoisOption {
	return func(c *WhoisClient) { c.servers[strings.ToLower(tld)] = addr }
}

func WithWhoisLimiter(l Limiter) WhoisOption {
	return func(c *WhoisClient) { c.limiter = l }
}

// WithWhoisRetries sets how many times a throttled or unreachable query is
// repeated.
func WithWhoisRetries(n int) WhoisOption {
	return func(c *WhoisClient) {
		if n >= 0 {
			c.retries = n
		}
	}
}

// WithWhoisBackoff sets the first pause before a repeated query. It doubles
// on every further attempt.
func WithWhoisBackoff(d time.Duration) WhoisOption {
	return func(c *WhoisClient) {
		if d > 0 {
			c.pause = d
		}
	}
}

// Lookup queries the registry for domain, following one registrar referral.
func (c *WhoisClient) Lookup(ctx context.Context, domain string) (*WhoisRecord, error) {
	domain = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(domain), "."))
	dot := strings.LastIndexByte(domain, '.')
	if dot < 0 {
		return nil, ErrWhoisNoServer
	}
	server, err := c.serverFor(ctx, domain[dot+1:])
	if err != nil {
		return nil, err
	}

	body, err := c.askRetry(ctx, server, domain)
	if err != nil {
		return nil, err
	}
	if ref := referral(body); ref != "" && !strings.EqualFold(hostOf(ref), hostOf(server)) {
		if more, err := c.ask(ctx, withPort(ref), domain); err == nil && !isNotFound(more) {
			body = body + "\n" + more
		}
	}
	rec := ParseWhois(body)
	if rec.empty() && isNotFound(body) {
		return nil, fmt.Errorf("%w: %s", ErrWhoisNotFound, domain)
	}
	rec.Domain = domain
	return rec, nil
}

func (r *WhoisRecord) empty() bool {
	return r.Registrar == "" && r.CreatedAt == nil && r.ExpiresAt == nil && len(r.NameServers) == 0
}

func (c *WhoisClient) serverFor(ctx context.Context, tld string) (string, error) {
	c.mu.RLock()
	s, ok := c.servers[tld]
	c.mu.RUnlock()
	if ok {
		if s == "" {
			return "", fmt.Errorf("%w: %s", ErrWhoisNoServer, tld)
		}
		return s, nil
	}

	body, err := c.askRetry(ctx, c.iana, tld)
	if err != nil {
		return "", fmt.Errorf("iana lookup %s: %w", tld, err)
	}
	server := ""
	for _, key := range []string{"whois", "refer"} {
		if v := field(body, key); v != "" {
			server = withPort(v)
			break
		}
	}
	c.mu.Lock()
	c.servers[tld] = server
	c.mu.Unlock()
	if server == "" {
		return "", fmt.Errorf("%w: %s", ErrWhoisNoServer, tld)
	}
	return server, nil
}

// askRetry repeats ask while the server throttles or cannot be reached.
func (c *WhoisClient) askRetry(ctx context.Context, server, query string) (string, error) {
	pause := c.pause
	for attempt := 0; ; attempt++ {
		body, err := c.ask(ctx, server, query)
		if err == nil {
			return body, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if attempt >= c.retries || !retryableWhois(err) {
			return "", err
		}
		t := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			t.Stop()
			return "", ctx.Err()
		case <-t.C:
		}
		pause *= 2
	}
}

func retryableWhois(err error) bool {
	if errors.Is(err, ErrWhoisRateLimited) {
		return true
	}
	var op *net.OpError
	return errors.As(err, &op) && op.Op == "dial"
}

// ask sends one query and reads the full answer.
func (c *WhoisClient) ask(ctx context.Context, server, query string) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}
	d := &net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "tcp", server)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	deadline := time.Now().Add(c.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)

	if _, err := io.WriteString(conn, query+"\r\n"); err != nil {
		return "", err
	}
	b, err := io.ReadAll(io.LimitReader(conn, maxWhoisBody))
	if err != nil && len(b) == 0 {
		return "", err
	}
	body := string(b)
	if isSlowDown(body) {
		if c.limiter != nil {
			c.limiter.RecordFailure()
		}
		return "", fmt.Errorf("%w: %s", ErrWhoisRateLimited, server)
	}
	if c.limiter != nil {
		c.limiter.RecordSuccess()
	}
	return body, nil
}

// ParseWhois extracts the kept fields from a raw answer.
func ParseWhois(body string) *WhoisRecord {
	rec := &WhoisRecord{}
	var ns []string
	sc := bufio.NewScanner(strings.NewReader(body))
	sc.Buffer(make([]byte, 64<<10), maxWhoisBody)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '%' || line[0] == '#' || line[0] == '>' {
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		k, v = strings.ToLower(strings.TrimSpace(k)), strings.TrimSpace(v)
		if v == "" {
			continue
		}
		switch k {
		case "registrar", "registrar name", "sponsoring registrar":
			setOnce(&rec.Registrar, v)
		case "registrant country", "registrant country code", "country":
			setOnce(&rec.Country, strings.ToUpper(v))
		case "creation date", "created", "created on", "registered on", "registration time", "domain registration date":
			setTime(&rec.CreatedAt, v)
		case "registry expiry date", "registrar registration expiration date", "expiration date",
			"expiry date", "expires on", "paid-till", "expire date":
			setTime(&rec.ExpiresAt, v)
		case "updated date", "last updated", "changed", "last-update", "last modified", "modified":
			setTime(&rec.UpdatedAt, v)
		case "name server", "nserver", "nameserver", "name servers":
			if f := strings.Fields(v); len(f) > 0 {
				ns = append(ns, strings.TrimSuffix(f[0], "."))
			}
		case "dnssec":
			lv := strings.ToLower(v)
			rec.DNSSEC = lv != "unsigned" && lv != "no" && !strings.HasPrefix(lv, "unsigned")
		}
	}
	rec.NameServers = util.LowerStrip(ns)
	rec.Emails = util.LowerStrip(emailRe.FindAllString(body, -1))
	return rec
}

func setOnce(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

func setTime(dst **time.Time, v string) {
	if *dst != nil {
		return
	}
	if t, ok := parseWhoisDate(v); ok {
		*dst = &t
	}
}

func parseWhoisDate(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	if f := strings.Fields(v); len(f) > 2 {
		v = f[0] + " " + f[1]
	}
	for _, layout := range whoisDateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), true
		}
	}
	if f := strings.Fields(v); len(f) > 0 && f[0] != v {
		return parseWhoisDate(f[0])
	}
	return time.Time{}, false
}

func field(body, key string) string {
	for _, line := range strings.Split(body, "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(line), ":")
		if ok && strings.EqualFold(strings.TrimSpace(k), key) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func referral(body string) string {
	ref := field(body, "Registrar WHOIS Server")
	ref = strings.TrimPrefix(strings.TrimPrefix(ref, "whois://"), "rwhois://")
	return strings.TrimSuffix(ref, "/")
}

func isNotFound(body string) bool {
	lb := strings.ToLower(body)
	for _, m := range notFoundMarkers {
		if strings.Contains(lb, m) {
			return true
		}
	}
	return false
}

func isSlowDown(body string) bool {
	lb := strings.ToLower(body)
	for _, m := range slowDownMarkers {
		if strings.Contains(lb, m) {
			return true
		}
	}
	return false
}

func withPort(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, "43")
}

func hostOf(addr string) string {
	if h, _, err := net.SplitHostPort(addr); err == nil {
		return h
	}
	return addr
}
