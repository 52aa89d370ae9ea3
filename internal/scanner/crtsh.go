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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/x-stp/certwatch/internal/client"
)

const (
	defaultCrtShURL     = "https://crt.sh"
	defaultCrtShRetries = 2
	defaultCrtShBackoff = time.Second
	maxCrtShBody        = 32 << 20
)

// ErrCrtShThrottled is returned when crt.sh kept answering 429.
var ErrCrtShThrottled = errors.New("crt.sh rate limited")

// Limiter paces requests to an external service and learns from outcomes.
type Limiter interface {
	Wait(ctx context.Context) error
	RecordSuccess()
	RecordFailure()
}

// CTEntry is one crt.sh search hit.
type CTEntry struct {
	ID        int64  `json:"id"`
	CAID      int64  `json:"issuer_ca_id"`
	NameValue string `json:"name_value"`
	NotBefore string `json:"not_before"`
	NotAfter  string `json:"not_after"`
	// SHA1 is filled by CT sources that publish fingerprints with their
	// search results. crt.sh leaves it empty.
	SHA1 string `json:"sha1,omitempty"`
}

// CrtShOption configures a CrtShClient.
type CrtShOption func(*CrtShClient)

// CrtShClient searches crt.sh and downloads certificates from it.
type CrtShClient struct {
	httpClient *http.Client
	baseURL    string
	maxRetries int
	backoff    time.Duration
	limiter    Limiter
}

func NewCrtShClient(opts ...CrtShOption) *CrtShClient {
	c := &CrtShClient{
		httpClient: client.GetHTTPClient(),
		baseURL:    defaultCrtShURL,
		maxRetries: defaultCrtShRetries,
		backoff:    defaultCrtShBackoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func WithCrtShHTTPClient(hc *http.Client) CrtShOption {
	return func(c *CrtShClient) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

func WithCrtShBaseURL(u string) CrtShOption {
	return func(c *CrtShClient) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

func WithCrtShRetries(n int) CrtShOption {
	return func(c *CrtShClient) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

func WithCrtShBackoff(d time.Duration) CrtShOption {
	return func(c *CrtShClient) {
		if d > 0 {
			c.backoff = d
		}
	}
}

func WithCrtShLimiter(l Limiter) CrtShOption {
	return func(c *CrtShClient) { c.limiter = l }
}

// Query runs a crt.sh identity search. Results are unique by id, newest
// first.
func (c *CrtShClient) Query(ctx context.Context, q string) ([]CTEntry, error) {
	endpoint := fmt.Sprintf("%s/?q=%s&output=json", c.baseURL, url.QueryEscape(q))
	body, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	return parseCTEntries(body)
}

// Download fetches the PEM text of one certificate.
func (c *CrtShClient) Download(ctx context.Context, id int64) (string, error) {
	body, err := c.get(ctx, c.baseURL+"/?d="+strconv.FormatInt(id, 10))
	if err != nil {
		return "", err
	}
	if !strings.Contains(string(body), "BEGIN CERTIFICATE") {
		return "", fmt.Errorf("crt.sh %d: response is not a certificate", id)
	}
	return string(body), nil
}

func parseCTEntries(body []byte) ([]CTEntry, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil, nil
	}
	var raw []CTEntry
	if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
		return nil, fmt.Errorf("decode crt.sh response: %w", err)
	}
	seen := make(map[int64]struct{}, len(raw))
	out := raw[:0]
	for _, e := range raw {
		if e.ID <= 0 {
			continue
		}
		if _, ok := seen[e.ID]; ok {
			continue
		}
		seen[e.ID] = struct{}{}
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b CTEntry) int {
		switch {
		case a.ID > b.ID:
			return -1
		case a.ID < b.ID:
			return 1
		}
		return 0
	})
	return out, nil
}

// get performs a GET with retries. 429 honours Retry-After and lowers the
// limiter; 5xx backs off exponentially.
func (c *CrtShClient) get(ctx context.Context, endpoint string) ([]byte, error) {
	var lastErr error
	backoff := c.backoff
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
		} else {
			body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxCrtShBody))
			resp.Body.Close()
			if readErr != nil {
				return nil, fmt.Errorf("reading response: %w", readErr)
			}
			switch {
			case resp.StatusCode == http.StatusOK:
				c.success()
				return body, nil
			case resp.StatusCode == http.StatusTooManyRequests:
				c.failure()
				lastErr = ErrCrtShThrottled
				if d := retryAfter(resp.Header.Get("Retry-After")); d > 0 {
					backoff = d
				}
			case resp.StatusCode >= 500:
				lastErr = fmt.Errorf("received %d response from crt.sh", resp.StatusCode)
			default:
				return nil, fmt.Errorf("unexpected status code %d from crt.sh", resp.StatusCode)
			}
		}

		if attempt == c.maxRetries {
			break
		}
		t := time.NewTimer(backoff)
		select {
		case <-t.C:
			backoff *= 2
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func (c *CrtShClient) success() {
	if c.limiter != nil {
		c.limiter.RecordSuccess()
	}
}

func (c *CrtShClient) failure() {
	if c.limiter != nil {
		c.limiter.RecordFailure()
	}
}

func retryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(header)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		return time.Until(t)
	}
	return 0
}
