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
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/x-stp/certwatch/internal/model"
)

// HandshakeResult is the outcome of one TLS handshake. Failures are data,
// not errors: ErrCode carries the failure class.
type HandshakeResult struct {
	IP      string
	Port    int
	SNI     string
	Version string
	Chain   []*x509.Certificate
	ErrCode int
	Alert   string
	Err     error
	Elapsed time.Duration
}

// OK reports whether the handshake completed and returned certificates.
func (r *HandshakeResult) OK() bool {
	return r.ErrCode == model.TLSErrNone && len(r.Chain) > 0
}

const (
	defaultTLSRetries = 2
	defaultTLSBackoff = 500 * time.Millisecond
)

// TLSScanner performs certificate-collecting handshakes. Server certificates
// are never verified here.
type TLSScanner struct {
	timeout time.Duration
	retries int
	backoff time.Duration
}

// TLSOption configures a TLSScanner.
type TLSOption func(*TLSScanner)

// WithTLSRetries sets how many times a handshake that could not connect or
// timed out is repeated.
func WithTLSRetries(n int) TLSOption {
	return func(s *TLSScanner) {
		if n >= 0 {
			s.retries = n
		}
	}
}

func WithTLSBackoff(d time.Duration) TLSOption {
	return func(s *TLSScanner) {
		if d > 0 {
			s.backoff = d
		}
	}
}

func NewTLSScanner(timeout time.Duration, opts ...TLSOption) *TLSScanner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	s := &TLSScanner{timeout: timeout, retries: defaultTLSRetries, backoff: defaultTLSBackoff}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handshake connects to ip:port and completes a TLS handshake with the given
// SNI. An IP literal SNI is not sent. Connection failures and timeouts are
// retried; a handshake the peer rejects is not. The returned error is non-nil
// only when ctx was cancelled.
func (s *TLSScanner) Handshake(ctx context.Context, ip string, port int, sni string) (*HandshakeResult, error) {
	start := time.Now()
	backoff := s.backoff
	for attempt := 0; ; attempt++ {
		res, err := s.attempt(ctx, ip, port, sni)
		res.Elapsed = time.Since(start)
		if err != nil || attempt >= s.retries || !retryableHandshake(res.ErrCode) {
			return res, err
		}
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return res, ctx.Err()
		case <-t.C:
		}
		backoff *= 2
	}
}

func retryableHandshake(code int) bool {
	return code == model.TLSErrConn || code == model.TLSErrReadTimeout
}

// attempt performs a single handshake.
func (s *TLSScanner) attempt(ctx context.Context, ip string, port int, sni string) (*HandshakeResult, error) {
	res := &HandshakeResult{IP: ip, Port: port, SNI: sni}
	start := time.Now()
	defer func() { res.Elapsed = time.Since(start) }()

	hctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	d := &net.Dialer{Timeout: s.timeout}
	raw, err := d.DialContext(hctx, "tcp", net.JoinHostPort(ip, strconv.Itoa(port)))
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.ErrCode, res.Err = model.TLSErrConn, err
		return res, nil
	}
	defer raw.Close()
	_ = raw.SetDeadline(time.Now().Add(s.timeout))

	cfg := &tls.Config{
		InsecureSkipVerify: true, //nolint:gosec // chain is validated separately
		MinVersion:         tls.VersionTLS10,
	}
	if net.ParseIP(sni) == nil {
		cfg.ServerName = sni
	}
	conn := tls.Client(raw, cfg)
	if err := conn.HandshakeContext(hctx); err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Err = err
		res.ErrCode, res.Alert = classifyHandshake(err)
		return res, nil
	}

	state := conn.ConnectionState()
	res.Version = tls.VersionName(state.Version)
	res.Chain = state.PeerCertificates
	if len(res.Chain) == 0 {
		res.ErrCode = model.TLSErrNoCerts
	}
	return res, nil
}

func classifyHandshake(err error) (int, string) {
	var alert tls.AlertError
	if errors.As(err, &alert) {
		return model.TLSErrHandshake, alert.Error()
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return model.TLSErrReadTimeout, ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.TLSErrReadTimeout, ""
	}
	// Alerts sent by the peer only surface as text.
	if _, msg, ok := strings.Cut(err.Error(), "remote error: tls: "); ok {
		return model.TLSErrHandshake, msg
	}
	return model.TLSErrHandshake, ""
}
