package scanner

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x-stp/certwatch/internal/model"
)

func hostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	h, p, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(p)
	require.NoError(t, err)
	return h, port
}

func TestHandshakeCollectsChain(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer srv.Close()
	ip, port := hostPort(t, srv.Listener.Addr().String())

	res, err := NewTLSScanner(5*time.Second).Handshake(context.Background(), ip, port, "example.com")
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, model.TLSErrNone, res.ErrCode)
	assert.NotEmpty(t, res.Version)
	require.NotEmpty(t, res.Chain)
	assert.Contains(t, res.Chain[0].DNSNames, "example.com")
}

func TestHandshakeConnectionRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ip, port := hostPort(t, l.Addr().String())
	require.NoError(t, l.Close())

	s := NewTLSScanner(time.Second, WithTLSRetries(1), WithTLSBackoff(5*time.Millisecond))
	res, err := s.Handshake(context.Background(), ip, port, "example.com")
	require.NoError(t, err)
	assert.Equal(t, model.TLSErrConn, res.ErrCode)
	assert.False(t, res.OK())
}

func TestHandshakeGarbageServer(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	var conns atomic.Int32
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			conns.Add(1)
			_, _ = c.Write([]byte("SSH-2.0-OpenSSH_9.0\r\n"))
			_ = c.Close()
		}
	}()
	ip, port := hostPort(t, l.Addr().String())

	s := NewTLSScanner(2*time.Second, WithTLSRetries(2), WithTLSBackoff(5*time.Millisecond))
	res, err := s.Handshake(context.Background(), ip, port, "example.com")
	require.NoError(t, err)
	assert.Equal(t, model.TLSErrHandshake, res.ErrCode)
	assert.Equal(t, int32(1), conns.Load(), "a rejected handshake is not repeated")
}

func TestHandshakeSilentServerTimesOut(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	done := make(chan struct{})
	defer close(done)
	go func() {
		c, err := l.Accept()
		if err != nil {
			return
		}
		<-done
		_ = c.Close()
	}()
	ip, port := hostPort(t, l.Addr().String())

	res, err := NewTLSScanner(200*time.Millisecond, WithTLSRetries(0)).Handshake(context.Background(), ip, port, "example.com")
	require.NoError(t, err)
	assert.Equal(t, model.TLSErrReadTimeout, res.ErrCode)
}

// TestHandshakeRetriesAfterTimeout stalls the first connection and relays
// later ones to a real TLS server.
func TestHandshakeRetriesAfterTimeout(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer srv.Close()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	done := make(chan struct{})
	defer close(done)
	var conns atomic.Int32
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			if conns.Add(1) == 1 {
				go func() {
					<-done
					_ = c.Close()
				}()
				continue
			}
			go relay(c, srv.Listener.Addr().String())
		}
	}()
	ip, port := hostPort(t, l.Addr().String())

	s := NewTLSScanner(300*time.Millisecond, WithTLSRetries(2), WithTLSBackoff(5*time.Millisecond))
	res, err := s.Handshake(context.Background(), ip, port, "example.com")
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, int32(2), conns.Load())
}

func relay(c net.Conn, upstream string) {
	defer c.Close()
	u, err := net.Dial("tcp", upstream)
	if err != nil {
		return
	}
	defer u.Close()
	go func() { _, _ = io.Copy(u, c) }()
	_, _ = io.Copy(c, u)
}

func TestHandshakeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewTLSScanner(time.Second).Handshake(ctx, "127.0.0.1", 1, "")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIPProber(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer srv.Close()
	ip, port := hostPort(t, srv.Listener.Addr().String())
	p := NewIPProber(NewTLSScanner(2 * time.Second))

	res, err := p.Probe(context.Background(), netip.MustParseAddr(ip), port, "example.com")
	require.NoError(t, err)
	assert.True(t, res.Alive)
	assert.True(t, res.Valid)

	res, err = p.Probe(context.Background(), netip.MustParseAddr(ip), port, "other.org")
	require.NoError(t, err)
	assert.True(t, res.Alive)
	assert.False(t, res.Valid)
}
