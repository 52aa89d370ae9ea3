package certlib

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEligibility(t *testing.T) {
	t.Parallel()
	cases := []struct {
		host    string
		connect bool
		whois   bool
	}{
		{"example.com", true, true},
		{"www.example.co.uk", true, true},
		{"93.184.216.34", true, false},
		{"2001:db8::1", true, false},
		{"*.example.com", false, false},
		{"localhost", true, false},
		{"bad host.com", false, false},
		{"-bad.example.com", false, false},
		{"", false, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.connect, CanConnect(c.host), "CanConnect(%q)", c.host)
		assert.Equal(t, c.whois, CanWhois(c.host), "CanWhois(%q)", c.host)
	}
}

func TestTopDomain(t *testing.T) {
	t.Parallel()
	got, err := TopDomain("a.b.Example.CO.UK.")
	require.NoError(t, err)
	assert.Equal(t, "example.co.uk", got)

	got, err = TopDomain("*.api.example.com")
	require.NoError(t, err)
	assert.Equal(t, "example.com", got)

	_, err = TopDomain("10.0.0.1")
	assert.ErrorIs(t, err, ErrNotDomain)
	_, err = TopDomain("com")
	assert.ErrorIs(t, err, ErrNotDomain)
}

func TestIsPrivateIP(t *testing.T) {
	t.Parallel()
	for _, ip := range []string{"10.1.2.3", "192.168.0.1", "127.0.0.1", "::1", "fd00::1", "::ffff:172.16.5.4"} {
		assert.True(t, IsPrivateIP(ip), ip)
	}
	for _, ip := range []string{"93.184.216.34", "2606:4700::1111", "not-an-ip"} {
		assert.False(t, IsPrivateIP(ip), ip)
	}
}

func TestUnderHost(t *testing.T) {
	t.Parallel()
	assert.True(t, UnderHost("example.com", "example.com"))
	assert.True(t, UnderHost("A.Example.com", "example.com"))
	assert.False(t, UnderHost("badexample.com", "example.com"))
}

func TestExpandRange(t *testing.T) {
	t.Parallel()
	addrs, err := ExpandRange("192.0.2.254", "192.0.3.1", 16)
	require.NoError(t, err)
	require.Len(t, addrs, 4)
	assert.Equal(t, "192.0.2.254", addrs[0].String())
	assert.Equal(t, "192.0.3.1", addrs[3].String())

	one, err := ExpandRange("192.0.2.1", "192.0.2.1", 1)
	require.NoError(t, err)
	assert.Len(t, one, 1)

	_, err = ExpandRange("192.0.2.10", "192.0.2.1", 16)
	assert.ErrorIs(t, err, ErrBadRange)
	_, err = ExpandRange("10.0.0.0", "10.0.1.0", 16)
	assert.ErrorIs(t, err, ErrRangeLarge)
	_, err = ExpandRange("nope", "10.0.0.1", 16)
	assert.ErrorIs(t, err, ErrBadRange)
}
