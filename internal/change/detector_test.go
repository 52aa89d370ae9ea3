package change

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/x-stp/certwatch/internal/model"
)

func baseTLS() *model.TLSScan {
	leaf := int64(42)
	return &model.TLSScan{
		ScanMeta:          model.ScanMeta{ID: 1, NumScans: 3, LastScanAt: time.Unix(100, 0)},
		WatchID:           7,
		IPScanned:         "93.184.216.34",
		TLSVer:            "TLS1.3",
		Status:            1,
		Results:           2,
		CertsIDs:          "[41,42]",
		CertIDLeaf:        &leaf,
		ValidPath:         true,
		ValidHostname:     true,
		FollowHTTPSResult: model.ReqOK,
		FollowHTTPSURL:    "https://example.com/",
		HSTSPresent:       true,
		HSTSMaxAge:        31536000,
	}
}

func TestSameTLSIgnoresBookkeeping(t *testing.T) {
	old := baseTLS()
	cur := baseTLS()
	cur.ID = 0
	cur.NumScans = 1
	cur.LastScanAt = time.Unix(5000, 0)
	cur.TimeElapsed = 800
	cur.PTR = "edge.example.net"
	cur.CDN = "cloudflare"
	cur.TLSAlertCode = ""
	assert.True(t, SameTLS(old, cur))
}

func TestSameTLSDetectsValidationFlip(t *testing.T) {
	old := baseTLS()
	cur := baseTLS()
	cur.ValidHostname = false
	assert.False(t, SameTLS(old, cur))
}

func TestSameTLSLeafPointer(t *testing.T) {
	old := baseTLS()
	cur := baseTLS()
	other := int64(42)
	cur.CertIDLeaf = &other
	assert.True(t, SameTLS(old, cur), "pointer identity must not matter")

	cur.CertIDLeaf = nil
	assert.False(t, SameTLS(old, cur))
}

func TestSameTLSIgnoresRedirectQuery(t *testing.T) {
	old := baseTLS()
	cur := baseTLS()
	cur.FollowHTTPSURL = "https://example.com/?session=abc"
	assert.True(t, SameTLS(old, cur))

	cur.FollowHTTPSURL = "https://www.example.com/"
	assert.False(t, SameTLS(old, cur))
}

func TestNilPreviousIsChange(t *testing.T) {
	assert.False(t, SameTLS(nil, baseTLS()))
	assert.False(t, SameDNS(nil, &model.DNSScan{Status: model.DNSStatusOK}))
	assert.False(t, SameWhois(nil, &model.WhoisCheck{}))
}

func TestSameDNS(t *testing.T) {
	old := &model.DNSScan{Status: model.DNSStatusOK, DNS: `[[2,"1.2.3.4"]]`, NumRes: 1}
	cur := &model.DNSScan{Status: model.DNSStatusOK, DNS: `[[2,"1.2.3.4"]]`, NumRes: 1}
	assert.True(t, SameDNS(old, cur))

	cur.DNS = `[[2,"1.2.3.4"],[10,"::1"]]`
	assert.False(t, SameDNS(old, cur))
}

func TestSameWhoisComparesDates(t *testing.T) {
	exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	expLocal := exp.In(time.FixedZone("CET", 3600))
	old := &model.WhoisCheck{Status: model.WhoisStatusOK, Registrar: "R", ExpiresAt: &exp}
	cur := &model.WhoisCheck{Status: model.WhoisStatusOK, Registrar: "R", ExpiresAt: &expLocal}
	assert.True(t, SameWhois(old, cur))

	later := exp.AddDate(1, 0, 0)
	cur.ExpiresAt = &later
	assert.False(t, SameWhois(old, cur))
}

func TestSameWildcardTracksNewestEntry(t *testing.T) {
	a, b := int64(10), int64(11)
	old := &model.CrtShQuery{Status: 1, Results: 1, CertsIDs: "[5]", NewestCertShID: &a, Wildcard: true}
	cur := &model.CrtShQuery{Status: 1, Results: 1, CertsIDs: "[5]", NewestCertShID: &b, Wildcard: true}
	assert.False(t, SameWildcard(old, cur))
	assert.True(t, SameCrtSh(old, cur))
}

func TestEqualLengthMismatch(t *testing.T) {
	assert.False(t, equal(tuple{"a"}, tuple{"a", ""}))
	assert.False(t, equal(tuple{"ab", ""}, tuple{"a", "b"}))
	assert.True(t, equal(tuple{"a", "b"}, tuple{"a", "b"}))
}

func TestSameSubdomainAndIPScan(t *testing.T) {
	assert.True(t, SameSubdomain(&model.SubdomainResult{Result: `["a"]`}, &model.SubdomainResult{Result: `["a"]`, ResultSize: 9}))
	assert.False(t, SameIPScan(&model.IPScanResult{IPsAlive: "[]"}, &model.IPScanResult{IPsAlive: `["1.1.1.1"]`}))
}
