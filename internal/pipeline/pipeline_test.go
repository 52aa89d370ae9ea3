package pipeline

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x-stp/certwatch/internal/certlib"
	"github.com/x-stp/certwatch/internal/core"
	"github.com/x-stp/certwatch/internal/model"
	"github.com/x-stp/certwatch/internal/scanner"
)

// exampleSetup prepares example.com: one IPv4 address, a valid chain and a
// CT entry whose fingerprint matches the served leaf.
func exampleSetup(t *testing.T, h *harness) *model.WatchTarget {
	t.Helper()
	leaf := h.ca.issue(t, "example.com", "www.example.com")
	h.hs.chain = []*x509.Certificate{leaf, h.ca.cert}
	h.res.addrs["example.com"] = []scanner.Addr{{Family: model.FamilyIPv4, IP: "93.184.216.34"}}
	h.ct.entries["example.com"] = []scanner.CTEntry{{
		ID:        9001,
		CAID:      16418,
		NameValue: "example.com",
		SHA1:      certlib.FromX509(leaf).FprintSHA1,
	}}
	return &model.WatchTarget{ID: 1, ScanHost: "example.com", ScanScheme: "https", ScanPort: 443}
}

func targetJob(t *model.WatchTarget) *core.Job {
	return core.NewJob(core.TypeTarget, t, t.LastScanAt)
}

func TestTargetEndToEnd(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	target := exampleSetup(t, h)
	job := targetJob(target)

	require.NoError(t, h.proc.Process(context.Background(), job))

	for name, r := range map[string]core.ScanResult{
		"dns": job.Results.DNS, "tls": job.Results.TLS,
		"crtsh": job.Results.CrtSh, "whois": job.Results.Whois,
	} {
		assert.Equal(t, core.StateOK, r.State, name)
	}
	assert.Equal(t, "93.184.216.34", job.PrimaryIP)

	s := h.store
	require.Len(t, s.dns, 1)
	require.Len(t, s.tls, 1)
	require.Len(t, s.crtsh, 1)
	require.Len(t, s.whois, 1)
	assert.Len(t, s.history, 4)
	for _, row := range s.history {
		require.NotNil(t, row.WatchID)
		assert.Equal(t, target.ID, *row.WatchID)
		assert.Equal(t, model.CacheWatch, row.ObjType)
		assert.Equal(t, target.ID, row.ObjID)
	}
	for _, m := range []*model.ScanMeta{s.dns[0].Meta(), s.tls[0].Meta(), s.crtsh[0].Meta(), s.whois[0].Meta()} {
		assert.Equal(t, 1, m.NumScans)
	}
	assert.Zero(t, h.ct.downloadCount())

	tls := s.tls[0]
	assert.Equal(t, model.StatusOK, tls.Status)
	assert.True(t, tls.ValidPath)
	assert.True(t, tls.ValidHostname)
	assert.Equal(t, 2, tls.Results)
	require.NotNil(t, tls.CertIDLeaf)
	assert.Equal(t, model.ReqOK, tls.ReqHTTPSResult)
	assert.Equal(t, model.ReqOK, tls.FollowHTTPResult)
	assert.True(t, tls.HSTSPresent)

	crt := s.crtsh[0]
	assert.Equal(t, fmt.Sprintf("[%d]", *tls.CertIDLeaf), crt.CertsIDs)
	assert.Equal(t, 1, crt.Results)
	require.NotNil(t, crt.NewestCertShID)
	assert.Equal(t, int64(9001), *crt.NewestCertShID)

	leafFP := certlib.FromX509(h.hs.chain[0]).FprintSHA1
	require.NotNil(t, s.certs[leafFP].CrtShID, "crt.sh id backfilled")
	assert.Equal(t, int64(9001), *s.certs[leafFP].CrtShID)

	assert.Equal(t, s.dns[0].ID, s.lastDNS[target.ID])
	assert.Equal(t, "[[2,\"93.184.216.34\"]]", s.dns[0].DNS)
	assert.Equal(t, "Example Registrar", s.whois[0].Registrar)
	assert.Equal(t, s.domains["example.com"].ID, s.topOf[target.ID])
	assert.Len(t, h.sink.events, 4)
	assert.Equal(t, 4, h.sink.firsts)
}

func TestIdenticalRescanOnlyBumps(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	target := exampleSetup(t, h)

	require.NoError(t, h.proc.Process(context.Background(), targetJob(target)))
	h.clock = h.clock.Add(72 * time.Hour)
	job := targetJob(target)
	require.NoError(t, h.proc.Process(context.Background(), job))

	s := h.store
	assert.Equal(t, 4, s.records())
	assert.Equal(t, 4, s.bumps)
	assert.Len(t, s.history, 8)
	for _, m := range []*model.ScanMeta{s.dns[0].Meta(), s.tls[0].Meta(), s.crtsh[0].Meta(), s.whois[0].Meta()} {
		assert.Equal(t, 2, m.NumScans)
		assert.True(t, m.LastScanAt.Equal(h.clock))
	}
	assert.Len(t, h.sink.events, 4, "no events for unchanged records")
	assert.Zero(t, h.ct.downloadCount())

	dns, ok := job.Results.DNS.Aux.(*model.DNSScan)
	require.True(t, ok)
	assert.Equal(t, 2, dns.NumScans)
}

func TestFreshChecksAreSkipped(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	target := exampleSetup(t, h)
	require.NoError(t, h.proc.Process(context.Background(), targetJob(target)))

	h.clock = h.clock.Add(time.Minute)
	writes := h.store.writeCount()
	job := targetJob(target)
	require.NoError(t, h.proc.Process(context.Background(), job))

	assert.Equal(t, core.StateSkipped, job.Results.DNS.State)
	assert.Equal(t, core.StateSkipped, job.Results.TLS.State)
	assert.Equal(t, "93.184.216.34", job.PrimaryIP, "fresh dns record still seeds the primary ip")
	assert.Equal(t, int32(1), h.hs.calls.Load())
	// crt.sh input and top domain upserts find existing rows.
	assert.Equal(t, writes, h.store.writeCount())
}

func TestInteractiveJobIgnoresFreshness(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	target := exampleSetup(t, h)
	require.NoError(t, h.proc.Process(context.Background(), targetJob(target)))

	job := core.NewJob(core.TypeAPI, target, nil)
	job.Interactive = true
	require.NoError(t, h.proc.Process(context.Background(), job))
	assert.Equal(t, core.StateOK, job.Results.TLS.State)
	assert.Equal(t, int32(2), h.hs.calls.Load())
}

func TestChangedResultInsertsNewRecord(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	target := exampleSetup(t, h)
	require.NoError(t, h.proc.Process(context.Background(), targetJob(target)))

	h.clock = h.clock.Add(72 * time.Hour)
	h.res.addrs["example.com"] = append(h.res.addrs["example.com"],
		scanner.Addr{Family: model.FamilyIPv6, IP: "2606:2800:220:1::248:1893"})
	require.NoError(t, h.proc.Process(context.Background(), targetJob(target)))

	require.Len(t, h.store.dns, 2)
	assert.Equal(t, 1, h.store.dns[1].NumIPv6)
	assert.Equal(t, h.store.dns[1].ID, h.store.lastDNS[target.ID])
}

func TestDNSOutcomes(t *testing.T) {
	t.Parallel()

	t.Run("nxdomain is stored", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, nil)
		job := targetJob(&model.WatchTarget{ID: 5, ScanHost: "missing.example.org"})
		require.NoError(t, h.proc.Process(context.Background(), job))

		assert.Equal(t, core.StateOK, job.Results.DNS.State)
		require.Len(t, h.store.dns, 1)
		assert.Equal(t, model.DNSStatusNotFound, h.store.dns[0].Status)
		assert.Equal(t, core.StateSkipped, job.Results.TLS.State, "no primary ip")
	})

	t.Run("servfail fails without a record", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, nil)
		h.res.errs["flaky.example.org"] = errors.New("rcode SERVFAIL")
		job := targetJob(&model.WatchTarget{ID: 6, ScanHost: "flaky.example.org"})
		require.NoError(t, h.proc.Process(context.Background(), job))

		assert.Equal(t, core.StateFailed, job.Results.DNS.State)
		assert.Empty(t, h.store.dns)
		assert.True(t, job.Results.AnyFailed())
	})
}

func TestWhoisOutcomes(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		err    error
		state  core.ResultState
		stored bool
		status int
	}{
		{"not found", scanner.ErrWhoisNotFound, core.StateOK, true, model.WhoisStatusNotFound},
		{"no server", scanner.ErrWhoisNoServer, core.StateOK, true, model.WhoisStatusNotFound},
		{"other error", errors.New("connection reset"), core.StateOK, true, model.WhoisStatusError},
		{"rate limited", scanner.ErrWhoisRateLimited, core.StateFailed, false, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, nil)
			h.whois.err = tc.err
			job := targetJob(&model.WatchTarget{ID: 9, ScanHost: "www.example.net"})
			require.NoError(t, h.proc.Process(context.Background(), job))

			assert.Equal(t, tc.state, job.Results.Whois.State)
			if !tc.stored {
				assert.Empty(t, h.store.whois)
				return
			}
			require.Len(t, h.store.whois, 1)
			assert.Equal(t, tc.status, h.store.whois[0].Status)
			_, ok := h.store.domains["example.net"]
			assert.True(t, ok)
		})
	}
}

func TestInvalidHostIsTerminal(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	job := targetJob(&model.WatchTarget{ID: 3, ScanHost: "not a host"})
	err := h.proc.Process(context.Background(), job)
	assert.ErrorIs(t, err, core.ErrInvalidHostname)
	assert.Zero(t, h.store.writeCount())
}

func TestUnknownJobType(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	job := core.NewJob(core.JobType(42), &model.WatchTarget{ID: 1, ScanHost: "example.com"}, nil)
	assert.ErrorIs(t, h.proc.Process(context.Background(), job), core.ErrUnknownJobType)
}

func TestCancelledContextIsShutdown(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	target := exampleSetup(t, h)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := h.proc.Process(ctx, targetJob(target))
	assert.ErrorIs(t, err, core.ErrShuttingDown)
	assert.Zero(t, h.store.records())
}

func TestInteractiveBatchLimitsDownloads(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	target := exampleSetup(t, h)
	entries := make([]scanner.CTEntry, 0, 40)
	for i := int64(40); i > 0; i-- {
		leaf := h.ca.issue(t, "example.com")
		h.ct.pems[i] = certlib.EncodePEM(leaf.Raw)
		entries = append(entries, scanner.CTEntry{ID: i, CAID: 7})
	}
	h.ct.entries["example.com"] = entries

	job := core.NewJob(core.TypeAPI, target, nil)
	job.Interactive = true
	require.NoError(t, h.proc.Process(context.Background(), job))

	assert.Equal(t, defaultCrtShBatchInteractive, h.ct.downloadCount())
	require.Len(t, h.store.crtsh, 1)
	assert.Equal(t, defaultCrtShBatchInteractive, h.store.crtsh[0].Results)
	assert.Equal(t, defaultCrtShBatchInteractive, h.store.crtsh[0].NewResults)
	assert.Equal(t, int64(40), *h.store.crtsh[0].NewestCertShID)
}

func subSetup(t *testing.T, h *harness) *model.SubdomainWatchTarget {
	t.Helper()
	a := h.ca.issue(t, "api.example.org", "*.dev.example.org", "example.org")
	b := h.ca.issue(t, "mail.example.org", "unrelated.test")
	h.ct.pems[11] = certlib.EncodePEM(a.Raw)
	h.ct.pems[12] = certlib.EncodePEM(b.Raw)
	h.ct.entries["example.org"] = []scanner.CTEntry{{ID: 11}}
	h.ct.entries["%.example.org"] = []scanner.CTEntry{{ID: 12}, {ID: 11}}
	return &model.SubdomainWatchTarget{ID: 70, ScanHost: "example.org"}
}

func TestWildcardDiscoversSubdomains(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	sub := subSetup(t, h)
	h.store.assocs = []model.Assoc{
		{ID: 1, OwnerID: 10, TargetID: sub.ID, AutoFillWatches: true},
		{ID: 2, OwnerID: 11, TargetID: sub.ID},
	}
	job := core.NewJob(core.TypeSub, sub, nil)
	require.NoError(t, h.proc.Process(context.Background(), job))

	assert.Equal(t, core.StateOK, job.Results.Wildcard.State)
	assert.Equal(t, 2, h.ct.downloadCount(), "id 11 is downloaded once")
	require.Len(t, h.store.crtsh, 2)
	require.Len(t, h.store.subRes, 1)
	want := []string{"*.dev.example.org", "api.example.org", "example.org", "mail.example.org"}
	assert.Equal(t, `["*.dev.example.org","api.example.org","example.org","mail.example.org"]`, h.store.subRes[0].Result)
	assert.Len(t, h.store.entries, len(want))
	wild := h.store.entries[entryKey(sub.ID, "*.dev.example.org")]
	require.NotNil(t, wild)
	assert.True(t, wild.IsWildcard)

	require.Len(t, h.prov.owners, 1)
	assert.Equal(t, int64(10), h.prov.owners[0].OwnerID)
	assert.Equal(t, want, h.prov.names)
	require.Len(t, h.store.history, 1)
	row := h.store.history[0]
	assert.Equal(t, model.CheckWildcard, row.ScanType)
	assert.Nil(t, row.WatchID, "a sub-watch id is not a watch id")
	assert.Equal(t, model.CacheSubWatch, row.ObjType)
	assert.Equal(t, sub.ID, row.ObjID)
}

func TestWildcardUnchangedSkipsResultSync(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	sub := subSetup(t, h)
	require.NoError(t, h.proc.Process(context.Background(), core.NewJob(core.TypeSub, sub, nil)))

	h.clock = h.clock.Add(72 * time.Hour)
	require.NoError(t, h.proc.Process(context.Background(), core.NewJob(core.TypeSub, sub, nil)))
	assert.Len(t, h.store.subRes, 1)
	assert.Len(t, h.store.crtsh, 2)
	assert.Equal(t, 2, h.store.bumps)
	assert.Equal(t, 1, h.store.subRes[0].NumScans)
}

func TestBlacklistedSubTargetWritesNothing(t *testing.T) {
	t.Parallel()
	h := newHarness(t, fakeBlacklist{"example.org"})
	sub := subSetup(t, h)
	sub.ScanHost = "shop.example.org"
	job := core.NewJob(core.TypeSub, sub, nil)

	require.NoError(t, h.proc.Process(context.Background(), job))
	assert.Equal(t, core.StateOK, job.Results.Wildcard.State)
	assert.Zero(t, h.store.writeCount())
	assert.Zero(t, h.ct.downloadCount())
}

func TestIPSweep(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	a1, a3 := netip.MustParseAddr("192.0.2.1"), netip.MustParseAddr("192.0.2.3")
	h.addr.alive[a1], h.addr.alive[a3] = true, true
	h.addr.valid[a3] = true
	rec := &model.IPScanRecord{ID: 4, ServiceName: "svc.example.com", IPBeg: "192.0.2.0", IPEnd: "192.0.2.7"}
	h.store.assocs = []model.Assoc{{ID: 1, OwnerID: 2, TargetID: rec.ID, AutoFillWatches: true}}

	job := core.NewJob(core.TypeIPScan, rec, nil)
	require.NoError(t, h.proc.Process(context.Background(), job))

	require.Len(t, h.store.ipscans, 1)
	r := h.store.ipscans[0]
	assert.Equal(t, `["192.0.2.1","192.0.2.3"]`, r.IPsAlive)
	assert.Equal(t, `["192.0.2.3"]`, r.IPsValid)
	assert.Equal(t, []string{"192.0.2.3"}, h.prov.names)

	require.Len(t, h.store.history, 1)
	assert.Nil(t, h.store.history[0].WatchID)
	assert.Equal(t, model.CacheIPScan, h.store.history[0].ObjType)
	assert.Equal(t, rec.ID, h.store.history[0].ObjID)
}

func TestIPSweepRejectsOversizedRange(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	rec := &model.IPScanRecord{ID: 4, IPBeg: "10.0.0.0", IPEnd: "10.1.0.0"}
	err := h.proc.Process(context.Background(), core.NewJob(core.TypeIPScan, rec, nil))
	assert.ErrorIs(t, err, core.ErrInvalidHostname)
	assert.ErrorIs(t, err, certlib.ErrRangeLarge)
}

func TestIPSweepCancelled(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	rec := &model.IPScanRecord{ID: 4, ServiceName: "svc", IPBeg: "192.0.2.0", IPEnd: "192.0.2.255"}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := h.proc.Process(ctx, core.NewJob(core.TypeIPScan, rec, nil))
	assert.ErrorIs(t, err, core.ErrShuttingDown)
	assert.Empty(t, h.store.ipscans)
}

func TestCDNForPTR(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "cloudfront", CDNForPTR("server-1-2-3-4.fra2.r.cloudfront.net."))
	assert.Equal(t, "akamai", CDNForPTR("a23-1-2-3.deploy.static.akamaitechnologies.com"))
	assert.Empty(t, CDNForPTR("mail.example.com"))
}
