package pipeline

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/x-stp/certwatch/internal/certlib"
	"github.com/x-stp/certwatch/internal/config"
	"github.com/x-stp/certwatch/internal/core"
	"github.com/x-stp/certwatch/internal/logger"
	"github.com/x-stp/certwatch/internal/model"
	"github.com/x-stp/certwatch/internal/scanner"
)

// memStore keeps every table in memory. Lookups hand out copies so the
// processor never mutates stored rows behind the store's back.
type memStore struct {
	mu     sync.Mutex
	nextID int64
	writes int

	certs   map[string]*model.Certificate
	inputs  map[string]*model.CrtShInput
	domains map[string]*model.TopDomain
	dns     []*model.DNSScan
	tls     []*model.TLSScan
	crtsh   []*model.CrtShQuery
	whois   []*model.WhoisCheck
	subRes  []*model.SubdomainResult
	ipscans []*model.IPScanResult
	history []*model.ScanHistory
	entries map[string]*model.SubdomainEntry
	cache   map[string]int64
	assocs  []model.Assoc
	lastDNS map[int64]int64
	topOf   map[int64]int64
	bumps   int
}

func newMemStore() *memStore {
	return &memStore{
		certs:   make(map[string]*model.Certificate),
		inputs:  make(map[string]*model.CrtShInput),
		domains: make(map[string]*model.TopDomain),
		entries: make(map[string]*model.SubdomainEntry),
		cache:   make(map[string]int64),
		lastDNS: make(map[int64]int64),
		topOf:   make(map[int64]int64),
	}
}

func (s *memStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *memStore) write() int64 {
	s.writes++
	return s.id()
}

func last[T any](rows []*T, match func(*T) bool) (*T, error) {
	for i := len(rows) - 1; i >= 0; i-- {
		if match(rows[i]) {
			cp := *rows[i]
			return &cp, nil
		}
	}
	return nil, model.ErrNotFound
}

func (s *memStore) CertsByFingerprints(_ context.Context, fps []string) (map[string]*model.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*model.Certificate)
	for _, fp := range fps {
		if c, ok := s.certs[fp]; ok {
			cp := *c
			out[fp] = &cp
		}
	}
	return out, nil
}

func (s *memStore) InsertCertificate(_ context.Context, c *model.Certificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.certs[c.FprintSHA1]; ok {
		return model.ErrDuplicate
	}
	c.ID = s.write()
	cp := *c
	s.certs[c.FprintSHA1] = &cp
	return nil
}

func (s *memStore) LastDNSScan(_ context.Context, watchID int64) (*model.DNSScan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return last(s.dns, func(r *model.DNSScan) bool { return r.WatchID == watchID })
}

func (s *memStore) InsertDNSScan(_ context.Context, r *model.DNSScan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.ID = s.write()
	for i := range r.Entries {
		r.Entries[i].ID = s.id()
		r.Entries[i].ScanID = r.ID
	}
	cp := *r
	s.dns = append(s.dns, &cp)
	return nil
}

func (s *memStore) AdvanceLastDNSScan(_ context.Context, watchID, scanID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if scanID > s.lastDNS[watchID] {
		s.lastDNS[watchID] = scanID
	}
	return nil
}

func (s *memStore) LastTLSScan(_ context.Context, watchID int64, ip string) (*model.TLSScan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return last(s.tls, func(r *model.TLSScan) bool { return r.WatchID == watchID && r.IPScanned == ip })
}

func (s *memStore) InsertTLSScan(_ context.Context, r *model.TLSScan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.ID = s.write()
	cp := *r
	s.tls = append(s.tls, &cp)
	return nil
}

func (s *memStore) UpsertCrtShInput(_ context.Context, name string, itype int) (*model.CrtShInput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fmt.Sprintf("%s|%d", name, itype)
	in, ok := s.inputs[key]
	if !ok {
		in = &model.CrtShInput{ID: s.write(), Name: name, IType: itype}
		s.inputs[key] = in
	}
	cp := *in
	return &cp, nil
}

func eqPtr(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (s *memStore) LastCrtShQuery(_ context.Context, watchID, subWatchID *int64, inputID int64) (*model.CrtShQuery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return last(s.crtsh, func(r *model.CrtShQuery) bool {
		return eqPtr(r.WatchID, watchID) && eqPtr(r.SubWatchID, subWatchID) && r.InputID == inputID
	})
}

func (s *memStore) InsertCrtShQuery(_ context.Context, r *model.CrtShQuery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.ID = s.write()
	cp := *r
	s.crtsh = append(s.crtsh, &cp)
	return nil
}

func (s *memStore) CertsByCrtShIDs(_ context.Context, ids []int64) (map[int64]*model.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	out := make(map[int64]*model.Certificate)
	for _, c := range s.certs {
		if c.CrtShID != nil && want[*c.CrtShID] {
			cp := *c
			out[*c.CrtShID] = &cp
		}
	}
	return out, nil
}

func (s *memStore) SetCertCrtShID(_ context.Context, certID, crtShID int64, caID *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	for _, c := range s.certs {
		if c.ID == certID {
			c.CrtShID = &crtShID
			c.CrtShCAID = caID
			return nil
		}
	}
	return model.ErrNotFound
}

func (s *memStore) UpsertTopDomain(_ context.Context, name string) (*model.TopDomain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.domains[name]
	if !ok {
		d = &model.TopDomain{ID: s.write(), Name: name}
		s.domains[name] = d
	}
	cp := *d
	return &cp, nil
}

func (s *memStore) SetTopDomain(_ context.Context, watchID, domainID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	s.topOf[watchID] = domainID
	return nil
}

func (s *memStore) LastWhoisCheck(_ context.Context, domainID int64) (*model.WhoisCheck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return last(s.whois, func(r *model.WhoisCheck) bool { return r.DomainID == domainID })
}

func (s *memStore) InsertWhoisCheck(_ context.Context, r *model.WhoisCheck) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.ID = s.write()
	cp := *r
	s.whois = append(s.whois, &cp)
	return nil
}

func (s *memStore) SetSubTopDomain(_ context.Context, subWatchID, domainID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	s.topOf[-subWatchID] = domainID
	return nil
}

func (s *memStore) LastSubdomainResult(_ context.Context, subWatchID int64) (*model.SubdomainResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return last(s.subRes, func(r *model.SubdomainResult) bool { return r.WatchID == subWatchID })
}

func (s *memStore) InsertSubdomainResult(_ context.Context, r *model.SubdomainResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.ID = s.write()
	cp := *r
	s.subRes = append(s.subRes, &cp)
	return nil
}

func entryKey(subID int64, name string) string { return fmt.Sprintf("%d|%s", subID, name) }

func (s *memStore) SubdomainEntries(_ context.Context, subWatchID int64, names []string) (map[string]*model.SubdomainEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*model.SubdomainEntry)
	for _, n := range names {
		if e, ok := s.entries[entryKey(subWatchID, n)]; ok {
			cp := *e
			out[n] = &cp
		}
	}
	return out, nil
}

func (s *memStore) BumpSubdomainEntries(_ context.Context, ids []int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	for _, e := range s.entries {
		for _, id := range ids {
			if e.ID == id {
				e.LastScanAt = at
				e.NumScans++
			}
		}
	}
	return nil
}

func (s *memStore) InsertSubdomainEntries(_ context.Context, entries []*model.SubdomainEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	for _, e := range entries {
		e.ID = s.id()
		cp := *e
		s.entries[entryKey(e.WatchID, e.Name)] = &cp
	}
	return nil
}

func (s *memStore) AutoFillAssocs(_ context.Context, _ core.JobType, targetID int64) ([]model.Assoc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Assoc
	for _, a := range s.assocs {
		if a.TargetID == targetID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *memStore) LastIPScanResult(_ context.Context, recordID int64) (*model.IPScanResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return last(s.ipscans, func(r *model.IPScanResult) bool { return r.IPScanRecordID == recordID })
}

func (s *memStore) InsertIPScanResult(_ context.Context, r *model.IPScanResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.ID = s.write()
	cp := *r
	s.ipscans = append(s.ipscans, &cp)
	return nil
}

func bumpIn[T any, P interface {
	*T
	model.ScanRecord
}](rows []P, id int64, at time.Time) {
	for _, r := range rows {
		if r.RecordID() == id {
			m := r.Meta()
			m.LastScanAt = at
			m.NumScans++
		}
	}
}

func (s *memStore) BumpScan(_ context.Context, rec model.ScanRecord, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	s.bumps++
	switch rec.(type) {
	case *model.DNSScan:
		bumpIn(s.dns, rec.RecordID(), at)
	case *model.TLSScan:
		bumpIn(s.tls, rec.RecordID(), at)
	case *model.CrtShQuery:
		bumpIn(s.crtsh, rec.RecordID(), at)
	case *model.WhoisCheck:
		bumpIn(s.whois, rec.RecordID(), at)
	case *model.SubdomainResult:
		bumpIn(s.subRes, rec.RecordID(), at)
	case *model.IPScanResult:
		bumpIn(s.ipscans, rec.RecordID(), at)
	default:
		return fmt.Errorf("unexpected record %T", rec)
	}
	return nil
}

func (s *memStore) UpsertLastScanCache(_ context.Context, c *model.LastScanCache) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	s.cache[fmt.Sprintf("%d|%d|%d|%s", c.CacheType, c.ObjID, c.ScanType, c.AuxKey)] = c.ScanID
	return nil
}

func (s *memStore) AppendHistory(_ context.Context, h *model.ScanHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h.ID = s.write()
	cp := *h
	s.history = append(s.history, &cp)
	return nil
}

func (s *memStore) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// records counts the stored scan records across every table.
func (s *memStore) records() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dns) + len(s.tls) + len(s.crtsh) + len(s.whois) + len(s.subRes) + len(s.ipscans)
}

type fakeResolver struct {
	addrs  map[string][]scanner.Addr
	errs   map[string]error
	cnames map[string]string
}

func (r *fakeResolver) Resolve(_ context.Context, host string) ([]scanner.Addr, error) {
	if err := r.errs[host]; err != nil {
		return nil, err
	}
	a, ok := r.addrs[host]
	if !ok {
		return nil, fmt.Errorf("%w: %s", scanner.ErrNXDomain, host)
	}
	return a, nil
}

func (r *fakeResolver) CNAME(_ context.Context, host string) (string, error) {
	return r.cnames[host], nil
}

func (r *fakeResolver) Reverse(context.Context, string) (string, error) {
	return "", scanner.ErrNoRecords
}

type fakeHandshaker struct {
	chain []*x509.Certificate
	code  int
	calls atomic.Int32
}

func (h *fakeHandshaker) Handshake(_ context.Context, ip string, port int, sni string) (*scanner.HandshakeResult, error) {
	h.calls.Add(1)
	return &scanner.HandshakeResult{
		IP: ip, Port: port, SNI: sni,
		Version: "TLS 1.3",
		Chain:   h.chain,
		ErrCode: h.code,
	}, nil
}

type fakeHTTP struct{}

func (fakeHTTP) Probe(_ context.Context, rawURL string, _ bool) (*scanner.ProbeResult, error) {
	return &scanner.ProbeResult{
		Code:     model.ReqOK,
		Status:   200,
		FinalURL: rawURL,
		HSTS:     scanner.HSTS{Present: true, MaxAge: 31536000},
	}, nil
}

type fakeCT struct {
	mu        sync.Mutex
	entries   map[string][]scanner.CTEntry
	pems      map[int64]string
	downloads int
}

func (c *fakeCT) Query(_ context.Context, q string) ([]scanner.CTEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[q], nil
}

func (c *fakeCT) Download(_ context.Context, id int64) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.downloads++
	p, ok := c.pems[id]
	if !ok {
		return "", fmt.Errorf("crt.sh %d: not found", id)
	}
	return p, nil
}

func (c *fakeCT) downloadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.downloads
}

type fakeWhois struct {
	rec *scanner.WhoisRecord
	err error
}

func (w *fakeWhois) Lookup(_ context.Context, domain string) (*scanner.WhoisRecord, error) {
	if w.err != nil {
		return nil, w.err
	}
	cp := *w.rec
	cp.Domain = domain
	return &cp, nil
}

type fakeAddrProber struct {
	alive map[netip.Addr]bool
	valid map[netip.Addr]bool
}

func (f *fakeAddrProber) Probe(ctx context.Context, a netip.Addr, _ int, _ string) (scanner.AddrResult, error) {
	if err := ctx.Err(); err != nil {
		return scanner.AddrResult{}, err
	}
	return scanner.AddrResult{Addr: a, Alive: f.alive[a], Valid: f.valid[a]}, nil
}

type fakeBlacklist []string

func (b fakeBlacklist) Match(host string) bool {
	for _, s := range b {
		if certlib.UnderHost(host, s) {
			return true
		}
	}
	return false
}

type recordingProvisioner struct {
	mu     sync.Mutex
	owners []model.Assoc
	names  []string
}

func (r *recordingProvisioner) Fill(_ context.Context, owners []model.Assoc, names []string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owners = append(r.owners, owners...)
	r.names = append(r.names, names...)
	return len(names), nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []model.CheckType
	firsts int
}

func (s *recordingSink) OnNewScan(old, cur model.ScanRecord, _ *core.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, cur.Check())
	if old == nil {
		s.firsts++
	}
}

type testCA struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

var serial atomic.Int64

func newTestCA(t *testing.T) *testCA {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(serial.Add(1)),
		Subject:               pkix.Name{CommonName: "Pipeline Test Root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(48 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return &testCA{cert: cert, key: key}
}

func (ca *testCA) issue(t *testing.T, sans ...string) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial.Add(1)),
		Subject:      pkix.Name{CommonName: sans[0]},
		DNSNames:     sans,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return cert
}

// harness wires a Processor to fakes.
type harness struct {
	store *memStore
	res   *fakeResolver
	hs    *fakeHandshaker
	ct    *fakeCT
	whois *fakeWhois
	addr  *fakeAddrProber
	prov  *recordingProvisioner
	sink  *recordingSink
	ca    *testCA
	proc  *Processor
	clock time.Time
}

func newHarness(t *testing.T, bl Blacklist) *harness {
	t.Helper()
	ca := newTestCA(t)
	h := &harness{
		store: newMemStore(),
		res:   &fakeResolver{addrs: make(map[string][]scanner.Addr), errs: make(map[string]error)},
		hs:    &fakeHandshaker{},
		ct:    &fakeCT{entries: make(map[string][]scanner.CTEntry), pems: make(map[int64]string)},
		whois: &fakeWhois{rec: &scanner.WhoisRecord{Registrar: "Example Registrar", Country: "US", NameServers: []string{"a.iana-servers.net"}}},
		addr:  &fakeAddrProber{alive: make(map[netip.Addr]bool), valid: make(map[netip.Addr]bool)},
		prov:  &recordingProvisioner{},
		sink:  &recordingSink{},
		ca:    ca,
		clock: time.Now(),
	}
	pool := x509.NewCertPool()
	pool.AddCert(ca.cert)
	h.proc = NewProcessor(Config{Checks: config.Default().Checks, ProbeConcurrency: 4}, Deps{
		Store:     h.store,
		Validator: &certlib.Validator{Roots: pool},
		Resolver:  h.res,
		TLS:       h.hs,
		HTTP:      fakeHTTP{},
		CT:        h.ct,
		Whois:     h.whois,
		Addr:      h.addr,
		Blacklist: bl,
		Provision: h.prov,
		Events:    h.sink,
	}, logger.NewNop())
	h.proc.now = func() time.Time { return h.clock }
	return h
}
