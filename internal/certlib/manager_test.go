package certlib

import (
	"context"
	"crypto/x509"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x-stp/certwatch/internal/logger"
	"github.com/x-stp/certwatch/internal/model"
)

type memCertStore struct {
	mu      sync.Mutex
	nextID  int64
	byFP    map[string]*model.Certificate
	inserts int

	// raceOnce simulates another worker winning the insert of this
	// fingerprint: the first insert reports a duplicate and the row appears.
	raceOnce map[string]bool
}

func newMemCertStore() *memCertStore {
	return &memCertStore{byFP: make(map[string]*model.Certificate), raceOnce: make(map[string]bool)}
}

func (s *memCertStore) CertsByFingerprints(_ context.Context, fps []string) (map[string]*model.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*model.Certificate)
	for _, fp := range fps {
		if c, ok := s.byFP[fp]; ok {
			out[fp] = c
		}
	}
	return out, nil
}

func (s *memCertStore) InsertCertificate(_ context.Context, c *model.Certificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserts++
	if s.raceOnce[c.FprintSHA1] {
		delete(s.raceOnce, c.FprintSHA1)
		s.nextID++
		winner := *c
		winner.ID = s.nextID
		s.byFP[c.FprintSHA1] = &winner
		return model.ErrDuplicate
	}
	if _, ok := s.byFP[c.FprintSHA1]; ok {
		return model.ErrDuplicate
	}
	s.nextID++
	c.ID = s.nextID
	s.byFP[c.FprintSHA1] = c
	return nil
}

func TestIngestChainStoresIssuerFirst(t *testing.T) {
	t.Parallel()
	ca := newTestCA(t, "Root")
	leaf := ca.issue(t, "example.com", []string{"example.com"}, time.Now().Add(time.Hour))
	st := newMemCertStore()
	m := NewManager(st, logger.NewNop())

	chain, err := m.IngestChain(context.Background(), []*x509.Certificate{leaf, ca.cert}, SourceHandshake)
	require.NoError(t, err)
	assert.Equal(t, 2, chain.New)
	require.NotNil(t, chain.LeafID)

	root, stored := chain.Certs[1], chain.Certs[0]
	assert.Equal(t, int64(1), root.ID)
	assert.Equal(t, *chain.LeafID, stored.ID)
	require.NotNil(t, stored.ParentID)
	assert.Equal(t, root.ID, *stored.ParentID)
	assert.Equal(t, SourceHandshake, stored.Source)
	assert.Equal(t, "[1,2]", chain.SortedIDsJSON())

	again, err := m.IngestChain(context.Background(), []*x509.Certificate{leaf, ca.cert}, SourceHandshake)
	require.NoError(t, err)
	assert.Zero(t, again.New)
	assert.Equal(t, chain.IDs, again.IDs)
	assert.Equal(t, 2, st.inserts)
}

func TestIngestChainReloadsOnDuplicate(t *testing.T) {
	t.Parallel()
	ca := newTestCA(t, "Root")
	leaf := ca.issue(t, "example.com", []string{"example.com"}, time.Now().Add(time.Hour))
	st := newMemCertStore()
	st.raceOnce[FromX509(leaf).FprintSHA1] = true
	m := NewManager(st, logger.NewNop())

	chain, err := m.IngestChain(context.Background(), []*x509.Certificate{leaf}, SourceHandshake)
	require.NoError(t, err)
	assert.Zero(t, chain.New, "a row inserted by someone else is not new")
	require.NotNil(t, chain.LeafID)
	assert.Equal(t, int64(1), *chain.LeafID)
}

func TestIngestPEM(t *testing.T) {
	t.Parallel()
	ca := newTestCA(t, "Root")
	leaf := ca.issue(t, "a.example.com", []string{"a.example.com", "b.example.com"}, time.Now().Add(time.Hour))
	st := newMemCertStore()
	m := NewManager(st, logger.NewNop())
	id := int64(987654)

	c, isNew, err := m.IngestPEM(context.Background(), EncodePEM(leaf.Raw), &id, nil, SourceCrtSh)
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, id, *c.CrtShID)
	assert.Equal(t, []string{"a.example.com", "b.example.com"}, Names(c))

	_, isNew, err = m.IngestPEM(context.Background(), EncodePEM(leaf.Raw), &id, nil, SourceCrtSh)
	require.NoError(t, err)
	assert.False(t, isNew)

	_, _, err = m.IngestPEM(context.Background(), "garbage", nil, nil, SourceCrtSh)
	assert.ErrorIs(t, err, ErrNoPEM)
}

func TestNamesFromJSON(t *testing.T) {
	t.Parallel()
	c := &model.Certificate{CName: "Example.com", AltNamesJSON: `["example.com","www.example.com"]`}
	assert.Equal(t, []string{"example.com", "www.example.com"}, Names(c))
}
