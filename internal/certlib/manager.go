package certlib

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
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/x-stp/certwatch/internal/logger"
	"github.com/x-stp/certwatch/internal/model"
	"github.com/x-stp/certwatch/internal/util"
)

// MaxInsertAttempts bounds the insert-or-reload loop for a certificate that
// another worker may be inserting concurrently.
const MaxInsertAttempts = 5

// CertStore persists certificates keyed by SHA-1 fingerprint.
type CertStore interface {
	CertsByFingerprints(ctx context.Context, sha1s []string) (map[string]*model.Certificate, error)
	// InsertCertificate stores c and sets c.ID. It returns model.ErrDuplicate
	// when the fingerprint already exists.
	InsertCertificate(ctx context.Context, c *model.Certificate) error
}

// Chain is the stored form of a handshake chain.
type Chain struct {
	// Certs are in presented order.
	Certs  []*model.Certificate
	IDs    []int64
	LeafID *int64
	New    int
}

// SortedIDsJSON renders the chain ids the way certs_ids columns hold them.
func (c *Chain) SortedIDsJSON() string {
	return util.SortedJSON(c.IDs)
}

// Manager turns parsed certificates into stored rows.
type Manager struct {
	store CertStore
	log   logger.Logger
}

func NewManager(store CertStore, log logger.Logger) *Manager {
	return &Manager{store: store, log: log.With(logger.String("component", "certlib"))}
}

// IngestChain stores the certificates of a handshake. Certificates are
// processed issuer first so each new row can point at its parent. The leaf is
// the first non-CA certificate in presented order.
func (m *Manager) IngestChain(ctx context.Context, chain []*x509.Certificate, source string) (*Chain, error) {
	res := &Chain{Certs: make([]*model.Certificate, len(chain))}
	if len(chain) == 0 {
		return res, nil
	}

	fprints := make([]string, len(chain))
	for i, c := range chain {
		mc := FromX509(c)
		mc.PEM = EncodePEM(c.Raw)
		mc.Source = source
		res.Certs[i] = mc
		fprints[i] = mc.FprintSHA1
	}
	existing, err := m.store.CertsByFingerprints(ctx, util.StableUniq(fprints))
	if err != nil {
		return nil, fmt.Errorf("load known certificates: %w", err)
	}
	if existing == nil {
		existing = make(map[string]*model.Certificate)
	}

	var prevID *int64
	for i := len(res.Certs) - 1; i >= 0; i-- {
		mc := res.Certs[i]
		if known, ok := existing[mc.FprintSHA1]; ok {
			mc = known
		} else {
			mc.ParentID = prevID
			stored, isNew, err := m.insertOrFetch(ctx, mc)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				m.log.Warn("store handshake certificate", logger.String("sha1", mc.FprintSHA1), logger.Error(err))
				continue
			}
			mc = stored
			existing[mc.FprintSHA1] = mc
			if isNew {
				res.New++
			}
		}
		res.Certs[i] = mc
		id := mc.ID
		res.IDs = append(res.IDs, id)
		if !mc.IsCA {
			res.LeafID = &id
		}
		prevID = &id
	}
	slices.Sort(res.IDs)
	res.IDs = slices.Compact(res.IDs)
	return res, nil
}

// IngestPEM stores a certificate downloaded from a CT search. It returns the
// stored row and whether it was new. The crt.sh ids are only applied to a
// new row.
func (m *Manager) IngestPEM(ctx context.Context, pemText string, crtShID, caID *int64, source string) (*model.Certificate, bool, error) {
	cert, err := ParsePEM([]byte(pemText))
	if err != nil {
		return nil, false, fmt.Errorf("parse certificate: %w", err)
	}
	mc := FromX509(cert)
	mc.PEM = EncodePEM(cert.Raw)
	mc.Source = source
	mc.CrtShID = crtShID
	mc.CrtShCAID = caID

	known, err := m.store.CertsByFingerprints(ctx, []string{mc.FprintSHA1})
	if err != nil {
		return nil, false, err
	}
	if c, ok := known[mc.FprintSHA1]; ok {
		return c, false, nil
	}
	return m.insertOrFetch(ctx, mc)
}

func (m *Manager) insertOrFetch(ctx context.Context, c *model.Certificate) (*model.Certificate, bool, error) {
	for attempt := range MaxInsertAttempts {
		err := m.store.InsertCertificate(ctx, c)
		if err == nil {
			return c, true, nil
		}
		if !errors.Is(err, model.ErrDuplicate) {
			return nil, false, err
		}
		got, err := m.store.CertsByFingerprints(ctx, []string{c.FprintSHA1})
		if err != nil {
			return nil, false, err
		}
		if prev, ok := got[c.FprintSHA1]; ok {
			return prev, false, nil
		}
		m.log.Debug("certificate insert raced, retrying",
			logger.String("sha1", c.FprintSHA1), logger.Int("attempt", attempt+1))
	}
	return nil, false, fmt.Errorf("certificate %s: gave up after %d attempts", c.FprintSHA1, MaxInsertAttempts)
}

// Names returns the common name and SANs of a stored certificate.
func Names(c *model.Certificate) []string {
	alt := c.AltNames
	if alt == nil && c.AltNamesJSON != "" {
		_ = json.Unmarshal([]byte(c.AltNamesJSON), &alt)
	}
	out := make([]string, 0, len(alt)+1)
	if cn := NormalizeDomain(c.CName); cn != "" {
		out = append(out, cn)
	}
	for _, a := range alt {
		out = append(out, NormalizeDomain(a))
	}
	return util.StableUniq(out)
}
