package store

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
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/x-stp/certwatch/internal/model"
)

const certificateColumns = `id, crt_sh_id, crt_sh_ca_id, fprint_sha1, fprint_sha256, valid_from,
	valid_to, cname, subject, issuer, is_ca, is_self_signed, is_precert, is_le, is_cloudflare,
	alt_names, alt_names_cnt, key_type, key_bit_size, sig_alg, parent_id, source, pem,
	created_at, updated_at`

const insertCertificateQuery = `INSERT INTO certificates (
		crt_sh_id, crt_sh_ca_id, fprint_sha1, fprint_sha256, valid_from, valid_to, cname,
		subject, issuer, is_ca, is_self_signed, is_precert, is_le, is_cloudflare, alt_names,
		alt_names_cnt, key_type, key_bit_size, sig_alg, parent_id, source, pem, created_at
	) VALUES (
		:crt_sh_id, :crt_sh_ca_id, :fprint_sha1, :fprint_sha256, :valid_from, :valid_to, :cname,
		:subject, :issuer, :is_ca, :is_self_signed, :is_precert, :is_le, :is_cloudflare, :alt_names,
		:alt_names_cnt, :key_type, :key_bit_size, :sig_alg, :parent_id, :source, :pem, :created_at
	) RETURNING id`

// CertsByFingerprints returns the stored certificates among sha1s, keyed
// by SHA-1 fingerprint.
func (s *Store) CertsByFingerprints(ctx context.Context, sha1s []string) (map[string]*model.Certificate, error) {
	out := make(map[string]*model.Certificate, len(sha1s))
	if len(sha1s) == 0 {
		return out, nil
	}
	certs, err := s.selectCerts(ctx, `SELECT `+certificateColumns+` FROM certificates WHERE fprint_sha1 IN (?)`, sha1s)
	if err != nil {
		return nil, fmt.Errorf("certificates by fingerprint: %w", err)
	}
	for _, c := range certs {
		out[c.FprintSHA1] = c
	}
	return out, nil
}

// CertsByCrtShIDs returns the stored certificates among ids, keyed by
// crt.sh id.
func (s *Store) CertsByCrtShIDs(ctx context.Context, ids []int64) (map[int64]*model.Certificate, error) {
	out := make(map[int64]*model.Certificate, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	certs, err := s.selectCerts(ctx, `SELECT `+certificateColumns+` FROM certificates WHERE crt_sh_id IN (?)`, ids)
	if err != nil {
		return nil, fmt.Errorf("certificates by crt.sh id: %w", err)
	}
	for _, c := range certs {
		if c.CrtShID != nil {
			out[*c.CrtShID] = c
		}
	}
	return out, nil
}

func (s *Store) selectCerts(ctx context.Context, query string, list any) ([]*model.Certificate, error) {
	q, args, err := sqlx.In(query, list)
	if err != nil {
		return nil, err
	}
	var certs []*model.Certificate
	if err := s.db.SelectContext(ctx, &certs, s.db.Rebind(q), args...); err != nil {
		return nil, err
	}
	return certs, nil
}

// InsertCertificate stores c and sets its id. A known fingerprint yields
// model.ErrDuplicate.
func (s *Store) InsertCertificate(ctx context.Context, c *model.Certificate) error {
	id, err := insertID(ctx, s.db, insertCertificateQuery, c)
	if err != nil {
		return fmt.Errorf("insert certificate %s: %w", c.FprintSHA1, err)
	}
	c.ID = id
	return nil
}

func (s *Store) SetCertCrtShID(ctx context.Context, certID, crtShID int64, caID *int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE certificates
		SET crt_sh_id = $2, crt_sh_ca_id = COALESCE($3, crt_sh_ca_id), updated_at = NOW()
		WHERE id = $1 AND crt_sh_id IS NULL`, certID, crtShID, caID)
	if err != nil {
		return fmt.Errorf("backfill crt.sh id of certificate %d: %w", certID, mapErr(err))
	}
	return nil
}
