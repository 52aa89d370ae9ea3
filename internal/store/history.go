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
	"time"

	"github.com/x-stp/certwatch/internal/model"
)

func recordTable(rec model.ScanRecord) (string, error) {
	switch rec.(type) {
	case *model.DNSScan:
		return "scan_dns", nil
	case *model.TLSScan:
		return "scan_handshakes", nil
	case *model.CrtShQuery:
		return "crtsh_query", nil
	case *model.WhoisCheck:
		return "whois_result", nil
	case *model.SubdomainResult:
		return "subdomain_results", nil
	case *model.IPScanResult:
		return "ip_scan_result", nil
	default:
		return "", fmt.Errorf("no table for %T", rec)
	}
}

// BumpScan sets last_scan_at and increments num_scans of a stored record.
func (s *Store) BumpScan(ctx context.Context, rec model.ScanRecord, at time.Time) error {
	table, err := recordTable(rec)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE `+table+`
		SET last_scan_at = $2, num_scans = num_scans + 1 WHERE id = $1`, rec.RecordID(), at)
	if err := execRequireRows(res, err); err != nil {
		return fmt.Errorf("bump %s %d: %w", table, rec.RecordID(), err)
	}
	return nil
}

func (s *Store) UpsertLastScanCache(ctx context.Context, c *model.LastScanCache) error {
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO last_scan_cache (
			cache_type, obj_id, scan_type, aux_key, scan_id, updated_at
		) VALUES (
			:cache_type, :obj_id, :scan_type, :aux_key, :scan_id, :updated_at
		) ON CONFLICT (cache_type, obj_id, scan_type, aux_key)
		DO UPDATE SET scan_id = EXCLUDED.scan_id, updated_at = EXCLUDED.updated_at`, c)
	if err != nil {
		return fmt.Errorf("upsert last scan cache: %w", mapErr(err))
	}
	return nil
}

func (s *Store) AppendHistory(ctx context.Context, h *model.ScanHistory) error {
	id, err := insertID(ctx, s.db, `INSERT INTO scan_history (watch_id, obj_type, obj_id, scan_type, scan_code, created_at)
		VALUES (:watch_id, :obj_type, :obj_id, :scan_type, :scan_code, :created_at) RETURNING id`, h)
	if err != nil {
		return fmt.Errorf("append scan history: %w", err)
	}
	h.ID = id
	return nil
}

// LoadBlacklist returns every rule of domain_name_blacklist.
func (s *Store) LoadBlacklist(ctx context.Context) ([]model.BlacklistRule, error) {
	var rules []model.BlacklistRule
	err := s.db.SelectContext(ctx, &rules, `SELECT id, rule, rule_type FROM domain_name_blacklist ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("load blacklist: %w", err)
	}
	return rules, nil
}
