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

	"github.com/jmoiron/sqlx"

	"github.com/x-stp/certwatch/internal/core"
	"github.com/x-stp/certwatch/internal/model"
)

const subdomainResultColumns = scanMetaColumns + `, watch_id, scan_type, result, result_size`

const subdomainEntryColumns = `id, watch_id, name, is_wildcard, is_long, created_at,
	last_scan_at, num_scans`

const assocColumns = `id, owner_id, watch_id, scan_periodicity, auto_fill_watches,
	auto_scan_added_at, created_at, deleted_at, disabled_at`

func (s *Store) SetSubTopDomain(ctx context.Context, subWatchID, domainID int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE subdomain_watch_target SET top_domain_id = $2 WHERE id = $1`,
		subWatchID, domainID)
	if err := execRequireRows(res, err); err != nil {
		return fmt.Errorf("set top domain of sub-watch %d: %w", subWatchID, err)
	}
	return nil
}

func (s *Store) LastSubdomainResult(ctx context.Context, subWatchID int64) (*model.SubdomainResult, error) {
	return latest[model.SubdomainResult](ctx, s.db, subdomainResultColumns, "subdomain_results",
		"watch_id = $1", subWatchID)
}

func (s *Store) InsertSubdomainResult(ctx context.Context, r *model.SubdomainResult) error {
	id, err := insertID(ctx, s.db, `INSERT INTO subdomain_results (
			watch_id, scan_type, result, result_size,
			created_at, last_scan_at, num_scans, time_elapsed
		) VALUES (
			:watch_id, :scan_type, :result, :result_size,
			:created_at, :last_scan_at, :num_scans, :time_elapsed
		) RETURNING id`, r)
	if err != nil {
		return fmt.Errorf("insert subdomain result: %w", err)
	}
	r.ID = id
	return nil
}

func (s *Store) SubdomainEntries(ctx context.Context, subWatchID int64, names []string) (map[string]*model.SubdomainEntry, error) {
	out := make(map[string]*model.SubdomainEntry, len(names))
	if len(names) == 0 {
		return out, nil
	}
	q, args, err := sqlx.In(`SELECT `+subdomainEntryColumns+` FROM subdomain_watch_result_entry
		WHERE watch_id = ? AND name IN (?)`, subWatchID, names)
	if err != nil {
		return nil, err
	}
	var entries []*model.SubdomainEntry
	if err := s.db.SelectContext(ctx, &entries, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("subdomain entries of %d: %w", subWatchID, err)
	}
	for _, e := range entries {
		out[e.Name] = e
	}
	return out, nil
}

func (s *Store) BumpSubdomainEntries(ctx context.Context, ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	q, args, err := sqlx.In(`UPDATE subdomain_watch_result_entry
		SET last_scan_at = ?, num_scans = num_scans + 1 WHERE id IN (?)`, at, ids)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(q), args...); err != nil {
		return fmt.Errorf("bump subdomain entries: %w", mapErr(err))
	}
	return nil
}

// InsertSubdomainEntries inserts entries in one statement. Names inserted
// concurrently by another worker are left as they are.
func (s *Store) InsertSubdomainEntries(ctx context.Context, entries []*model.SubdomainEntry) error {
	if len(entries) == 0 {
		return nil
	}
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO subdomain_watch_result_entry (
			watch_id, name, is_wildcard, is_long, created_at, last_scan_at, num_scans
		) VALUES (
			:watch_id, :name, :is_wildcard, :is_long, :created_at, :last_scan_at, :num_scans
		) ON CONFLICT (watch_id, name) DO NOTHING`, entries)
	if err != nil {
		return fmt.Errorf("insert subdomain entries: %w", mapErr(err))
	}
	return nil
}

// AutoFillAssocs lists the active associations of a sub-watch or IP scan
// target that asked for auto-provisioning.
func (s *Store) AutoFillAssocs(ctx context.Context, t core.JobType, targetID int64) ([]model.Assoc, error) {
	var table string
	switch t {
	case core.TypeSub:
		table = "subdomain_watch_assoc"
	case core.TypeIPScan:
		table = "ip_scan_record_assoc"
	default:
		return nil, fmt.Errorf("auto-fill associations of %s: %w", t, core.ErrUnknownJobType)
	}
	var out []model.Assoc
	err := s.db.SelectContext(ctx, &out, `SELECT `+assocColumns+` FROM `+table+`
		WHERE watch_id = $1 AND auto_fill_watches
			AND deleted_at IS NULL AND disabled_at IS NULL
		ORDER BY id`, targetID)
	if err != nil {
		return nil, fmt.Errorf("auto-fill associations of %s/%d: %w", t, targetID, err)
	}
	return out, nil
}
