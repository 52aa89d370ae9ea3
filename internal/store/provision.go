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

	"github.com/x-stp/certwatch/internal/model"
)

func (s *Store) CountActiveHosts(ctx context.Context, ownerID int64) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM watch_assoc
		WHERE owner_id = $1 AND deleted_at IS NULL AND disabled_at IS NULL`, ownerID)
	if err != nil {
		return 0, fmt.Errorf("count hosts of owner %d: %w", ownerID, err)
	}
	return n, nil
}

// OwnerHostNames includes hosts of deleted and disabled associations so
// that a host the owner removed is not provisioned again.
func (s *Store) OwnerHostNames(ctx context.Context, ownerID int64) ([]string, error) {
	var hosts []string
	err := s.db.SelectContext(ctx, &hosts, `SELECT DISTINCT t.scan_host FROM watch_assoc a
		JOIN watch_target t ON t.id = a.watch_id
		WHERE a.owner_id = $1`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("hosts of owner %d: %w", ownerID, err)
	}
	return hosts, nil
}

// DefaultWatchTarget returns the https/443 target of host, creating it
// when missing.
func (s *Store) DefaultWatchTarget(ctx context.Context, host string) (*model.WatchTarget, error) {
	t, err := upsert(ctx,
		func() error {
			_, err := s.db.ExecContext(ctx, `INSERT INTO watch_target (scan_host, scan_scheme, scan_port, created_at)
				VALUES ($1, $2, $3, NOW()) ON CONFLICT (scan_host, scan_scheme, scan_port) DO NOTHING`,
				host, model.DefaultScheme, model.DefaultPort)
			return mapErr(err)
		},
		func() (*model.WatchTarget, error) {
			var t model.WatchTarget
			err := s.db.GetContext(ctx, &t, `SELECT `+watchTargetColumns+` FROM watch_target t
				WHERE t.scan_host = $1 AND t.scan_scheme = $2 AND t.scan_port = $3`,
				host, model.DefaultScheme, model.DefaultPort)
			return &t, mapErr(err)
		})
	if err != nil {
		return nil, fmt.Errorf("default watch target %s: %w", host, err)
	}
	return t, nil
}

// InsertWatchAssoc returns model.ErrDuplicate when the owner already has
// an association with the target.
func (s *Store) InsertWatchAssoc(ctx context.Context, a *model.Assoc) error {
	id, err := insertID(ctx, s.db, `INSERT INTO watch_assoc (
			owner_id, watch_id, scan_periodicity, auto_fill_watches, auto_scan_added_at, created_at
		) VALUES (
			:owner_id, :watch_id, :scan_periodicity, :auto_fill_watches, :auto_scan_added_at, :created_at
		) RETURNING id`, a)
	if err != nil {
		return fmt.Errorf("insert watch association: %w", err)
	}
	a.ID = id
	return nil
}
