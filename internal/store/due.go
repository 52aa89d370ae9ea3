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
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/x-stp/certwatch/internal/core"
	"github.com/x-stp/certwatch/internal/model"
)

const defaultDuePage = 100

// epoch stands in for a NULL last_scan_at in the keyset cursor so that
// never-scanned targets sort first.
var epoch = time.Unix(0, 0).UTC()

const watchTargetColumns = `t.id, t.scan_host, t.scan_scheme, t.scan_port, t.top_domain_id,
	t.last_dns_scan_id, t.last_scan_at, t.created_at`

const subWatchTargetColumns = `t.id, t.scan_host, t.top_domain_id, t.last_scan_at, t.created_at`

const ipScanRecordColumns = `t.id, t.service_name, t.ip_beg, t.ip_end, t.service_port,
	t.last_scan_at, t.created_at`

// dueQuery selects one page of targets with at least one active
// association, oldest first. $1 cutoff, ($2, $3) keyset cursor, $4 limit.
func dueQuery(columns, targets, assocs string) string {
	return `SELECT ` + columns + `,
		MIN(a.scan_periodicity) AS periodicity,
		COALESCE(t.last_scan_at, 'epoch'::timestamptz) AS sort_at
	FROM ` + targets + ` t
	JOIN ` + assocs + ` a ON a.watch_id = t.id
	WHERE a.deleted_at IS NULL AND a.disabled_at IS NULL
		AND (t.last_scan_at IS NULL OR t.last_scan_at < $1)
		AND (COALESCE(t.last_scan_at, 'epoch'::timestamptz), t.id) > ($2, $3)
	GROUP BY t.id
	ORDER BY sort_at, t.id
	LIMIT $4`
}

var (
	dueWatchQuery  = dueQuery(watchTargetColumns, "watch_target", "watch_assoc")
	dueSubQuery    = dueQuery(subWatchTargetColumns, "subdomain_watch_target", "subdomain_watch_assoc")
	dueIPScanQuery = dueQuery(ipScanRecordColumns, "ip_scan_record", "ip_scan_record_assoc")
)

type dueCursor struct {
	Periodicity *int64    `db:"periodicity"`
	SortAt      time.Time `db:"sort_at"`
}

type dueWatch struct {
	model.WatchTarget
	dueCursor
}

type dueSub struct {
	model.SubdomainWatchTarget
	dueCursor
}

type dueIPScan struct {
	model.IPScanRecord
	dueCursor
}

func (c dueCursor) period() time.Duration {
	if c.Periodicity == nil {
		return 0
	}
	return time.Duration(*c.Periodicity) * time.Second
}

// StreamDue pages through the due targets of q.Type inside one read-only
// transaction.
func (s *Store) StreamDue(ctx context.Context, q core.DueQuery, fn func(core.DueItem) bool) error {
	pageSize := q.PageSize
	if pageSize <= 0 {
		pageSize = defaultDuePage
	}
	opts := &sql.TxOptions{ReadOnly: true}
	var err error
	switch q.Type {
	case core.TypeTarget, core.TypeAPI:
		err = s.inTx(ctx, opts, func(tx *sqlx.Tx) error {
			return streamPages(ctx, tx, dueWatchQuery, q.Cutoff, pageSize, func(r *dueWatch) (core.DueItem, time.Time, int64) {
				t := r.WatchTarget
				return core.DueItem{Target: &t, LastScanAt: t.LastScanAt, Periodicity: r.period()}, r.SortAt, t.ID
			}, fn)
		})
	case core.TypeSub:
		err = s.inTx(ctx, opts, func(tx *sqlx.Tx) error {
			return streamPages(ctx, tx, dueSubQuery, q.Cutoff, pageSize, func(r *dueSub) (core.DueItem, time.Time, int64) {
				t := r.SubdomainWatchTarget
				return core.DueItem{Target: &t, LastScanAt: t.LastScanAt, Periodicity: r.period()}, r.SortAt, t.ID
			}, fn)
		})
	case core.TypeIPScan:
		err = s.inTx(ctx, opts, func(tx *sqlx.Tx) error {
			return streamPages(ctx, tx, dueIPScanQuery, q.Cutoff, pageSize, func(r *dueIPScan) (core.DueItem, time.Time, int64) {
				t := r.IPScanRecord
				return core.DueItem{Target: &t, LastScanAt: t.LastScanAt, Periodicity: r.period()}, r.SortAt, t.ID
			}, fn)
		})
	default:
		return fmt.Errorf("stream due %s: %w", q.Type, core.ErrUnknownJobType)
	}
	if err != nil {
		return fmt.Errorf("stream due %s: %w", q.Type, err)
	}
	return nil
}

// streamPages walks the keyset pages of query until fn declines, the rows
// run out or ctx ends.
func streamPages[R any](
	ctx context.Context,
	tx *sqlx.Tx,
	query string,
	cutoff time.Time,
	pageSize int,
	conv func(*R) (core.DueItem, time.Time, int64),
	fn func(core.DueItem) bool,
) error {
	afterAt, afterID := epoch, int64(-1)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var rows []R
		if err := tx.SelectContext(ctx, &rows, query, cutoff, afterAt, afterID, pageSize); err != nil {
			return err
		}
		for i := range rows {
			var item core.DueItem
			item, afterAt, afterID = conv(&rows[i])
			if !fn(item) {
				return nil
			}
		}
		if len(rows) < pageSize {
			return nil
		}
	}
}

// MarkScanned stamps last_scan_at on the target behind key.
func (s *Store) MarkScanned(ctx context.Context, key core.JobKey, at time.Time) error {
	var table string
	switch key.Type {
	case core.TypeTarget, core.TypeAPI:
		table = "watch_target"
	case core.TypeSub:
		table = "subdomain_watch_target"
	case core.TypeIPScan:
		table = "ip_scan_record"
	default:
		return fmt.Errorf("mark scanned %s: %w", key, core.ErrUnknownJobType)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE `+table+` SET last_scan_at = $2 WHERE id = $1`, key.ID, at)
	if err := execRequireRows(res, err); err != nil {
		return fmt.Errorf("mark scanned %s: %w", key, err)
	}
	return nil
}

// WatchTarget loads one watch target by id.
func (s *Store) WatchTarget(ctx context.Context, id int64) (*model.WatchTarget, error) {
	var t model.WatchTarget
	err := s.db.GetContext(ctx, &t, `SELECT `+watchTargetColumns+` FROM watch_target t WHERE t.id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("watch target %d: %w", id, mapErr(err))
	}
	return &t, nil
}
