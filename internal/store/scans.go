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

const scanMetaColumns = `id, created_at, last_scan_at, num_scans, time_elapsed`

const dnsScanColumns = scanMetaColumns + `, watch_id, status, dns, cname, num_res, num_ipv4, num_ipv6`

const tlsScanColumns = scanMetaColumns + `, watch_id, ip_scanned, is_ipv6, tls_ver, status,
	err_code, tls_alert_code, results, new_results, certs_ids, cert_id_leaf, valid_path,
	valid_hostname, err_validity, err_many_leafs, req_https_result, follow_http_result,
	follow_https_result, follow_http_url, follow_https_url, hsts_present, hsts_max_age,
	hsts_include_subdomains, hsts_preload, pinning_present, pinning_report_only,
	pinning_pins, ptr, cdn`

const crtShQueryColumns = scanMetaColumns + `, watch_id, sub_watch_id, input_id, status,
	results, new_results, certs_ids, certs_sh_ids, newest_cert_id, newest_cert_sh_id`

const whoisColumns = scanMetaColumns + `, domain_id, status, registrant_cc, registrar,
	registered_at, expires_at, rec_updated_at, dnssec, dns, emails, aux`

const ipScanResultColumns = scanMetaColumns + `, ip_scan_record_id, ips_alive, ips_valid,
	num_ips_alive, num_ips_valid`

// latest loads the newest row of table matching where.
func latest[T any](ctx context.Context, db sqlx.QueryerContext, columns, table, where string, args ...any) (*T, error) {
	var v T
	query := `SELECT ` + columns + ` FROM ` + table + ` WHERE ` + where + ` ORDER BY id DESC LIMIT 1`
	if err := sqlx.GetContext(ctx, db, &v, query, args...); err != nil {
		return nil, mapErr(err)
	}
	return &v, nil
}

func (s *Store) LastDNSScan(ctx context.Context, watchID int64) (*model.DNSScan, error) {
	scan, err := latest[model.DNSScan](ctx, s.db, dnsScanColumns, "scan_dns", "watch_id = $1", watchID)
	if err != nil {
		return nil, err
	}
	err = s.db.SelectContext(ctx, &scan.Entries,
		`SELECT id, scan_id, is_ipv6, is_internal, ip, res_order
		FROM scan_dns_entry WHERE scan_id = $1 ORDER BY res_order`, scan.ID)
	if err != nil {
		return nil, fmt.Errorf("dns entries of scan %d: %w", scan.ID, err)
	}
	return scan, nil
}

// InsertDNSScan stores the scan and its entries in one transaction.
func (s *Store) InsertDNSScan(ctx context.Context, scan *model.DNSScan) error {
	return s.inTx(ctx, nil, func(tx *sqlx.Tx) error {
		id, err := insertID(ctx, tx, `INSERT INTO scan_dns (
				watch_id, status, dns, cname, num_res, num_ipv4, num_ipv6,
				created_at, last_scan_at, num_scans, time_elapsed
			) VALUES (
				:watch_id, :status, :dns, :cname, :num_res, :num_ipv4, :num_ipv6,
				:created_at, :last_scan_at, :num_scans, :time_elapsed
			) RETURNING id`, scan)
		if err != nil {
			return fmt.Errorf("insert dns scan: %w", err)
		}
		scan.ID = id
		for i := range scan.Entries {
			e := &scan.Entries[i]
			e.ScanID = id
			eid, err := insertID(ctx, tx, `INSERT INTO scan_dns_entry (
					scan_id, is_ipv6, is_internal, ip, res_order
				) VALUES (:scan_id, :is_ipv6, :is_internal, :ip, :res_order) RETURNING id`, e)
			if err != nil {
				return fmt.Errorf("insert dns entry: %w", err)
			}
			e.ID = eid
		}
		return nil
	})
}

func (s *Store) AdvanceLastDNSScan(ctx context.Context, watchID, scanID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE watch_target SET last_dns_scan_id = $2
		WHERE id = $1 AND (last_dns_scan_id IS NULL OR last_dns_scan_id < $2)`, watchID, scanID)
	if err != nil {
		return fmt.Errorf("advance last dns scan of %d: %w", watchID, mapErr(err))
	}
	return nil
}

func (s *Store) LastTLSScan(ctx context.Context, watchID int64, ip string) (*model.TLSScan, error) {
	return latest[model.TLSScan](ctx, s.db, tlsScanColumns, "scan_handshakes",
		"watch_id = $1 AND ip_scanned = $2", watchID, ip)
}

func (s *Store) InsertTLSScan(ctx context.Context, scan *model.TLSScan) error {
	id, err := insertID(ctx, s.db, `INSERT INTO scan_handshakes (
			watch_id, ip_scanned, is_ipv6, tls_ver, status, err_code, tls_alert_code,
			results, new_results, certs_ids, cert_id_leaf, valid_path, valid_hostname,
			err_validity, err_many_leafs, req_https_result, follow_http_result,
			follow_https_result, follow_http_url, follow_https_url, hsts_present,
			hsts_max_age, hsts_include_subdomains, hsts_preload, pinning_present,
			pinning_report_only, pinning_pins, ptr, cdn,
			created_at, last_scan_at, num_scans, time_elapsed
		) VALUES (
			:watch_id, :ip_scanned, :is_ipv6, :tls_ver, :status, :err_code, :tls_alert_code,
			:results, :new_results, :certs_ids, :cert_id_leaf, :valid_path, :valid_hostname,
			:err_validity, :err_many_leafs, :req_https_result, :follow_http_result,
			:follow_https_result, :follow_http_url, :follow_https_url, :hsts_present,
			:hsts_max_age, :hsts_include_subdomains, :hsts_preload, :pinning_present,
			:pinning_report_only, :pinning_pins, :ptr, :cdn,
			:created_at, :last_scan_at, :num_scans, :time_elapsed
		) RETURNING id`, scan)
	if err != nil {
		return fmt.Errorf("insert tls scan: %w", err)
	}
	scan.ID = id
	return nil
}

// UpsertCrtShInput returns the (name, itype) input row, creating it when
// missing.
func (s *Store) UpsertCrtShInput(ctx context.Context, name string, itype int) (*model.CrtShInput, error) {
	in, err := upsert(ctx,
		func() error {
			_, err := s.db.ExecContext(ctx, `INSERT INTO crtsh_input (iquery, itype, created_at)
				VALUES ($1, $2, NOW()) ON CONFLICT (iquery, itype) DO NOTHING`, name, itype)
			return mapErr(err)
		},
		func() (*model.CrtShInput, error) {
			var in model.CrtShInput
			err := s.db.GetContext(ctx, &in, `SELECT id, iquery, itype, created_at
				FROM crtsh_input WHERE iquery = $1 AND itype = $2`, name, itype)
			return &in, mapErr(err)
		})
	if err != nil {
		return nil, fmt.Errorf("crt.sh input %q/%d: %w", name, itype, err)
	}
	return in, nil
}

func (s *Store) LastCrtShQuery(ctx context.Context, watchID, subWatchID *int64, inputID int64) (*model.CrtShQuery, error) {
	return latest[model.CrtShQuery](ctx, s.db, crtShQueryColumns, "crtsh_query",
		"watch_id IS NOT DISTINCT FROM $1 AND sub_watch_id IS NOT DISTINCT FROM $2 AND input_id = $3",
		watchID, subWatchID, inputID)
}

func (s *Store) InsertCrtShQuery(ctx context.Context, q *model.CrtShQuery) error {
	id, err := insertID(ctx, s.db, `INSERT INTO crtsh_query (
			watch_id, sub_watch_id, input_id, status, results, new_results, certs_ids,
			certs_sh_ids, newest_cert_id, newest_cert_sh_id,
			created_at, last_scan_at, num_scans, time_elapsed
		) VALUES (
			:watch_id, :sub_watch_id, :input_id, :status, :results, :new_results, :certs_ids,
			:certs_sh_ids, :newest_cert_id, :newest_cert_sh_id,
			:created_at, :last_scan_at, :num_scans, :time_elapsed
		) RETURNING id`, q)
	if err != nil {
		return fmt.Errorf("insert crt.sh query: %w", err)
	}
	q.ID = id
	return nil
}

// UpsertTopDomain returns the base_domain row of name, creating it when
// missing.
func (s *Store) UpsertTopDomain(ctx context.Context, name string) (*model.TopDomain, error) {
	d, err := upsert(ctx,
		func() error {
			_, err := s.db.ExecContext(ctx, `INSERT INTO base_domain (domain_name, created_at)
				VALUES ($1, NOW()) ON CONFLICT (domain_name) DO NOTHING`, name)
			return mapErr(err)
		},
		func() (*model.TopDomain, error) {
			var d model.TopDomain
			err := s.db.GetContext(ctx, &d, `SELECT id, domain_name, created_at
				FROM base_domain WHERE domain_name = $1`, name)
			return &d, mapErr(err)
		})
	if err != nil {
		return nil, fmt.Errorf("top domain %q: %w", name, err)
	}
	return d, nil
}

func (s *Store) SetTopDomain(ctx context.Context, watchID, domainID int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE watch_target SET top_domain_id = $2 WHERE id = $1`, watchID, domainID)
	if err := execRequireRows(res, err); err != nil {
		return fmt.Errorf("set top domain of %d: %w", watchID, err)
	}
	return nil
}

func (s *Store) LastWhoisCheck(ctx context.Context, domainID int64) (*model.WhoisCheck, error) {
	return latest[model.WhoisCheck](ctx, s.db, whoisColumns, "whois_result", "domain_id = $1", domainID)
}

func (s *Store) InsertWhoisCheck(ctx context.Context, w *model.WhoisCheck) error {
	id, err := insertID(ctx, s.db, `INSERT INTO whois_result (
			domain_id, status, registrant_cc, registrar, registered_at, expires_at,
			rec_updated_at, dnssec, dns, emails, aux,
			created_at, last_scan_at, num_scans, time_elapsed
		) VALUES (
			:domain_id, :status, :registrant_cc, :registrar, :registered_at, :expires_at,
			:rec_updated_at, :dnssec, :dns, :emails, :aux,
			:created_at, :last_scan_at, :num_scans, :time_elapsed
		) RETURNING id`, w)
	if err != nil {
		return fmt.Errorf("insert whois check: %w", err)
	}
	w.ID = id
	return nil
}

func (s *Store) LastIPScanResult(ctx context.Context, recordID int64) (*model.IPScanResult, error) {
	return latest[model.IPScanResult](ctx, s.db, ipScanResultColumns, "ip_scan_result", "ip_scan_record_id = $1", recordID)
}

func (s *Store) InsertIPScanResult(ctx context.Context, r *model.IPScanResult) error {
	id, err := insertID(ctx, s.db, `INSERT INTO ip_scan_result (
			ip_scan_record_id, ips_alive, ips_valid, num_ips_alive, num_ips_valid,
			created_at, last_scan_at, num_scans, time_elapsed
		) VALUES (
			:ip_scan_record_id, :ips_alive, :ips_valid, :num_ips_alive, :num_ips_valid,
			:created_at, :last_scan_at, :num_scans, :time_elapsed
		) RETURNING id`, r)
	if err != nil {
		return fmt.Errorf("insert ip scan result: %w", err)
	}
	r.ID = id
	return nil
}
