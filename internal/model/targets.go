// Package model holds the persistent entities the scheduler reads and writes.
// Struct tags map columns for sqlx. JSON-valued columns are carried as their
// canonical string form so they can be compared byte for byte.
package model

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
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"
)

const (
	DefaultScheme = "https"
	DefaultPort   = 443
)

// WatchTarget is a host:port monitored for TLS, DNS, crt.sh and WHOIS changes.
type WatchTarget struct {
	ID            int64      `db:"id"`
	ScanHost      string     `db:"scan_host"`
	ScanScheme    string     `db:"scan_scheme"`
	ScanPort      int        `db:"scan_port"`
	TopDomainID   *int64     `db:"top_domain_id"`
	LastDNSScanID *int64     `db:"last_dns_scan_id"`
	LastScanAt    *time.Time `db:"last_scan_at"`
	CreatedAt     time.Time  `db:"created_at"`
}

func (w *WatchTarget) TargetID() int64 { return w.ID }
func (w *WatchTarget) Host() string    { return w.ScanHost }

// TargetURL renders scheme://host:port, defaulting to https/443.
func (w *WatchTarget) TargetURL() (*url.URL, error) {
	if w.ScanHost == "" {
		return nil, fmt.Errorf("watch target %d: empty host", w.ID)
	}
	scheme := w.ScanScheme
	if scheme == "" {
		scheme = DefaultScheme
	}
	port := w.ScanPort
	if port == 0 {
		port = DefaultPort
	}
	return &url.URL{Scheme: scheme, Host: net.JoinHostPort(w.ScanHost, strconv.Itoa(port))}, nil
}

// Port returns the scan port, defaulting to 443.
func (w *WatchTarget) Port() int {
	if w.ScanPort == 0 {
		return DefaultPort
	}
	return w.ScanPort
}

// SubdomainWatchTarget is a domain whose subdomains are discovered via CT.
type SubdomainWatchTarget struct {
	ID          int64      `db:"id"`
	ScanHost    string     `db:"scan_host"`
	TopDomainID *int64     `db:"top_domain_id"`
	LastScanAt  *time.Time `db:"last_scan_at"`
	CreatedAt   time.Time  `db:"created_at"`
}

func (s *SubdomainWatchTarget) TargetID() int64 { return s.ID }
func (s *SubdomainWatchTarget) Host() string    { return s.ScanHost }

func (s *SubdomainWatchTarget) TargetURL() (*url.URL, error) {
	if s.ScanHost == "" {
		return nil, fmt.Errorf("sub-watch target %d: empty host", s.ID)
	}
	return &url.URL{Scheme: DefaultScheme, Host: s.ScanHost}, nil
}

// IPScanRecord describes an address range swept for a named TLS service.
type IPScanRecord struct {
	ID          int64      `db:"id"`
	ServiceName string     `db:"service_name"`
	IPBeg       string     `db:"ip_beg"`
	IPEnd       string     `db:"ip_end"`
	ServicePort int        `db:"service_port"`
	LastScanAt  *time.Time `db:"last_scan_at"`
	CreatedAt   time.Time  `db:"created_at"`
}

func (r *IPScanRecord) TargetID() int64 { return r.ID }
func (r *IPScanRecord) Host() string    { return r.ServiceName }

func (r *IPScanRecord) Port() int {
	if r.ServicePort == 0 {
		return DefaultPort
	}
	return r.ServicePort
}

// Assoc links an owner to a target. Only associations with neither
// DeletedAt nor DisabledAt set make the target schedulable.
type Assoc struct {
	ID              int64      `db:"id"`
	OwnerID         int64      `db:"owner_id"`
	TargetID        int64      `db:"watch_id"`
	ScanPeriodicity *int64     `db:"scan_periodicity"`
	AutoFillWatches bool       `db:"auto_fill_watches"`
	AutoScanAddedAt *time.Time `db:"auto_scan_added_at"`
	CreatedAt       time.Time  `db:"created_at"`
	DeletedAt       *time.Time `db:"deleted_at"`
	DisabledAt      *time.Time `db:"disabled_at"`
}

// Active reports whether the association keeps its target scheduled.
func (a *Assoc) Active() bool {
	return a.DeletedAt == nil && a.DisabledAt == nil
}

// DueTarget is a row produced by the feeder query: a target id, its last
// scan time and the smallest periodicity over its active associations.
type DueTarget struct {
	ID          int64         `db:"id"`
	LastScanAt  *time.Time    `db:"last_scan_at"`
	Periodicity time.Duration `db:"-"`
	PeriodSecs  *int64        `db:"periodicity"`
}

// Due reports whether the row's own periodicity has elapsed at now.
func (d *DueTarget) Due(now time.Time) bool {
	if d.LastScanAt == nil || d.Periodicity <= 0 {
		return true
	}
	return !d.LastScanAt.After(now.Add(-d.Periodicity))
}
