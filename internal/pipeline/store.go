package pipeline

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
	"net/netip"
	"time"

	"github.com/x-stp/certwatch/internal/certlib"
	"github.com/x-stp/certwatch/internal/core"
	"github.com/x-stp/certwatch/internal/model"
	"github.com/x-stp/certwatch/internal/scanner"
)

// Last* lookups return model.ErrNotFound when no record exists yet.

type DNSStore interface {
	// LastDNSScan loads the newest record including its entries.
	LastDNSScan(ctx context.Context, watchID int64) (*model.DNSScan, error)
	// InsertDNSScan stores the record and its entries and sets their ids.
	InsertDNSScan(ctx context.Context, s *model.DNSScan) error
	// AdvanceLastDNSScan moves watch_target.last_dns_scan_id forward. A
	// smaller scanID than the stored one is ignored.
	AdvanceLastDNSScan(ctx context.Context, watchID, scanID int64) error
}

type TLSStore interface {
	LastTLSScan(ctx context.Context, watchID int64, ip string) (*model.TLSScan, error)
	InsertTLSScan(ctx context.Context, s *model.TLSScan) error
}

type CrtShStore interface {
	// UpsertCrtShInput returns the input row, creating it when missing.
	UpsertCrtShInput(ctx context.Context, name string, itype int) (*model.CrtShInput, error)
	LastCrtShQuery(ctx context.Context, watchID, subWatchID *int64, inputID int64) (*model.CrtShQuery, error)
	InsertCrtShQuery(ctx context.Context, q *model.CrtShQuery) error
	CertsByCrtShIDs(ctx context.Context, ids []int64) (map[int64]*model.Certificate, error)
	// SetCertCrtShID fills crt_sh_id and crt_sh_ca_id of a certificate
	// first seen in a handshake.
	SetCertCrtShID(ctx context.Context, certID, crtShID int64, caID *int64) error
}

type WhoisStore interface {
	UpsertTopDomain(ctx context.Context, name string) (*model.TopDomain, error)
	SetTopDomain(ctx context.Context, watchID, domainID int64) error
	LastWhoisCheck(ctx context.Context, domainID int64) (*model.WhoisCheck, error)
	InsertWhoisCheck(ctx context.Context, w *model.WhoisCheck) error
}

type SubdomainStore interface {
	SetSubTopDomain(ctx context.Context, subWatchID, domainID int64) error
	LastSubdomainResult(ctx context.Context, subWatchID int64) (*model.SubdomainResult, error)
	InsertSubdomainResult(ctx context.Context, r *model.SubdomainResult) error
	// SubdomainEntries returns the existing entries among names, keyed by
	// name.
	SubdomainEntries(ctx context.Context, subWatchID int64, names []string) (map[string]*model.SubdomainEntry, error)
	BumpSubdomainEntries(ctx context.Context, ids []int64, at time.Time) error
	InsertSubdomainEntries(ctx context.Context, entries []*model.SubdomainEntry) error
	// AutoFillAssocs lists the active associations of a sub-watch or IP
	// scan target that asked for auto-provisioning.
	AutoFillAssocs(ctx context.Context, t core.JobType, targetID int64) ([]model.Assoc, error)
}

type IPScanStore interface {
	LastIPScanResult(ctx context.Context, recordID int64) (*model.IPScanResult, error)
	InsertIPScanResult(ctx context.Context, r *model.IPScanResult) error
}

type HistoryStore interface {
	// BumpScan sets last_scan_at and increments num_scans of a stored
	// record.
	BumpScan(ctx context.Context, rec model.ScanRecord, at time.Time) error
	UpsertLastScanCache(ctx context.Context, c *model.LastScanCache) error
	AppendHistory(ctx context.Context, h *model.ScanHistory) error
}

// Store is everything the pipelines persist through.
type Store interface {
	certlib.CertStore
	DNSStore
	TLSStore
	CrtShStore
	WhoisStore
	SubdomainStore
	IPScanStore
	HistoryStore
}

// Resolver is implemented by scanner.DNSClient.
type Resolver interface {
	Resolve(ctx context.Context, host string) ([]scanner.Addr, error)
	CNAME(ctx context.Context, host string) (string, error)
	Reverse(ctx context.Context, ip string) (string, error)
}

// Handshaker is implemented by scanner.TLSScanner.
type Handshaker interface {
	Handshake(ctx context.Context, ip string, port int, sni string) (*scanner.HandshakeResult, error)
}

// HTTPProber is implemented by scanner.HTTPProber.
type HTTPProber interface {
	Probe(ctx context.Context, rawURL string, follow bool) (*scanner.ProbeResult, error)
}

// CTLog is implemented by scanner.CrtShClient.
type CTLog interface {
	Query(ctx context.Context, q string) ([]scanner.CTEntry, error)
	Download(ctx context.Context, id int64) (string, error)
}

// WhoisClient is implemented by scanner.WhoisClient.
type WhoisClient interface {
	Lookup(ctx context.Context, domain string) (*scanner.WhoisRecord, error)
}

// AddrProber is implemented by scanner.IPProber.
type AddrProber interface {
	Probe(ctx context.Context, addr netip.Addr, port int, name string) (scanner.AddrResult, error)
}

// Blacklist is implemented by blacklist.Cache.
type Blacklist interface {
	Match(host string) bool
}

// Provisioner is implemented by provision.AutoFiller.
type Provisioner interface {
	Fill(ctx context.Context, owners []model.Assoc, names []string) (int, error)
}

// EventSink is told about every newly persisted record. old is nil for the
// first record of a key. Implementations must not block.
type EventSink interface {
	OnNewScan(old, cur model.ScanRecord, job *core.Job)
}

type nopSink struct{}

func (nopSink) OnNewScan(model.ScanRecord, model.ScanRecord, *core.Job) {}
