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

import "time"

// CheckType identifies a scan kind. The numeric values are the
// scan_history.scan_type codes.
type CheckType int

const (
	CheckTLS      CheckType = 1
	CheckCrtSh    CheckType = 2
	CheckWhois    CheckType = 3
	CheckDNS      CheckType = 4
	CheckWildcard CheckType = 20
	CheckIPScan   CheckType = 30
)

func (c CheckType) String() string {
	switch c {
	case CheckTLS:
		return "tls"
	case CheckCrtSh:
		return "crtsh"
	case CheckWhois:
		return "whois"
	case CheckDNS:
		return "dns"
	case CheckWildcard:
		return "wildcard"
	case CheckIPScan:
		return "ip_scan"
	default:
		return "unknown"
	}
}

// ScanRecord is any persisted scan result.
type ScanRecord interface {
	RecordID() int64
	Check() CheckType
	Meta() *ScanMeta
}

// ScanMeta carries the bookkeeping columns shared by every scan table.
// None of these take part in change detection.
type ScanMeta struct {
	ID          int64     `db:"id"`
	CreatedAt   time.Time `db:"created_at"`
	LastScanAt  time.Time `db:"last_scan_at"`
	NumScans    int       `db:"num_scans"`
	TimeElapsed int64     `db:"time_elapsed"`
}

func (m *ScanMeta) RecordID() int64 { return m.ID }
func (m *ScanMeta) Meta() *ScanMeta { return m }

// Stamp initialises a fresh record observed at now.
func (m *ScanMeta) Stamp(now time.Time, elapsed time.Duration) {
	m.CreatedAt = now
	m.LastScanAt = now
	m.NumScans = 1
	m.TimeElapsed = elapsed.Milliseconds()
}

// DNS status codes.
const (
	DNSStatusOK       = 1
	DNSStatusNotFound = 2
	DNSStatusError    = 3
)

// Address families as stored in the dns column.
const (
	FamilyIPv4 = 2
	FamilyIPv6 = 10
)

type DNSScan struct {
	ScanMeta
	WatchID int64  `db:"watch_id"`
	Status  int    `db:"status"`
	DNS     string `db:"dns"`
	CNAME   string `db:"cname"`
	NumRes  int    `db:"num_res"`
	NumIPv4 int    `db:"num_ipv4"`
	NumIPv6 int    `db:"num_ipv6"`

	Entries []DNSEntry `db:"-"`
}

func (*DNSScan) Check() CheckType { return CheckDNS }

// PrimaryIP is the first address in (family, address) order.
func (d *DNSScan) PrimaryIP() string {
	if d == nil || len(d.Entries) == 0 {
		return ""
	}
	return d.Entries[0].IP
}

type DNSEntry struct {
	ID         int64  `db:"id"`
	ScanID     int64  `db:"scan_id"`
	IsIPv6     bool   `db:"is_ipv6"`
	IsInternal bool   `db:"is_internal"`
	IP         string `db:"ip"`
	ResOrder   int    `db:"res_order"`
}

// Status of TLS handshake and crt.sh records.
const (
	StatusFailed = 0
	StatusOK     = 1
)

// TLS handshake failure codes.
const (
	TLSErrNone        = 0
	TLSErrConn        = 1
	TLSErrReadTimeout = 2
	TLSErrHandshake   = 3
	TLSErrNoCerts     = 4
	TLSErrResolve     = 5
)

// HTTP probe result codes. Zero means the probe was not run.
const (
	ReqNotRun    = 0
	ReqOK        = 1
	ReqSSL       = 2
	ReqConnect   = 3
	ReqTimeout   = 4
	ReqRedirects = 5
	ReqOther     = 6
)

type TLSScan struct {
	ScanMeta
	WatchID      int64  `db:"watch_id"`
	IPScanned    string `db:"ip_scanned"`
	IsIPv6       bool   `db:"is_ipv6"`
	TLSVer       string `db:"tls_ver"`
	Status       int    `db:"status"`
	ErrCode      int    `db:"err_code"`
	TLSAlertCode string `db:"tls_alert_code"`
	Results      int    `db:"results"`
	NewResults   int    `db:"new_results"`
	CertsIDs     string `db:"certs_ids"`
	CertIDLeaf   *int64 `db:"cert_id_leaf"`

	ValidPath     bool   `db:"valid_path"`
	ValidHostname bool   `db:"valid_hostname"`
	ErrValidity   string `db:"err_validity"`
	ErrManyLeafs  bool   `db:"err_many_leafs"`

	ReqHTTPSResult    int    `db:"req_https_result"`
	FollowHTTPResult  int    `db:"follow_http_result"`
	FollowHTTPSResult int    `db:"follow_https_result"`
	FollowHTTPURL     string `db:"follow_http_url"`
	FollowHTTPSURL    string `db:"follow_https_url"`

	HSTSPresent           bool  `db:"hsts_present"`
	HSTSMaxAge            int64 `db:"hsts_max_age"`
	HSTSIncludeSubdomains bool  `db:"hsts_include_subdomains"`
	HSTSPreload           bool  `db:"hsts_preload"`

	PinningPresent    bool   `db:"pinning_present"`
	PinningReportOnly bool   `db:"pinning_report_only"`
	PinningPins       string `db:"pinning_pins"`

	PTR string `db:"ptr"`
	CDN string `db:"cdn"`
}

func (*TLSScan) Check() CheckType { return CheckTLS }

// crt.sh input query types.
const (
	CrtShInputExact    = 0
	CrtShInputStar     = 1
	CrtShInputWildcard = 2
)

type CrtShInput struct {
	ID        int64     `db:"id"`
	Name      string    `db:"iquery"`
	IType     int       `db:"itype"`
	CreatedAt time.Time `db:"created_at"`
}

// Query renders the crt.sh text query for the input.
func (c *CrtShInput) Query() string {
	switch c.IType {
	case CrtShInputStar:
		return "*." + c.Name
	case CrtShInputWildcard:
		return "%." + c.Name
	default:
		return c.Name
	}
}

// CrtShQuery is one CT search result. Exactly one of WatchID and SubWatchID
// is set.
type CrtShQuery struct {
	ScanMeta
	WatchID        *int64 `db:"watch_id"`
	SubWatchID     *int64 `db:"sub_watch_id"`
	InputID        int64  `db:"input_id"`
	Status         int    `db:"status"`
	Results        int    `db:"results"`
	NewResults     int    `db:"new_results"`
	CertsIDs       string `db:"certs_ids"`
	CertsShIDs     string `db:"certs_sh_ids"`
	NewestCertID   *int64 `db:"newest_cert_id"`
	NewestCertShID *int64 `db:"newest_cert_sh_id"`
	Wildcard       bool   `db:"-"`
}

func (q *CrtShQuery) Check() CheckType {
	if q.Wildcard {
		return CheckWildcard
	}
	return CheckCrtSh
}

// WHOIS status codes.
const (
	WhoisStatusError       = 0
	WhoisStatusOK          = 1
	WhoisStatusNotFound    = 2
	WhoisStatusRateLimited = 3
)

type WhoisCheck struct {
	ScanMeta
	DomainID     int64      `db:"domain_id"`
	Status       int        `db:"status"`
	RegistrantCC string     `db:"registrant_cc"`
	Registrar    string     `db:"registrar"`
	RegisteredAt *time.Time `db:"registered_at"`
	ExpiresAt    *time.Time `db:"expires_at"`
	RecUpdatedAt *time.Time `db:"rec_updated_at"`
	DNSSEC       bool       `db:"dnssec"`
	DNS          string     `db:"dns"`
	Emails       string     `db:"emails"`
	Aux          string     `db:"aux"`
}

func (*WhoisCheck) Check() CheckType { return CheckWhois }

// SubdomainResult is the cached set of discovered names of a sub-watch target.
type SubdomainResult struct {
	ScanMeta
	WatchID    int64  `db:"watch_id"`
	ScanType   int    `db:"scan_type"`
	Result     string `db:"result"`
	ResultSize int    `db:"result_size"`
}

func (*SubdomainResult) Check() CheckType { return CheckWildcard }

// SubdomainEntry is one discovered name under a sub-watch target.
type SubdomainEntry struct {
	ID         int64     `db:"id"`
	WatchID    int64     `db:"watch_id"`
	Name       string    `db:"name"`
	IsWildcard bool      `db:"is_wildcard"`
	IsLong     bool      `db:"is_long"`
	CreatedAt  time.Time `db:"created_at"`
	LastScanAt time.Time `db:"last_scan_at"`
	NumScans   int       `db:"num_scans"`
}

type IPScanResult struct {
	ScanMeta
	IPScanRecordID int64  `db:"ip_scan_record_id"`
	IPsAlive       string `db:"ips_alive"`
	IPsValid       string `db:"ips_valid"`
	NumIPsAlive    int    `db:"num_ips_alive"`
	NumIPsValid    int    `db:"num_ips_valid"`
}

func (*IPScanResult) Check() CheckType { return CheckIPScan }

// ScanHistory is one append-only row per executed check.
type ScanHistory struct {
	ID int64 `db:"id"`
	// WatchID is set for watch target checks only.
	WatchID *int64 `db:"watch_id"`
	// ObjType is one of the Cache* kinds and says what ObjID refers to.
	ObjType   int       `db:"obj_type"`
	ObjID     int64     `db:"obj_id"`
	ScanType  CheckType `db:"scan_type"`
	ScanCode  int       `db:"scan_code"`
	CreatedAt time.Time `db:"created_at"`
}

// Cache owner kinds for last_scan_cache.
const (
	CacheWatch    = 0
	CacheTopDom   = 1
	CacheSubWatch = 2
	CacheIPScan   = 3
)

// LastScanCache materialises "latest record of type T for object O".
type LastScanCache struct {
	CacheType int       `db:"cache_type"`
	ObjID     int64     `db:"obj_id"`
	ScanType  CheckType `db:"scan_type"`
	AuxKey    string    `db:"aux_key"`
	ScanID    int64     `db:"scan_id"`
	UpdatedAt time.Time `db:"updated_at"`
}
