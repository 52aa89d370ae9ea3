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

// Certificate is a stored X.509 certificate, unique by FprintSHA1.
type Certificate struct {
	ID           int64      `db:"id"`
	CrtShID      *int64     `db:"crt_sh_id"`
	CrtShCAID    *int64     `db:"crt_sh_ca_id"`
	FprintSHA1   string     `db:"fprint_sha1"`
	FprintSHA256 string     `db:"fprint_sha256"`
	ValidFrom    time.Time  `db:"valid_from"`
	ValidTo      time.Time  `db:"valid_to"`
	CName        string     `db:"cname"`
	Subject      string     `db:"subject"`
	Issuer       string     `db:"issuer"`
	IsCA         bool       `db:"is_ca"`
	IsSelfSigned bool       `db:"is_self_signed"`
	IsPrecert    bool       `db:"is_precert"`
	IsLE         bool       `db:"is_le"`
	IsCloudflare bool       `db:"is_cloudflare"`
	AltNamesJSON string     `db:"alt_names"`
	AltNamesCnt  int        `db:"alt_names_cnt"`
	KeyType      string     `db:"key_type"`
	KeyBitSize   int        `db:"key_bit_size"`
	SigAlg       string     `db:"sig_alg"`
	ParentID     *int64     `db:"parent_id"`
	Source       string     `db:"source"`
	PEM          string     `db:"pem"`
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    *time.Time `db:"updated_at"`

	AltNames []string `db:"-"`
}

// TopDomain is a registrable domain, unique by Name.
type TopDomain struct {
	ID        int64     `db:"id"`
	Name      string    `db:"domain_name"`
	CreatedAt time.Time `db:"created_at"`
}

// BlacklistRuleType selects how a rule matches a host.
type BlacklistRuleType int

const (
	RuleExact  BlacklistRuleType = 0
	RuleSuffix BlacklistRuleType = 1
)

type BlacklistRule struct {
	ID       int64             `db:"id"`
	Rule     string            `db:"rule"`
	RuleType BlacklistRuleType `db:"rule_type"`
}
