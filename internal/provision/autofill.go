// Package provision turns discovered host names into watch targets for the
// owners that asked for it, within a per-owner quota.
package provision

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
	"errors"
	"fmt"
	"time"

	"github.com/x-stp/certwatch/internal/certlib"
	"github.com/x-stp/certwatch/internal/logger"
	"github.com/x-stp/certwatch/internal/metrics"
	"github.com/x-stp/certwatch/internal/model"
)

// DefaultMaxServersPerOwner caps the active hosts of one owner.
const DefaultMaxServersPerOwner = 100

// Store is the persistence the auto-filler needs.
type Store interface {
	CountActiveHosts(ctx context.Context, ownerID int64) (int, error)
	// OwnerHostNames lists every host the owner has watched, including
	// deleted and disabled associations.
	OwnerHostNames(ctx context.Context, ownerID int64) ([]string, error)
	// DefaultWatchTarget returns the https/443 target of host, creating it
	// when missing. Concurrent creation resolves to the same row.
	DefaultWatchTarget(ctx context.Context, host string) (*model.WatchTarget, error)
	// InsertWatchAssoc returns model.ErrDuplicate when the owner already
	// watches the target.
	InsertWatchAssoc(ctx context.Context, a *model.Assoc) error
}

// Blacklist is implemented by blacklist.Cache.
type Blacklist interface {
	Match(host string) bool
}

// AutoFiller adds watch targets for discovered names.
type AutoFiller struct {
	store     Store
	blacklist Blacklist
	maxPer    int
	log       logger.Logger
	now       func() time.Time
}

func NewAutoFiller(store Store, bl Blacklist, maxPerOwner int, log logger.Logger) *AutoFiller {
	if maxPerOwner <= 0 {
		maxPerOwner = DefaultMaxServersPerOwner
	}
	return &AutoFiller{
		store:     store,
		blacklist: bl,
		maxPer:    maxPerOwner,
		log:       log.With(logger.String("component", "provision")),
		now:       time.Now,
	}
}

// Fill offers names to each owner association in turn and returns how many
// associations were created. A unique violation skips that name; any other
// storage error aborts the batch.
func (f *AutoFiller) Fill(ctx context.Context, owners []model.Assoc, names []string) (int, error) {
	targets := make(map[string]*model.WatchTarget)
	added := 0
	for _, owner := range owners {
		if err := ctx.Err(); err != nil {
			return added, err
		}
		n, err := f.fillOwner(ctx, owner, names, targets)
		added += n
		if err != nil {
			return added, fmt.Errorf("auto-fill owner %d: %w", owner.OwnerID, err)
		}
	}
	return added, nil
}

func (f *AutoFiller) fillOwner(ctx context.Context, owner model.Assoc, names []string, targets map[string]*model.WatchTarget) (int, error) {
	active, err := f.store.CountActiveHosts(ctx, owner.OwnerID)
	if err != nil {
		return 0, err
	}
	if active >= f.maxPer {
		metrics.Inc(metrics.GetMetrics().Provisioned, "quota")
		return 0, nil
	}
	hosts, err := f.store.OwnerHostNames(ctx, owner.OwnerID)
	if err != nil {
		return 0, err
	}
	watched := make(map[string]struct{}, len(hosts))
	for _, h := range hosts {
		watched[certlib.NormalizeDomain(h)] = struct{}{}
	}

	added := 0
	for _, raw := range names {
		if active+added >= f.maxPer {
			break
		}
		name := certlib.NormalizeDomain(raw)
		if _, ok := watched[name]; ok {
			continue
		}
		if !certlib.CanConnect(name) || certlib.IsWildcard(name) {
			continue
		}
		if f.blacklist != nil && f.blacklist.Match(name) {
			continue
		}

		t, ok := targets[name]
		if !ok {
			t, err = f.store.DefaultWatchTarget(ctx, name)
			if err != nil {
				return added, fmt.Errorf("watch target %s: %w", name, err)
			}
			targets[name] = t
		}
		now := f.now()
		err := f.store.InsertWatchAssoc(ctx, &model.Assoc{
			OwnerID:         owner.OwnerID,
			TargetID:        t.ID,
			ScanPeriodicity: owner.ScanPeriodicity,
			AutoScanAddedAt: &now,
			CreatedAt:       now,
		})
		if errors.Is(err, model.ErrDuplicate) {
			metrics.Inc(metrics.GetMetrics().Provisioned, "duplicate")
			continue
		}
		if err != nil {
			return added, fmt.Errorf("associate %s: %w", name, err)
		}
		watched[name] = struct{}{}
		added++
		metrics.Inc(metrics.GetMetrics().Provisioned, "added")
		f.log.Debug("auto-provisioned", logger.Int64("owner", owner.OwnerID), logger.String("host", name))
	}
	return added, nil
}
