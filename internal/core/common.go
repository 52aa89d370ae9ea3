package core

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

// Scheduler tuning defaults. All of them can be overridden through config.
const (
	// DefaultQueueLimit is the nominal queue capacity.
	DefaultQueueLimit = 512
	// NonPrimaryAllowance lets non-TARGET jobs overfill the queue by 10%.
	NonPrimaryAllowance = 0.10
	// AdmitWatermark is the fill ratio below which the feeder keeps feeding.
	AdmitWatermark = 0.85

	// DefaultDequeueTimeout bounds a worker's wait on an empty queue.
	DefaultDequeueTimeout = time.Second
	// DefaultMaxRetries is the number of failed attempts tolerated before a
	// job is abandoned until its next due time.
	DefaultMaxRetries = 3
	// DeferSleep is how long a worker backs off after a busy semaphore.
	DeferSleep = 10 * time.Millisecond

	// Feeder cadence.
	DefaultFeederTick         = 500 * time.Millisecond
	DefaultFeederInterval     = 5 * time.Second
	DefaultFeederFastInterval = 2 * time.Second
	DefaultFeederPageSize     = 100
	DefaultJitter             = 0.25

	// Admission shares of the worker count.
	targetReserve = 5
	subShare      = 0.15
	ipScanShare   = 0.10
	apiShare      = 0.10
)
