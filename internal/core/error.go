/*
Package core holds the scan scheduler: jobs and their per-check results, the
deduplicating priority queue, per-type admission, the worker pool with its
retry state machine, and the feeder that discovers due work.
*/
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

import "errors"

// customError is an error carrying a retryable flag.
type customError struct {
	message   string
	retryable bool
}

// NewError creates an error with the given message and retryable status.
// Retryable errors describe transient conditions (rate limits, timeouts)
// where the same job may succeed on a later attempt.
func NewError(msg string, retryable bool) error {
	return &customError{
		message:   msg,
		retryable: retryable,
	}
}

func (e *customError) Error() string {
	return e.message
}

func (e *customError) IsRetryable() bool {
	return e.retryable
}

// IsRetryable reports whether err, or any error it wraps, is a retryable
// customError. Unknown error types are not retryable.
func IsRetryable(err error) bool {
	var ce *customError
	if errors.As(err, &ce) {
		return ce.IsRetryable()
	}
	return false
}

var (
	// ErrQueueFull is returned when the queue is over its admission limit.
	ErrQueueFull = NewError("queue full", true)
	// ErrShuttingDown aborts a job because the scheduler is stopping. It is
	// never charged against the job's retry budget.
	ErrShuttingDown = NewError("scheduler shutting down", false)
	// ErrInvalidHostname marks a target that can never be scanned. The job
	// is finished as a success so it is not retried.
	ErrInvalidHostname = NewError("invalid hostname", false)
	// ErrUnknownJobType is returned for job types outside the closed set.
	ErrUnknownJobType = NewError("unknown job type", false)
	// ErrNoTargetURL is returned by Job.TargetURL for targets without a URL.
	ErrNoTargetURL = NewError("target has no url", false)
)
