// Package events publishes a notice whenever a scan stores a new record.
package events

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
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/x-stp/certwatch/internal/core"
	"github.com/x-stp/certwatch/internal/logger"
	"github.com/x-stp/certwatch/internal/metrics"
	"github.com/x-stp/certwatch/internal/model"
)

// DefaultStream is the Redis stream events are appended to.
const DefaultStream = "certwatch:scans"

const asyncPublishTimeout = 5 * time.Second

const (
	TypeFirstScan = "scan.first"
	TypeChanged   = "scan.changed"
)

// Event describes one newly stored scan record.
type Event struct {
	EventID     uuid.UUID `json:"event_id"`
	Type        string    `json:"type"`
	Check       string    `json:"check"`
	JobType     string    `json:"job_type"`
	TargetID    int64     `json:"target_id"`
	RecordID    int64     `json:"record_id"`
	PrevID      *int64    `json:"prev_record_id,omitempty"`
	Interactive bool      `json:"interactive"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewEvent builds the event for cur replacing old. old may be nil.
func NewEvent(old, cur model.ScanRecord, job *core.Job) Event {
	ev := Event{
		EventID:   uuid.New(),
		Type:      TypeFirstScan,
		Check:     cur.Check().String(),
		RecordID:  cur.RecordID(),
		Timestamp: time.Now().UTC(),
	}
	if old != nil {
		id := old.RecordID()
		ev.Type = TypeChanged
		ev.PrevID = &id
	}
	if job != nil {
		ev.JobType = job.Type.String()
		ev.TargetID = job.Key().ID
		ev.Interactive = job.Interactive
	}
	return ev
}

// StreamAdder is the subset of *redis.Client the sink uses.
type StreamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisSink appends events to a Redis stream without blocking the caller.
type RedisSink struct {
	client StreamAdder
	stream string
	log    logger.Logger
	wg     sync.WaitGroup
}

// NewRedisSink returns nil if client is nil; a nil sink drops every event.
func NewRedisSink(client StreamAdder, stream string, log logger.Logger) *RedisSink {
	if client == nil {
		return nil
	}
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisSink{
		client: client,
		stream: stream,
		log:    log.With(logger.String("component", "events"), logger.String("stream", stream)),
	}
}

// Publish appends ev to the stream.
func (s *RedisSink) Publish(ctx context.Context, ev Event) error {
	if s == nil || s.client == nil {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	res := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"event": string(payload),
		},
	})
	if err := res.Err(); err != nil {
		metrics.Inc(metrics.GetMetrics().EventsPublished, "redis", "error")
		return fmt.Errorf("publish to stream: %w", err)
	}
	metrics.Inc(metrics.GetMetrics().EventsPublished, "redis", "ok")
	s.log.Debug("published scan event",
		logger.String("type", ev.Type),
		logger.String("check", ev.Check),
		logger.Int64("record", ev.RecordID),
		logger.String("stream_id", res.Val()),
	)
	return nil
}

// OnNewScan publishes asynchronously; failures are logged only.
func (s *RedisSink) OnNewScan(old, cur model.ScanRecord, job *core.Job) {
	if s == nil || cur == nil {
		return
	}
	ev := NewEvent(old, cur, job)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), asyncPublishTimeout)
		defer cancel()
		if err := s.Publish(ctx, ev); err != nil {
			s.log.Warn("async publish failed",
				logger.String("check", ev.Check),
				logger.Int64("record", ev.RecordID),
				logger.Error(err),
			)
		}
	}()
}

// Wait blocks until every in-flight publish has finished.
func (s *RedisSink) Wait() {
	if s == nil {
		return
	}
	s.wg.Wait()
}
