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
	"github.com/x-stp/certwatch/internal/core"
	"github.com/x-stp/certwatch/internal/logger"
	"github.com/x-stp/certwatch/internal/metrics"
	"github.com/x-stp/certwatch/internal/model"
)

// Sink matches pipeline.EventSink.
type Sink interface {
	OnNewScan(old, cur model.ScanRecord, job *core.Job)
}

// LogSink writes one info line per new record.
type LogSink struct {
	log logger.Logger
}

func NewLogSink(log logger.Logger) *LogSink {
	return &LogSink{log: log.With(logger.String("component", "events"))}
}

func (s *LogSink) OnNewScan(old, cur model.ScanRecord, job *core.Job) {
	if cur == nil {
		return
	}
	ev := NewEvent(old, cur, job)
	fields := []logger.Field{
		logger.String("type", ev.Type),
		logger.String("check", ev.Check),
		logger.String("job_type", ev.JobType),
		logger.Int64("target", ev.TargetID),
		logger.Int64("record", ev.RecordID),
	}
	if ev.PrevID != nil {
		fields = append(fields, logger.Int64("prev_record", *ev.PrevID))
	}
	s.log.Info("new scan record", fields...)
	metrics.Inc(metrics.GetMetrics().EventsPublished, "log", "ok")
}

// Multi fans an event out to every non-nil sink.
type Multi []Sink

func (m Multi) OnNewScan(old, cur model.ScanRecord, job *core.Job) {
	for _, s := range m {
		if s != nil {
			s.OnNewScan(old, cur, job)
		}
	}
}

// Nop drops events.
type Nop struct{}

func (Nop) OnNewScan(model.ScanRecord, model.ScanRecord, *core.Job) {}
