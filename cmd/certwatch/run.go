package main

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
	"io"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/x-stp/certwatch/internal/blacklist"
	"github.com/x-stp/certwatch/internal/certlib"
	"github.com/x-stp/certwatch/internal/client"
	"github.com/x-stp/certwatch/internal/config"
	"github.com/x-stp/certwatch/internal/core"
	"github.com/x-stp/certwatch/internal/events"
	"github.com/x-stp/certwatch/internal/logger"
	"github.com/x-stp/certwatch/internal/metrics"
	"github.com/x-stp/certwatch/internal/pipeline"
	"github.com/x-stp/certwatch/internal/provision"
	"github.com/x-stp/certwatch/internal/scanner"
	"github.com/x-stp/certwatch/internal/store"
)

const (
	redisPingTimeout = 5 * time.Second
	shutdownTimeout  = 10 * time.Second
)

// app holds the long-lived components shared by run and scan.
type app struct {
	store     *store.Store
	blacklist *blacklist.Cache
	redis     *redis.Client
	sink      *events.RedisSink
	proc      *pipeline.Processor
}

func (a *app) close(log logger.Logger) {
	a.sink.Wait()
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			log.Warn("close redis", logger.Error(err))
		}
	}
	a.blacklist.Close()
	if err := a.store.Close(); err != nil {
		log.Warn("close database", logger.Error(err))
	}
}

// newApp connects storage and builds the scan processor with its
// collaborators.
func newApp(ctx context.Context, cfg *config.Config, log logger.Logger) (*app, error) {
	st, err := store.Open(ctx, cfg.Database, log)
	if err != nil {
		return nil, err
	}
	a := &app{store: st}

	a.blacklist = blacklist.New(st, cfg.Scheduler.BlacklistRefresh, log)
	if err := a.blacklist.Refresh(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("initial blacklist load: %w", err)
	}

	sinks := events.Multi{events.NewLogSink(log)}
	if cfg.Redis.Enabled {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		err := a.redis.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			a.redis.Close()
			st.Close()
			return nil, fmt.Errorf("redis ping failed: %w", err)
		}
		a.sink = events.NewRedisSink(a.redis, cfg.Redis.Stream, log)
		sinks = append(sinks, a.sink)
	}

	client.InitHTTPClient(&client.Config{RequestTimeout: cfg.Scan.Timeout * 3})

	dns, err := scanner.NewDNSClient(scanner.DNSOptions{
		Servers: cfg.Scan.DNSServers,
		Timeout: cfg.Scan.Timeout,
		Retries: cfg.Scan.Retries,
	})
	if err != nil {
		a.close(log)
		return nil, err
	}
	tlsScanner := scanner.NewTLSScanner(cfg.Scan.Timeout, scanner.WithTLSRetries(cfg.Scan.Retries))

	crtshLimiter := core.NewRateLimiter("crtsh", cfg.Scan.CrtShRate, cfg.Scan.CrtShRate/4, cfg.Scan.CrtShRate*2)
	whoisLimiter := core.NewRateLimiter("whois", cfg.Scan.WhoisRate, cfg.Scan.WhoisRate/4, cfg.Scan.WhoisRate*2)

	a.proc = pipeline.NewProcessor(pipeline.ConfigFrom(cfg), pipeline.Deps{
		Store:     st,
		Certs:     certlib.NewManager(st, log),
		Validator: &certlib.Validator{},
		Resolver:  dns,
		TLS:       tlsScanner,
		HTTP:      scanner.NewHTTPProber(cfg.Scan.Timeout),
		CT: scanner.NewCrtShClient(
			scanner.WithCrtShHTTPClient(client.GetHTTPClient()),
			scanner.WithCrtShBaseURL(cfg.Scan.CrtShURL),
			scanner.WithCrtShRetries(cfg.Scan.Retries),
			scanner.WithCrtShLimiter(crtshLimiter),
		),
		Whois: scanner.NewWhoisClient(cfg.Scan.Timeout,
			scanner.WithWhoisLimiter(whoisLimiter),
			scanner.WithWhoisRetries(cfg.Scan.Retries),
		),
		Addr:      scanner.NewIPProber(tlsScanner),
		Blacklist: a.blacklist,
		Provision: provision.NewAutoFiller(st, a.blacklist, cfg.Provision.MaxServersPerOwner, log),
		Events:    sinks,
	}, log)
	return a, nil
}

func poolConfig(cfg *config.Config) core.PoolConfig {
	return core.PoolConfig{
		Workers:        cfg.Scheduler.Workers,
		MaxRetries:     cfg.Scheduler.MaxRetries,
		DequeueTimeout: cfg.Scheduler.DequeueTimeout,
		PinWorkers:     cfg.Scheduler.PinWorkers,
	}
}

// runDaemon runs the feeder, the workers, the blacklist refresher and the
// metrics server until ctx is cancelled.
func runDaemon(ctx context.Context, cfg *config.Config, log logger.Logger) error {
	if cfg.Metrics.Enabled {
		metrics.EnableMetrics()
		if err := metrics.StartMetricsServer(cfg.Metrics.Addr, log); err != nil {
			return err
		}
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := metrics.ShutdownMetricsServer(shutCtx); err != nil {
				log.Warn("metrics server shutdown", logger.Error(err))
			}
		}()
	}

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.close(log)

	queue := core.NewJobQueue(cfg.Scheduler.QueueLimit)
	adm := core.NewAdmission(cfg.Scheduler.Workers, nil)
	pool := core.NewWorkerPool(poolConfig(cfg), queue, adm, a.proc, a.store, log)
	feeder := core.NewFeeder(core.FeederConfig{
		Thresholds: map[core.JobType]time.Duration{
			core.TypeTarget: cfg.Checks.TargetDelta(),
			core.TypeSub:    cfg.Checks.Wildcard,
			core.TypeIPScan: cfg.Checks.IPScan,
		},
		Jitter:       cfg.Scheduler.Jitter,
		Tick:         cfg.Scheduler.FeederTick,
		Interval:     cfg.Scheduler.FeederInterval,
		FastInterval: cfg.Scheduler.FeederFastInterval,
		PageSize:     cfg.Scheduler.FeederPageSize,
	}, a.store, queue, log)

	log.Info("starting scheduler",
		logger.Int("workers", cfg.Scheduler.Workers),
		logger.Int("queue_limit", cfg.Scheduler.QueueLimit),
	)

	g, gctx := errgroup.WithContext(ctx)
	pool.Start(gctx)
	g.Go(func() error { return a.blacklist.Run(gctx) })
	g.Go(func() error { return feeder.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		pool.Stop()
		pool.Wait()
		return nil
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("scheduler stopped")
	return nil
}

// scanOnce runs one interactive scan of a watch target and prints the
// outcome of each check.
func scanOnce(ctx context.Context, cfg *config.Config, log logger.Logger, watchID int64, out io.Writer) error {
	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.close(log)

	t, err := a.store.WatchTarget(ctx, watchID)
	if err != nil {
		return err
	}
	job := core.NewJob(core.TypeAPI, t, t.LastScanAt)
	job.Interactive = true

	pool := core.NewWorkerPool(poolConfig(cfg), core.NewJobQueue(1), core.NewAdmission(1, nil), a.proc, a.store, log)
	runErr := pool.RunOnce(ctx, job)

	fmt.Fprintf(out, "%s (watch %d)\n", t.ScanHost, t.ID)
	for _, r := range []struct {
		name string
		res  core.ScanResult
	}{
		{"dns", job.Results.DNS},
		{"tls", job.Results.TLS},
		{"crtsh", job.Results.CrtSh},
		{"whois", job.Results.Whois},
	} {
		line := fmt.Sprintf("  %-6s %s", r.name, r.res.State)
		if r.res.Err != nil {
			line += ": " + r.res.Err.Error()
		}
		fmt.Fprintln(out, line)
	}
	return runErr
}
