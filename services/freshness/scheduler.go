// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package freshness keeps tenant knowledge bases current. A long-lived
// Supervisor per tenant spawns a one-shot updater subprocess on a fixed
// interval, asks the retrieval service to reload the rewritten vectors,
// and reports each attempt to the admin backend.
package freshness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var schedulerTracer = otel.Tracer("tidepool.freshness.scheduler")

var tickOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tidepool",
	Subsystem: "scheduler",
	Name:      "ticks_total",
	Help:      "Completed updater ticks by outcome.",
}, []string{"outcome"})

// =============================================================================
// Supervisor
// =============================================================================

const (
	defaultInterval = 5 * time.Minute

	// tickSlice bounds how long a termination signal can go unnoticed
	// while the supervisor sleeps between ticks.
	tickSlice = time.Second
)

// PIDFilePath returns where the supervisor for the given vector store
// records its PID.
func PIDFilePath(vectorStorePath string) string {
	return filepath.Join(vectorStorePath, "scheduler.pid")
}

// SupervisorConfig describes one tenant's update schedule.
//
// # Fields
//
//   - ResourceID: tenant identity stamped into job ids and reports
//   - VectorStorePath: tenant store root; also holds the PID file
//   - Interval: time between ticks; zero means 5 minutes
//   - RunImmediately: run one tick at startup before the first sleep
//   - Stdout: destination for the lifecycle JSON lines; nil means
//     os.Stdout
type SupervisorConfig struct {
	ResourceID      string
	VectorStorePath string
	Interval        time.Duration
	RunImmediately  bool
	Logger          *slog.Logger
	Stdout          io.Writer
}

// Supervisor drives the update loop for one tenant.
//
// # Description
//
// Each tick spawns a fresh updater via the configured runner, then
// hands the outcome to the Notifier. Ticks never abort mid-flight: a
// cancelled context is noticed between ticks and inside the sleep, so
// termination lets the in-flight updater and its notifications finish.
//
// # Thread Safety
//
// Build, Run once. Run blocks until the context is cancelled.
type Supervisor struct {
	cfg      SupervisorConfig
	runner   UpdaterRunner
	notifier *Notifier
	log      *slog.Logger
	stdout   io.Writer
	now      func() time.Time
}

// NewSupervisor validates the configuration and builds a Supervisor.
func NewSupervisor(cfg SupervisorConfig, runner UpdaterRunner, notifier *Notifier) (*Supervisor, error) {
	if cfg.ResourceID == "" {
		return nil, errors.New("resource_id is required")
	}
	if cfg.VectorStorePath == "" {
		return nil, errors.New("vector_store_path is required")
	}
	if runner == nil {
		return nil, errors.New("an updater runner is required")
	}
	if notifier == nil {
		return nil, errors.New("a notifier is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	return &Supervisor{
		cfg:      cfg,
		runner:   runner,
		notifier: notifier,
		log:      cfg.Logger.With("resource_id", cfg.ResourceID),
		stdout:   cfg.Stdout,
		now:      time.Now,
	}, nil
}

// lifecycleEvent is the JSON line printed on start and stop so the
// process manager driving the supervisor can track it.
type lifecycleEvent struct {
	Status          string  `json:"status"`
	PID             int     `json:"pid"`
	ResourceID      string  `json:"resource_id"`
	IntervalMinutes float64 `json:"interval_minutes,omitempty"`
	Timestamp       string  `json:"timestamp"`
}

// Run ticks until ctx is cancelled, then removes the PID file and
// emits the stop line. The current tick always completes first.
func (s *Supervisor) Run(ctx context.Context) {
	s.writePID()
	s.log.Info("scheduler starting",
		"interval", s.cfg.Interval, "pid", os.Getpid(),
		"vector_store_path", s.cfg.VectorStorePath)
	s.emit(lifecycleEvent{
		Status:          "started",
		PID:             os.Getpid(),
		ResourceID:      s.cfg.ResourceID,
		IntervalMinutes: s.cfg.Interval.Minutes(),
		Timestamp:       s.now().UTC().Format(time.RFC3339),
	})

	if s.cfg.RunImmediately {
		s.tick(ctx, TriggerManual)
	}
	for {
		if err := s.sleep(ctx); err != nil {
			break
		}
		s.tick(ctx, TriggerScheduled)
	}

	s.removePID()
	s.emit(lifecycleEvent{
		Status:     "stopped",
		PID:        os.Getpid(),
		ResourceID: s.cfg.ResourceID,
		Timestamp:  s.now().UTC().Format(time.RFC3339),
	})
	s.log.Info("scheduler stopped")
}

// tick runs one updater job and reports its outcome. The tick detaches
// from cancellation so a termination signal cannot kill a half-written
// index update.
func (s *Supervisor) tick(ctx context.Context, trigger string) {
	tctx := context.WithoutCancel(ctx)
	tctx, span := schedulerTracer.Start(tctx, "Tick")
	defer span.End()

	jobID := fmt.Sprintf("scheduled_%s_%s",
		s.cfg.ResourceID, s.now().UTC().Format("20060102_150405"))
	span.SetAttributes(
		attribute.String("job_id", jobID),
		attribute.String("trigger", trigger),
	)
	s.log.Info("starting update tick", "job_id", jobID, "trigger", trigger)

	err := s.runner.RunOnce(tctx, jobID)
	if err != nil {
		s.log.Error("update tick failed", "job_id", jobID, "error", err)
	}
	botReady := s.notifier.NotifyTick(tctx, err == nil, trigger)

	switch {
	case err != nil:
		tickOutcomes.WithLabelValues("updater_failed").Inc()
	case !botReady:
		tickOutcomes.WithLabelValues("reload_failed").Inc()
	default:
		tickOutcomes.WithLabelValues("success").Inc()
	}
}

// sleep waits one interval, waking every second so cancellation is
// honored within a second even on long schedules.
func (s *Supervisor) sleep(ctx context.Context) error {
	remaining := s.cfg.Interval
	for remaining > 0 {
		d := tickSlice
		if remaining < d {
			d = remaining
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		remaining -= d
	}
	return nil
}

func (s *Supervisor) emit(ev lifecycleEvent) {
	line, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintln(s.stdout, string(line))
}

// writePID records the supervisor's PID under the vector store so
// other tooling can detect a running scheduler. Failures are logged
// and ignored: the PID file is a convenience, not a lock.
func (s *Supervisor) writePID() {
	path := PIDFilePath(s.cfg.VectorStorePath)
	if err := os.MkdirAll(s.cfg.VectorStorePath, 0o755); err != nil {
		s.log.Warn("could not create vector store path", "path", s.cfg.VectorStorePath, "error", err)
		return
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		s.log.Warn("could not write PID file", "path", path, "error", err)
		return
	}
	s.log.Info("PID file written", "path", path)
}

func (s *Supervisor) removePID() {
	path := PIDFilePath(s.cfg.VectorStorePath)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.Warn("could not remove PID file", "path", path, "error", err)
	}
}
