// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package freshness

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Fixtures
// =============================================================================

type fakeRunner struct {
	mu      sync.Mutex
	jobIDs  []string
	delay   time.Duration
	err     error
	started chan struct{}
}

func (f *fakeRunner) RunOnce(ctx context.Context, jobID string) error {
	f.mu.Lock()
	f.jobIDs = append(f.jobIDs, jobID)
	first := len(f.jobIDs) == 1
	f.mu.Unlock()
	if first && f.started != nil {
		close(f.started)
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.err
}

func (f *fakeRunner) jobs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.jobIDs...)
}

func waitForJobs(t *testing.T, runner *fakeRunner, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for len(runner.jobs()) < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d updater jobs", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// =============================================================================
// Tests
// =============================================================================

func TestSupervisorRunsTicksAndLifecycle(t *testing.T) {
	bot := newCaptureServer(t, http.StatusOK)
	admin := newCaptureServer(t, http.StatusOK)
	dir := t.TempDir()

	notifier := NewNotifier(NotifierConfig{
		BotURL:          bot.srv.URL,
		AdminBackendURL: admin.srv.URL,
		ResourceID:      "acme",
		VectorStorePath: dir,
	})
	runner := &fakeRunner{}
	var out bytes.Buffer

	s, err := NewSupervisor(SupervisorConfig{
		ResourceID:      "acme",
		VectorStorePath: dir,
		Interval:        25 * time.Millisecond,
		Stdout:          &out,
	}, runner, notifier)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	waitForJobs(t, runner, 2)

	pidPath := PIDFilePath(dir)
	pidBytes, err := os.ReadFile(pidPath)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(pidBytes))

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop after cancellation")
	}

	_, err = os.Stat(pidPath)
	assert.True(t, os.IsNotExist(err), "PID file should be removed on stop")

	jobs := runner.jobs()
	require.GreaterOrEqual(t, len(jobs), 2)
	jobPattern := regexp.MustCompile(`^scheduled_acme_\d{8}_\d{6}$`)
	for _, id := range jobs {
		assert.Regexp(t, jobPattern, id)
	}

	adminReqs := admin.requests()
	assert.Len(t, adminReqs, len(jobs))
	assert.Len(t, bot.requests(), len(jobs))
	for _, req := range adminReqs {
		report := decodeReport(t, req)
		assert.True(t, report.Success)
		assert.True(t, report.BotReady)
		assert.Equal(t, "scheduled", report.Trigger)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)

	var start, stop lifecycleEvent
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &start))
	assert.Equal(t, "started", start.Status)
	assert.Equal(t, os.Getpid(), start.PID)
	assert.Equal(t, "acme", start.ResourceID)
	assert.InDelta(t, (25 * time.Millisecond).Minutes(), start.IntervalMinutes, 1e-9)
	_, err = time.Parse(time.RFC3339, start.Timestamp)
	assert.NoError(t, err)

	require.NoError(t, json.Unmarshal([]byte(lines[1]), &stop))
	assert.Equal(t, "stopped", stop.Status)
	assert.Equal(t, os.Getpid(), stop.PID)
	assert.Equal(t, "acme", stop.ResourceID)
}

func TestSupervisorRunImmediatelyUsesManualTrigger(t *testing.T) {
	bot := newCaptureServer(t, http.StatusOK)
	admin := newCaptureServer(t, http.StatusOK)
	dir := t.TempDir()

	notifier := NewNotifier(NotifierConfig{
		BotURL:          bot.srv.URL,
		AdminBackendURL: admin.srv.URL,
		ResourceID:      "acme",
		VectorStorePath: dir,
	})
	runner := &fakeRunner{}

	s, err := NewSupervisor(SupervisorConfig{
		ResourceID:      "acme",
		VectorStorePath: dir,
		Interval:        time.Hour,
		RunImmediately:  true,
		Stdout:          io.Discard,
	}, runner, notifier)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	waitForJobs(t, runner, 1)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop after cancellation")
	}

	assert.Len(t, runner.jobs(), 1)
	adminReqs := admin.requests()
	require.Len(t, adminReqs, 1)
	report := decodeReport(t, adminReqs[0])
	assert.True(t, report.Success)
	assert.Equal(t, "manual", report.Trigger)
}

func TestSupervisorFinishesCurrentTickOnShutdown(t *testing.T) {
	bot := newCaptureServer(t, http.StatusOK)
	admin := newCaptureServer(t, http.StatusOK)
	dir := t.TempDir()

	notifier := NewNotifier(NotifierConfig{
		BotURL:          bot.srv.URL,
		AdminBackendURL: admin.srv.URL,
		ResourceID:      "acme",
		VectorStorePath: dir,
	})
	runner := &fakeRunner{
		delay:   150 * time.Millisecond,
		started: make(chan struct{}),
	}

	s, err := NewSupervisor(SupervisorConfig{
		ResourceID:      "acme",
		VectorStorePath: dir,
		Interval:        10 * time.Millisecond,
		Stdout:          io.Discard,
	}, runner, notifier)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	<-runner.started
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop after cancellation")
	}

	assert.Len(t, runner.jobs(), 1)
	adminReqs := admin.requests()
	require.Len(t, adminReqs, 1, "in-flight tick must finish reporting before shutdown")
	report := decodeReport(t, adminReqs[0])
	assert.True(t, report.Success)
	assert.True(t, report.BotReady)
}

func TestNewSupervisorValidation(t *testing.T) {
	runner := &fakeRunner{}
	notifier := NewNotifier(NotifierConfig{ResourceID: "acme"})

	cases := []struct {
		name     string
		cfg      SupervisorConfig
		runner   UpdaterRunner
		notifier *Notifier
		wantErr  string
	}{
		{
			name:     "missing resource id",
			cfg:      SupervisorConfig{VectorStorePath: "/tmp/acme"},
			runner:   runner,
			notifier: notifier,
			wantErr:  "resource_id is required",
		},
		{
			name:     "missing vector store path",
			cfg:      SupervisorConfig{ResourceID: "acme"},
			runner:   runner,
			notifier: notifier,
			wantErr:  "vector_store_path is required",
		},
		{
			name:     "missing runner",
			cfg:      SupervisorConfig{ResourceID: "acme", VectorStorePath: "/tmp/acme"},
			runner:   nil,
			notifier: notifier,
			wantErr:  "an updater runner is required",
		},
		{
			name:     "missing notifier",
			cfg:      SupervisorConfig{ResourceID: "acme", VectorStorePath: "/tmp/acme"},
			runner:   runner,
			notifier: nil,
			wantErr:  "a notifier is required",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewSupervisor(tc.cfg, tc.runner, tc.notifier)
			require.EqualError(t, err, tc.wantErr)
		})
	}
}

func TestNewSupervisorDefaultInterval(t *testing.T) {
	s, err := NewSupervisor(SupervisorConfig{
		ResourceID:      "acme",
		VectorStorePath: t.TempDir(),
	}, &fakeRunner{}, NewNotifier(NotifierConfig{}))
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, s.cfg.Interval)
}
