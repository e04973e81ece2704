// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitMetricsReturnsSharedInstance(t *testing.T) {
	first := InitMetrics()
	second := InitMetrics()

	require.NotNil(t, first)
	assert.Same(t, first, second, "repeated init must not re-register collectors")
	assert.NotNil(t, first.ChatRequestsTotal)
	assert.NotNil(t, first.AuthFailuresTotal)
	assert.NotNil(t, first.ActiveWebsockets)
}

func TestDailyCounterIncrements(t *testing.T) {
	d := NewDailyCounter()
	d.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }

	assert.Equal(t, int64(1), d.Increment())
	assert.Equal(t, int64(2), d.Increment())
	assert.Equal(t, int64(3), d.Increment())
	assert.Equal(t, int64(3), d.Used())
}

func TestDailyCounterRollsAtMidnightUTC(t *testing.T) {
	clock := time.Date(2025, 6, 1, 23, 30, 0, 0, time.UTC)
	d := NewDailyCounter()
	d.now = func() time.Time { return clock }

	d.Increment()
	d.Increment()
	require.Equal(t, int64(2), d.Used())

	// Forty minutes later it is a new UTC day.
	clock = time.Date(2025, 6, 2, 0, 10, 0, 0, time.UTC)
	assert.Zero(t, d.Used())
	assert.Equal(t, int64(1), d.Increment())
}

func TestDailyCounterUsesUTCNotLocalTime(t *testing.T) {
	// 2025-06-01 20:00 in UTC-8 is already 2025-06-02 04:00 UTC, so an
	// increment there lands in the June 2 bucket.
	loc := time.FixedZone("UTC-8", -8*60*60)
	d := NewDailyCounter()
	d.now = func() time.Time { return time.Date(2025, 6, 1, 20, 0, 0, 0, loc) }

	d.Increment()

	d.now = func() time.Time { return time.Date(2025, 6, 2, 4, 30, 0, 0, time.UTC) }
	assert.Equal(t, int64(1), d.Used(), "same UTC day, no roll")
}
