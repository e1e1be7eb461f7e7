// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aced.dev/ace/internal/clock"
	"aced.dev/ace/internal/state"
)

func newTestSink(t *testing.T, bufferSize int) (*Sink, *clock.MockClock) {
	t.Helper()
	db, err := state.NewSQLiteStore(state.DefaultOptions(":memory:"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mc := clock.NewMock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s, err := NewSink(db, mc, nil, bufferSize)
	require.NoError(t, err)
	return s, mc
}

func TestSink_EmitAndDrain(t *testing.T) {
	s, _ := newTestSink(t, 16)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	s.Emit(Event{Category: CategorySession, Severity: SeverityInfo, Message: "granted"})
	s.Emit(Event{Category: CategoryBinding, Severity: SeverityWarn, Message: "conflict"})

	cancel()
	<-done

	events, err := s.List()
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestSink_DropsOldestWhenFull(t *testing.T) {
	s, _ := newTestSink(t, 2)

	s.Emit(Event{Message: "1"})
	s.Emit(Event{Message: "2"})
	s.Emit(Event{Message: "3"})

	assert.Equal(t, uint64(1), s.Dropped())
}
