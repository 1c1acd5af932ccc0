// Copyright (c) Uplinkd Authors
// SPDX-License-Identifier: BSD-3-Clause

package history

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndRecent(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Append(Record{
			Time:       base.Add(time.Duration(i) * time.Hour),
			Trigger:    "manual",
			OldAddress: fmt.Sprintf("203.0.113.%d", i),
			NewAddress: fmt.Sprintf("203.0.113.%d", i+1),
			Outcome:    "success",
		}))
	}

	recs, err := s.Recent(3)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	// Newest first.
	assert.Equal(t, "203.0.113.5", recs[0].NewAddress)
	assert.Equal(t, "203.0.113.4", recs[1].NewAddress)
	assert.Equal(t, "203.0.113.3", recs[2].NewAddress)
	assert.True(t, recs[0].Time.After(recs[1].Time))
}

func TestRecentMoreThanStored(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Append(Record{Trigger: "auto", Outcome: "failure", Error: "modem timeout"}))

	recs, err := s.Recent(50)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "failure", recs[0].Outcome)
	assert.Equal(t, "modem timeout", recs[0].Error)
}

func TestRecentEmpty(t *testing.T) {
	s := openTestStore(t)
	recs, err := s.Recent(10)
	require.NoError(t, err)
	assert.Empty(t, recs)

	recs, err = s.Recent(0)
	require.NoError(t, err)
	assert.Nil(t, recs)
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Append(Record{Trigger: "escalation", Outcome: "success"}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	recs, err := s.Recent(10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "escalation", recs[0].Trigger)
}
