package log

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsyncFileWriterFlushesQueuedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "commit.log")

	w := NewAsyncFileWriter(path, 100, 1, 1)
	w.Start()
	_, err := w.Write([]byte("delta 1 committed\n"))
	require.NoError(t, err)
	_, err = w.Write([]byte("delta 2 committed\n"))
	require.NoError(t, err)
	w.Stop()

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "delta 1 committed\ndelta 2 committed\n", string(content))
}

func TestAsyncFileWriterRejectsWritesAfterStop(t *testing.T) {
	dir := t.TempDir()
	w := NewAsyncFileWriter(filepath.Join(dir, "commit.log"), 100, 1, 1)
	w.Start()
	w.Stop()

	_, err := w.Write([]byte("too late\n"))
	assert.ErrorIs(t, err, os.ErrClosed)
}

func TestAsyncFileWriterRotatesBySize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "commit.log")

	w := NewAsyncFileWriter(path, 1, 3, 1)
	w.Start()

	line := make([]byte, 64*1024)
	for i := range line {
		line[i] = 'x'
	}
	// 1MB of rotation threshold / 64KB lines: this crosses it well before
	// the loop ends, exercising rotateLocked at least once.
	for i := 0; i < 20; i++ {
		_, err := w.Write(line)
		require.NoError(t, err)
	}
	w.Stop()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(entries), 2, "expected the current log plus at least one rotated backup")
}

func TestNextRotationHourWrapsAtMidnight(t *testing.T) {
	cases := map[string]struct {
		now      time.Time
		deltaHrs uint
		want     int
	}{
		"same day, three hours ahead": {
			now:      time.Date(2021, time.March, 4, 9, 10, 0, 0, time.UTC),
			deltaHrs: 3,
			want:     12,
		},
		"one hour before midnight wraps to zero": {
			now:      time.Date(2021, time.March, 4, 23, 50, 0, 0, time.UTC),
			deltaHrs: 1,
			want:     0,
		},
		"two hours past ten pm wraps past midnight": {
			now:      time.Date(2021, time.March, 4, 22, 40, 0, 0, time.UTC),
			deltaHrs: 2,
			want:     0,
		},
		"midnight plus one hour": {
			now:      time.Date(2021, time.March, 4, 0, 0, 0, 0, time.UTC),
			deltaHrs: 1,
			want:     1,
		},
	}

	for name, tc := range cases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			got := getNextRotationHour(tc.now, tc.deltaHrs)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestExpiredBackupIsOldestBeyondRetention(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "commit.log")
	w := NewAsyncFileWriter(base, 100, 2, 1)

	stamp := time.Date(2022, time.June, 1, 12, 0, 0, 0, time.UTC)
	var names []string
	for i := 0; i < 6; i++ {
		name := base + "." + stamp.Format(backupTimeFormat)
		require.NoError(t, os.WriteFile(name, []byte("backup"), 0644))
		names = append(names, name)
		stamp = stamp.Add(-time.Hour)
	}
	oldest := names[len(names)-1]

	victim := w.getExpiredFile(base, w.maxBackups, w.rotateHours)
	assert.Equal(t, oldest, victim)

	w.removeExpiredFile()
	_, err := os.Stat(oldest)
	assert.True(t, os.IsNotExist(err))

	remaining, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, remaining, w.maxBackups)
}

func TestExpiredBackupEmptyWhenWithinRetention(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "commit.log")
	w := NewAsyncFileWriter(base, 100, 5, 1)

	stamp := time.Now()
	for i := 0; i < 3; i++ {
		name := base + "." + stamp.Format(backupTimeFormat)
		require.NoError(t, os.WriteFile(name, []byte("backup"), 0644))
		stamp = stamp.Add(-time.Hour)
	}

	assert.Empty(t, w.getExpiredFile(base, w.maxBackups, w.rotateHours))
}
