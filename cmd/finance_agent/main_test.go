package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/financial-analyzer/internal/config"
	"github.com/jonathan/financial-analyzer/internal/storage"
)

// withConfig installs c as the process configuration for one test.
func withConfig(t *testing.T, c *config.Config) {
	t.Helper()
	prev := cfg
	cfg = c
	t.Cleanup(func() { cfg = prev })
}

func testConfig() *config.Config {
	return &config.Config{
		Queue: config.QueueConfig{
			Backend:       config.QueueBackendRedis,
			RedisURL:      "redis://localhost:6379/0",
			Name:          "analysis",
			Concurrency:   2,
			PollInterval:  time.Second,
			MaxAttempts:   5,
			RateLimitBase: time.Minute,
			FailureBase:   30 * time.Second,
			SoftLimit:     900 * time.Second,
			HardLimit:     960 * time.Second,
		},
	}
}

func TestRootCommands(t *testing.T) {
	var names []string
	for _, c := range rootCmd.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"serve", "worker", "migrate", "export", "sweep", "analyze", "dlq"} {
		assert.Contains(t, names, want)
	}
}

func TestServeFlags(t *testing.T) {
	assert.NotNil(t, serveCmd.Flags().Lookup("with-worker"))
	assert.NotNil(t, serveCmd.Flags().Lookup("port"))
	assert.NotNil(t, exportCmd.Flags().Lookup("since"))
}

func TestSetup_InvalidConfig(t *testing.T) {
	t.Setenv("QUEUE_BACKEND", "kafka")
	withConfig(t, nil)

	err := setup(rootCmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "QUEUE_BACKEND")
	assert.Nil(t, cfg)
}

func TestRetryPolicyAndLimits(t *testing.T) {
	withConfig(t, testConfig())

	p := retryPolicy()
	assert.Equal(t, 5, p.MaxAttempts)
	assert.True(t, p.CanRetry(4))
	assert.False(t, p.CanRetry(5))

	l := taskLimits()
	assert.Equal(t, 900*time.Second, l.Soft)
	assert.Equal(t, 960*time.Second, l.Hard)
}

func TestOpenUploads_Local(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "uploads")
	uploads, err := openUploads(context.Background(), config.StorageConfig{
		Backend: config.StorageBackendLocal,
		Dir:     dir,
	})
	require.NoError(t, err)
	assert.IsType(t, &storage.Local{}, uploads)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestOpenQueue_RiverNeedsDatabase(t *testing.T) {
	c := testConfig()
	c.Queue.Backend = config.QueueBackendRiver
	withConfig(t, c)

	_, err := openQueue(nil, nil)
	assert.ErrorIs(t, err, errRiverNeedsDatabase)
}

func TestOpenQueue_RedisEnqueueOnly(t *testing.T) {
	withConfig(t, testConfig())

	qb, err := openQueue(nil, nil)
	require.NoError(t, err)
	defer qb.close()

	assert.NotNil(t, qb.enqueuer)
	assert.NotNil(t, qb.broker)
	assert.NotNil(t, qb.pinger())
	assert.Nil(t, qb.consumer)
}

func TestOpenQueue_BadRedisURL(t *testing.T) {
	c := testConfig()
	c.Queue.RedisURL = "not a url"
	withConfig(t, c)

	_, err := openQueue(nil, nil)
	assert.Error(t, err)
}

func TestSweepLoop_StopsOnCancel(t *testing.T) {
	uploads, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sweepLoop(ctx, uploads, time.Millisecond, time.Hour) }()

	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweep loop did not stop")
	}
}

func TestAnalyze_RejectsNonPDF(t *testing.T) {
	withConfig(t, testConfig())
	analyzeCmd.SetContext(context.Background())

	err := runAnalyze(analyzeCmd, []string{"notes.txt"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a PDF")
}

func TestDLQ_RequiresRedis(t *testing.T) {
	c := testConfig()
	c.Queue.Backend = config.QueueBackendRiver
	withConfig(t, c)

	err := dlqCmd.RunE(dlqCmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "QUEUE_BACKEND=redis")
}
