package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/transcode-orchestrator/internal/config"
	"github.com/cuongbtq/transcode-orchestrator/shared/logger"
	"github.com/cuongbtq/transcode-orchestrator/shared/objectstore"
	"github.com/cuongbtq/transcode-orchestrator/shared/ratelimit"
)

func TestInitObjectStores(t *testing.T) {
	tests := []struct {
		name       string
		cfg        config.StorageConfig
		wantErr    bool
		wantLocal    bool
		wantRemote   bool
		wantFallback bool
	}{
		{
			name:      "local backend",
			cfg:       config.StorageConfig{Backend: config.StorageBackendLocal, Local: config.LocalStorageConfig{BaseDir: t.TempDir()}},
			wantLocal: true,
		},
		{
			name:    "local backend without directory",
			cfg:     config.StorageConfig{Backend: config.StorageBackendLocal},
			wantErr: true,
		},
		{
			name: "s3 backend reading back from local",
			cfg: config.StorageConfig{
				Backend: config.StorageBackendS3,
				Local:   config.LocalStorageConfig{BaseDir: t.TempDir()},
				S3:      config.S3StorageConfig{Bucket: "videos", Region: "us-east-1", Endpoint: "http://localhost:9000", UsePathStyle: true},
			},
			wantLocal:    true,
			wantRemote:   true,
			wantFallback: true,
		},
		{
			name:    "s3 backend without bucket",
			cfg:     config.StorageConfig{Backend: config.StorageBackendS3, Local: config.LocalStorageConfig{BaseDir: t.TempDir()}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stores, err := InitObjectStores(context.Background(), &tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.NotNil(t, stores.Files)
			assert.Equal(t, tt.wantLocal, stores.Local != nil)
			assert.Equal(t, tt.wantRemote, stores.Remote != nil)
			_, fallback := stores.Files.(*objectstore.Fallback)
			assert.Equal(t, tt.wantFallback, fallback)
		})
	}
}

func TestInitRateLimiter(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		limiter, cleanup, err := InitRateLimiter(&config.Config{}, logger.NewNop())
		require.NoError(t, err)
		defer cleanup()

		assert.Nil(t, limiter)
	})

	t.Run("memory", func(t *testing.T) {
		cfg := &config.Config{RateLimit: config.RateLimitConfig{
			Enabled:  true,
			Backend:  config.RateLimitBackendMemory,
			Requests: 1,
			Window:   time.Minute,
		}}

		limiter, cleanup, err := InitRateLimiter(cfg, logger.NewNop())
		require.NoError(t, err)
		defer cleanup()

		require.IsType(t, &ratelimit.Memory{}, limiter)
		ok, err := limiter.Allow(context.Background(), "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = limiter.Allow(context.Background(), "10.0.0.1")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}
