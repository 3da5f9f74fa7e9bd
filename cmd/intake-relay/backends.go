package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vango-go/intake-relay/pkg/gateway/config"
	gatewayserver "github.com/vango-go/intake-relay/pkg/gateway/server"
	"github.com/vango-go/intake-relay/pkg/intake/checklist"
	"github.com/vango-go/intake-relay/pkg/intake/media"
	"github.com/vango-go/intake-relay/pkg/intake/store"
)

// openBackends connects the appointment store, checklist store and media
// driver named by cfg. The returned close func releases whatever was opened.
func openBackends(ctx context.Context, cfg config.Config, logger *slog.Logger) (gatewayserver.Backends, func() error, error) {
	var b gatewayserver.Backends
	var closers []func() error
	closeAll := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		return errors.Join(errs...)
	}

	if cfg.DatabaseURL != "" {
		pg, err := store.OpenPostgres(ctx, cfg.DatabaseURL, store.DefaultRetryPolicy)
		if err != nil {
			return b, nil, fmt.Errorf("open postgres: %w", err)
		}
		closers = append(closers, pg.Close)
		if cfg.DBMigrate {
			if err := store.Migrate(ctx, pg.Pool(), logger); err != nil {
				_ = closeAll()
				return b, nil, fmt.Errorf("migrate: %w", err)
			}
		}
		b.Store = pg
		logger.Info("appointment store ready", "driver", "postgres", "migrated", cfg.DBMigrate)
	} else {
		mem := store.NewMemory()
		closers = append(closers, mem.Close)
		b.Store = mem
		logger.Warn("DATABASE_URL not set; appointments are kept in memory")
	}

	if cfg.RedisURL != "" {
		rs, err := checklist.OpenRedis(ctx, cfg.RedisURL, cfg.ChecklistTTL)
		if err != nil {
			_ = closeAll()
			return b, nil, fmt.Errorf("open redis: %w", err)
		}
		closers = append(closers, rs.Close)
		b.Checklist = rs
		logger.Info("checklist store ready", "driver", "redis")
	} else {
		ms := checklist.NewMemoryStore(cfg.ChecklistTTL)
		closers = append(closers, ms.Close)
		b.Checklist = ms
	}

	switch cfg.MediaDriver {
	case config.MediaDriverS3:
		s3, err := media.NewS3(media.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretKey,
			UsePathStyle:    cfg.S3PathStyle,
			PublicBaseURL:   cfg.MediaURL,
		})
		if err != nil {
			_ = closeAll()
			return b, nil, fmt.Errorf("open s3 media: %w", err)
		}
		b.Media = s3
		logger.Info("media storage ready", "driver", "s3", "bucket", cfg.S3Bucket)
	default:
		local, err := media.NewLocal(cfg.MediaDir, cfg.MediaURL)
		if err != nil {
			_ = closeAll()
			return b, nil, fmt.Errorf("open local media: %w", err)
		}
		b.Media = local
		logger.Info("media storage ready", "driver", "local", "dir", cfg.MediaDir)
	}

	return b, closeAll, nil
}
