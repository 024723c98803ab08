// Package app wires the configured components shared by the server and the CLI.
package app

import (
	"context"
	"fmt"
	"os"

	"github.com/koios/shotframe/internal/compositor"
	"github.com/koios/shotframe/internal/config"
	"github.com/koios/shotframe/internal/export"
	"github.com/koios/shotframe/internal/imageload"
	shotredis "github.com/koios/shotframe/internal/redis"
	"github.com/koios/shotframe/internal/remote"
	"github.com/koios/shotframe/pkg/models"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// App holds the long-lived components built from the configuration.
type App struct {
	Config  *config.Config
	Logger  *zap.Logger
	Catalog *models.DeviceCatalog
	Loader  *imageload.Loader
	Remote  *remote.Client
	Service *export.Service

	// Redis is nil unless REDIS_ENABLED is set.
	Redis *redis.Client
}

// NewLogger builds a production logger at the given level.
func NewLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", level, err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

// LoadCatalog returns the catalog at path, which may be a YAML file or a
// directory of them, or the built-in catalog when path is empty.
func LoadCatalog(path string) (*models.DeviceCatalog, error) {
	if path == "" {
		return models.DefaultCatalog(), nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open device catalog: %w", err)
	}
	if info.IsDir() {
		return models.LoadCatalogDir(path)
	}
	return models.LoadCatalog(path)
}

// New builds every component. ctx bounds background image fetches.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	catalog, err := LoadCatalog(cfg.Catalog.Path)
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:  cfg,
		Logger:  logger,
		Catalog: catalog,
	}

	loaderOpts := []imageload.Option{
		imageload.WithContext(ctx),
		imageload.WithMaxBytes(cfg.Images.MaxBytes),
	}
	if cfg.Catalog.FramesPath != "" {
		loaderOpts = append(loaderOpts, imageload.WithStaticDir(cfg.Catalog.FramesPath))
	}

	if cfg.Redis.Enabled {
		a.Redis = shotredis.NewRedis(cfg.Redis)
		if cfg.Images.CacheEnabled {
			cache := imageload.NewRedisCacheFromClient(a.Redis).WithScope("images")
			loaderOpts = append(loaderOpts, imageload.WithCache(cache, cfg.Images.CacheTTL))
		}
	}

	a.Loader = imageload.NewLoader(logger, loaderOpts...)
	a.Remote = remote.NewClient(cfg.Remote, remote.WithLogger(logger))

	fonts := compositor.NewFontBook(cfg.Images.FontsPath, logger)
	a.Service = export.NewService(catalog, a.Loader, a.Remote,
		export.WithServiceLogger(logger),
		export.WithFontBook(fonts),
		export.WithDefaultPolicy(export.PolicyFromConfig(cfg.Export)))

	logger.Info("Components initialized",
		zap.Int("devices", len(catalog.Devices())),
		zap.Strings("platforms", catalog.PlatformNames()),
		zap.Bool("redis", cfg.Redis.Enabled),
		zap.String("upload_base_url", cfg.Remote.UploadBaseURL),
		zap.String("api_base_url", cfg.Remote.APIBaseURL))
	return a, nil
}

// Close stops background exports and releases connections.
func (a *App) Close(ctx context.Context) error {
	err := a.Service.Shutdown(ctx)
	if a.Redis != nil {
		if cerr := a.Redis.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
