package main

import (
	"context"
	"os"
	"strings"
	"sync"

	"github.com/koios/shotframe/internal/app"
	"github.com/koios/shotframe/internal/config"
	"github.com/koios/shotframe/internal/handlers"
	"github.com/koios/shotframe/pkg/models"
	"go.uber.org/zap"
)

// commandContext lazily builds the pieces a command needs. Listing devices
// never touches the network or the environment beyond the catalog.
type commandContext struct {
	catalogFlag  *string
	logLevelFlag *string

	configOnce sync.Once
	config     *config.Config
	logger     *zap.Logger
	configErr  error

	appOnce sync.Once
	app     *app.App
	appErr  error
}

func newCommandContext(catalogFlag, logLevelFlag *string) *commandContext {
	return &commandContext{
		catalogFlag:  catalogFlag,
		logLevelFlag: logLevelFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, *zap.Logger, error) {
	c.configOnce.Do(func() {
		// The CLI is quiet unless asked otherwise.
		if _, set := os.LookupEnv("LOG_LEVEL"); !set {
			os.Setenv("LOG_LEVEL", "warn")
		}
		cfg, err := config.Load()
		if err != nil {
			c.configErr = err
			return
		}
		if c.catalogFlag != nil && strings.TrimSpace(*c.catalogFlag) != "" {
			cfg.Catalog.Path = strings.TrimSpace(*c.catalogFlag)
		}
		if c.logLevelFlag != nil && strings.TrimSpace(*c.logLevelFlag) != "" {
			cfg.LogLevel = strings.TrimSpace(*c.logLevelFlag)
		}
		logger, err := app.NewLogger(cfg.LogLevel)
		if err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.logger = logger
	})
	return c.config, c.logger, c.configErr
}

func (c *commandContext) catalog() (*models.DeviceCatalog, error) {
	path := ""
	if c.catalogFlag != nil {
		path = strings.TrimSpace(*c.catalogFlag)
	}
	if path == "" {
		path = os.Getenv("CATALOG_PATH")
	}
	return app.LoadCatalog(path)
}

func (c *commandContext) ensureApp(ctx context.Context) (*app.App, error) {
	c.appOnce.Do(func() {
		cfg, logger, err := c.ensureConfig()
		if err != nil {
			c.appErr = err
			return
		}
		c.app, c.appErr = app.New(context.WithoutCancel(ctx), cfg, logger)
	})
	return c.app, c.appErr
}

// validator accepts local file paths, unlike the HTTP API.
func (c *commandContext) validator(catalog *models.DeviceCatalog) *handlers.Validator {
	logger := zap.NewNop()
	if c.logger != nil {
		logger = c.logger
	}
	return handlers.NewValidator(catalog, true, logger)
}

func (c *commandContext) close(ctx context.Context) error {
	if c.app == nil {
		return nil
	}
	if c.logger != nil {
		defer c.logger.Sync()
	}
	return c.app.Close(context.WithoutCancel(ctx))
}
