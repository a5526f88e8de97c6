package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/spf13/cobra"

	"records-backend/internal/activity"
	"records-backend/internal/admin"
	"records-backend/internal/auth"
	"records-backend/internal/authz"
	"records-backend/internal/engine"
	"records-backend/internal/store"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, s, reg, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := store.NewMigrator(s).MigrateAll(ctx, reg); err != nil {
		return fmt.Errorf("migrate tables: %w", err)
	}

	var perms engine.PermissionEvaluator = authz.OpenAccess{}
	var policies admin.PolicyLoader
	if cfg.Auth.Enabled {
		evaluator, err := authz.New(reg.Permissions(), cfg.Engine.AdminRole)
		if err != nil {
			return fmt.Errorf("load permissions: %w", err)
		}
		perms, policies = evaluator, evaluator
	} else {
		log.Println("WARN: auth disabled, every request has full access")
	}

	var sink activity.Sink = activity.Noop{}
	if cfg.Activity.Enabled {
		buf, err := activity.NewBuffer(s.DB, s.Dialect, cfg.Activity.BufferSize, cfg.Activity.FlushInterval(), cfg.Activity.Workers)
		if err != nil {
			return fmt.Errorf("start activity buffer: %w", err)
		}
		defer buf.Stop()
		sink = buf
	}

	eng := engine.New(s, reg, sink, engine.OptionsFromConfig(cfg.Engine))

	app := fiber.New(fiber.Config{
		ErrorHandler: engine.ErrorHandler,
	})
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))
	app.Use(logger.New(logger.Config{
		Format: "${time} ${status} ${method} ${path} ${latency}\n",
	}))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	var recordMW, adminMW []fiber.Handler
	if cfg.Auth.Enabled {
		authMW := auth.AuthMiddleware(cfg.Auth.JWTSecret)
		recordMW = []fiber.Handler{authMW}
		adminMW = []fiber.Handler{authMW, admin.RequireRole(cfg.Engine.AdminRole)}
	}
	admin.RegisterAdminRoutes(app, admin.NewHandler(s, reg, policies), adminMW...)
	engine.RegisterRecordRoutes(app, engine.NewHandler(eng, perms), recordMW...)

	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		log.Printf("Starting server on %s", addr)
		errCh <- app.Listen(addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Println("Shutting down")
	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		log.Printf("WARN: shutdown: %v", err)
	}
	return nil
}
