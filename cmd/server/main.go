package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/coreledger/approvalflow/internal/config"
	"github.com/coreledger/approvalflow/internal/domain/approval"
	"github.com/coreledger/approvalflow/internal/export"
	httpadapter "github.com/coreledger/approvalflow/internal/interfaces/http"
	"github.com/coreledger/approvalflow/internal/repository"
	"github.com/coreledger/approvalflow/internal/service"
	"github.com/coreledger/approvalflow/pkg/database"
	"github.com/coreledger/approvalflow/pkg/logging"
)

func main() {
	// Load configuration
	cfg, err := config.Load("configs/config.yaml")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := logging.New(logging.Config{
		Level:      cfg.Logger.Level,
		OutputPath: cfg.Logger.OutputPath,
		Format:     cfg.Logger.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting approval workflow engine",
		zap.String("version", "1.0.0"),
		zap.Int("port", cfg.Server.Port))

	// Initialize database
	db, err := database.New(database.Config{
		Path:            cfg.Database.Path,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer db.Close()

	// Run migrations
	migrator := database.NewMigrator(db, logger)
	if err := migrator.RunMigrations(cfg.Database.MigrationsDir); err != nil {
		logger.Fatal("Failed to run database migrations", zap.Error(err))
	}

	// Initialize repositories
	rules := repository.NewRuleRepository(db, logger)
	workflows := repository.NewWorkflowRepository(db, logger)
	requests := repository.NewRequestRepository(db, logger)
	steps := repository.NewStepRepository(db, logger)
	audit := repository.NewAuditRepository(db, logger)
	members := repository.NewMembershipRepository(db, logger)

	// Initialize services
	matcher := service.NewRuleMatcher(rules, workflows, logger)
	planner := service.NewStepPlanner(members, logger)
	approvals := service.NewApprovalService(db, matcher, planner, requests, steps, audit, logger)
	admin := service.NewAdminService(rules, workflows, members,
		approval.RejectPolicy(cfg.Workflow.DefaultRejectPolicy), logger)
	exporter := export.NewTrailExporter(logger)

	// Initialize HTTP server
	server := httpadapter.NewServer(httpadapter.ServerConfig{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, approvals, admin, exporter, logger)

	// Run until interrupted
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Start(ctx); err != nil {
		logger.Fatal("HTTP server failed", zap.Error(err))
	}

	logger.Info("Server exited successfully")
}
