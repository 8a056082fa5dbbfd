package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"procurement-kb/backend/go/internal/config"
	"procurement-kb/backend/go/internal/database/sqldb"
	"procurement-kb/backend/go/pkg/logger"

	"github.com/spf13/cobra"
)

// rootOptions 保存全局 flag 的取值。每次构建命令树都会得到一份新的，
// 同一进程内多次执行之间不会互相影响。
type rootOptions struct {
	cfgFile  string
	envFile  string
	logLevel string
}

// newRootCmd 构建完整的命令树。
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "kb_maintenance",
		Short:         "Maintenance tasks for the procurement knowledge base",
		Long:          `Runs schema migration, document ingestion, vector-index synchronisation and legal-norm cache upkeep against the configured database.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "YAML config file (defaults plus environment when empty)")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file read before the environment overlay; missing is fine")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override logger.level (debug, info, warn, error)")

	cmd.AddCommand(
		newMigrateCmd(opts),
		newIngestCmd(opts),
		newDeleteDocumentCmd(opts),
		newSyncCmd(opts),
		newNormCmd(opts),
	)
	return cmd
}

// Execute 运行根命令，出错时以非零状态码退出。
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "kb_maintenance: %s\n", err)
		stop()
		os.Exit(1)
	}
}

// app 保存一次命令执行所需的共享依赖。
type app struct {
	cfg    *config.AppConfig
	engine *sqldb.Engine
	log    *logger.Logger
}

// setup 依次加载 .env、配置文件和环境变量，初始化日志并打开数据库引擎单例。
func setup(opts *rootOptions, component string) (*app, error) {
	if err := config.LoadDotEnv(opts.envFile); err != nil {
		return nil, err
	}
	cfg, err := config.LoadConfig(opts.cfgFile)
	if err != nil {
		return nil, err
	}
	if opts.logLevel != "" {
		cfg.Logger.Level = opts.logLevel
	}
	logger.Init(logger.ParseLevel(cfg.Logger.Level))
	log := logger.New(component)

	engineOpts := sqldb.OptionsFromConfig(cfg.Database)
	engineOpts.Logger = logger.New("sqldb")
	engine, err := sqldb.GetEngine(engineOpts)
	if err != nil {
		return nil, err
	}
	log.WithField("database", sqldb.MaskURL(cfg.Database.URL)).Debug("engine ready")
	return &app{cfg: cfg, engine: engine, log: log}, nil
}

// close 释放引擎单例。
func (a *app) close() {
	if err := sqldb.Dispose(); err != nil {
		a.log.WithErr(err).Warn("dispose engine failed")
	}
}
