package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"procurement-kb/backend/go/internal/config"
	kbredis "procurement-kb/backend/go/internal/database/redis"
	"procurement-kb/backend/go/internal/embedding"
	"procurement-kb/backend/go/internal/kb/dal"
	"procurement-kb/backend/go/internal/kb/embedsync"
	"procurement-kb/backend/go/pkg/ratelimiter"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// syncOptions 是 sync-embeddings 的 flag 取值。
type syncOptions struct {
	dryRun     bool
	batchLimit int
	batchSet   bool
}

func newSyncCmd(opts *rootOptions) *cobra.Command {
	so := &syncOptions{}
	cmd := &cobra.Command{
		Use:   "sync-embeddings",
		Short: "Embed every fragment the vector index does not have yet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(opts, "sync-embeddings")
			if err != nil {
				return err
			}
			defer a.close()
			ctx := cmd.Context()

			so.batchSet = cmd.Flags().Changed("batch-limit")
			s, closeAll, err := newSynchronizer(ctx, a, so)
			if err != nil {
				return err
			}
			defer closeAll()

			if so.dryRun {
				pending, err := s.Pending(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d fragments pending\n", len(pending))
				for _, id := range pending {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return nil
			}

			report, err := s.Run(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scanned=%d already=%d embedded=%d failed=%d deferred=%d in %s\n",
				report.Scanned, report.AlreadyEmbedded, report.Embedded, report.Failed, report.Deferred, report.Duration.Round(time.Millisecond))
			if report.Failed > 0 {
				return fmt.Errorf("%d fragments failed: %s", report.Failed, strings.Join(report.FailedIDs, ", "))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&so.dryRun, "dry-run", false, "only list pending fragments")
	cmd.Flags().IntVar(&so.batchLimit, "batch-limit", 0, "embed at most N pending fragments (overrides sync.batchLimit)")
	return cmd
}

// newSynchronizer 组装向量索引、嵌入模型、限流器和可选的运行锁。
// 所有客户端建好之后，数据库、索引和 Redis 的健康检查并发执行。
func newSynchronizer(ctx context.Context, a *app, so *syncOptions) (*embedsync.Synchronizer, func(), error) {
	cfg := a.cfg
	index, err := openIndex(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	closers := []func() error{index.close}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				a.log.WithErr(err).Warn("close failed")
			}
		}
	}

	opts := []embedsync.Option{}
	if cfg.Sync.RatePerSecond > 0 {
		opts = append(opts, embedsync.WithRateLimiter(ratelimiter.New(cfg.Sync.RatePerSecond, cfg.Sync.Burst)))
	}
	limit := cfg.Sync.BatchLimit
	if so.batchSet {
		limit = so.batchLimit
	}
	opts = append(opts, embedsync.WithBatchLimit(limit))

	checks := []func(context.Context) error{a.engine.HealthCheck, index.health}
	if cfg.Sync.UseLock && !so.dryRun {
		rdb, err := kbredis.GetClient(ctx, &cfg.Databases.Redis)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, kbredis.Close)
		checks = append(checks, kbredis.HealthCheck)
		ttl := config.ParseDurationOr(cfg.Sync.LockTTL, 30*time.Minute)
		opts = append(opts, embedsync.WithRunLock(embedsync.NewRedisLock(rdb, embedsync.DefaultLockKey, ttl)))
	}

	// closeAll 只能在 g.Wait 返回之后调用，检查中的客户端不能被提前关闭
	g, gctx := errgroup.WithContext(ctx)
	for _, check := range checks {
		g.Go(func() error { return check(gctx) })
	}
	if err := g.Wait(); err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("pre-flight check: %w", err)
	}

	embedder, err := embedding.New(cfg.Embedding, cfg.CircuitBreaker)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	if c, ok := embedder.(interface{ Close() error }); ok {
		closers = append(closers, c.Close)
	}

	s := embedsync.New(a.engine, dal.NewContentStore(), index, embedder, opts...)
	return s, closeAll, nil
}
