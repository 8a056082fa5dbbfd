package main

import (
	"encoding/json"
	"fmt"

	"procurement-kb/backend/go/internal/kb/dal"
	"procurement-kb/backend/go/internal/kb/normcache"
	"procurement-kb/backend/go/internal/lexml"

	"github.com/spf13/cobra"
)

func newNormCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "norm",
		Short: "Inspect and refresh the legal-norm cache",
	}
	cmd.AddCommand(newNormLookupCmd(opts), newNormRefreshStaleCmd(opts))
	return cmd
}

func newNormLookupCmd(opts *rootOptions) *cobra.Command {
	var refreshMode string
	cmd := &cobra.Command{
		Use:   "lookup [urn]",
		Short: "Resolve a legal norm through the cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := parseRefresh(refreshMode)
			if err != nil {
				return err
			}
			a, resolver, err := newResolver(opts, "norm-lookup")
			if err != nil {
				return err
			}
			defer a.close()
			defer resolver.Wait()

			res, err := resolver.Resolve(cmd.Context(), args[0], normcache.ResolveOptions{Refresh: mode})
			if err != nil {
				return err
			}
			out := map[string]interface{}{
				"urn":              res.Norm.NormURN,
				"label":            res.Norm.NormLabel,
				"sphere":           res.Norm.Sphere,
				"status":           res.Norm.Status,
				"last_verified_at": res.Norm.LastVerifiedAt,
				"fresh":            res.Fresh,
				"refreshed":        res.Refreshed,
			}
			if res.RefreshErr != nil {
				out["refresh_error"] = res.RefreshErr.Error()
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().StringVar(&refreshMode, "refresh", "sync", "what to do with stale or missing entries: never, sync, background")
	return cmd
}

func newNormRefreshStaleCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh-stale",
		Short: "Re-verify every cache entry older than the TTL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, resolver, err := newResolver(opts, "norm-refresh")
			if err != nil {
				return err
			}
			defer a.close()

			refreshed, failed, err := resolver.RefreshStale(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "refreshed=%d failed=%d\n", refreshed, len(failed))
			for _, urn := range failed {
				fmt.Fprintln(cmd.OutOrStdout(), "failed:", urn)
			}
			return nil
		},
	}
}

// newResolver 组装 LexML 数据源、法规缓存和解析器。
func newResolver(opts *rootOptions, component string) (*app, *normcache.Resolver, error) {
	a, err := setup(opts, component)
	if err != nil {
		return nil, nil, err
	}
	source, err := lexml.NewSource(a.cfg.LegalNorms, a.cfg.CircuitBreaker)
	if err != nil {
		a.close()
		return nil, nil, err
	}
	cache := dal.NewNormCache(a.cfg.LegalNorms.TTL())
	return a, normcache.NewResolver(a.engine, cache, source), nil
}

// parseRefresh 把 --refresh 的取值转换成刷新策略，空串等同于 sync。
func parseRefresh(s string) (normcache.Refresh, error) {
	switch s {
	case "never":
		return normcache.RefreshNever, nil
	case "sync", "":
		return normcache.RefreshSync, nil
	case "background":
		return normcache.RefreshBackground, nil
	default:
		return 0, fmt.Errorf("unknown refresh mode %q (never, sync, background)", s)
	}
}
