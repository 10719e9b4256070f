package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"small-dns/pkg/allowlist"
	"small-dns/pkg/config"
	"small-dns/pkg/storage"

	"github.com/miekg/dns"
	"github.com/spf13/cobra"
)

func newCheckCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and print the allowlist",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			resolver, err := allowlist.NewFromConfig(cfg)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Configuration OK: %s\n", *configPath)
			fmt.Fprintf(out, "Listen: %s (workers %d, max packet %d bytes)\n",
				cfg.Server.ListenAddress, cfg.Server.Workers, cfg.Server.MaxPacketSize)
			if cfg.RateLimit.IsEnabled() {
				fmt.Fprintf(out, "Rate limit: %d requests per %s, block %s\n",
					cfg.RateLimit.Requests, cfg.RateLimit.Window, cfg.RateLimit.BlockDuration)
			} else {
				fmt.Fprintln(out, "Rate limit: disabled")
			}
			fmt.Fprintf(out, "Cache TTL: %s\n\n", cfg.Cache.TTL)

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "DOMAIN\tA")
			for _, e := range resolver.Entries() {
				fmt.Fprintf(tw, "%s\t%s\n", e.Domain, e.Addr)
			}
			return tw.Flush()
		},
	}
}

func newQueriesCommand(configPath *string) *cobra.Command {
	var (
		limit int
		since time.Duration
	)

	cmd := &cobra.Command{
		Use:   "queries",
		Short: "Show recent entries from the query log",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if !cfg.Storage.Enabled {
				return fmt.Errorf("query log is disabled (storage.enabled: false)")
			}

			store, err := storage.NewSQLiteStorage(&cfg.Storage, nil, nil)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			ctx := cmd.Context()

			rows, err := store.GetRecentQueries(ctx, limit, 0)
			if err != nil {
				return err
			}
			stats, err := store.GetStatistics(ctx, time.Now().Add(-since))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tCLIENT\tDOMAIN\tTYPE\tRCODE\tCACHED\tMS")
			for _, q := range rows {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%t\t%.3f\n",
					q.Timestamp.Local().Format(time.DateTime),
					q.ClientIP,
					q.Domain,
					q.QueryType,
					dns.RcodeToString[q.ResponseCode],
					q.Cached,
					q.ResponseTimeMs,
				)
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			fmt.Fprintf(out, "\nLast %s: %d queries, %d NXDOMAIN, %.1f%% from cache, %d clients\n",
				since, stats.TotalQueries, stats.NXDomainQueries, stats.CacheHitRate, stats.UniqueClients)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of entries to show")
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "Window for the summary line")
	return cmd
}
