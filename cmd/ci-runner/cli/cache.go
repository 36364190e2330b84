package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/davarch/ci-runner/internal/infrastructure/cache_fs"
	"github.com/davarch/ci-runner/internal/infrastructure/config"
	"github.com/davarch/ci-runner/internal/infrastructure/logging"
	"github.com/spf13/cobra"
)

var (
	cacheJSON       bool
	cachePruneAll   bool
	cachePruneQuota int64
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and evict the dependency cache",
}

var cacheLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List cache entries, most recently used first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		entries, err := cache_fs.New(cfg.Cache.Path, cfg.Cache.Quota, logging.New()).List()
		if err != nil {
			return err
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].LastUsedAt.After(entries[j].LastUsedAt) })

		if cacheJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(entries)
		}

		var total int64
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "KEY\tSIZE\tLAST USED")
		for _, e := range entries {
			total += e.Size
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", e.Key, humanBytes(e.Size), e.LastUsedAt.Local().Format(time.DateTime))
		}
		_ = w.Flush()
		fmt.Printf("%d entries, %s of %s quota\n", len(entries), humanBytes(total), humanBytes(cfg.Cache.Quota))
		return nil
	},
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Evict least recently used entries until the cache fits its quota",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		quota := cfg.Cache.Quota
		switch {
		case cachePruneAll:
			quota = 0
		case cachePruneQuota > 0:
			quota = cachePruneQuota
		}

		evicted, err := cache_fs.New(cfg.Cache.Path, cfg.Cache.Quota, logging.New()).Prune(cmd.Context(), quota)
		var freed int64
		for _, e := range evicted {
			freed += e.Size
			fmt.Printf("evicted %s (%s)\n", e.Key, humanBytes(e.Size))
		}
		fmt.Printf("%d entries evicted, %s freed\n", len(evicted), humanBytes(freed))
		return err
	},
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func init() {
	cacheLsCmd.Flags().BoolVar(&cacheJSON, "json", false, "print JSON")
	cachePruneCmd.Flags().BoolVar(&cachePruneAll, "all", false, "evict every entry not in use")
	cachePruneCmd.Flags().Int64Var(&cachePruneQuota, "quota", 0, "target size in bytes (default cache.quota)")

	cachePruneCmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		if cachePruneAll && cachePruneQuota > 0 {
			return fmt.Errorf("flags --all and --quota are mutually exclusive")
		}
		return nil
	}

	cacheCmd.AddCommand(cacheLsCmd, cachePruneCmd)
	rootCmd.AddCommand(cacheCmd)
}
