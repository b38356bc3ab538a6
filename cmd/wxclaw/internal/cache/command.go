package cache

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sipeed/wxclaw/cmd/wxclaw/internal"
	"github.com/sipeed/wxclaw/pkg/media"
)

func NewCacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and clean the image cache",
		Example: `  wxclaw cache gc
  wxclaw cache gc --max-age 24h
  wxclaw cache lookup 3057020100044b30490201`,
	}

	cmd.AddCommand(newGCCommand(), newLookupCommand())
	return cmd
}

func newGCCommand() *cobra.Command {
	var maxAge time.Duration

	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Remove cached images older than the cache TTL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := internal.LoadConfig()
			if err != nil {
				return err
			}
			if maxAge <= 0 {
				maxAge = cfg.CacheTTL()
			}
			c, err := media.NewCache(cfg.ImageCacheDir())
			if err != nil {
				return err
			}
			removed, err := c.Sweep(maxAge)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Removed %d file(s) older than %s from %s\n", removed, maxAge, c.Dir())
			return nil
		},
	}

	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "Override media.cache_ttl_hours")
	return cmd
}

func newLookupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "lookup <aeskey>",
		Short: "Print the cached file for an image aeskey",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := internal.LoadConfig()
			if err != nil {
				return err
			}
			c, err := media.NewCache(cfg.ImageCacheDir())
			if err != nil {
				return err
			}
			path, ok := c.Lookup(args[0])
			if !ok {
				return fmt.Errorf("no cached image for %s", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
}
