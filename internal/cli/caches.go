package cli

import (
	"fmt"
	"text/tabwriter"

	cachename "github.com/always-cache/asset-cache/pkg/cache-name"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newCachesCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "caches",
		Short: "Inspect and manage the stored caches",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List caches with their entry counts",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := opts.loadConfig()
				if err != nil {
					return err
				}
				storage, err := cfg.Storage.Open()
				if err != nil {
					return err
				}
				defer storage.Close()
				names, err := storage.Keys()
				if err != nil {
					return err
				}
				prefix := cfg.CachePrefix
				if prefix == "" {
					prefix = cachename.DefaultPrefix(cfg.CacheName)
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "NAME\tENTRIES\tSTATUS")
				for _, name := range names {
					c, err := storage.Open(name)
					if err != nil {
						return err
					}
					keys, err := c.Keys()
					if err != nil {
						return err
					}
					status := ""
					if name == cfg.CacheName {
						status = "current"
					} else if cachename.IsStale(prefix, cfg.CacheName, name) {
						status = "stale"
					}
					fmt.Fprintf(w, "%s\t%d\t%s\n", name, len(keys), status)
				}
				return w.Flush()
			},
		},
		&cobra.Command{
			Use:   "delete NAME",
			Short: "Delete a cache",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := opts.loadConfig()
				if err != nil {
					return err
				}
				storage, err := cfg.Storage.Open()
				if err != nil {
					return err
				}
				defer storage.Close()
				deleted, err := storage.Delete(args[0])
				if err != nil {
					return err
				}
				if !deleted {
					return fmt.Errorf("no cache named %q", args[0])
				}
				log.Info().Str("cache", args[0]).Msg("Deleted cache")
				return nil
			},
		},
		&cobra.Command{
			Use:   "prune",
			Short: "Delete the caches of older versions, as activation does",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := opts.loadConfig()
				if err != nil {
					return err
				}
				storage, err := cfg.Storage.Open()
				if err != nil {
					return err
				}
				defer storage.Close()
				m, err := newManager(cfg, storage)
				if err != nil {
					return err
				}
				names, err := storage.Keys()
				if err != nil {
					return err
				}
				for _, name := range cachename.Stale(m.Prefix(), m.CacheName(), names) {
					if _, err := storage.Delete(name); err != nil {
						return fmt.Errorf("delete %s: %w", name, err)
					}
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
				return nil
			},
		},
	)
	return cmd
}
