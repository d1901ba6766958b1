package cli

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"text/tabwriter"
	"time"

	assetcache "github.com/always-cache/asset-cache"
	"github.com/always-cache/asset-cache/restaurants"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newRestaurantsCommand(opts *options) *cobra.Command {
	var (
		cuisine      string
		neighborhood string
		timeout      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "restaurants",
		Short: "List restaurants, fetched through the cache",
		Long: `List restaurants, fetched through the cache.

The data is requested through the configured version, so it is served
from the cache when the origin is unreachable.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			scope, err := cfg.OriginURL()
			if err != nil {
				return err
			}
			storage, err := cfg.Storage.Open()
			if err != nil {
				return err
			}
			defer storage.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			reg := assetcache.NewRegistration(storage, http.DefaultTransport, &log.Logger)
			if err := startWorker(ctx, reg, cfg, storage); err != nil {
				log.Warn().Err(err).Msg("Fetching without cache")
			}

			client := &restaurants.Client{
				HTTPClient: &http.Client{Transport: reg},
				URL:        scope.ResolveReference(&url.URL{Path: "data/restaurants.json"}).String(),
			}
			result := client.Fetch(ctx).Wait(ctx)
			if result.Err != nil {
				return result.Err
			}
			list := restaurants.ByCuisineAndNeighborhood(result.Restaurants, cuisine, neighborhood)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tNEIGHBORHOOD\tCUISINE\tPAGE\tIMAGE")
			for _, r := range list {
				src, _ := restaurants.ImageURLs(r)
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.Name, r.Neighborhood, r.CuisineType, restaurants.URLFor(r), src)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&cuisine, "cuisine", restaurants.All, "only list this cuisine")
	cmd.Flags().StringVar(&neighborhood, "neighborhood", restaurants.All, "only list this neighborhood")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "give up after this long")
	return cmd
}
