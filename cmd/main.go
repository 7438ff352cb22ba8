// Command epidata queries the Delphi Epidata API through a local response
// cache, or serves the same engine as a gRPC proxy.
//
// Usage:
//
//	epidata query --signal hhs:confirmed_admissions_influenza_1d \
//	    --geo-type nation --geo-values '*' \
//	    --time-type day --time-values 20220401-20220430 --as-of 20220510
//	epidata serve [--metrics-addr :9090] [--no-middleware]
//
// The global flags are:
//
//	--config string
//	      path to a YAML config file; EPIDATA_* variables override it
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cmu-delphi/flusight-helper-snippets/internal/api"
	"github.com/cmu-delphi/flusight-helper-snippets/internal/cache"
	"github.com/cmu-delphi/flusight-helper-snippets/internal/config"
	"github.com/cmu-delphi/flusight-helper-snippets/internal/database"
	"github.com/cmu-delphi/flusight-helper-snippets/internal/epidata"
	"github.com/cmu-delphi/flusight-helper-snippets/internal/metrics"
	"github.com/cmu-delphi/flusight-helper-snippets/internal/planner"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// app carries what every subcommand needs once flags are parsed.
type app struct {
	cfg    *config.Config
	logger *logrus.Logger
}

func newRootCmd() *cobra.Command {
	var configPath string
	a := &app{}

	cmd := &cobra.Command{
		Use:           "epidata",
		Short:         "Query the Delphi Epidata API with local caching",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger, err := cfg.Logging.NewLogger()
			if err != nil {
				return err
			}
			logger.SetOutput(cmd.ErrOrStderr())
			a.cfg, a.logger = cfg, logger
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	cmd.AddCommand(newQueryCmd(a), newServeCmd(a))
	return cmd
}

// openContext builds an epidata.Context from configuration, including the
// configured cache backend.
func (a *app) openContext(m *metrics.Collector) (*epidata.Context, error) {
	persister, err := openPersister(a.cfg.Cache)
	if err != nil {
		return nil, err
	}

	c, err := epidata.New(epidata.Options{
		UseCache:    a.cfg.Cache.UseCache,
		CacheMaxAge: a.cfg.Cache.MaxAge,
		MaxEntries:  a.cfg.Cache.MaxEntries,
		Persister:   persister,
		BaseURL:     a.cfg.Client.BaseURL,
		APIKey:      a.cfg.Client.APIKey,
		Fetch: api.Config{
			MaxRetries:       a.cfg.Fetch.MaxRetries,
			RetryBackoffBase: a.cfg.Fetch.RetryBackoffBase,
			MaxPages:         a.cfg.Fetch.MaxPages,
			Timeout:          a.cfg.Client.Timeout,
			RateLimit:        a.cfg.Client.RateLimit,
			RateBurst:        a.cfg.Client.RateBurst,
		},
		Planner: planner.Config{
			MaxValuesPerCall: a.cfg.Planner.MaxValuesPerCall,
			MultiSignal:      a.cfg.Planner.MultiSignal,
		},
		MaxConcurrency: a.cfg.Client.MaxConcurrency,
		Logger:         a.logger,
		Metrics:        m,
	})
	if err != nil {
		if persister != nil {
			_ = persister.Close()
		}
		return nil, err
	}
	return c, nil
}

// openPersister returns nil for the in-memory backend or a disabled cache.
func openPersister(cfg config.CacheConfig) (cache.Persister, error) {
	if !cfg.UseCache {
		return nil, nil
	}
	switch cfg.Backend {
	case config.BackendBolt:
		p, err := cache.OpenBolt(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open cache file: %w", err)
		}
		return p, nil
	case config.BackendPostgres:
		p, err := database.NewPostgresPersister(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open cache database: %w", err)
		}
		return p, nil
	}
	return nil, nil
}
