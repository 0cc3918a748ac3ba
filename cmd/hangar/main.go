package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sethcottle/hangar"
	"github.com/sethcottle/hangar/internal/config"
	"github.com/sethcottle/hangar/internal/output"
	"github.com/sethcottle/hangar/internal/source"
)

var (
	configPath   string
	cfg          *config.Config
	outputFormat string
	userKey      string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "hangar",
		Short: "Local feed cache and live sync for Bluesky timelines",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig()
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path, .yaml or .toml (default: ./config/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "format", "f", "json", "output format: json, text, human (default: json)")
	rootCmd.PersistentFlags().StringVarP(&userKey, "user", "u", "", "account the cache belongs to (default: user from config)")

	rootCmd.AddCommand(feedCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(moreCmd())
	rootCmd.AddCommand(pollCmd())
	rootCmd.AddCommand(profileCmd())
	rootCmd.AddCommand(imagesCmd())
	rootCmd.AddCommand(cleanupCmd())
	rootCmd.AddCommand(daemonCmd())
	rootCmd.AddCommand(initConfigCmd())
	return rootCmd
}

func loadConfig() error {
	if configPath == "" {
		configPath = config.DefaultPath
	}
	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg = loaded
	return nil
}

func engineConfig() hangar.EngineConfig {
	user := userKey
	if user == "" {
		user = cfg.User
	}
	return hangar.EngineConfig{
		DataDir:             cfg.DataDir,
		UserKey:             user,
		ImageMemoryCapacity: cfg.Cache.ImageMemoryCapacity,
		ImageMaxDiskBytes:   cfg.Cache.ImageMaxDiskBytes,
		ImageMaxAge:         cfg.Cache.ImageMaxAge,
		FetchTimeout:        cfg.Fetch.Timeout,
		MaxConcurrent:       cfg.Fetch.MaxConcurrent,
		MaxImageBytes:       cfg.Fetch.MaxImageBytes,
		UserAgent:           cfg.Fetch.UserAgent,
		PageSize:            cfg.Sync.PageSize,
		PollInterval:        cfg.Sync.PollInterval,
		ProfileMaxAge:       cfg.Sync.ProfileMaxAge,
	}
}

func newFormatter(cmd *cobra.Command) *output.Formatter {
	return output.NewFormatterWithWriters(output.Format(outputFormat), cmd.OutOrStdout(), cmd.ErrOrStderr())
}

func openEngine() (*hangar.Engine, error) {
	engine, err := hangar.NewEngine(engineConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	return engine, nil
}

// feedSource resolves a feed key to its source: a configured feed, or a
// feed URL given directly on the command line.
func feedSource(key string) (hangar.Source, error) {
	feedURL := ""
	if f, ok := cfg.Feed(key); ok {
		feedURL = f.URL
		if f.Actor != "" {
			feedURL = source.ProfileFeedURL(f.Actor)
		}
	} else if strings.HasPrefix(key, "http://") || strings.HasPrefix(key, "https://") {
		feedURL = key
	} else {
		return nil, fmt.Errorf("unknown feed %q: add it to the config or pass a feed URL", key)
	}
	return source.NewRSSSource(feedURL, cfg.Fetch.Timeout, cfg.Fetch.UserAgent), nil
}

func feedCmd() *cobra.Command {
	var offset, limit int
	cmd := &cobra.Command{
		Use:   "feed <key>",
		Short: "Show a feed from the cache without touching the network",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(cmd)

			engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			posts, err := engine.CachedPage(args[0], offset, limit)
			if err != nil {
				return fmt.Errorf("failed to read cached feed: %w", err)
			}
			return formatter.OutputPosts(args[0], posts)
		},
	}
	cmd.Flags().IntVar(&offset, "offset", 0, "number of cached posts to skip")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum number of posts to show (default: sync.page_size)")
	return cmd
}

func syncCmd() *cobra.Command {
	var prefetch bool
	cmd := &cobra.Command{
		Use:   "sync <key>",
		Short: "Refresh a feed from the network, replacing its cached pages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			formatter := newFormatter(cmd)

			src, err := feedSource(args[0])
			if err != nil {
				return err
			}
			engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			coord := engine.NewCoordinator()
			defer coord.Stop()
			coord.Switch(args[0], src)

			result, err := coord.Refresh(ctx)
			if err != nil {
				return fmt.Errorf("failed to refresh %s: %w", args[0], err)
			}
			if prefetch {
				if _, err := engine.PrefetchImages(ctx, result.Posts); err != nil {
					formatter.Warning("image prefetch: %v", err)
				}
			}
			return formatter.OutputSyncResult("refresh", result)
		},
	}
	cmd.Flags().BoolVar(&prefetch, "images", false, "also download every image the page references")
	return cmd
}

func moreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "more <key>",
		Short: "Load the next older page of a feed into the cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(cmd)

			src, err := feedSource(args[0])
			if err != nil {
				return err
			}
			engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			coord := engine.NewCoordinator()
			defer coord.Stop()
			coord.Switch(args[0], src)

			result, err := coord.LoadMore(context.Background())
			if err != nil {
				return fmt.Errorf("failed to load more of %s: %w", args[0], err)
			}
			return formatter.OutputSyncResult("load more", result)
		},
	}
}

func pollCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "poll <key>",
		Short: "Check a synced feed for posts newer than the cached ones",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(cmd)

			src, err := feedSource(args[0])
			if err != nil {
				return err
			}
			engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			coord := engine.NewCoordinator()
			defer coord.Stop()
			coord.Switch(args[0], src)

			res, err := coord.Poll(context.Background())
			if err != nil {
				return fmt.Errorf("failed to poll %s: %w", args[0], err)
			}
			if res.Skipped {
				formatter.Warning("%s has not been synced yet; run `hangar sync %s` first", args[0], args[0])
			}
			return formatter.OutputNewPosts(res)
		},
	}
}

func profileCmd() *cobra.Command {
	var cached bool
	cmd := &cobra.Command{
		Use:   "profile <did>",
		Short: "Show a profile, fetching it when the cached copy is stale",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(cmd)

			engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			if cached {
				p, err := engine.CachedProfile(args[0])
				if errors.Is(err, hangar.ErrNotFound) {
					return fmt.Errorf("profile %s is not cached", args[0])
				}
				if err != nil {
					return err
				}
				return formatter.OutputProfile(p)
			}

			loader := engine.NewProfileLoader(source.NewRSSProfiles(cfg.Fetch.Timeout, cfg.Fetch.UserAgent))
			p, err := loader.Load(context.Background(), args[0])
			if err != nil {
				if p == nil {
					return err
				}
				formatter.Warning("showing cached profile: %v", err)
			}
			return formatter.OutputProfile(p)
		},
	}
	cmd.Flags().BoolVar(&cached, "cached", false, "read the cache only")
	return cmd
}

func cleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove stale feed items, orphaned records and old images",
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(cmd)

			engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			res, err := engine.Cleanup(context.Background())
			if err != nil {
				return err
			}
			return formatter.OutputCleanup(output.NewCleanupReport(res.Records, res.Images))
		},
	}
}

func initConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-config",
		Short: "Create a default config file",
		// The config may not exist yet, so skip loading it.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				configPath = config.DefaultPath
			}
			if err := config.Write(configPath, config.Default()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created default config at %s\n", configPath)
			return nil
		},
	}
}
