package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sethcottle/hangar/internal/output"
	"github.com/sethcottle/hangar/internal/storage"
)

func imagesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "images",
		Short: "Inspect and maintain the image cache",
	}
	cmd.AddCommand(imagesStatsCmd())
	cmd.AddCommand(imagesCleanupCmd())
	cmd.AddCommand(imagesGetCmd())
	return cmd
}

func imagesStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show image cache size",
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(cmd)

			engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			stats, err := engine.ImageStats()
			if err != nil {
				return fmt.Errorf("failed to read image stats: %w", err)
			}
			return formatter.OutputImageStats(stats)
		},
	}
}

func imagesCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Expire old images and trim the disk cache to its byte budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(cmd)

			engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			res, err := engine.CleanupImages()
			if err != nil {
				return fmt.Errorf("failed to clean up images: %w", err)
			}
			return formatter.OutputCleanup(output.NewCleanupReport(storage.CleanupResult{}, res))
		},
	}
}

func imagesGetCmd() *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "get <url>",
		Short: "Load an image through the cache, downloading it on a miss",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(cmd)

			engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			entry, err := engine.Image(context.Background(), args[0])
			if err != nil {
				return fmt.Errorf("failed to load image: %w", err)
			}
			if outPath != "" {
				if err := os.WriteFile(outPath, entry.Data, 0o644); err != nil {
					return fmt.Errorf("failed to write image: %w", err)
				}
			}
			return formatter.OutputImage(args[0], entry)
		},
	}
	cmd.Flags().StringVarP(&outPath, "output", "o", "", "write the image bytes to this file")
	return cmd
}
