package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/sethcottle/hangar"
	"github.com/sethcottle/hangar/internal/metrics"
	"github.com/sethcottle/hangar/internal/output"
)

func daemonCmd() *cobra.Command {
	var interval time.Duration
	var prefetch bool

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Keep every configured feed synced and polled",
		Long: `Refresh every configured feed, then poll each one for new posts on a timer.
Cache cleanup runs on the cleanup.schedule cron expression, and metrics are
served on metrics.addr when it is set. Handles SIGINT/SIGTERM for graceful
shutdown.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(cfg.Feeds) == 0 {
				return errors.New("no feeds configured")
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ecfg := engineConfig()
			if interval > 0 {
				ecfg.PollInterval = interval
			}
			engine, err := hangar.NewEngine(ecfg)
			if err != nil {
				return fmt.Errorf("failed to open cache: %w", err)
			}
			defer engine.Close()

			d := &daemon{engine: engine, formatter: newFormatter(cmd), prefetch: prefetch}
			return d.run(ctx)
		},
	}

	cmd.Flags().DurationVarP(&interval, "interval", "i", 0, "poll interval (default: sync.poll_interval)")
	cmd.Flags().BoolVar(&prefetch, "images", true, "download images referenced by new posts")
	return cmd
}

type daemon struct {
	engine    *hangar.Engine
	formatter *output.Formatter
	prefetch  bool

	// mu serialises output from the per-feed poll loops.
	mu sync.Mutex
}

func (d *daemon) run(ctx context.Context) error {
	sched, err := d.startCleanup(ctx)
	if err != nil {
		return err
	}
	defer func() { <-sched.Stop().Done() }()

	if cfg.Metrics.Addr != "" {
		srv := d.startMetrics()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Printf("hangar daemon: metrics shutdown: %v", err)
			}
		}()
	}

	var coords []*hangar.Coordinator
	defer func() {
		for _, c := range coords {
			c.Stop()
		}
	}()

	for _, f := range cfg.Feeds {
		src, err := feedSource(f.Key)
		if err != nil {
			return err
		}
		coord := d.engine.NewCoordinator()
		coords = append(coords, coord)

		res, err := coord.Open(ctx, f.Key, src, nil)
		if err != nil {
			// Polling resumes from the cached anchor, if there is one.
			log.Printf("hangar daemon: initial refresh of %s: %v", f.Key, err)
		} else {
			log.Printf("hangar daemon: %s refreshed with %d posts", f.Key, len(res.Posts))
			d.warmImages(ctx, res.Posts)
		}

		if err := coord.StartPolling(ctx, func(n hangar.NewPosts) { d.notify(ctx, n) }); err != nil {
			return err
		}
	}

	log.Printf("hangar daemon: watching %d feeds", len(coords))
	<-ctx.Done()
	log.Println("hangar daemon: received shutdown signal, exiting")
	return nil
}

func (d *daemon) notify(ctx context.Context, n hangar.NewPosts) {
	d.mu.Lock()
	if err := d.formatter.OutputNewPosts(n); err != nil {
		log.Printf("hangar daemon: output: %v", err)
	}
	d.mu.Unlock()
	d.warmImages(ctx, n.Posts)
}

func (d *daemon) warmImages(ctx context.Context, posts []hangar.Post) {
	if !d.prefetch || len(posts) == 0 {
		return
	}
	n, err := d.engine.PrefetchImages(ctx, posts)
	if err != nil && ctx.Err() == nil {
		log.Printf("hangar daemon: prefetch: %v", err)
	}
	if n > 0 {
		log.Printf("hangar daemon: prefetched %d images", n)
	}
}

func (d *daemon) startCleanup(ctx context.Context) (*cron.Cron, error) {
	sched := cron.New()
	_, err := sched.AddFunc(cfg.Cleanup.Schedule, func() {
		start := time.Now()
		res, err := d.engine.Cleanup(ctx)
		if err != nil {
			log.Printf("hangar daemon: cleanup: %v", err)
			return
		}
		log.Printf("hangar daemon: cleanup removed %d records and %d images in %s",
			res.Records.Total(), res.Images.Expired+res.Images.Evicted, time.Since(start).Round(time.Millisecond))
	})
	if err != nil {
		return nil, fmt.Errorf("invalid cleanup schedule %q: %w", cfg.Cleanup.Schedule, err)
	}
	sched.Start()
	log.Printf("hangar daemon: cleanup scheduled %q", cfg.Cleanup.Schedule)
	return sched, nil
}

func (d *daemon) startMetrics() *http.Server {
	srv := &http.Server{
		Addr:         cfg.Metrics.Addr,
		Handler:      instrument(recovery(newMetricsMux())),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		log.Printf("hangar daemon: metrics on %s", cfg.Metrics.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("hangar daemon: metrics server: %v", err)
		}
	}()
	return srv
}

func newMetricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	return mux
}
