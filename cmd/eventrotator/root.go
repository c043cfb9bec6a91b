package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"eventrotator/internal/config"
	"eventrotator/internal/feed"
	"eventrotator/internal/ics"
	appLog "eventrotator/internal/log"
	"eventrotator/internal/metrics"
	"eventrotator/internal/model"
	"eventrotator/internal/refresh"
	"eventrotator/internal/relay"
	"eventrotator/internal/rotation"
	"eventrotator/internal/timeline"
	"eventrotator/internal/web"
)

var version = "0.1.0-dev"

var (
	configPath string
	listen     string
	debug      bool
)

// Root is the eventrotator command.
var Root = &cobra.Command{
	Use:           "eventrotator",
	Short:         "Merge iCalendar feeds into one rotating upcoming-events timeline",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var Serve = &cobra.Command{
	Use:   "serve",
	Short: "Refresh feeds on schedule and serve the timeline API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		conf, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()
		return serve(ctx, conf)
	},
}

var Once = &cobra.Command{
	Use:   "once",
	Short: "Run one refresh cycle and print the snapshot as JSON",
	RunE: func(cmd *cobra.Command, _ []string) error {
		conf, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()

		snap := newApp(conf).builder.Build(ctx, time.Now())

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(snap); err != nil {
			return errors.Wrap(err, "encode snapshot")
		}
		if snap.Err != "" {
			return errors.New(snap.Err)
		}
		return nil
	},
}

func init() {
	Root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "Path to config file")
	Root.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	Serve.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides config if set)")

	Root.AddCommand(Serve, Once, &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println(version)
		},
	})
}

func loadConfig() (*config.Config, error) {
	conf, err := config.Load(configPath)
	if err != nil {
		return nil, errors.Wrapf(err, "load config %s", configPath)
	}
	if listen != "" {
		conf.Listen = listen
	}

	appLog.Configure(os.Stderr, conf.LogFormat)
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))
	if debug {
		appLog.SetLevel(appLog.LevelDebug)
	}

	appLog.Info("effective config",
		"version", version,
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"refresh", conf.RefreshCron,
		"rotate_interval", conf.RotateInterval,
		"max_events", conf.MaxEvents,
		"keyword_filter", conf.KeywordFilter.Enabled,
		"feeds", len(conf.Feeds),
	)
	return conf, nil
}

// signalContext is canceled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			appLog.Info("signal received, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

type app struct {
	loc     *time.Location
	metrics *metrics.Recorder
	builder *feed.Builder
}

func newApp(conf *config.Config) *app {
	loc, err := conf.Location()
	if err != nil {
		appLog.Error("falling back to local timezone", err)
	}

	var stages []timeline.Stage
	if conf.KeywordFilter.Enabled {
		stages = append(stages, timeline.KeywordStage(conf.KeywordFilter.Keywords))
	}

	rec := metrics.NewRecorder()
	fetcher := ics.NewFetcher(conf.Fetch.CacheDir, conf.Fetch.Timeout)
	builder := feed.NewBuilder(
		ics.SourcesFromConfig(conf),
		feed.NewAggregator(fetcher, conf.Fetch.Concurrency, rec),
		feed.Options{Location: loc, Grace: conf.GraceWindow, MaxEvents: conf.MaxEvents, Stages: stages},
		rec,
	)
	return &app{loc: loc, metrics: rec, builder: builder}
}

func serve(ctx context.Context, conf *config.Config) error {
	a := newApp(conf)
	rot := rotation.New()
	sched := refresh.New(a.builder, conf.RefreshCron, a.loc)
	sched.OnUpdate(func(snap model.Snapshot) {
		rot.Replace(snap)
		if snap.Err != "" {
			appLog.Warn("timeline unavailable", "error", snap.Err, "generation", snap.Generation)
		}
	})

	srv := web.NewServer(conf, sched, rot, a.metrics, relay.New(conf.Relay, conf.Fetch.Timeout))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return web.StartServer(gctx, conf, srv) })
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error {
		rot.Run(gctx, conf.RotateInterval)
		return nil
	})

	err := g.Wait()
	appLog.Info("eventrotator exiting")
	return err
}
