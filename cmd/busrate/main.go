package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"busrate/internal/headway"
	"busrate/internal/ingest"
	"busrate/internal/provision"
	"busrate/internal/rating"
	"busrate/internal/runner"

	_ "time/tzdata"
)

func main() {
	if os.Getenv("BUSRATE_LOG_FORMAT") != "JSON" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	if os.Getenv("BUSRATE_DEBUG") == "YES" {
		log.Logger = log.Logger.Level(zerolog.DebugLevel)
	} else {
		log.Logger = log.Logger.Level(zerolog.InfoLevel)
	}

	app := &cli.App{
		Name:        "busrate",
		Usage:       "bus departure tracking and headway reliability ratings",
		Description: "Ingests SIRI vehicle positions, infers departures, computes headways and rates service regularity",
		Commands: []*cli.Command{
			fetchCommand(),
			detectCommand(),
			headwaysCommand(),
			interpolateCommand(),
			ratingCommand(),
			healthCommand(),
			cleanupCommand(),
			provisionCommand(),
			linesCommand(),
			runCommand(),
		},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Fatal().Err(err).Send()
	}
}

// withApp wires the components for one command and closes them afterwards.
func withApp(opts wireOpts, fn func(c *cli.Context, a *app) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		a, err := wire(c.Context, opts)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(c, a)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// skipped reports lock and rate-limit outcomes as a clean exit.
func skipped(err error) error {
	if errors.Is(err, ingest.ErrRateLimited) || errors.Is(err, headway.ErrPassInProgress) {
		log.Info().Err(err).Msg("nothing done")
		return nil
	}
	return err
}

func fetchCommand() *cli.Command {
	return &cli.Command{
		Name:  "fetch",
		Usage: "fetch vehicle positions once",
		Action: withApp(wireOpts{}, func(c *cli.Context, a *app) error {
			if err := a.requireFeedKey(); err != nil {
				return err
			}
			ps, err := a.ingestor.FetchAndStore(c.Context)
			if err != nil {
				return skipped(err)
			}
			fmt.Printf("%d positions stored\n", len(ps))
			return nil
		}),
	}
}

func detectCommand() *cli.Command {
	return &cli.Command{
		Name:  "detect",
		Usage: "infer departures from recent positions once",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "publish", Usage: "publish new departures to NATS_URL"},
		},
		Action: func(c *cli.Context) error {
			return withApp(wireOpts{publish: c.Bool("publish")}, func(c *cli.Context, a *app) error {
				deps, err := a.detector.DetectDepartures(c.Context)
				if err != nil {
					return err
				}
				fmt.Printf("%d departures created\n", len(deps))
				return nil
			})(c)
		},
	}
}

func headwaysCommand() *cli.Command {
	return &cli.Command{
		Name:  "headways",
		Usage: "compute headways over a window",
		Flags: []cli.Flag{
			&cli.DurationFlag{Name: "lookback", Usage: "window length ending now (default HEADWAY_LOOKBACK_MIN)"},
			&cli.BoolFlag{Name: "force", Usage: "recompute headways that are already set"},
		},
		Action: withApp(wireOpts{}, func(c *cli.Context, a *app) error {
			lookback := a.cfg.HeadwayLookback
			if c.IsSet("lookback") {
				lookback = c.Duration("lookback")
			}
			now := time.Now()
			counts, err := a.headways.ProcessWindow(c.Context, headway.Window{
				From:  now.Add(-lookback),
				To:    now.Add(time.Minute),
				Force: c.Bool("force"),
			})
			if err != nil {
				return skipped(err)
			}
			return printJSON(counts)
		}),
	}
}

func interpolateCommand() *cli.Command {
	return &cli.Command{
		Name:  "interpolate",
		Usage: "reconstruct trips and fill skipped stops",
		Flags: []cli.Flag{
			&cli.DurationFlag{Name: "lookback", Usage: "window length ending now (default INTERPOLATION_LOOKBACK_MIN)"},
		},
		Action: withApp(wireOpts{}, func(c *cli.Context, a *app) error {
			lookback := a.cfg.InterpolationLookback
			if c.IsSet("lookback") {
				lookback = c.Duration("lookback")
			}
			now := time.Now()
			stats, err := a.reconstructor.ReconstructAndInterpolate(c.Context, now.Add(-lookback), now.Add(time.Minute))
			if err != nil {
				return err
			}
			fmt.Printf("%d trips, %d sequences, %d departures interpolated\n", stats.Trips, stats.Sequences, stats.Interpolated)
			return nil
		}),
	}
}

func ratingCommand() *cli.Command {
	return &cli.Command{
		Name:  "rating",
		Usage: "rate recent service at a stop or in a direction",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "line", Required: true, Usage: "line ref, e.g. \"MTA NYCT_B63\""},
			&cli.StringFlag{Name: "stop", Usage: "stop ref"},
			&cli.IntFlag{Name: "direction", Value: -1, Usage: "direction (0 or 1) when no stop is given"},
			&cli.StringFlag{Name: "period", Value: string(rating.AllDay), Usage: "all|weekdays|weekends|morning_rush|evening_rush"},
		},
		Action: withApp(wireOpts{}, func(c *cli.Context, a *app) error {
			period, err := rating.ParsePeriod(c.String("period"))
			if err != nil {
				return err
			}
			var r *rating.Rating
			switch {
			case c.String("stop") != "":
				r, err = a.ratings.RatingForStop(c.Context, c.String("line"), c.String("stop"), period)
			case c.Int("direction") >= 0:
				r, err = a.ratings.RatingForDirection(c.Context, c.String("line"), c.Int("direction"), period)
			default:
				return errors.New("either --stop or --direction is required")
			}
			if err != nil {
				return err
			}
			if r == nil {
				fmt.Println("not enough departures to rate")
				return nil
			}
			return printJSON(r)
		}),
	}
}

func healthCommand() *cli.Command {
	return &cli.Command{
		Name:  "health",
		Usage: "print recent pipeline counters",
		Action: withApp(wireOpts{}, func(c *cli.Context, a *app) error {
			h, err := a.store.Health(c.Context)
			if err != nil {
				return err
			}
			return printJSON(h)
		}),
	}
}

func cleanupCommand() *cli.Command {
	return &cli.Command{
		Name:  "cleanup",
		Usage: "prune old positions and markers and purge duplicate departures",
		Action: withApp(wireOpts{}, func(c *cli.Context, a *app) error {
			return a.pipeline().RunCleanup(c.Context)
		}),
	}
}

func provisionCommand() *cli.Command {
	return &cli.Command{
		Name:  "provision-lines",
		Usage: "create or update tracked lines from a YAML file",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "file", Value: "lines.yaml", Usage: "provisioning file"},
			&cli.BoolFlag{Name: "refresh-stops", Usage: "load each line's stop order from the stops API"},
		},
		Action: withApp(wireOpts{}, func(c *cli.Context, a *app) error {
			f, err := os.Open(c.String("file"))
			if err != nil {
				return err
			}
			defer f.Close()
			file, err := provision.Parse(f)
			if err != nil {
				return err
			}
			var refresher provision.Refresher
			if c.Bool("refresh-stops") {
				if err := a.requireFeedKey(); err != nil {
					return err
				}
				refresher = a.stopCache
			}
			return provision.Apply(c.Context, a.store, refresher, file)
		}),
	}
}

func linesCommand() *cli.Command {
	return &cli.Command{
		Name:  "lines",
		Usage: "list provisioned lines and their cached stop lists",
		Action: withApp(wireOpts{}, func(c *cli.Context, a *app) error {
			lines, err := a.store.Lines(c.Context)
			if err != nil {
				return err
			}
			for _, l := range lines {
				refreshed := "never"
				if !l.StopsRefreshedAt.IsZero() {
					refreshed = l.StopsRefreshedAt.Format(time.RFC3339)
				}
				fmt.Printf("%-20s %-40s directions=%d stops_refreshed=%s\n", l.LineRef, l.Name, len(l.StopLists), refreshed)
			}
			return nil
		}),
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "run every job on its schedule until interrupted",
		Action: withApp(wireOpts{publish: true}, func(c *cli.Context, a *app) error {
			if err := a.requireFeedKey(); err != nil {
				return err
			}
			ctx := c.Context
			if a.cfg.MetricsAddr != "" {
				srv := a.collector.Serve(a.cfg.MetricsAddr, a.store.Health)
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}

			p := a.pipeline()
			r := runner.New(p.Jobs(a.intervals())...)
			log.Info().Dur("fetch_every", a.cfg.Intervals.Fetch).Msg("runner started")
			r.Run(ctx)
			log.Info().Msg("shutdown complete")
			return nil
		}),
	}
}
