package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/astrbook/bridge/governor"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	cli "github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "bridged",
		Usage:   "forum bridge daemon (the bot's hands on AstrBook)",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "forum-host",
			Usage:   "scheme, hostname, and port of the AstrBook forum service",
			Value:   "https://www.astrbook.org",
			EnvVars: []string{"ASTRBOOK_FORUM_HOST"},
		},
		&cli.StringFlag{
			Name:    "forum-token",
			Usage:   "bearer token for the forum API and realtime stream",
			EnvVars: []string{"ASTRBOOK_FORUM_TOKEN"},
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity (debug, info, warn, error)",
			Value:   "info",
			EnvVars: []string{"BRIDGE_LOG_LEVEL", "LOG_LEVEL"},
		},
	}

	app.Commands = []*cli.Command{
		runCmd,
	}

	return app.Run(args)
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "run the bridge daemon",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "database for schedule state (sqlite:// or postgres://)",
			Value:   "sqlite://data/bridged/bridged.sqlite",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "redis for cross-process dedup state (optional; redis://...)",
			EnvVars: []string{"BRIDGE_REDIS_URL"},
		},
		&cli.StringFlag{
			Name:    "gen-endpoint",
			Usage:   "URL of the content-generation service; unset means observe-only",
			EnvVars: []string{"BRIDGE_GEN_ENDPOINT"},
		},
		&cli.StringFlag{
			Name:    "memory-path",
			Usage:   "path of the activity memory file",
			Value:   "data/bridged/memory.json",
			EnvVars: []string{"BRIDGE_MEMORY_PATH"},
		},
		&cli.IntFlag{
			Name:    "memory-max-items",
			Usage:   "activity records retained before oldest-first eviction",
			Value:   500,
			EnvVars: []string{"BRIDGE_MEMORY_MAX_ITEMS"},
		},
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "IP or address, and port, to listen on for the control API",
			Value:   ":3900",
			EnvVars: []string{"BRIDGE_BIND"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for metrics",
			Value:   ":3901",
			EnvVars: []string{"BRIDGE_METRICS_LISTEN"},
		},
		&cli.IntFlag{
			Name:    "forum-rate-limit",
			Usage:   "max requests per second to the forum API",
			Value:   4,
			EnvVars: []string{"BRIDGE_FORUM_RATE_LIMIT"},
		},

		// realtime auto-reply policy
		&cli.BoolFlag{
			Name:    "auto-reply",
			Usage:   "react to realtime notifications automatically",
			Value:   true,
			EnvVars: []string{"BRIDGE_AUTO_REPLY"},
		},
		&cli.StringSliceFlag{
			Name:    "reply-kinds",
			Usage:   "notification kinds eligible for auto-reply",
			Value:   cli.NewStringSlice("reply", "sub_reply", "mention"),
			EnvVars: []string{"BRIDGE_REPLY_KINDS"},
		},
		&cli.Float64Flag{
			Name:    "reply-probability",
			Usage:   "chance an eligible notification gets a reply",
			Value:   0.3,
			EnvVars: []string{"BRIDGE_REPLY_PROBABILITY"},
		},
		&cli.Int64Flag{
			Name:    "replies-per-minute",
			Usage:   "reply budget shared by the governor and browse sessions",
			Value:   3,
			EnvVars: []string{"BRIDGE_REPLIES_PER_MINUTE"},
		},
		&cli.DurationFlag{
			Name:    "dedup-window",
			Usage:   "how long a handled notification suppresses redelivery",
			Value:   time.Hour,
			EnvVars: []string{"BRIDGE_DEDUP_WINDOW"},
		},
		&cli.IntFlag{
			Name:    "dedup-cache-size",
			Usage:   "max entries in the in-memory dedup cache",
			Value:   4096,
			EnvVars: []string{"BRIDGE_DEDUP_CACHE_SIZE"},
		},

		// browse schedule
		&cli.DurationFlag{
			Name:    "browse-interval",
			Usage:   "time between browse sessions (0 disables browsing)",
			Value:   time.Hour,
			EnvVars: []string{"BRIDGE_BROWSE_INTERVAL"},
		},
		&cli.StringSliceFlag{
			Name:    "browse-categories",
			Usage:   "forum categories browse sessions draw from (empty means all)",
			Value:   cli.NewStringSlice("chat", "tech", "misc"),
			EnvVars: []string{"BRIDGE_BROWSE_CATEGORIES"},
		},
		&cli.IntFlag{
			Name:    "browse-page-size",
			Usage:   "threads listed per browse session",
			Value:   10,
			EnvVars: []string{"BRIDGE_BROWSE_PAGE_SIZE"},
		},
		&cli.DurationFlag{
			Name:    "browse-skip-window",
			Usage:   "how long a touched thread stays off the browse menu",
			Value:   24 * time.Hour,
			EnvVars: []string{"BRIDGE_BROWSE_SKIP_WINDOW"},
		},
		&cli.IntFlag{
			Name:    "browse-session-replies",
			Usage:   "max reply attempts per browse session",
			Value:   1,
			EnvVars: []string{"BRIDGE_BROWSE_SESSION_REPLIES"},
		},

		// proactive posting
		&cli.BoolFlag{
			Name:    "posting-enabled",
			Usage:   "allow the bridge to open new threads on its own",
			EnvVars: []string{"BRIDGE_POSTING_ENABLED"},
		},
		&cli.DurationFlag{
			Name:    "post-interval",
			Usage:   "time between proactive-post cycles (0 disables the timer)",
			Value:   6 * time.Hour,
			EnvVars: []string{"BRIDGE_POST_INTERVAL"},
		},
		&cli.Float64Flag{
			Name:    "post-probability",
			Usage:   "chance a post cycle actually drafts a thread",
			Value:   0.2,
			EnvVars: []string{"BRIDGE_POST_PROBABILITY"},
		},
		&cli.Int64Flag{
			Name:    "posts-per-hour",
			Value:   1,
			EnvVars: []string{"BRIDGE_POSTS_PER_HOUR"},
		},
		&cli.Int64Flag{
			Name:    "posts-per-day",
			Value:   1,
			EnvVars: []string{"BRIDGE_POSTS_PER_DAY"},
		},
		&cli.DurationFlag{
			Name:    "post-min-interval",
			Usage:   "minimum spacing between published posts",
			Value:   time.Hour,
			EnvVars: []string{"BRIDGE_POST_MIN_INTERVAL"},
		},
		&cli.StringSliceFlag{
			Name:    "post-categories",
			Usage:   "categories proactive posts may target (empty means any valid)",
			EnvVars: []string{"BRIDGE_POST_CATEGORIES"},
		},
		&cli.IntFlag{
			Name:    "post-max-chars",
			Usage:   "proactive post body truncation",
			Value:   1200,
			EnvVars: []string{"BRIDGE_POST_MAX_CHARS"},
		},
		&cli.DurationFlag{
			Name:    "post-dedup-window",
			Usage:   "how long identical post content is suppressed",
			Value:   24 * time.Hour,
			EnvVars: []string{"BRIDGE_POST_DEDUP_WINDOW"},
		},
		&cli.BoolFlag{
			Name:    "post-dry-run",
			Usage:   "synthesize and record posts without publishing them",
			EnvVars: []string{"BRIDGE_POST_DRY_RUN"},
		},
		&cli.BoolFlag{
			Name:    "allow-urls",
			Usage:   "let outbound text keep URLs instead of redacting them",
			EnvVars: []string{"BRIDGE_ALLOW_URLS"},
		},
		&cli.BoolFlag{
			Name:    "allow-mentions",
			Usage:   "let outbound text keep @-mentions instead of redacting them",
			EnvVars: []string{"BRIDGE_ALLOW_MENTIONS"},
		},
	},
	Action: func(cctx *cli.Context) error {
		logger := configLogger(cctx, os.Stdout)

		if cctx.String("forum-token") == "" {
			return fmt.Errorf("forum token is required (set ASTRBOOK_FORUM_TOKEN)")
		}

		cfg := governor.Config{
			AutoReply:        cctx.Bool("auto-reply"),
			ReplyKinds:       cctx.StringSlice("reply-kinds"),
			ReplyProbability: cctx.Float64("reply-probability"),
			RepliesPerMinute: cctx.Int64("replies-per-minute"),
			DedupWindow:      cctx.Duration("dedup-window"),

			BrowseInterval:    cctx.Duration("browse-interval"),
			BrowseCategories:  cctx.StringSlice("browse-categories"),
			BrowsePageSize:    cctx.Int("browse-page-size"),
			SkipWindow:        cctx.Duration("browse-skip-window"),
			RepliesPerSession: cctx.Int("browse-session-replies"),

			PostingEnabled:  cctx.Bool("posting-enabled"),
			PostInterval:    cctx.Duration("post-interval"),
			PostProbability: cctx.Float64("post-probability"),
			PostsPerHour:    cctx.Int64("posts-per-hour"),
			PostsPerDay:     cctx.Int64("posts-per-day"),
			PostMinInterval: cctx.Duration("post-min-interval"),
			PostCategories:  cctx.StringSlice("post-categories"),
			PostMaxChars:    cctx.Int("post-max-chars"),
			PostDedupWindow: cctx.Duration("post-dedup-window"),
			DryRun:          cctx.Bool("post-dry-run"),

			AllowURLs:     cctx.Bool("allow-urls"),
			AllowMentions: cctx.Bool("allow-mentions"),
		}

		srv, err := NewServer(ServerConfig{
			Logger:         logger,
			ForumHost:      cctx.String("forum-host"),
			ForumToken:     cctx.String("forum-token"),
			ForumRateLimit: cctx.Int("forum-rate-limit"),
			GenEndpoint:    cctx.String("gen-endpoint"),
			DatabaseURL:    cctx.String("database-url"),
			RedisURL:       cctx.String("redis-url"),
			MemoryPath:     cctx.String("memory-path"),
			MemoryMaxItems: cctx.Int("memory-max-items"),
			DedupCacheSize: cctx.Int("dedup-cache-size"),
			Bind:           cctx.String("bind"),
			MetricsListen:  cctx.String("metrics-listen"),
			Governor:       cfg,
		})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := srv.Run(ctx); err != nil {
			return fmt.Errorf("running bridge service: %w", err)
		}
		return nil
	},
}

func configLogger(cctx *cli.Context, writer *os.File) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cctx.String("log-level")) {
	case "error":
		level = slog.LevelError
	case "warn":
		level = slog.LevelWarn
	case "debug":
		level = slog.LevelDebug
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(writer, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	return logger
}
