package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jwalitptl/videocast-api/internal/app"
	"github.com/jwalitptl/videocast-api/internal/cache"
	"github.com/jwalitptl/videocast-api/internal/config"
	"github.com/jwalitptl/videocast-api/internal/repository/postgres"
	"github.com/jwalitptl/videocast-api/internal/service/sweeper"
	"github.com/jwalitptl/videocast-api/internal/sharelink"
	"github.com/jwalitptl/videocast-api/pkg/auth"
	"github.com/jwalitptl/videocast-api/pkg/event"
	"github.com/jwalitptl/videocast-api/pkg/logger"
	"github.com/jwalitptl/videocast-api/pkg/messaging/redis"
)

// loadConfig is swapped out in tests.
var loadConfig = config.LoadConfig

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "videocastctl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "videocastctl",
		Short:        "Operator CLI for the videocast pipeline",
		SilenceUsage: true,
	}
	cmd.AddCommand(
		newMigrateCmd(),
		newSweepCmd(),
		newCacheCmd(),
		newTokenCmd(),
		newEventsCmd(),
	)
	return cmd
}

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back database migrations",
	}
	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := postgres.NewDB(cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := postgres.MigrateUp(db); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := postgres.NewDB(cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := postgres.MigrateDown(db, steps); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rolled back %d migration(s)\n", steps)
			return nil
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "Number of migrations to roll back")
	cmd.AddCommand(up, down)
	return cmd
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "sweep " + strings.Join(sweeper.Names, "|"),
		Short:     "Run one recovery sweep now",
		Args:      cobra.ExactValidArgs(1),
		ValidArgs: sweeper.Names,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := app.New(cmd.Context(), cfg, app.NewLogger(cfg.Log), app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()

			res, runErr := a.Sweeper.Run(cmd.Context(), args[0])
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			return runErr
		},
	}
}

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the local video cache",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "prune",
		Short: "Delete cached files older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			c, err := cache.New(cfg.Cache.ToCacheConfig(), nil, logger.Nop(), nil)
			if err != nil {
				return err
			}
			removed, err := c.Sweep()
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d file(s)\n", removed)
			return err
		},
	})
	return cmd
}

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Encode and inspect share tokens and operator tokens",
	}

	var short bool
	encode := &cobra.Command{
		Use:   "encode <batch-id> <item-id>",
		Short: "Print the share URL for an item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			batchID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid batch id: %w", err)
			}
			itemID, err := uuid.Parse(args[1])
			if err != nil {
				return fmt.Errorf("invalid item id: %w", err)
			}
			cfg, codec, err := shareCodec()
			if err != nil {
				return err
			}
			encodeFn := codec.Encode
			if short {
				encodeFn = codec.EncodeShort
			}
			token, err := encodeFn(batchID, itemID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sharelink.URL(cfg.Server.PublicBaseURL, token))
			return nil
		},
	}
	encode.Flags().BoolVar(&short, "short", false, "Use the compact sealed form")

	decode := &cobra.Command{
		Use:   "decode <token>",
		Short: "Show what a share token points at",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, codec, err := shareCodec()
			if err != nil {
				return err
			}
			token := args[0]
			if i := strings.LastIndex(token, "/"); i >= 0 {
				token = token[i+1:]
			}
			ref, err := codec.Decode(strings.TrimSuffix(token, ".mp4"))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]interface{}{
				"batch_id":   ref.BatchID,
				"item_id":    ref.ItemID,
				"expires_at": ref.ExpiresAt,
			})
		},
	}

	var caps []string
	var ttl time.Duration
	issue := &cobra.Command{
		Use:   "issue <subject>",
		Short: "Issue an operator API token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			expiry := ttl
			if expiry <= 0 {
				expiry = time.Duration(cfg.JWT.ExpiryHours) * time.Hour
			}
			token, err := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.Issuer, expiry).GenerateAccessToken(args[0], caps)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	issue.Flags().StringSliceVar(&caps, "cap", []string{auth.CapBatchRead}, "Capability to grant, repeatable; * grants all")
	issue.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime; defaults to jwt.expiry_hours")

	cmd.AddCommand(encode, decode, issue)
	return cmd
}

func shareCodec() (*config.Config, *sharelink.Codec, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	codec, err := sharelink.NewCodec(cfg.Share.Secret, cfg.Share.TTL)
	if err != nil {
		return nil, nil, err
	}
	return cfg, codec, nil
}

func newEventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "Tail pipeline events from Redis",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Redis.URL == "" {
				return fmt.Errorf("redis.url is not configured")
			}
			ctx := cmd.Context()
			client, err := redis.NewClient(ctx, cfg.Redis.ToBrokerConfig())
			if err != nil {
				return err
			}
			broker := redis.NewRedisBroker(client, logger.Nop())
			defer broker.Close()

			msgs, err := broker.Subscribe(ctx, event.Channel)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for msg := range msgs {
				fmt.Fprintln(out, string(msg))
			}
			return nil
		},
	}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
