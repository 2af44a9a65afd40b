package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"wearable-sync/internal/app"
	"wearable-sync/internal/config"
	"wearable-sync/internal/model"
	"wearable-sync/internal/provider"
)

// rootOptions holds global flags for all commands
type rootOptions struct {
	Format  string // "json" | "text"
	Timeout time.Duration
}

var validFormats = []string{"text", "json"}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "wearable-sync-cli",
		Short: "Operate the wearable sync engine",
		Long: `Operate the wearable sync engine against the configured database.

Configuration is read from the same environment variables as the server
(GOOGLE_FIT_CLIENT_ID, GOOGLE_FIT_CLIENT_SECRET, INTERNAL_API_KEY,
DATABASE_DRIVER, DATABASE_PATH, ...), a .env file, or CONFIG_FILE.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			for _, f := range validFormats {
				if f == opts.Format {
					return nil
				}
			}
			return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 2*time.Minute, "overall command timeout")

	cmd.AddCommand(newSyncCommand(opts))
	cmd.AddCommand(newTokenCommand(opts))
	cmd.AddCommand(newUploadCommand(opts))
	cmd.AddCommand(newSnapshotCommand(opts))
	cmd.AddCommand(newInitDBCommand(opts))

	return cmd
}

// withApp loads configuration, opens the store and wires the components
// for the duration of fn
func withApp(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, a *app.App) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	store, err := app.OpenStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()

	a, err := app.Build(cfg, store, "cli")
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a)
}

func newSyncCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync <user>",
		Short: "Sync today's activity for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				userID := args[0]
				snap, err := a.Orchestrator.SyncNow(ctx, userID)
				if err != nil {
					if provider.IsPermanentAuth(err) {
						return fmt.Errorf("authorization revoked, the user must reconnect: %w", err)
					}
					return err
				}
				if snap == nil {
					fmt.Fprintf(cmd.OutOrStdout(), "Nothing synced for %s (status: %s)\n", userID, a.Orchestrator.State(userID).Status)
					return nil
				}
				return printSnapshot(cmd.OutOrStdout(), opts, snap)
			})
		},
	}
}

func newTokenCommand(opts *rootOptions) *cobra.Command {
	var force, show bool

	cmd := &cobra.Command{
		Use:   "token <user>",
		Short: "Return a valid access token, refreshing it if needed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				userID := args[0]
				token, err := a.OAuth.GetAccessToken(ctx, userID, a.OAuth.Provider(), force)
				if err != nil {
					return err
				}
				cred, err := a.Credentials.Get(ctx, userID, a.OAuth.Provider())
				if err != nil {
					return err
				}
				if cred == nil {
					return fmt.Errorf("no credential stored for %s", userID)
				}

				out := cmd.OutOrStdout()
				shown := maskToken(token)
				if show {
					shown = token
				}
				if opts.Format == "json" {
					return writeJSON(out, map[string]any{
						"user_id":      userID,
						"provider":     a.OAuth.Provider(),
						"access_token": shown,
						"expires_at":   cred.Expiry(),
					})
				}
				fmt.Fprintf(out, "Access token: %s\n", shown)
				fmt.Fprintf(out, "  Expires: %s (in %s)\n", cred.Expiry().Format(time.RFC3339),
					cred.TimeUntilExpiry(time.Now()).Round(time.Second))
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "refresh even if the token is still valid")
	cmd.Flags().BoolVar(&show, "show", false, "print the full token instead of a masked one")
	return cmd
}

func newUploadCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "upload <user> <file.fit>",
		Short: "Import a FIT activity file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", args[1], err)
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				snaps, err := a.Uploads.Ingest(ctx, args[0], filepath.Base(args[1]), data)
				for _, s := range snaps {
					if perr := printSnapshot(cmd.OutOrStdout(), opts, s); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
}

func newSnapshotCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot <user> <date>",
		Short: "Show the stored snapshot for a YYYY-MM-DD date",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				snap, err := a.Snapshot(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				if snap == nil {
					return fmt.Errorf("no snapshot for %s on %s", args[0], args[1])
				}
				return printSnapshot(cmd.OutOrStdout(), opts, snap)
			})
		},
	}
}

func newInitDBCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init-db",
		Short: "Create the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
			defer cancel()

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			store, err := app.OpenStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "✓ Database schema ready (%s)\n", cfg.DatabaseDriver)
			return nil
		},
	}
}

func printSnapshot(out io.Writer, opts *rootOptions, s *model.DailySnapshot) error {
	if opts.Format == "json" {
		return writeJSON(out, s)
	}

	fmt.Fprintf(out, "%s %s (source: %s)\n", s.UserID, s.Date, s.SyncSource)
	fmt.Fprintf(out, "  Steps: %d\n", s.Steps)
	fmt.Fprintf(out, "  Calories: %.1f\n", s.CaloriesBurned)
	fmt.Fprintf(out, "  Active minutes: %d\n", s.ActiveMinutes)
	fmt.Fprintf(out, "  Distance: %.1f m\n", s.DistanceMeters)
	if s.HeartRateAvg != nil {
		fmt.Fprintf(out, "  Heart rate avg: %.1f bpm\n", *s.HeartRateAvg)
	}
	for _, ref := range s.Sessions {
		fmt.Fprintf(out, "  Session %s: %s %s-%s %.1f m\n", ref.SessionID, ref.ActivityType,
			ref.StartTime.Format("15:04"), ref.EndTime.Format("15:04"), ref.DistanceMeters)
	}
	fmt.Fprintf(out, "  Last synced: %s\n", s.LastSyncedAt.Format(time.RFC3339))
	return nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func maskToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "..." + token[len(token)-4:]
}
