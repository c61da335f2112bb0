package main

import (
	"context"
	"fmt"

	"github.com/alecgard/keypool/internal/scheduler"
	"github.com/spf13/cobra"
)

var resetForce bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Run the daily quota reset now",
	Long: "Zeroes every credential's daily token counter and reactivates exhausted credentials. " +
		"When redis is configured the reset takes today's lock, so it is skipped if another " +
		"instance already reset today; --force bypasses the lock.",
	RunE: runReset,
}

func init() {
	resetCmd.Flags().BoolVar(&resetForce, "force", false, "reset even if another instance already did today")
	rootCmd.AddCommand(resetCmd)
}

func runReset(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	b, err := openBackend(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer b.close()

	mgr, err := newManager(cfg, b, logger, nil)
	if err != nil {
		return err
	}

	opts := []scheduler.Option{scheduler.WithLogger(logger)}
	if !resetForce {
		rdb, err := openRedis(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		if rdb != nil {
			defer rdb.Close()
			opts = append(opts, scheduler.WithLocker(scheduler.NewRedisLocker(rdb), cfg.Reset.LockTTL))
		}
	}

	n, ran, err := scheduler.New(mgr, 0, opts...).RunOnce(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if !ran {
		fmt.Fprintln(out, "skipped: today's reset was already taken by another instance (use --force to override)")
		return nil
	}
	fmt.Fprintf(out, "reset %d credential(s)\n", n)
	return nil
}
