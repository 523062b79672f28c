package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"queue-server/internal/services"
	"queue-server/models"
)

// newMockFillCommand runs one mock fill pass. Rides are seeded from the
// built-in table when the store knows none yet.
func newMockFillCommand(generator *services.MockQueueGenerator, metaService *services.RideMetaService, fallback []models.RideMeta) *cobra.Command {
	return &cobra.Command{
		Use:   "mock-fill",
		Short: "Fill every ride queue with mock users once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			rideIDs, err := metaService.ListRideIDs(ctx)
			if err != nil {
				return err
			}
			if len(rideIDs) == 0 {
				if err := metaService.SeedRides(ctx, fallback); err != nil {
					return err
				}
			}

			added, err := generator.Fill(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %d mock users\n", added)
			return nil
		},
	}
}

// newDispatchCommand runs a single tick for one ride and prints the report.
func newDispatchCommand(dispatcher *services.Dispatcher) *cobra.Command {
	var rideID int64
	var timeout time.Duration

	c := &cobra.Command{
		Use:   "dispatch",
		Short: "Run one dispatcher tick for a ride",
		RunE: func(cmd *cobra.Command, args []string) error {
			if rideID <= 0 {
				return errors.New("--ride must be a positive ride id")
			}
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			report, err := dispatcher.Tick(ctx, rideID)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
	c.Flags().Int64Var(&rideID, "ride", 0, "ride id to dispatch")
	c.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "tick deadline")
	return c
}
