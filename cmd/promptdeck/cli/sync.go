package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"promptdeck-sync/internal/domain"
)

func newSyncCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, cleanup, err := a.buildEngine(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := eng.Sync(ctx)
			if err != nil {
				var capErr *domain.CapacityError
				switch {
				case errors.Is(err, domain.ErrSessionExpired):
					return errors.New("session expired, run \"promptdeck login\"")
				case errors.Is(err, domain.ErrNetworkUnavailable):
					return errors.New("backend unreachable, check your connection and try again")
				case errors.As(err, &capErr):
					return fmt.Errorf("workspace is full (%d of %d used, %d new needed); delete some prompts or upgrade",
						capErr.Used, capErr.Limit, capErr.Requested)
				}
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(),
				"Synced: %d uploaded, %d downloaded, %d conflicts split, %d deleted locally, %d deleted remotely\n",
				stats.Uploaded, stats.Downloaded, stats.ConflictsSplit,
				stats.DeletedLocally, stats.DeletedRemotely)
			for _, ie := range stats.Errors {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", ie)
			}
			return nil
		},
	}
}
