package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"promptdeck-sync/internal/ledger"
	"promptdeck-sync/internal/store"
)

// newStatusCommand reports local sync state without touching the backend.
func newStatusCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show local sync state",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			fmt.Fprintf(out, "Workspace mode: %s\n", a.cfg.Workspace.Mode)
			if a.cfg.Workspace.Mode == "shared" {
				fmt.Fprintf(out, "Workspace:      %s\n", a.cfg.Workspace.ID)
			}
			fmt.Fprintf(out, "Backend:        %s\n", a.cfg.Backend.BaseURL)
			fmt.Fprintf(out, "Store:          %s\n", a.cfg.Store.Path)

			prompts, err := store.Open(a.cfg.Store.Path)
			if err != nil {
				return fmt.Errorf("failed to open prompt store: %w", err)
			}
			defer prompts.Close()

			local, err := prompts.ListAll()
			if err != nil {
				return err
			}

			state, err := ledger.NewFileStore(a.cfg.Ledger.Path).Get()
			if err != nil {
				return err
			}

			linked := 0
			for _, p := range local {
				if entry, ok := state.Entry(p.ID); ok && !entry.IsDeleted {
					linked++
				}
			}

			fmt.Fprintf(out, "Local prompts:  %d (%d linked to the backend)\n", len(local), linked)
			if state.LastSyncTime.IsZero() {
				fmt.Fprintln(out, "Last sync:      never")
			} else {
				fmt.Fprintf(out, "Last sync:      %s\n", state.LastSyncTime.Local().Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
}
