package cli

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"promptdeck-sync/internal/daemon"
	"promptdeck-sync/internal/notify"
)

func newDaemonCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Sync continuously until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			eng, cleanup, err := a.buildEngine(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			// CouchDB backends have no notification endpoint; the daemon
			// falls back to interval and file-watch triggers only.
			var listener *notify.Listener
			if a.cfg.Workspace.Mode != "couch" {
				listener = notify.NewListener(a.cfg.Backend.BaseURL, a.session,
					a.cfg.Sync.RemoteDebounce, nil, a.logger)
			}

			d := daemon.New(eng, listener, daemon.Options{
				StorePath:     a.cfg.Store.Path,
				Interval:      a.cfg.Sync.Interval,
				LocalDebounce: a.cfg.Sync.LocalDebounce,
				Logger:        a.logger,
			})
			if listener != nil {
				listener.SetOnChange(d.Kick)
			}

			err = d.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}
