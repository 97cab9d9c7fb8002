// Package cli implements the promptdeck command tree.
package cli

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"promptdeck-sync/internal/auth"
	"promptdeck-sync/internal/config"
	"promptdeck-sync/internal/ledger"
	"promptdeck-sync/internal/store"
	"promptdeck-sync/internal/sync"
	"promptdeck-sync/internal/transport"
)

// app carries everything a leaf command needs. It is populated lazily so
// commands that never touch the backend (status, login) do not pay for a
// workspace dial.
type app struct {
	cfg     *config.Config
	logger  *log.Logger
	session *auth.Session
}

func NewRootCommand() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "promptdeck",
		Short:         "Keep a local prompt library in sync with its backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)

			session, err := auth.NewSession(cfg.Auth.TokenPath, cfg.Backend.BaseURL, cfg.Auth.RefreshSkew,
				&http.Client{Timeout: cfg.Backend.Timeout})
			if err != nil {
				return err
			}
			a.session = session
			return nil
		},
	}

	root.AddCommand(newSyncCommand(a))
	root.AddCommand(newDaemonCommand(a))
	root.AddCommand(newLoginCommand(a))
	root.AddCommand(newStatusCommand(a))
	return root
}

// dialTransport builds the transport for the configured workspace mode.
func (a *app) dialTransport(ctx context.Context) (transport.Transport, error) {
	cfg := a.cfg
	client := &http.Client{Timeout: cfg.Backend.Timeout}

	switch cfg.Workspace.Mode {
	case "personal":
		return transport.NewPersonal(cfg.Backend.BaseURL, a.session, cfg.Device.ID, cfg.Device.Name, client), nil
	case "shared":
		return transport.DialWorkspace(ctx, cfg.Backend.BaseURL, cfg.Workspace.ID, a.session,
			cfg.Device.ID, cfg.Device.Name, cfg.Workspace.Register, client)
	case "couch":
		t, err := transport.DialCouch(cfg.Couch.URL, cfg.Couch.Database, cfg.Device.ID, cfg.Device.Name)
		if err != nil {
			return nil, err
		}
		if cfg.Workspace.Register {
			if err := t.RegisterWorkspace(ctx); err != nil {
				return nil, err
			}
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unknown workspace mode %q", cfg.Workspace.Mode)
	}
}

// buildEngine opens the local store and ledger and wires a sync engine. The
// returned cleanup closes the store.
func (a *app) buildEngine(ctx context.Context) (*sync.Engine, func(), error) {
	tr, err := a.dialTransport(ctx)
	if err != nil {
		return nil, nil, err
	}

	prompts, err := store.Open(a.cfg.Store.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open prompt store: %w", err)
	}
	ldg := ledger.NewFileStore(a.cfg.Ledger.Path)

	eng := sync.NewEngine(tr, prompts, ldg, a.logger)
	return eng, func() { prompts.Close() }, nil
}
