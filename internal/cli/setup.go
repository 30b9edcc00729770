package cli

import (
	"io"
	"log/slog"

	"github.com/relaypoint/erpsync/internal/breaker"
	"github.com/relaypoint/erpsync/internal/config"
	"github.com/relaypoint/erpsync/internal/entitymap"
	"github.com/relaypoint/erpsync/internal/queue"
	"github.com/relaypoint/erpsync/internal/store"
)

// app bundles the components every command needs: config, store, and the
// domain services over it.
type app struct {
	cfg      config.Config
	store    *store.Store
	queue    *queue.Queue
	entities *entitymap.Map
	breaker  *breaker.Breaker
}

// openApp loads config and opens the full component stack. Callers must
// Close.
func openApp(opts *RootOptions) (*app, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}

	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	br, err := breaker.New(breaker.NewSQLStateStore(st),
		breaker.WithThreshold(cfg.Breaker.Threshold),
		breaker.WithFailureRatio(cfg.Breaker.FailureRatio),
		breaker.WithRecovery(cfg.Breaker.RecoveryDuration()),
		breaker.WithStaleness(cfg.Breaker.StalenessDuration()),
	)
	if err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to load breaker state", err)
	}

	return &app{
		cfg:      cfg,
		store:    st,
		queue:    queue.New(st),
		entities: entitymap.New(st),
		breaker:  br,
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
}

// formatter builds the output formatter for a command.
func formatter(opts *RootOptions, w io.Writer, errW io.Writer) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    w,
		ErrWriter: errW,
		Verbose:   opts.Verbose,
	}
}
