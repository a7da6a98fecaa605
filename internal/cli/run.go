package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/HypeDuke/osint3/internal/app"
	"github.com/HypeDuke/osint3/internal/monitor"
)

const stopTimeout = 20 * time.Second

// ExitReauth is returned when the Telegram session needs a new login.
const ExitReauth = 2

func newRunCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start monitoring until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), *cfgPath)
		},
	}
}

func run(ctx context.Context, cfgPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	a, err := app.New(cfgPath)
	if err != nil {
		return &ExitError{Code: 1, Err: err}
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return &ExitError{Code: 1, Err: err}
	}

	reason := app.StopUnknown
	select {
	case s := <-sigs:
		reason = app.StopSIGTERM
		if s == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopAppStop
		if err := a.Err(); err != nil {
			reason = app.StopFatalError
			if errors.Is(err, monitor.ErrReauthenticate) {
				reason = app.StopReauthNeeded
			}
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	runErr := a.Err()
	_ = a.Stop(stopCtx, reason)

	switch reason {
	case app.StopReauthNeeded:
		return &ExitError{Code: ExitReauth, Err: runErr}
	case app.StopFatalError:
		return &ExitError{Code: 1, Err: runErr}
	}
	return nil
}
