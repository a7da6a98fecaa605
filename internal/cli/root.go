// Package cli holds the osint3 command tree.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "./config.json"

// ExitError carries a process exit code out of a command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// NewRootCmd builds the command tree. Every call returns a fresh tree.
func NewRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:   "osint3",
		Short: "Telegram channel monitor with keyword alerts",
		Long: `osint3 watches public Telegram channels, backfills matching posts once
per channel and forwards new matches to Telegram chats and email.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", defaultConfigPath, "path to the config file (json, yaml or toml)")

	root.AddCommand(
		newRunCmd(&cfgPath),
		newStateCmd(&cfgPath),
		newChannelsCmd(&cfgPath),
		newLoginCmd(&cfgPath),
		newVersionCmd(),
	)
	return root
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	err := NewRootCmd().Execute()
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		if ee.Err != nil {
			fmt.Fprintln(os.Stderr, "fatal:", ee.Err)
		}
		return ee.Code
	}
	fmt.Fprintln(os.Stderr, "fatal:", err)
	return 1
}
