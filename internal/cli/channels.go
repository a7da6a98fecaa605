package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/HypeDuke/osint3/internal/channels"
	"github.com/HypeDuke/osint3/internal/config"
)

func newChannelsCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channels",
		Short: "Work with the channels file",
	}
	cmd.AddCommand(newChannelsCheckCmd(cfgPath))
	return cmd
}

func newChannelsCheckCmd(cfgPath *string) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the channels file and list what would be monitored",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := strings.TrimSpace(file)
			if path == "" {
				cfg, err := config.NewManager(*cfgPath).Load()
				if err != nil {
					return err
				}
				path = cfg.Monitor.ChannelsFile
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			list, problems, err := channels.Parse(data)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, ch := range list {
				fmt.Fprintf(out, "ok   @%-24s template=%-7s limit=%-6d filter=%s\n",
					ch.Handle, ch.Template, ch.SearchLimit, ch.Filter)
			}
			for _, p := range problems {
				fmt.Fprintf(out, "drop %s\n", p)
			}
			fmt.Fprintf(out, "%d usable, %d dropped\n", len(list), len(problems))
			if len(problems) > 0 {
				return &ExitError{Code: 1}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "channels file to check instead of monitor.channels_file")
	return cmd
}
