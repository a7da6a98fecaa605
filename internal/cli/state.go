package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/HypeDuke/osint3/internal/app"
	"github.com/HypeDuke/osint3/internal/config"
	"github.com/HypeDuke/osint3/internal/platform"
	"github.com/HypeDuke/osint3/internal/storage"
	logx "github.com/HypeDuke/osint3/pkg/logx"
)

var errStorageDisabled = errors.New("storage is disabled in the config; there is no saved state")

func newStateCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect or reset saved monitor progress",
	}
	cmd.AddCommand(newStateShowCmd(cfgPath), newStateResetCmd(cfgPath))
	return cmd
}

func openStore(cfgPath string) (storage.Store, error) {
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return nil, err
	}
	st, err := app.OpenStorage(cfg, logx.Nop())
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, errStorageDisabled
	}
	return st, nil
}

func newStateShowCmd(cfgPath *string) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print initialized channels and their cursors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := openStore(*cfgPath)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			ms, err := st.LoadState(cmd.Context())
			if err != nil {
				return fmt.Errorf("load state: %w", err)
			}
			out := cmd.OutOrStdout()
			if ms == nil {
				fmt.Fprintln(out, "no saved state")
				return nil
			}
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(ms)
			}

			ids := ms.InitializedIDs()
			for id := range ms.Cursors {
				if !slices.Contains(ids, id) {
					ids = append(ids, id)
				}
			}
			slices.Sort(ids)
			fmt.Fprintf(out, "%s tracked\n", plural(len(ids), "channel"))
			for _, id := range ids {
				cursor := "-"
				if c, ok := ms.Cursor(id); ok {
					cursor = humanize.Comma(c)
				}
				fmt.Fprintf(out, "  %-16d initialized=%-5t cursor=%s\n", id, ms.IsInitialized(id), cursor)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the stored document as JSON")
	return cmd
}

func newStateResetCmd(cfgPath *string) *cobra.Command {
	var (
		chans []int64
		all   bool
	)
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Forget progress so channels are backfilled again",
		Long: `Forget drops the initialized flag and the cursor of the given channels.
The next run backfills them again from history. Stop the monitor first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(chans) == 0 && !all {
				return errors.New("pass --channel ID (repeatable) or --all")
			}
			st, err := openStore(*cfgPath)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			ids := make([]platform.ChannelID, 0, len(chans))
			for _, id := range chans {
				ids = append(ids, platform.ChannelID(id))
			}
			if all {
				ms, err := st.LoadState(cmd.Context())
				if err != nil {
					return fmt.Errorf("load state: %w", err)
				}
				if ms != nil {
					ids = append(ids, ms.InitializedIDs()...)
					for id := range ms.Cursors {
						ids = append(ids, id)
					}
				}
			}
			slices.Sort(ids)
			ids = slices.Compact(ids)
			if len(ids) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to reset")
				return nil
			}
			if err := st.Forget(cmd.Context(), ids...); err != nil {
				return fmt.Errorf("reset state: %w", err)
			}
			names := make([]string, 0, len(ids))
			for _, id := range ids {
				names = append(names, strconv.FormatInt(int64(id), 10))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reset %s: %v\n", plural(len(ids), "channel"), names)
			return nil
		},
	}
	cmd.Flags().Int64SliceVar(&chans, "channel", nil, "channel id to reset")
	cmd.Flags().BoolVar(&all, "all", false, "reset every tracked channel")
	return cmd
}

func plural(n int, word string) string {
	if n == 1 {
		return "1 " + word
	}
	return fmt.Sprintf("%d %ss", n, word)
}
