package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/HypeDuke/osint3/internal/app"
	"github.com/HypeDuke/osint3/internal/config"
	"github.com/HypeDuke/osint3/internal/transport/telegram/mtproto"
)

func newLoginCmd(cfgPath *string) *cobra.Command {
	var phone string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in the Telegram account used when telegram.source is user",
		Long: `login asks for the phone number, the login code and the two-step
password when one is set, then stores the session at telegram.user.session_path.
An existing authorized session is left untouched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewManager(*cfgPath).Load()
			if err != nil {
				return err
			}
			ucfg, err := app.MapUserConfig(cfg)
			if err != nil {
				return err
			}
			if strings.TrimSpace(phone) == "" {
				phone = cfg.Telegram.User.Phone
			}
			out := cmd.OutOrStdout()
			me, err := mtproto.Login(cmd.Context(), ucfg, phone, linePrompt(cmd.InOrStdin(), out))
			if err != nil {
				return fmt.Errorf("login: %w", err)
			}
			fmt.Fprintf(out, "signed in as %s\nsession saved to %s\n", me.Display(), ucfg.SessionPath)
			if cfg.Telegram.ReadSource() != config.SourceUser {
				fmt.Fprintln(out, `set telegram.source to "user" to read channels with this account`)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&phone, "phone", "", "phone number in international format; defaults to telegram.user.phone, asked for when both are empty")
	return cmd
}

// linePrompt reads one trimmed line per question.
func linePrompt(in io.Reader, out io.Writer) mtproto.Prompt {
	sc := bufio.NewScanner(in)
	return func(ctx context.Context, label string) (string, error) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		fmt.Fprintf(out, "%s: ", label)
		if !sc.Scan() {
			if err := sc.Err(); err != nil {
				return "", err
			}
			return "", errors.New("input closed")
		}
		return strings.TrimSpace(sc.Text()), nil
	}
}
