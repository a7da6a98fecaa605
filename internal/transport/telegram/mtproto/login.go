package mtproto

import (
	"context"
	"errors"
	"strings"

	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"

	"github.com/HypeDuke/osint3/internal/platform"
)

// Prompt asks the operator for one value.
type Prompt func(ctx context.Context, label string) (string, error)

// Login signs the session in interactively and stores it at
// cfg.SessionPath. An already authorized session is kept as is. phone may
// be empty, in which case it is asked for.
func Login(ctx context.Context, cfg Config, phone string, ask Prompt) (platform.Identity, error) {
	if err := cfg.validate(); err != nil {
		return platform.Identity{}, err
	}
	if ask == nil {
		return platform.Identity{}, errors.New("login needs a prompt")
	}
	tc, err := cfg.newClient(nil)
	if err != nil {
		return platform.Identity{}, err
	}
	var me platform.Identity
	err = tc.Run(ctx, func(ctx context.Context) error {
		flow := auth.NewFlow(operator{phone: strings.TrimSpace(phone), ask: ask}, auth.SendCodeOptions{})
		if err := tc.Auth().IfNecessary(ctx, flow); err != nil {
			return err
		}
		u, err := tc.Self(ctx)
		if err != nil {
			return err
		}
		me = identityOf(u)
		return nil
	})
	return me, mapErr(err)
}

// operator answers the sign-in flow through a Prompt. Sign-up is refused;
// the account has to exist.
type operator struct {
	auth.NoSignUp
	phone string
	ask   Prompt
}

func (o operator) Phone(ctx context.Context) (string, error) {
	if o.phone != "" {
		return o.phone, nil
	}
	return o.ask(ctx, "Phone number (international format)")
}

func (o operator) Password(ctx context.Context) (string, error) {
	return o.ask(ctx, "Two-step verification password")
}

func (o operator) Code(ctx context.Context, _ *tg.AuthSentCode) (string, error) {
	return o.ask(ctx, "Login code")
}
