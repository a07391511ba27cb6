package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pkt.systems/voicelease"
	"pkt.systems/voicelease/internal/identity"
)

const tokenSecretKey = "token.secret"

func newTokenCommand() *cobra.Command {
	var user string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token binding a user id for --jwt-secret servers",
		Example: `  VOICELEASE_JWT_SECRET=change-me voicelease token --user alice --ttl 1h`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			user = strings.TrimSpace(user)
			if user == "" {
				return fmt.Errorf("--user is required")
			}
			if ttl <= 0 {
				return fmt.Errorf("--ttl must be > 0")
			}
			signer, err := identity.NewSigner([]byte(viper.GetString(tokenSecretKey)), time.Now)
			if err != nil {
				return err
			}
			token, err := signer.Mint(user, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&user, "user", "u", "", "user id placed in the token subject")
	flags.DurationVar(&ttl, "ttl", voicelease.DefaultTokenTTL, "token lifetime")
	flags.String("secret", "", "HMAC secret shared with the server (or VOICELEASE_JWT_SECRET)")
	mustBindFlag(tokenSecretKey, "VOICELEASE_JWT_SECRET", flags.Lookup("secret"))
	return cmd
}
