package cmd

import (
	"fmt"
	"time"

	"github.com/soni801/soni-bot/sonibot"
	"github.com/spf13/cobra"
)

var (
	tokenSubject string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print a bearer token for the admin API",
	Long: "Prints a bearer token for the admin API, signed with the configured " +
		"api.secret. Pass it as 'Authorization: Bearer <token>'.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ttl := cfg.API.TokenTTL
		if cmd.Flags().Changed("ttl") {
			ttl = tokenTTL
		}
		token, err := sonibot.NewAPIToken(cfg.API.Secret, tokenSubject, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

//nolint:gochecknoinits
func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "admin", "Subject the token is issued to")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", sonibot.DefaultAPITokenTTL, "Token lifetime (0 for no expiry)")
	rootCmd.AddCommand(tokenCmd)
}
