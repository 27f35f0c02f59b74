package cli

import (
	"fmt"
	"time"

	"careline/internal/middleware"

	"github.com/spf13/cobra"
)

var (
	flagSubject string
	flagRole    string
	flagTTL     time.Duration
)

// tokenCmd issues a dashboard token signed with jwt.secret.
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Generate a JWT (HS256) for the analytics dashboard",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ttl := flagTTL
		if ttl <= 0 {
			ttl = cfg.JWT.ExpiresIn
		}
		tok, err := middleware.GenerateToken(cfg.JWT.Secret, flagSubject, flagRole, ttl, time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().StringVar(&flagSubject, "sub", "admin", "subject (sub) claim, usually the staff id")
	tokenCmd.Flags().StringVar(&flagRole, "role", "admin", "role claim")
	tokenCmd.Flags().DurationVar(&flagTTL, "ttl", 0, "token lifetime (default jwt.expires_in)")
}
