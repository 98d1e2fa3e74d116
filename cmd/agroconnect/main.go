package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"agroconnect/cmd/internal/app"
	"agroconnect/cmd/internal/chat"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "agroconnect",
		Short:         "AgroConnect realtime chat server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newMigrateCmd(), newMintTokenCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the chat server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.Run(cmd.Context())
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg := app.LoadConfig()
			if !cfg.UsesDatabase() {
				return fmt.Errorf("AGRO_DATABASE_URL is not set")
			}
			if err := chat.RunMigrations(cfg.DatabaseURL); err != nil {
				return fmt.Errorf("run migrations: %w", err)
			}
			fmt.Println("migrations applied")
			return nil
		},
	}
}

func newMintTokenCmd() *cobra.Command {
	var (
		id   int64
		role string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "mint-token",
		Short: "Mint a signed identity token for manual testing",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg := app.LoadConfig()
			auth, err := chat.NewTokenAuthenticator([]byte(cfg.TokenHMACKey))
			if err != nil {
				return err
			}
			identity, err := chat.ParseIdentity(fmt.Sprintf("%d", id), role)
			if err != nil {
				return err
			}
			fmt.Println(auth.MintToken(identity, time.Now().UTC().Add(ttl)))
			return nil
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "participant id")
	cmd.Flags().StringVar(&role, "role", "user", "participant role (user, producer, transporter)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
