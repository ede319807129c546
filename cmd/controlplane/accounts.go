package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/copilot-study/gitlab-crawl/internal/accountauth"
	"github.com/copilot-study/gitlab-crawl/internal/config"
	"github.com/copilot-study/gitlab-crawl/internal/store"
)

// newOperatorCmd hashes an operator password for operator_password_hash in
// the control plane's config, the way the teacher's seed command hashes a
// user's password before it is ever written to the database.
func newOperatorCmd() *cobra.Command {
	var password string

	cmd := &cobra.Command{
		Use:   "operator",
		Short: "Manage the local admin-surface operator credential",
	}

	hash := &cobra.Command{
		Use:   "hash-password",
		Short: "Hash a password for operator_password_hash",
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				return fmt.Errorf("--password is required")
			}
			hashed, err := accountauth.Hash(password)
			if err != nil {
				return fmt.Errorf("operator: hash password: %w", err)
			}
			fmt.Println(hashed)
			return nil
		},
	}
	hash.Flags().StringVar(&password, "password", "", "Plain-text operator password (required)")

	cmd.AddCommand(hash)
	return cmd
}

// newAccountsCmd bootstraps an Account row directly against the control
// plane database, the same one-shot shape as the teacher's server/cmd/seed:
// useful for local development and tests where the out-of-scope OAuth login
// flow isn't standing up a browser redirect.
func newAccountsCmd(parent *cliConfig) *cobra.Command {
	var (
		userID       string
		provider     string
		apiBaseURL   string
		accessToken  string
		refreshToken string
	)

	cmd := &cobra.Command{
		Use:   "accounts create",
		Short: "Bootstrap an OAuth account row without the login flow",
	}

	create := &cobra.Command{
		Use:   "create",
		Short: "Create an account with a pre-obtained access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return fmt.Errorf("--user-id is required")
			}
			if accessToken == "" {
				return fmt.Errorf("--access-token is required")
			}
			prov := store.Provider(provider)
			if prov != store.ProviderGitlabCloud && prov != store.ProviderGitlabOnprem {
				return fmt.Errorf("--provider must be %q or %q", store.ProviderGitlabCloud, store.ProviderGitlabOnprem)
			}
			return createAccount(cmd.Context(), parent, userID, prov, apiBaseURL, accessToken, refreshToken)
		},
	}
	create.Flags().StringVar(&userID, "user-id", "", "Owning user identifier (required)")
	create.Flags().StringVar(&provider, "provider", string(store.ProviderGitlabCloud), "gitlab-cloud or gitlab-onprem")
	create.Flags().StringVar(&apiBaseURL, "api-base-url", "https://gitlab.com", "GitLab API base URL")
	create.Flags().StringVar(&accessToken, "access-token", "", "OAuth access token (required)")
	create.Flags().StringVar(&refreshToken, "refresh-token", "", "OAuth refresh token")

	cmd.AddCommand(create)
	return cmd
}

func createAccount(ctx context.Context, cli *cliConfig, userID string, provider store.Provider, apiBaseURL, accessToken, refreshToken string) error {
	cpCfg, err := config.LoadControlPlane(cli.configPath)
	if err != nil {
		return fmt.Errorf("accounts: load config: %w", err)
	}
	applyCLIOverrides(&cpCfg, cli)

	logger, err := zap.NewDevelopment()
	if err != nil {
		return fmt.Errorf("accounts: build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	gormDB, err := store.Open(store.Config{
		Driver:   cpCfg.DBDriver,
		DSN:      cpCfg.DBDSN,
		Logger:   logger,
		LogLevel: gormlogger.Silent,
	})
	if err != nil {
		return fmt.Errorf("accounts: open database: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("accounts: sql.DB: %w", err)
	}
	defer sqlDB.Close()

	accountRepo := store.NewAccountRepository(gormDB)

	if _, err := accountRepo.GetByUserAndProvider(ctx, userID, provider); err == nil {
		return fmt.Errorf("an account for user %q on provider %q already exists", userID, provider)
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("accounts: lookup existing account: %w", err)
	}

	expiresAt := time.Now().UTC().Add(time.Hour)
	account := &store.Account{
		UserID:       userID,
		Provider:     provider,
		APIBaseURL:   apiBaseURL,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    &expiresAt,
	}
	if err := accountRepo.Create(ctx, account); err != nil {
		return fmt.Errorf("accounts: create: %w", err)
	}

	fmt.Printf("account created\n  id:       %s\n  user:     %s\n  provider: %s\n", account.ID, account.UserID, account.Provider)
	return nil
}
