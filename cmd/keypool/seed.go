package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alecgard/keypool/internal/credential"
	"github.com/alecgard/keypool/internal/crypto"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var seedTenant string

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Provision a demo tenant with a few credentials",
	RunE:  runSeed,
}

func init() {
	seedCmd.Flags().StringVar(&seedTenant, "tenant", "demo", "tenant to provision")
	rootCmd.AddCommand(seedCmd)
}

var demoCredentials = []credential.CreateCredentialInput{
	{
		Alias:            "openai-primary",
		Provider:         "openai",
		MinuteRequestCap: credential.Int64(60),
		DailyTokenCap:    credential.Int64(1_000_000),
	},
	{
		Alias:            "openai-secondary",
		Provider:         "openai",
		MinuteRequestCap: credential.Int64(20),
	},
	{
		Alias:            "anthropic-main",
		Provider:         "anthropic",
		MinuteRequestCap: credential.Int64(50),
		DailyTokenCap:    credential.Int64(500_000),
	},
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	cipher, err := crypto.FromConfig(cfg.Crypto.Key, cfg.Crypto.Passphrase, cfg.Crypto.Salt)
	if err != nil {
		return err
	}

	ctx := context.Background()
	b, err := openBackend(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer b.close()

	n, err := b.store.CountByTenant(ctx, seedTenant)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("tenant already has credentials, skipping", "tenant_id", seedTenant, "count", n)
		return nil
	}

	for _, in := range demoCredentials {
		secret, err := cipher.Encrypt("sk-demo-" + uuid.NewString())
		if err != nil {
			return fmt.Errorf("encrypting demo secret: %w", err)
		}
		in.TenantID = seedTenant
		in.EncryptedSecret = secret

		c, err := b.store.Create(ctx, in)
		if err != nil {
			return fmt.Errorf("creating credential %s: %w", in.Alias, err)
		}
		slog.Info("created credential", "tenant_id", c.TenantID, "alias", c.Alias, "id", c.ID)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "seeded %d credentials for tenant %q\n", len(demoCredentials), seedTenant)
	return nil
}
