package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alecgard/centime/internal/auth"
	"github.com/alecgard/centime/internal/config"
	"github.com/alecgard/centime/internal/credit"
	"github.com/alecgard/centime/internal/modelgroup"
	"github.com/alecgard/centime/internal/team"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed demo model groups and a test team",
	RunE:  runSeed,
}

func init() {
	rootCmd.AddCommand(seedCmd)
}

var demoGroups = []modelgroup.CreateGroupInput{
	{
		Name: "chat-default",
		Entries: []modelgroup.Entry{
			{Model: "gpt-4o", Priority: 0, Active: true},
			{Model: "gpt-4o-mini", Priority: 1, Active: true},
			{Model: "gpt-3.5-turbo", Priority: 2, Active: true},
		},
		RateLimit: 120,
	},
	{
		Name: "summarize",
		Entries: []modelgroup.Entry{
			{Model: "gpt-4o-mini", Priority: 0, Active: true},
			{Model: "gpt-3.5-turbo", Priority: 1, Active: true},
		},
		RateLimit: 300,
	},
	{
		Name: "embeddings",
		Entries: []modelgroup.Entry{
			{Model: "text-embedding-3-small", Priority: 0, Active: true},
		},
	},
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	groupStore := modelgroup.NewStore(pool)
	for _, in := range demoGroups {
		if _, err := groupStore.CreateGroup(ctx, in); err != nil {
			slog.Warn("skipping model group", "name", in.Name, "error", err)
			continue
		}
		slog.Info("created model group", "name", in.Name, "entries", len(in.Entries))
	}

	apiKey, plaintext, err := auth.GenerateAPIKey()
	if err != nil {
		return err
	}

	teamStore := team.NewStore(pool)
	t, err := teamStore.Create(ctx, team.CreateTeamInput{
		Name:         "demo-team",
		APIKeyHash:   apiKey.Hash,
		APIKeyPrefix: apiKey.Prefix,
		RateLimit:    60,
	})
	if err != nil {
		return fmt.Errorf("creating demo team: %w", err)
	}

	ledger := credit.NewLedger(credit.NewStore(pool))
	if _, err := ledger.Allocate(ctx, t.ID, 1000, "seed allocation"); err != nil {
		return fmt.Errorf("allocating demo credits: %w", err)
	}

	slog.Info("created demo team", "id", t.ID, "credits", 1000)
	fmt.Printf("\nDemo team API key (store this, it will not be shown again):\n  %s\n\n", plaintext)
	return nil
}
