package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/MarkoPoloResearchLab/entitlements/internal/config"
	"github.com/MarkoPoloResearchLab/entitlements/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/entitlements/pkg/entitlement"
)

// codeFileEntry is one element of the import-codes JSON array.
type codeFileEntry struct {
	Value          string     `json:"value"`
	Tier           int        `json:"tier"`
	MaxRedemptions int64      `json:"maxRedemptions"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	BatchID        string     `json:"batchId,omitempty"`
	Notes          string     `json:"notes,omitempty"`
}

func readCodeSpecs(path string) ([]entitlement.CodeSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read codes file: %w", err)
	}
	var entries []codeFileEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse codes file: %w", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("codes file %s is empty", path)
	}
	specs := make([]entitlement.CodeSpec, 0, len(entries))
	for _, entry := range entries {
		specs = append(specs, entitlement.CodeSpec{
			Value:          entry.Value,
			Tier:           entry.Tier,
			MaxRedemptions: entry.MaxRedemptions,
			ExpiresAt:      entry.ExpiresAt,
			BatchID:        entry.BatchID,
			Notes:          entry.Notes,
		})
	}
	return specs, nil
}

func runMigrate(ctx context.Context, cfg config.Config) error {
	db, closeDB, _, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = closeDB() }()
	if err := gormstore.AutoMigrate(ctx, db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func runImportCodes(ctx context.Context, cfg config.Config, path string) (int, error) {
	specs, err := readCodeSpecs(path)
	if err != nil {
		return 0, err
	}
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return 0, err
	}
	defer closeStore()
	service, err := entitlement.NewService(store, func() time.Time { return time.Now().UTC() },
		entitlement.WithTierTable(cfg.Tiers()),
	)
	if err != nil {
		return 0, fmt.Errorf("entitlement service init: %w", err)
	}
	return service.ImportCodes(ctx, specs)
}
