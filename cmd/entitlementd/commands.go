package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/entitlement"
	"github.com/deangilmoreremix/newvideoremixlandingpage-sub002/pkg/importer"
)

func migrate(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	zl, logger := newLogger(cfg)

	b, err := openBackend(c.Context, cfg, false, logger, nil)
	if err != nil {
		return err
	}
	defer b.Close()

	if b.postgres == nil {
		return fmt.Errorf("migrate requires STORAGE_BACKEND=postgres")
	}
	if err := b.postgres.Migrate(c.Context); err != nil {
		return err
	}
	zl.Info().Msg("migrations applied")
	return nil
}

// importCSV replays a CSV export through the reconciliation engine and prints
// the per-row report as JSON on stdout.
func importCSV(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	zl, logger := newLogger(cfg)

	f, err := os.Open(c.String("file"))
	if err != nil {
		return err
	}
	defer f.Close()

	b, err := openBackend(c.Context, cfg, false, logger, nil)
	if err != nil {
		return err
	}
	defer b.Close()

	engine, err := entitlement.NewEngine(b.storage, b.identity, entitlement.Config{Logger: logger})
	if err != nil {
		return err
	}
	importConfig := importer.Config{
		Ingester:    engine,
		DefaultSKU:  c.String("default-sku"),
		Concurrency: cfg.ImportConcurrency,
		Logger:      logger,
	}
	if c.Bool("provision") {
		importConfig.Provisioner = b.identity
	}
	imp, err := importer.New(importConfig)
	if err != nil {
		return err
	}

	report, err := imp.Import(c.Context, f)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}
	zl.Info().Int("succeeded", report.Succeeded).Int("failed", report.Failed).Msg("import finished")
	if report.Failed > 0 {
		return cli.Exit(fmt.Sprintf("%d rows failed", report.Failed), 2)
	}
	return nil
}
