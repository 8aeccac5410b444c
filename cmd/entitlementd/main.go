// Command entitlementd runs the entitlement reconciliation service: payment
// webhooks in, claimable and active entitlements out.
package main

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "entitlementd",
		Usage: "reconcile payment provider events into product entitlements",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "env-file", Usage: "optional .env file to load before reading the environment"},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP API and webhook receivers",
				Action: serve,
			},
			{
				Name:   "migrate",
				Usage:  "apply database migrations and exit",
				Action: migrate,
			},
			{
				Name:  "import",
				Usage: "replay historical purchases from a CSV file",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "CSV file to import", Required: true},
					&cli.BoolFlag{Name: "provision", Usage: "create accounts for unknown purchaser emails"},
					&cli.StringFlag{Name: "default-sku", Usage: "SKU for rows without product_sku"},
				},
				Action: importCSV,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("entitlementd failed")
	}
}
