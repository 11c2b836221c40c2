package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/irisorigin/iris/internal/config"
	"github.com/irisorigin/iris/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := db.Migrate(cfg.Postgres); err != nil {
			return err
		}
		fmt.Println("migrations applied")
		return nil
	},
}
