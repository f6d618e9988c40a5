package cmd

import (
	"fmt"
	"log"

	"github.com/hyperdargo/DTEmpire-Ai-Chat-Bot/empirebot"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize and migrate the database",
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			log.Fatal("EB_DATABASE_TYPE not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			log.Fatal(
				"EB_DATABASE not set (must be a valid database connection " +
					"string or sqlite file path)",
			)
		}
		db, err := empirebot.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}

		var guildCount int64
		if err = db.Model(&empirebot.GuildState{}).Count(&guildCount).Error; err != nil {
			log.Fatalf("Error querying guild states: %v", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Database ready (%d guilds configured).\n", guildCount)
		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
