package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/smartdevs17/indexcheck/internal/config"
	"github.com/smartdevs17/indexcheck/internal/models"
	"github.com/smartdevs17/indexcheck/internal/orchestrator"
	"github.com/smartdevs17/indexcheck/internal/storage"
)

// loadConfig loads and validates the configuration named by --config
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newApplication() (*Application, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return NewApplication(cfg)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "indexcheck",
	Short: "Search index checking and reindexing service",
	Long: `indexcheck checks whether the pages of registered websites are in the
search index, requests reindexing of the ones that are not, and bills both
against a prepaid credit balance.`,
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the background reconciler",
	RunE:  runServe,
}

// runServe runs the service until SIGINT or SIGTERM
func runServe(cmd *cobra.Command, args []string) error {
	app, err := newApplication()
	if err != nil {
		return err
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)

	if err := app.Serve(); err != nil {
		app.Stop()
		return fmt.Errorf("failed to start application: %w", err)
	}

	<-signalChan
	app.logger.Info("Received shutdown signal")
	return app.Stop()
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := storage.Open(&cfg.Storage)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		defer store.Close()
		fmt.Printf("Database migrated (%s)\n", cfg.Storage.Type)
		return nil
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Fail abandoned actions and settle leftover reservations once",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApplication()
		if err != nil {
			return err
		}
		defer app.Close()

		report, err := app.reconciler.RunOnce(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(report)
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a check or reindex action in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		action, _ := cmd.Flags().GetString("action")
		siteIDs, _ := cmd.Flags().GetStringSlice("site")
		urls, _ := cmd.Flags().GetStringSlice("url")

		app, err := newApplication()
		if err != nil {
			return err
		}
		defer app.Close()

		entry, err := app.orchestrator.RunAction(cmd.Context(), orchestrator.Request{
			UserID:  userID,
			Action:  models.ActionKind(action),
			SiteIDs: siteIDs,
			URLs:    urls,
		})
		if err != nil {
			return err
		}
		return printJSON(entry)
	},
}

var creditsCmd = &cobra.Command{
	Use:   "credits",
	Short: "Credit account administration",
}

var creditsGrantCmd = &cobra.Command{
	Use:   "grant",
	Short: "Add credits to a user's balance",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		amount, _ := cmd.Flags().GetInt64("amount")
		reason, _ := cmd.Flags().GetString("reason")

		app, err := newApplication()
		if err != nil {
			return err
		}
		defer app.Close()

		account, err := app.ledger.Credit(cmd.Context(), userID, amount, reason)
		if err != nil {
			return err
		}
		return printJSON(account)
	},
}

var creditsBalanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Show a user's balance and recent transactions",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		limit, _ := cmd.Flags().GetInt("limit")

		app, err := newApplication()
		if err != nil {
			return err
		}
		defer app.Close()

		account, err := app.ledger.Account(cmd.Context(), userID)
		if err != nil {
			return err
		}
		txs, err := app.ledger.Transactions(cmd.Context(), userID, limit)
		if err != nil {
			return err
		}
		return printJSON(map[string]interface{}{
			"account":      account,
			"transactions": txs,
		})
	},
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(viper.GetString("config"))
		if err != nil {
			return err
		}
		fmt.Printf("indexcheck %s\n", cfg.App.Version)
		return nil
	},
}

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
}

// validateConfigCmd validates the configuration
var validateConfigCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}

		fmt.Printf("Configuration is valid!\n")
		fmt.Printf("Environment: %s\n", cfg.App.Environment)
		fmt.Printf("Database: %s\n", cfg.Storage.Type)
		fmt.Printf("Credit packages: %d\n", len(cfg.Credits.Packages))
		fmt.Printf("Webhooks: %d (enabled: %t)\n", len(cfg.Notifications.WebhookURLs), cfg.Notifications.Enabled)
		return nil
	},
}

// init initializes the CLI commands
func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (json, text)")

	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))

	runCmd.Flags().String("user", "", "user id")
	runCmd.Flags().String("action", string(models.ActionCheck), "check or reindex")
	runCmd.Flags().StringSlice("site", nil, "site id (repeatable)")
	runCmd.Flags().StringSlice("url", nil, "explicit page URL (repeatable)")
	runCmd.MarkFlagRequired("user")
	runCmd.MarkFlagRequired("site")

	creditsGrantCmd.Flags().String("user", "", "user id")
	creditsGrantCmd.Flags().Int64("amount", 0, "credits to add")
	creditsGrantCmd.Flags().String("reason", models.ReasonGrant, "reason recorded with the transaction")
	creditsGrantCmd.MarkFlagRequired("user")
	creditsGrantCmd.MarkFlagRequired("amount")

	creditsBalanceCmd.Flags().String("user", "", "user id")
	creditsBalanceCmd.Flags().Int("limit", 20, "number of transactions to show")
	creditsBalanceCmd.MarkFlagRequired("user")

	rootCmd.AddCommand(serveCmd, migrateCmd, reconcileCmd, runCmd, creditsCmd, configCmd, versionCmd)
	creditsCmd.AddCommand(creditsGrantCmd, creditsBalanceCmd)
	configCmd.AddCommand(validateConfigCmd)
}

// main is the entry point
func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
