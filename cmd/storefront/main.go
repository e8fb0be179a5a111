// Command storefront runs the customer authentication backend (serve) and a
// terminal client for the same login flow (login, status, watch, logout).
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mnehpets/storefront/config"
	"github.com/mnehpets/storefront/logging"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "storefront",
	Short:         "Storefront customer authentication",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to config.yaml")
	rootCmd.AddCommand(serveCmd, loginCmd, statusCmd, watchCmd, logoutCmd)
}

// bootstrap loads .env and the config file and sets up logging.
func bootstrap() (config.Config, error) {
	config.LoadDotEnv()
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, err
	}
	if err := logging.Setup(cfg.LoggingOptions()); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// tokenFile returns the configured token file, or one under the user
// config directory.
func tokenFile(cfg config.Config) string {
	if cfg.TokenFile != "" {
		return cfg.TokenFile
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "storefront", "token.json")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.WithError(err).Error("storefront failed")
		logging.Close()
		os.Exit(1)
	}
	logging.Close()
}
