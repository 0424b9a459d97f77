// Package cli implements the arbmon command-line surface: a root cobra
// command that loads config and logging once in PersistentPreRunE, and
// subcommands that delegate to the shared *app.App handle.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kb-331/vrsc-arb/internal/app"
	"github.com/kb-331/vrsc-arb/internal/config"
	"github.com/kb-331/vrsc-arb/internal/logging"
)

var (
	cfgFile   string
	devLog    bool
	appHandle *app.App
)

// configError marks a failure that should exit with status 2 (invalid
// configuration) rather than the generic status 1 (fatal init error).
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

var rootCmd = &cobra.Command{
	Use:   "arbmon",
	Short: "Monitor and execute cross-venue arbitrage for a single trading pair",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if appHandle != nil {
			return nil
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return &configError{err}
		}

		log, err := newLogger()
		if err != nil {
			return err
		}

		appHandle = app.New(cfg, log)
		return nil
	},
}

func newLogger() (*zap.Logger, error) {
	if devLog {
		return logging.NewDevelopment()
	}
	return logging.New()
}

// Execute runs the root command, exiting with status 2 for an invalid
// configuration and 1 for any other fatal error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var cfgErr *configError
		if errors.As(err, &cfgErr) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().BoolVar(&devLog, "dev", false, "Use human-readable console logging instead of JSON")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateConfigCmd)
	rootCmd.AddCommand(showHealthCmd)
	rootCmd.AddCommand(versionCmd)
}

func getApp() *app.App {
	if appHandle == nil {
		panic("application not initialized; PersistentPreRunE not executed")
	}
	return appHandle
}
