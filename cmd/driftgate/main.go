// driftgate is the command-line interface to the DriftGate engine: run
// evaluation suites, check drift, fit and query calibration, and drive
// the governed proposal workflow against a local store.
//
// Exit codes are CI-friendly: 0 pass, 2 SLA failure, 3 drift failure,
// 1 config or transport error.
package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/driftgate/driftgate/internal/config"
	"github.com/driftgate/driftgate/internal/store"
)

const (
	exitOK        = 0
	exitError     = 1
	exitSLAFail   = 2
	exitDriftFail = 3
)

// exitCodeError carries a CI exit code alongside the message.
type exitCodeError struct {
	code int
	msg  string
}

func (e *exitCodeError) Error() string { return e.msg }

func slaFailure(msg string) error   { return &exitCodeError{code: exitSLAFail, msg: msg} }
func driftFailure(msg string) error { return &exitCodeError{code: exitDriftFail, msg: msg} }

var rootCmd = &cobra.Command{
	Use:           "driftgate",
	Short:         "Continuous evaluation and self-healing governance engine",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	rootCmd.AddCommand(evalCmd)
	rootCmd.AddCommand(calibrateCmd)
	rootCmd.AddCommand(governCmd)
	rootCmd.AddCommand(receiptsCmd)
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var coded *exitCodeError
		if errors.As(err, &coded) {
			fmt.Fprintln(os.Stderr, coded.msg)
			os.Exit(coded.code)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitError)
	}
}

// openStore opens the configured store backend for one-shot commands.
func openStore() (store.Store, error) {
	cfg := config.Load()
	switch cfg.Store.Backend {
	case "sqlite":
		dir := cfg.Store.DataDir
		if dir == "" {
			dir = "."
		}
		return store.NewSQLiteStore(dir + "/driftgate.db")
	case "", "memory":
		return store.NewMemoryStore(cfg.Store.DataDir), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
