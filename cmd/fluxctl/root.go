package main

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fluxdb/fluxdb.go"
	"github.com/fluxdb/fluxdb.go/pkg/logger/zero"
)

var rootCmd = &cobra.Command{
	Use:   "fluxctl",
	Short: "Command-line client for FluxDB-compatible servers",
	Long: "fluxctl connects to a FluxDB-compatible server over its websocket RPC protocol.\n" +
		"All flags can also be provided as FLUXDB_* environment variables or via a .env file.",
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.String("url", "ws://localhost:8000", "server base URL")
	flags.String("username", "root", "username to sign in with")
	flags.String("password", "root", "password to sign in with")
	flags.String("namespace", "", "namespace to use")
	flags.String("database", "", "database to use")
	flags.Int("pool-size", 1, "number of pooled connections")
	flags.Duration("timeout", 10*time.Second, "per-call timeout")
	flags.Int("connect-retries", 3, "connect attempts before giving up")
	flags.Bool("verbose", false, "enable debug logging")

	_ = viper.BindPFlags(flags)

	rootCmd.AddCommand(newPingCommand())
	rootCmd.AddCommand(newQueryCommand())
}

func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("fluxdb")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// newCLILogger writes human-readable log lines to stderr so command output
// on stdout stays machine-parseable.
func newCLILogger() zerolog.Logger {
	level := zerolog.WarnLevel
	if viper.GetBool("verbose") {
		level = zerolog.DebugLevel
	}

	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// openDB dials the configured server and waits for the pool to come up.
func openDB(ctx context.Context) (*fluxdb.DB, error) {
	conf := fluxdb.FromViper(viper.GetViper())
	conf.Logger = zero.New(newCLILogger())

	db, err := fluxdb.New(ctx, conf)
	if err != nil {
		return nil, err
	}

	if err := db.WaitUntilReady(ctx); err != nil {
		_ = db.Close(ctx)
		return nil, err
	}

	return db, nil
}
