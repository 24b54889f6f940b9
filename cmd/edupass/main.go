package main

import (
	"fmt"
	"os"

	"github.com/layer-3/edupass/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	v := config.New()
	root := &cobra.Command{
		Use:           "edupass",
		Short:         "Challenge authentication and multisig credit settlement",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("database-url", "", "postgres:// DSN or sqlite path (empty keeps state in memory)")
	root.PersistentFlags().String("log-level", "", "debug, info, warn or error")
	bindFlags(v, root.PersistentFlags(), map[string]string{
		"database-url": "DATABASE_URL",
		"log-level":    "LOG_LEVEL",
	})

	root.AddCommand(serveCommand(v), profileCommand(v))
	return root
}

// bindFlags maps flag names to config keys. Flags only override the
// environment when set.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) {
	for name, key := range keys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	zc := zap.NewDevelopmentConfig()
	if cfg.Production() {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
