// Package main runs the article notifier: a client installation that asks for
// notification consent, keeps its push subscription registered and alerts on
// newly published articles.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"article-notifier/config"
	"article-notifier/engine"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// app carries state shared by every subcommand.
type app struct {
	v       *viper.Viper
	out     io.Writer
	logOut  io.Writer
	cfgFile string
}

func newRootCmd(out, logOut io.Writer) *cobra.Command {
	a := &app{v: config.New(), out: out, logOut: logOut}

	root := &cobra.Command{
		Use:           "notifier",
		Short:         "Article alert consent and delivery engine",
		SilenceUsage:  true,
		SilenceErrors: false,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	root.SetOut(out)
	root.SetErr(logOut)

	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (default is ./notifier.yaml)")
	root.PersistentFlags().StringP("log-level", "l", "info", "log level: debug, info, warn, error")
	root.PersistentFlags().String("store", "", "store DSN: path, file://, sqlite://, gs://bucket/prefix or memory://")
	_ = a.v.BindPFlag("log_level", root.PersistentFlags().Lookup("log-level"))
	_ = a.v.BindPFlag("store_dsn", root.PersistentFlags().Lookup("store"))

	root.AddCommand(
		a.serveCmd(),
		a.statusCmd(),
		a.permissionCmd(),
		a.resetCmd(),
	)
	return root
}

// load reads configuration and builds the engine without starting it.
func (a *app) load(ctx context.Context) (*engine.Engine, *config.Config, *slog.Logger, error) {
	cfg, err := config.Load(a.v, a.cfgFile)
	if err != nil {
		return nil, nil, nil, err
	}
	logger, err := config.NewLogger(a.logOut, cfg.LogLevel)
	if err != nil {
		return nil, nil, nil, err
	}
	slog.SetDefault(logger)

	e, err := engine.New(ctx, &engine.Options{Config: cfg, Logger: logger})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build engine: %w", err)
	}
	return e, cfg, logger, nil
}
