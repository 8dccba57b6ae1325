package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"article-notifier/pkg/notifier"
	"article-notifier/server"
)

func (a *app) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine and the local consent page",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			e, cfg, logger, err := a.load(ctx)
			if err != nil {
				return err
			}
			defer func() {
				if err := e.Stop(); err != nil {
					logger.Warn("Failed to stop engine", "error", err)
				}
			}()

			e.Start(ctx)
			state := e.Consent.Mount(ctx)
			logger.Info("Consent dialog mounted", "mode", state.Mode)

			srv := server.New(&server.Config{
				Consent:  e.Consent,
				Status:   e,
				Poller:   e.Poller,
				Clicker:  e.Platform,
				Logger:   logger.With("component", "server"),
				SiteName: cfg.SiteName,
			})
			return srv.ListenAndServe(ctx, cfg.Port)
		},
	}
	cmd.Flags().String("port", "8080", "HTTP listen port")
	_ = a.v.BindPFlag("port", cmd.Flags().Lookup("port"))
	return cmd
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the delivery decision and consent ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, _, _, err := a.load(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = e.Stop() }()

			st, err := e.Status(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		},
	}
}

func (a *app) permissionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "permission",
		Short: "Inspect or change the platform notification permission",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Print the current permission",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, _, _, err := a.load(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = e.Stop() }()

			_, err = fmt.Fprintln(cmd.OutOrStdout(), e.Platform.Permission(cmd.Context()))
			return err
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:       "set <granted|denied|default>",
		Short:     "Change the permission the way browser settings would",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(notifier.PermissionGranted), string(notifier.PermissionDenied), string(notifier.PermissionDefault)},
		RunE: func(cmd *cobra.Command, args []string) error {
			perm, err := notifier.ParsePermission(args[0])
			if err != nil {
				return err
			}
			e, _, logger, err := a.load(cmd.Context())
			if err != nil {
				return err
			}
			if err := e.Platform.SetPermission(cmd.Context(), perm); err != nil {
				return errors.Join(err, e.Stop())
			}
			logger.Info("Permission changed", "permission", perm)
			return e.Stop()
		},
	})
	return cmd
}

func (a *app) resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Clear the consent ledger and push subscription",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, _, logger, err := a.load(cmd.Context())
			if err != nil {
				return err
			}
			if err := e.Reset(cmd.Context()); err != nil {
				return errors.Join(err, e.Stop())
			}
			logger.Info("Consent ledger cleared")
			return e.Stop()
		},
	}
}
