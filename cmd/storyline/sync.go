package main

import (
	"context"
	"fmt"
	"net"
	"text/tabwriter"
	"time"

	"github.com/MarcoPoloResearchLab/storyline/internal/app"
	"github.com/MarcoPoloResearchLab/storyline/internal/auth"
	"github.com/MarcoPoloResearchLab/storyline/internal/database"
	"github.com/MarcoPoloResearchLab/storyline/internal/devserver"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newSyncCommand() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Deliver queued submissions",
		Long: "Deliver queued submissions once, or with --watch keep running: poll connectivity,\n" +
			"pick up submissions queued by other invocations and deliver them when online.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, application *app.App) error {
				if watch {
					notice(cmd, "Watching for queued submissions. Press Ctrl+C to stop.")
					return application.RunDaemon(ctx)
				}
				report, err := application.Sync(ctx)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), outputFormat(cmd), report, func(tw *tabwriter.Writer) {
					fmt.Fprintf(tw, "attempted\t%d\n", report.Attempted)
					fmt.Fprintf(tw, "delivered\t%d\n", report.Delivered)
					fmt.Fprintf(tw, "failed\t%d\n", report.Failed)
					for _, failure := range report.Failures {
						fmt.Fprintf(tw, "  #%d\t%s\n", failure.PendingID, failure.Reason)
					}
				})
			})
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "Keep running and sync in the background")
	return cmd
}

func newStubServerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stub-server",
		Short: "Run a local stand-in for the story service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStubServer(cmd)
		},
	}
	cmd.Flags().String("address", viper.GetString("stub.address"), "HTTP listen address")
	cmd.Flags().String("stub-database-path", viper.GetString("stub.database_path"), "SQLite database for stub accounts and stories")
	cmd.Flags().String("signing-secret", "", "Token signing secret (overrides env)")
	cmd.Flags().Duration("token-ttl", viper.GetDuration("stub.token_ttl"), "Lifetime of issued tokens")
	for key, flag := range map[string]string{
		"stub.address":        "address",
		"stub.database_path":  "stub-database-path",
		"stub.signing_secret": "signing-secret",
		"stub.token_ttl":      "token-ttl",
	} {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			panic(err)
		}
	}
	return cmd
}

func runStubServer(cmd *cobra.Command) error {
	rt, err := loadRuntime()
	if err != nil {
		return err
	}
	defer rt.logger.Sync() //nolint:errcheck
	if err := rt.config.ValidateStub(); err != nil {
		return err
	}
	stub := rt.config.Stub

	db, err := database.Open(stub.DatabasePath, rt.logger, devserver.Models()...)
	if err != nil {
		return err
	}
	defer database.Close(db) //nolint:errcheck

	repository, err := devserver.NewRepository(devserver.RepositoryConfig{Database: db, Clock: time.Now, Logger: rt.logger})
	if err != nil {
		return err
	}
	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(stub.SigningSecret),
		Issuer:        "storyline-stub",
		Audience:      "storyline",
		TokenTTL:      stub.TokenTTL,
	})
	if err != nil {
		return err
	}
	handler, err := devserver.NewHTTPHandler(devserver.Dependencies{Repository: repository, Tokens: tokens, Logger: rt.logger})
	if err != nil {
		return err
	}

	notice(cmd, "Stub story service listening on %s; use --api-base-url %s", stub.Address, stubBaseURL(stub.Address))
	return devserver.ListenAndServe(cmd.Context(), stub.Address, handler, rt.logger)
}

func stubBaseURL(address string) string {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return "http://" + address + "/v1"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port) + "/v1"
}
