package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/MarcoPoloResearchLab/storyline/internal/app"
	"github.com/MarcoPoloResearchLab/storyline/internal/session"
	"github.com/spf13/cobra"
)

func newRegisterCommand() *cobra.Command {
	var name, email, password string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account on the story service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, application *app.App) error {
				if err := application.Register(ctx, name, email, password); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Account created for %s. Run `storyline login` to sign in.\n", email)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Display name (at least 3 characters)")
	cmd.Flags().StringVar(&email, "email", "", "Email address")
	cmd.Flags().StringVar(&password, "password", "", "Password (at least 8 characters)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func newLoginCommand() *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store the session locally",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, application *app.App) error {
				snapshot, err := application.Login(ctx, email, password)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), outputFormat(cmd), snapshot, func(tw *tabwriter.Writer) {
					fmt.Fprintf(tw, "Logged in as\t%s\n", snapshot.UserName)
				})
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Email address")
	cmd.Flags().StringVar(&password, "password", "", "Password")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func newLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, application *app.App) error {
				if err := application.Logout(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Logged out.")
				return nil
			})
		},
	}
}

func newWhoamiCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, application *app.App) error {
				snapshot, err := application.Session.Snapshot(ctx)
				if err != nil {
					return err
				}
				if err := render(cmd.OutOrStdout(), outputFormat(cmd), snapshot, sessionTable(snapshot)); err != nil {
					return err
				}
				if snapshot.State == session.StateExpired {
					notice(cmd, "The session has expired. Run `storyline login` again.")
				}
				return nil
			})
		},
	}
}
