package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/MarcoPoloResearchLab/storyline/internal/app"
	"github.com/MarcoPoloResearchLab/storyline/internal/localstore"
	"github.com/spf13/cobra"
)

func newFavoritesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "favorites",
		Short: "Manage locally saved stories",
	}

	add := &cobra.Command{
		Use:   "add <story-id>",
		Short: "Save a story as a favorite",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, application *app.App) error {
				entry, err := application.AddFavorite(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Saved %s to favorites.\n", entry.StoryID)
				return nil
			})
		},
	}

	remove := &cobra.Command{
		Use:   "remove <story-id>",
		Short: "Remove a favorite",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, application *app.App) error {
				if err := application.Store.Delete(ctx, localstore.CollectionFavorites, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %s from favorites.\n", args[0])
				return nil
			})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List favorites",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			query, err := queryFromFlags(cmd)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, application *app.App) error {
				entries, err := application.Store.Favorites(ctx, query)
				if err != nil {
					return err
				}
				views := make([]favoriteView, 0, len(entries))
				for _, entry := range entries {
					views = append(views, newFavoriteView(entry))
				}
				return render(cmd.OutOrStdout(), outputFormat(cmd), views, func(tw *tabwriter.Writer) {
					fmt.Fprintln(tw, "ID\tAUTHOR\tSAVED\tDESCRIPTION")
					for _, view := range views {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", view.ID, view.Name, formatTime(view.FavoritedAt), truncate(view.Description, 48))
					}
				})
			})
		},
	}
	addQueryFlags(list)

	check := &cobra.Command{
		Use:   "check <story-id>",
		Short: "Report whether a story is a favorite",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, application *app.App) error {
				saved := application.Store.Exists(ctx, localstore.CollectionFavorites, args[0])
				result := map[string]any{"storyId": args[0], "favorite": saved}
				return render(cmd.OutOrStdout(), outputFormat(cmd), result, func(tw *tabwriter.Writer) {
					fmt.Fprintf(tw, "%s\t%t\n", args[0], saved)
				})
			})
		},
	}

	cmd.AddCommand(add, remove, list, check)
	return cmd
}

func newPendingCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Inspect submissions waiting for delivery",
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List queued submissions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			query, err := queryFromFlags(cmd)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, application *app.App) error {
				records, err := application.Store.Pending(ctx, query)
				if err != nil {
					return err
				}
				views := make([]pendingView, 0, len(records))
				for _, record := range records {
					views = append(views, newPendingView(record))
				}
				return render(cmd.OutOrStdout(), outputFormat(cmd), views, func(tw *tabwriter.Writer) {
					fmt.Fprintln(tw, "ID\tSTATUS\tATTEMPTS\tSUBMITTED\tDESCRIPTION\tLAST ERROR")
					for _, view := range views {
						fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\t%s\n",
							view.ID, view.Status, view.Attempts, formatTime(view.SubmittedAt), truncate(view.Description, 40), view.LastError)
					}
				})
			})
		},
	}
	addQueryFlags(list)
	cmd.AddCommand(list)
	return cmd
}

func newStorageCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "storage",
		Short: "Inspect and clear local storage",
	}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Count records per collection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, application *app.App) error {
				counts := application.Store.Stats(ctx)
				return render(cmd.OutOrStdout(), outputFormat(cmd), counts, func(tw *tabwriter.Writer) {
					fmt.Fprintf(tw, "favorites\t%d\n", counts.Favorites)
					fmt.Fprintf(tw, "pending\t%d\n", counts.Pending)
					fmt.Fprintf(tw, "cached\t%d\n", counts.Cached)
				})
			})
		},
	}

	var rawCollections []string
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear cached and pending records, or the named collections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			collections := []localstore.Collection{localstore.CollectionCached, localstore.CollectionPending}
			if len(rawCollections) > 0 {
				collections = collections[:0]
				for _, raw := range rawCollections {
					collection, err := localstore.ParseCollection(raw)
					if err != nil {
						return err
					}
					collections = append(collections, collection)
				}
			}
			return withApp(cmd, func(ctx context.Context, application *app.App) error {
				if err := application.Store.Clear(ctx, collections...); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cleared %v.\n", collections)
				return nil
			})
		},
	}
	clearCmd.Flags().StringSliceVar(&rawCollections, "collection", nil, "Collection to clear (favorites, pending, cached); repeatable")

	cmd.AddCommand(stats, clearCmd)
	return cmd
}
