package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/MarcoPoloResearchLab/storyline/internal/app"
	"github.com/MarcoPoloResearchLab/storyline/internal/localstore"
	"github.com/MarcoPoloResearchLab/storyline/internal/stories"
	"github.com/MarcoPoloResearchLab/storyline/internal/storyapi"
	"github.com/MarcoPoloResearchLab/storyline/internal/submission"
	"github.com/spf13/cobra"
)

func newStoriesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stories",
		Short: "Browse and submit stories",
	}
	cmd.AddCommand(newStoriesListCommand(), newStoriesShowCommand(), newStoriesSubmitCommand())
	return cmd
}

func addQueryFlags(cmd *cobra.Command) {
	cmd.Flags().String("search", "", "Case-insensitive text filter")
	cmd.Flags().String("sort", "", "Sort order: date, date-asc, name, name-asc")
}

func queryFromFlags(cmd *cobra.Command) (localstore.Query, error) {
	search, _ := cmd.Flags().GetString("search")
	rawSort, _ := cmd.Flags().GetString("sort")
	field, order, err := localstore.ParseSort(rawSort)
	if err != nil {
		return localstore.Query{}, fmt.Errorf("%w: sort %q", err, rawSort)
	}
	return localstore.Query{Search: search, SortBy: field, Order: order}, nil
}

func newStoriesListCommand() *cobra.Command {
	var page, size int
	var withLocation bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stories, from the local cache when offline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			query, err := queryFromFlags(cmd)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, application *app.App) error {
				feed, err := application.Feed(ctx, storyapi.ListOptions{Page: page, Size: size, WithLocation: withLocation}, query)
				if err != nil {
					return err
				}
				if feed.Offline {
					notice(cmd, "Offline: showing %d cached stories (last refreshed %s).", len(feed.Stories), formatTime(feed.CachedAt))
				}
				return render(cmd.OutOrStdout(), outputFormat(cmd), feed, storyTable(feed.Stories))
			})
		},
	}
	cmd.Flags().IntVar(&page, "page", 0, "Page number")
	cmd.Flags().IntVar(&size, "size", 0, "Page size")
	cmd.Flags().BoolVar(&withLocation, "location", false, "Only stories with a location")
	addQueryFlags(cmd)
	return cmd
}

func newStoriesShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <story-id>",
		Short: "Show one story",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, application *app.App) error {
				story, local, err := application.Story(ctx, args[0])
				if err != nil {
					return err
				}
				if local {
					notice(cmd, "Offline: showing the locally stored copy.")
				}
				return render(cmd.OutOrStdout(), outputFormat(cmd), story, storyDetail(story))
			})
		},
	}
}

func newStoriesSubmitCommand() *cobra.Command {
	var description, photoPath string
	var lat, lon float64
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Publish a story, or queue it when offline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(photoPath)
			if err != nil {
				return fmt.Errorf("read photo: %w", err)
			}
			photo := stories.Photo{
				Filename:    filepath.Base(photoPath),
				ContentType: stories.DetectContentType(photoPath, data),
				Data:        data,
			}
			draft, err := stories.NewDraft(description, photo, lat, lon)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, application *app.App) error {
				result, err := application.Submissions.Submit(ctx, draft)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), outputFormat(cmd), result, func(tw *tabwriter.Writer) {
					switch result.Outcome {
					case submission.OutcomePublished:
						fmt.Fprintln(tw, "Story published.")
					case submission.OutcomeQueued:
						fmt.Fprintf(tw, "Offline: story queued as #%d and will be sent when the connection returns.\n", result.PendingID)
						if !result.Scheduled {
							fmt.Fprintln(tw, "Background sync could not be scheduled; run `storyline sync` later.")
						}
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "Story text")
	cmd.Flags().StringVar(&photoPath, "photo", "", "Path to a JPEG or PNG photo (up to 5 MB)")
	cmd.Flags().Float64Var(&lat, "lat", 0, "Latitude")
	cmd.Flags().Float64Var(&lon, "lon", 0, "Longitude")
	_ = cmd.MarkFlagRequired("description")
	_ = cmd.MarkFlagRequired("photo")
	_ = cmd.MarkFlagRequired("lat")
	_ = cmd.MarkFlagRequired("lon")
	return cmd
}
