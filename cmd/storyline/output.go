package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/MarcoPoloResearchLab/storyline/internal/localstore"
	"github.com/MarcoPoloResearchLab/storyline/internal/session"
	"github.com/MarcoPoloResearchLab/storyline/internal/stories"
	"github.com/MarcoPoloResearchLab/storyline/internal/storyapi"
	"gopkg.in/yaml.v3"
)

const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

// render writes value as JSON or YAML, or hands a tabwriter to table.
func render(w io.Writer, format string, value any, table func(tw *tabwriter.Writer)) error {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case formatJSON:
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(value)
	case formatYAML:
		encoder := yaml.NewEncoder(w)
		encoder.SetIndent(2)
		if err := encoder.Encode(value); err != nil {
			return err
		}
		return encoder.Close()
	case formatTable, "":
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		table(tw)
		return tw.Flush()
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}
}

type favoriteView struct {
	stories.Story `yaml:",inline"`
	FavoritedAt   time.Time `json:"favoritedAt" yaml:"favoritedAt"`
}

func newFavoriteView(entry localstore.FavoriteEntry) favoriteView {
	return favoriteView{Story: entry.Story(), FavoritedAt: entry.FavoritedAt}
}

type pendingView struct {
	ID          int64                    `json:"id" yaml:"id"`
	Description string                   `json:"description" yaml:"description"`
	Photo       string                   `json:"photo" yaml:"photo"`
	PhotoBytes  int                      `json:"photoBytes" yaml:"photoBytes"`
	Lat         float64                  `json:"lat" yaml:"lat"`
	Lon         float64                  `json:"lon" yaml:"lon"`
	SubmittedAt time.Time                `json:"submittedAt" yaml:"submittedAt"`
	Status      localstore.PendingStatus `json:"status" yaml:"status"`
	Attempts    int                      `json:"attempts" yaml:"attempts"`
	LastError   string                   `json:"lastError,omitempty" yaml:"lastError,omitempty"`
}

func newPendingView(record localstore.PendingSubmission) pendingView {
	return pendingView{
		ID:          record.ID,
		Description: record.Description,
		Photo:       record.PhotoFilename,
		PhotoBytes:  len(record.PhotoData),
		Lat:         record.Lat,
		Lon:         record.Lon,
		SubmittedAt: record.SubmittedAt,
		Status:      record.Status,
		Attempts:    record.Attempts,
		LastError:   record.LastError,
	}
}

func storyTable(list []stories.Story) func(tw *tabwriter.Writer) {
	return func(tw *tabwriter.Writer) {
		fmt.Fprintln(tw, "ID\tAUTHOR\tCREATED\tLOCATION\tDESCRIPTION")
		for _, story := range list {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				story.ID, story.Name, formatTime(story.CreatedAt), formatLocation(story.Lat, story.Lon), truncate(story.Description, 48))
		}
	}
}

func storyDetail(story stories.Story) func(tw *tabwriter.Writer) {
	return func(tw *tabwriter.Writer) {
		fmt.Fprintf(tw, "ID\t%s\n", story.ID)
		fmt.Fprintf(tw, "Author\t%s\n", story.Name)
		fmt.Fprintf(tw, "Created\t%s\n", formatTime(story.CreatedAt))
		fmt.Fprintf(tw, "Location\t%s\n", formatLocation(story.Lat, story.Lon))
		fmt.Fprintf(tw, "Photo\t%s\n", story.PhotoURL)
		fmt.Fprintf(tw, "Description\t%s\n", story.Description)
	}
}

func sessionTable(snapshot session.Snapshot) func(tw *tabwriter.Writer) {
	return func(tw *tabwriter.Writer) {
		fmt.Fprintf(tw, "State\t%s\n", snapshot.State)
		if snapshot.UserName != "" {
			fmt.Fprintf(tw, "User\t%s (%s)\n", snapshot.UserName, snapshot.UserID)
		}
		if snapshot.ExpiresAt != nil {
			fmt.Fprintf(tw, "Expires\t%s\n", formatTime(*snapshot.ExpiresAt))
		}
	}
}

func formatLocation(lat, lon *float64) string {
	if lat == nil || lon == nil {
		return "-"
	}
	return strconv.FormatFloat(*lat, 'f', 5, 64) + "," + strconv.FormatFloat(*lon, 'f', 5, 64)
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return "-"
	}
	return value.Local().Format("2006-01-02 15:04")
}

func truncate(value string, limit int) string {
	value = strings.Join(strings.Fields(value), " ")
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit-1]) + "…"
}

// describe turns gateway failures into messages a user can act on.
func describe(err error) error {
	switch {
	case errors.Is(err, storyapi.ErrSessionExpired), errors.Is(err, session.ErrExpired):
		return fmt.Errorf("session expired, run `storyline login` again: %w", err)
	case errors.Is(err, session.ErrNoSession):
		return fmt.Errorf("not logged in, run `storyline login` first: %w", err)
	case errors.Is(err, storyapi.ErrNetwork):
		return fmt.Errorf("story service unreachable: %w", err)
	case errors.Is(err, storyapi.ErrValidation), errors.Is(err, storyapi.ErrUnauthorized):
		if message := storyapi.RemoteMessage(err); message != "" {
			return fmt.Errorf("%s: %w", message, err)
		}
	}
	return err
}
