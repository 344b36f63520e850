package stories

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidStoryID indicates that a story identifier is empty or exceeds storage bounds.
	ErrInvalidStoryID = errors.New("stories: invalid story id")
	// ErrInvalidLatitude indicates a latitude outside [-90, 90] or not a number.
	ErrInvalidLatitude = errors.New("stories: invalid latitude")
	// ErrInvalidLongitude indicates a longitude outside [-180, 180] or not a number.
	ErrInvalidLongitude = errors.New("stories: invalid longitude")
)

// StoryID represents a validated, server-assigned story identifier.
type StoryID string

// NewStoryID validates raw input and returns a StoryID.
func NewStoryID(rawInput string) (StoryID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidStoryID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidStoryID, maxIdentifierLength)
	}
	return StoryID(trimmed), nil
}

// String returns the underlying string identifier.
func (id StoryID) String() string {
	return string(id)
}

// Coordinates is a validated latitude/longitude pair.
type Coordinates struct {
	lat float64
	lon float64
}

// NewCoordinates validates the pair against standard geographic bounds.
func NewCoordinates(lat, lon float64) (Coordinates, error) {
	if math.IsNaN(lat) || lat < -90 || lat > 90 {
		return Coordinates{}, fmt.Errorf("%w: %v", ErrInvalidLatitude, lat)
	}
	if math.IsNaN(lon) || lon < -180 || lon > 180 {
		return Coordinates{}, fmt.Errorf("%w: %v", ErrInvalidLongitude, lon)
	}
	return Coordinates{lat: lat, lon: lon}, nil
}

// Lat returns the latitude in degrees.
func (c Coordinates) Lat() float64 {
	return c.lat
}

// Lon returns the longitude in degrees.
func (c Coordinates) Lon() float64 {
	return c.lon
}

// Story is the remote service's view of a published story.
type Story struct {
	ID          string    `json:"id" yaml:"id"`
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description" yaml:"description"`
	PhotoURL    string    `json:"photoUrl" yaml:"photoUrl"`
	CreatedAt   time.Time `json:"createdAt" yaml:"createdAt"`
	Lat         *float64  `json:"lat,omitempty" yaml:"lat,omitempty"`
	Lon         *float64  `json:"lon,omitempty" yaml:"lon,omitempty"`
}

// HasLocation reports whether both coordinates are present.
func (s Story) HasLocation() bool {
	return s.Lat != nil && s.Lon != nil
}

// Validate checks the identifier and, when present, the coordinates.
func (s Story) Validate() error {
	if _, err := NewStoryID(s.ID); err != nil {
		return err
	}
	if s.Lat == nil && s.Lon == nil {
		return nil
	}
	if s.Lat == nil || s.Lon == nil {
		return fmt.Errorf("%w: partial location", ErrInvalidLatitude)
	}
	_, err := NewCoordinates(*s.Lat, *s.Lon)
	return err
}

// Photo is a raw image payload attached to a submission.
type Photo struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Size returns the payload length in bytes.
func (p Photo) Size() int {
	return len(p.Data)
}
