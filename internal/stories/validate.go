package stories

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"
)

// MaxPhotoBytes is the largest photo payload accepted for submission.
const MaxPhotoBytes = 5 * 1024 * 1024

const (
	minPasswordLength = 8
	minNameLength     = 3
)

var (
	// ErrDescriptionRequired indicates an empty story description.
	ErrDescriptionRequired = errors.New("stories: description is required")
	// ErrPhotoRequired indicates a missing photo payload.
	ErrPhotoRequired = errors.New("stories: photo is required")
	// ErrPhotoType indicates a photo that is neither JPEG nor PNG.
	ErrPhotoType = errors.New("stories: only JPG, JPEG and PNG photos are allowed")
	// ErrPhotoTooLarge indicates a photo above MaxPhotoBytes.
	ErrPhotoTooLarge = errors.New("stories: photo exceeds size limit")
	// ErrInvalidEmail indicates a malformed email address.
	ErrInvalidEmail = errors.New("stories: invalid email address")
	// ErrPasswordTooShort indicates a password below the minimum length.
	ErrPasswordTooShort = errors.New("stories: password must be at least 8 characters")
	// ErrNameTooShort indicates a display name below the minimum length.
	ErrNameTooShort = errors.New("stories: name must be at least 3 characters")
)

var (
	emailRx           = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	allowedPhotoTypes = map[string]struct{}{
		"image/jpeg": {},
		"image/jpg":  {},
		"image/png":  {},
	}
)

// Draft is a user-initiated story submission before it is sent or queued.
type Draft struct {
	Description string
	Photo       Photo
	Coordinates Coordinates
}

// NewDraft validates the raw submission fields and returns a Draft.
func NewDraft(description string, photo Photo, lat, lon float64) (Draft, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return Draft{}, ErrDescriptionRequired
	}
	if err := ValidatePhoto(photo); err != nil {
		return Draft{}, err
	}
	coordinates, err := NewCoordinates(lat, lon)
	if err != nil {
		return Draft{}, err
	}
	return Draft{Description: description, Photo: photo, Coordinates: coordinates}, nil
}

// ValidatePhoto checks presence, type and size of a photo payload.
// An empty content type is sniffed from the payload.
func ValidatePhoto(photo Photo) error {
	if photo.Size() == 0 {
		return ErrPhotoRequired
	}
	contentType := strings.ToLower(strings.TrimSpace(photo.ContentType))
	if contentType == "" {
		contentType = DetectContentType(photo.Filename, photo.Data)
	}
	if _, ok := allowedPhotoTypes[contentType]; !ok {
		return fmt.Errorf("%w: %s", ErrPhotoType, contentType)
	}
	if photo.Size() > MaxPhotoBytes {
		return fmt.Errorf("%w: %d bytes", ErrPhotoTooLarge, photo.Size())
	}
	return nil
}

// DetectContentType infers a photo content type from its bytes, falling back to the extension.
func DetectContentType(filename string, data []byte) string {
	if len(data) > 0 {
		sniffed := http.DetectContentType(data)
		if sniffed != "application/octet-stream" {
			return sniffed
		}
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	default:
		return "application/octet-stream"
	}
}

// ValidateEmail checks the address shape.
func ValidateEmail(email string) error {
	if !emailRx.MatchString(strings.TrimSpace(email)) {
		return ErrInvalidEmail
	}
	return nil
}

// ValidatePassword enforces the minimum password length.
func ValidatePassword(password string) error {
	if len(password) < minPasswordLength {
		return ErrPasswordTooShort
	}
	return nil
}

// ValidateName enforces the minimum display name length.
func ValidateName(name string) error {
	if len([]rune(strings.TrimSpace(name))) < minNameLength {
		return ErrNameTooShort
	}
	return nil
}
