// Deterministic derivation of object store keys. Every key handed to the
// store comes through here so that lookups can rebuild the exact same
// string later.
package objkey

import (
	"path"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrInvalidKeyInput is returned when the entity id or filename is empty.
var ErrInvalidKeyInput = errors.New("objkey: entity id and filename must be non-empty")

// Format for the UTC stamp prefixed onto general upload filenames. The
// stamp is concatenated directly onto the original name with no separator;
// key reconstruction during lookups depends on this exact layout.
const TimestampFormat = "2006-01-02-150405"

// ResourceKey returns the store key for a dataset resource file:
// {prefix}/resources/{resourceID}/{filename}
func ResourceKey(prefix, resourceID, filename string) (string, error) {
	if resourceID == "" || filename == "" {
		return "", ErrInvalidKeyInput
	}
	return path.Join(prefix, "resources", resourceID, filename), nil
}

// ResourcePath returns the key directory holding every file of one
// resource, without a filename component.
func ResourcePath(prefix, resourceID string) string {
	return path.Join(prefix, "resources", resourceID)
}

// UploadKey returns the store key for a general upload (entity images and
// similar): {prefix}/storage/uploads/{uploadTo}/{filename}
func UploadKey(prefix, uploadTo, filename string) (string, error) {
	if uploadTo == "" || filename == "" {
		return "", ErrInvalidKeyInput
	}
	return path.Join(prefix, "storage", "uploads", uploadTo, filename), nil
}

// UploadPath returns the key directory for an upload target without a
// filename component.
func UploadPath(prefix, uploadTo string) string {
	return path.Join(prefix, "storage", "uploads", uploadTo)
}

// TimestampedFilename qualifies an upload filename with the given UTC
// instant. The original casing and name are preserved unchanged.
func TimestampedFilename(filename string, now time.Time) string {
	return now.UTC().Format(TimestampFormat) + filename
}

// NormalizeFilename extracts the filename used for resource matching
// during migration from a catalog url: the last path segment, lower-cased.
// Live uploads never pass through here; their casing is left alone.
func NormalizeFilename(url string) string {
	name := url
	if i := strings.LastIndex(url, "/"); i >= 0 {
		name = url[i+1:]
	}
	return strings.ToLower(name)
}
