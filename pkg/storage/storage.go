// The object store facade. All network interaction with the S3-compatible
// store goes through the ObjectStore interface so that the engine above it
// never touches the SDK directly.
package storage

import (
	"io"
	"time"

	"github.com/pkg/errors"
)

// ACL is the access policy attached to an object or configured as the
// default mode. ACLAuto is only valid as a configured mode; objects
// themselves always end up public-read or private.
type ACL string

const (
	ACLPublicRead ACL = "public-read"
	ACLPrivate    ACL = "private"
	ACLAuto       ACL = "auto"
)

var (
	// ErrNotFound reports an absent object. Callers are expected to treat
	// this as a normal condition, not a failure.
	ErrNotFound = errors.New("storage: object not found")

	// ErrStorageUnavailable reports an unreachable store or rejected
	// credentials. Fatal when raised during the startup access check.
	ErrStorageUnavailable = errors.New("storage: store unreachable or credentials rejected")
)

// Config enumerates the recognized client options.
type Config struct {
	Bucket string
	Region string
	// SignatureVersion must be s3 or s3v4. The SDK signs V4 either way;
	// the option exists to catch configurations written for other clients.
	SignatureVersion string
	AccessKeyID      string
	SecretAccessKey  string
	UseAmbientRole   bool
	Endpoint         string
	PathStyle        bool
}

// ObjectInfo is the metadata view of a stored object.
type ObjectInfo struct {
	Key          string
	ETag         string
	Size         int64
	ContentType  string
	LastModified time.Time
	Metadata     map[string]string
}

// ObjectStore wraps the object store capability. Operations are
// synchronous and never retried internally; retrying is the caller's
// decision.
type ObjectStore interface {
	// EnsureBucket creates the configured bucket if it does not exist.
	EnsureBucket() error

	// Exists probes object metadata, translating a not-found response
	// into (false, nil) rather than an error.
	Exists(key string) (bool, error)

	// Head returns object metadata, or ErrNotFound.
	Head(key string) (*ObjectInfo, error)

	// Put writes an object. Existing content under the same key is
	// overwritten. An empty acl leaves the bucket default in place.
	Put(key string, body io.ReadSeeker, size int64, contentType string, acl ACL, metadata map[string]string) error

	// Get returns the object body, or ErrNotFound.
	Get(key string) (io.ReadCloser, error)

	// Delete removes an object. Deleting an absent key is not an error.
	Delete(key string) error

	// List returns the keys under the given prefix.
	List(prefix string) ([]string, error)

	// SetACL replaces the object's access policy.
	SetACL(key string, acl ACL) error

	// Presign returns a time-limited signed GET URL for the key.
	Presign(key string, ttl time.Duration) (string, error)

	// PublicURL returns the plain deterministic URL for the key.
	PublicURL(key string) string
}
