// Uploaders bind entity context to the object store: they derive keys,
// attach escaped metadata, and decide between plain and signed URLs based
// on the owning entity's current visibility.
//
// There are exactly two uploader variants. ResourceUploader handles
// dataset resource files and supports visibility synchronization;
// ImageUploader handles general uploads (entity images and similar) and
// does not.
package uploader

import (
	"io"
	"net/url"
	"path"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/opencatalog/s3store/pkg/metadata"
	"github.com/opencatalog/s3store/pkg/objkey"
	"github.com/opencatalog/s3store/pkg/storage"
)

// DefaultSignedURLExpiry bounds the lifetime of signed URLs handed out
// for private objects.
const DefaultSignedURLExpiry = time.Hour

// Resource is the catalog view of one uploaded file's owning record.
type Resource struct {
	ID           string
	PackageID    string
	URL          string
	LastModified time.Time
}

// PackageInfo carries the owning dataset's textual attributes, attached
// as object metadata on upload.
type PackageInfo struct {
	ID      string
	Title   string
	Author  string
	Private bool
}

// PrivacyChecker reports whether the owning package is currently private.
// Visibility is re-derived through this on every access; it is never
// cached, because privacy can change out-of-band.
type PrivacyChecker func(packageID string) (bool, error)

// VisibilitySyncer is the capability of flipping stored objects' ACLs when
// the owning entity's privacy changes. Of the two uploader variants only
// ResourceUploader implements it.
type VisibilitySyncer interface {
	UpdateVisibility(resourceID string, target storage.ACL) error
}

// Config holds the uploader options shared by both variants.
type Config struct {
	// Prefix is the configured storage path prepended to every key.
	Prefix string
	// ACLMode is public-read, private, or auto.
	ACLMode storage.ACL
	// UseFilename prefers the request-supplied filename over the one
	// recorded in the catalog url when resolving download URLs.
	UseFilename bool
	// SignedURLExpiry overrides DefaultSignedURLExpiry when positive.
	SignedURLExpiry time.Duration
}

func (c Config) expiry() time.Duration {
	if c.SignedURLExpiry > 0 {
		return c.SignedURLExpiry
	}
	return DefaultSignedURLExpiry
}

// ResourceUploader manages dataset resource files.
type ResourceUploader struct {
	store   storage.ObjectStore
	cfg     Config
	privacy PrivacyChecker
	log     logrus.FieldLogger
}

var _ VisibilitySyncer = (*ResourceUploader)(nil)

func NewResourceUploader(store storage.ObjectStore, cfg Config, privacy PrivacyChecker, log logrus.FieldLogger) *ResourceUploader {
	return &ResourceUploader{
		store:   store,
		cfg:     cfg,
		privacy: privacy,
		log:     log,
	}
}

// Key derives the store key for one file of a resource.
func (u *ResourceUploader) Key(resourceID, filename string) (string, error) {
	return objkey.ResourceKey(u.cfg.Prefix, resourceID, filename)
}

// Upload streams a resource file into the store. Live uploads are
// authoritative: no existence check, existing content is overwritten.
func (u *ResourceUploader) Upload(res Resource, pkg PackageInfo, filename string, body io.ReadSeeker, size int64, contentType string) (string, error) {
	key, err := u.Key(res.ID, filename)
	if err != nil {
		return "", err
	}

	acl := u.cfg.ACLMode
	if acl == storage.ACLAuto {
		acl = storage.ACLPublicRead
		if pkg.Private {
			acl = storage.ACLPrivate
		}
	}

	md := u.resourceMetadata(res, pkg)
	if err := u.store.Put(key, body, size, contentType, acl, md); err != nil {
		return "", errors.Wrapf(err, "Failed to upload resource %s", res.ID)
	}
	u.log.Debugf("Uploaded resource %s as %s", res.ID, key)
	return key, nil
}

// resourceMetadata assembles the escaped metadata headers attached to a
// resource object. Each value is escaped individually.
func (u *ResourceUploader) resourceMetadata(res Resource, pkg PackageInfo) map[string]string {
	md := map[string]string{
		"package_id":     pkg.ID,
		"package_title":  pkg.Title,
		"package_author": pkg.Author,
	}
	if !res.LastModified.IsZero() {
		md["last_modified"] = metadata.FormatTimestamp(res.LastModified)
	}
	return metadata.EscapeMap(md)
}

// ResolveURL returns the download URL for one file of a resource: a plain
// URL with an ETag cache-buster when the object is publicly readable, a
// time-limited signed URL when it is private. An absent object resolves to
// an empty URL, not an error.
func (u *ResourceUploader) ResolveURL(res Resource, filename string) (string, error) {
	name := filename
	if name == "" || !u.cfg.UseFilename {
		name = urlFilename(res.URL)
	}
	key, err := u.Key(res.ID, name)
	if err != nil {
		return "", err
	}

	mode := u.cfg.ACLMode
	if mode == storage.ACLAuto {
		private, err := u.privacy(res.PackageID)
		if err != nil {
			return "", errors.Wrapf(err, "Failed to check visibility of package %s", res.PackageID)
		}
		mode = storage.ACLPublicRead
		if private {
			mode = storage.ACLPrivate
		}
	}

	if mode == storage.ACLPrivate {
		return u.store.Presign(key, u.cfg.expiry())
	}
	return u.publicURL(key)
}

// publicURL builds the plain URL for a key, annotated with the object's
// current ETag so browser caches invalidate on content change.
func (u *ResourceUploader) publicURL(key string) (string, error) {
	info, err := u.store.Head(key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	return u.store.PublicURL(key) + "?ETag=" + url.QueryEscape(info.ETag), nil
}

// UpdateVisibility sets the ACL of every object belonging to the resource.
// Re-applying the same target is a harmless no-op from the caller's
// perspective.
func (u *ResourceUploader) UpdateVisibility(resourceID string, target storage.ACL) error {
	keys, err := u.store.List(objkey.ResourcePath(u.cfg.Prefix, resourceID) + "/")
	if err != nil {
		return errors.Wrapf(err, "Failed to list objects for resource %s", resourceID)
	}
	for _, key := range keys {
		if err := u.store.SetACL(key, target); err != nil {
			return err
		}
	}
	u.log.Debugf("Set ACL %s on %d objects of resource %s", target, len(keys), resourceID)
	return nil
}

// Delete removes one file of a resource, tolerating its absence.
func (u *ResourceUploader) Delete(resourceID, filename string) error {
	key, err := u.Key(resourceID, filename)
	if err != nil {
		return err
	}
	return u.store.Delete(key)
}

// urlFilename extracts the filename component of a catalog url without
// altering its casing.
func urlFilename(rawURL string) string {
	return path.Base(rawURL)
}
