package uploader

import (
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/opencatalog/s3store/pkg/objkey"
	"github.com/opencatalog/s3store/pkg/storage"
)

// ImageUploader manages general uploads (entity images and similar) under
// a fixed upload target. It deliberately does not implement
// VisibilitySyncer; general uploads have no owning privacy flag.
type ImageUploader struct {
	store       storage.ObjectStore
	cfg         Config
	uploadTo    string
	oldFilename string
	now         func() time.Time
	log         logrus.FieldLogger
}

func NewImageUploader(store storage.ObjectStore, cfg Config, uploadTo, oldFilename string, log logrus.FieldLogger) *ImageUploader {
	return &ImageUploader{
		store:       store,
		cfg:         cfg,
		uploadTo:    uploadTo,
		oldFilename: oldFilename,
		now:         time.Now,
		log:         log,
	}
}

// Upload stores a general upload under a timestamp-qualified key and
// returns both the key and the stamped filename the caller should record.
func (u *ImageUploader) Upload(filename string, body io.ReadSeeker, size int64, contentType string) (key string, storedName string, err error) {
	storedName = objkey.TimestampedFilename(filename, u.now())
	key, err = objkey.UploadKey(u.cfg.Prefix, u.uploadTo, storedName)
	if err != nil {
		return "", "", err
	}

	acl := u.cfg.ACLMode
	if acl == storage.ACLAuto {
		acl = storage.ACLPublicRead
	}
	if err := u.store.Put(key, body, size, contentType, acl, nil); err != nil {
		return "", "", errors.Wrapf(err, "Failed to upload %s", storedName)
	}
	u.log.Debugf("Uploaded %s as %s", filename, key)
	return key, storedName, nil
}

// Clear removes the previously recorded upload, if any. Used when the
// caller replaces or clears an image.
func (u *ImageUploader) Clear() error {
	if u.oldFilename == "" {
		return nil
	}
	key, err := objkey.UploadKey(u.cfg.Prefix, u.uploadTo, u.oldFilename)
	if err != nil {
		return err
	}
	return u.store.Delete(key)
}

// ResolveURL returns the URL serving a stored upload.
func (u *ImageUploader) ResolveURL(filename string) (string, error) {
	key, err := objkey.UploadKey(u.cfg.Prefix, u.uploadTo, filename)
	if err != nil {
		return "", err
	}
	if u.cfg.ACLMode == storage.ACLPrivate {
		return u.store.Presign(key, u.cfg.expiry())
	}
	return u.store.PublicURL(key), nil
}
