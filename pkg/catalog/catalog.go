// Read access to the relational catalog's resource table, plus the one
// write the migration needs: patching a migrated resource's url back to
// the bare filename.
package catalog

import (
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrValidationRejected reports a patch the catalog refused. The stored
// object is still valid; only the catalog row was left untouched.
var ErrValidationRejected = errors.New("catalog: patch rejected by validation")

// Resource is one row of the catalog's resource table, reduced to the
// attributes the migration cares about.
type Resource struct {
	ID  string `db:"id"`
	URL string `db:"url"`
}

// Catalog is a scoped handle on the catalog database. Callers open it for
// one phase of work and must Close it when that phase ends.
type Catalog struct {
	db  *sqlx.DB
	log logrus.FieldLogger
}

// Open connects to the catalog database.
func Open(databaseURL string, log logrus.FieldLogger) (*Catalog, error) {
	if databaseURL == "" {
		return nil, errors.New("catalog: database url is not configured")
	}
	db, err := sqlx.Open("postgres", databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to open catalog database")
	}
	return &Catalog{db: db, log: log}, nil
}

func (c *Catalog) Close() error {
	return c.db.Close()
}

const uploadPredicates = `
	AND state = 'active'
	AND url IS NOT NULL
	AND url <> ''
	AND url_type = 'upload'`

// FindUploads returns every active uploaded resource whose id or owning
// package id matches. One package can own many resources; all rows are
// retained.
func (c *Catalog) FindUploads(id string) ([]Resource, error) {
	var rows []Resource
	err := c.db.Select(&rows, `
		SELECT id, url
		FROM resource
		WHERE (id = $1 OR package_id = $1)`+uploadPredicates, id)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to query uploads for %s", id)
	}
	return rows, nil
}

// FindByID returns the active uploaded resource with the given id, or
// (nil, nil) when no row matches.
func (c *Catalog) FindByID(id string) (*Resource, error) {
	var row Resource
	err := c.db.Get(&row, `
		SELECT id, url
		FROM resource
		WHERE id = $1`+uploadPredicates, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to query resource %s", id)
	}
	return &row, nil
}

// FindByURL returns the active resources whose stored url matches exactly.
// Used for pairtree candidates, which are only identifiable through their
// reconstructed original URL.
func (c *Catalog) FindByURL(url string) ([]Resource, error) {
	var rows []Resource
	err := c.db.Select(&rows, `
		SELECT id, url
		FROM resource
		WHERE url = $1
		AND state = 'active'
		AND url IS NOT NULL
		AND url <> ''`, url)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to query resource by url %s", url)
	}
	return rows, nil
}

// PatchResource rewrites the stored url of a resource, reflecting that the
// file now lives in the object store. Integrity violations surface as
// ErrValidationRejected so callers can report them without aborting.
func (c *Catalog) PatchResource(id, url string) error {
	_, err := c.db.Exec(`UPDATE resource SET url = $2 WHERE id = $1`, id, url)
	if err != nil {
		if isValidationErr(err) {
			return errors.Wrap(ErrValidationRejected, err.Error())
		}
		return errors.Wrapf(err, "Failed to patch resource %s", id)
	}
	return nil
}

// isValidationErr reports whether the database refused the write for
// integrity reasons (class 23) rather than failing operationally.
func isValidationErr(err error) bool {
	if pqErr, ok := errors.Cause(err).(*pq.Error); ok {
		return pqErr.Code.Class() == "23"
	}
	return false
}
