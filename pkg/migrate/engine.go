// The one-time migration from legacy on-disk storage into the object
// store. A run moves through four phases in order: discover files on
// disk, match them against the catalog, upload what matched, report
// counts. Discovery fully completes before matching, and the catalog
// query connection is released before any upload starts.
//
// Uploads are existence-checked, so an interrupted run can simply be
// re-run; nothing already present is ever transferred again.
package migrate

import (
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/opencatalog/s3store/pkg/catalog"
	"github.com/opencatalog/s3store/pkg/objkey"
	"github.com/opencatalog/s3store/pkg/storage"
)

// Catalog is the slice of catalog capability the migration needs: the
// reads that drive matching and the single write that records a migrated
// file's new location.
type Catalog interface {
	FindUploads(id string) ([]catalog.Resource, error)
	FindByID(id string) (*catalog.Resource, error)
	FindByURL(url string) ([]catalog.Resource, error)
	PatchResource(id, url string) error
	Close() error
}

// ResourcePatcher is the write-side capability used during the upload
// phase.
type ResourcePatcher interface {
	PatchResource(id, url string) error
}

// CatalogOpener opens a scoped catalog connection. The engine opens one
// per phase that needs the catalog and closes it before moving on.
type CatalogOpener func() (Catalog, error)

// Config holds the migration options.
type Config struct {
	// StorageRoot is the root of the legacy resource tree.
	StorageRoot string
	// PairtreeStorageRoot is the root holding pairtree_root. Falls back
	// to StorageRoot when empty.
	PairtreeStorageRoot string
	// LegacyKeyPrefix is the key prefix pair-split into the pairtree
	// path.
	LegacyKeyPrefix string
	// SiteURL reconstructs the original URLs recorded for pairtree
	// uploads.
	SiteURL string
	// KeyPrefix is the configured storage path prepended to derived
	// object keys.
	KeyPrefix string
	// DefaultACL is applied to every migrated object.
	DefaultACL storage.ACL
	// Concurrency bounds the upload worker pool. Defaults to 4.
	Concurrency int
}

// Counts aggregates the outcome of one migration run.
type Counts struct {
	FilesFound    int
	Matched       int
	Uploaded      int
	Skipped       int
	Orphans       int
	Failures      int
	PatchFailures int
}

// candidate is a file discovered on disk paired with the identifying
// attribute reconstructed from its location, before catalog confirmation.
type candidate struct {
	id   string
	path string
}

// matchedFile is a candidate confirmed against the catalog, ready for
// upload.
type matchedFile struct {
	id       string
	filename string
	path     string
}

type Engine struct {
	store       storage.ObjectStore
	openCatalog CatalogOpener
	cfg         Config
	log         logrus.FieldLogger
}

func NewEngine(store storage.ObjectStore, openCatalog CatalogOpener, cfg Config, log logrus.FieldLogger) *Engine {
	if cfg.DefaultACL == "" || cfg.DefaultACL == storage.ACLAuto {
		cfg.DefaultACL = storage.ACLPublicRead
	}
	return &Engine{
		store:       store,
		openCatalog: openCatalog,
		cfg:         cfg,
		log:         log,
	}
}

// UploadAll scans the whole legacy resource tree and migrates every file
// that matches an active uploaded resource.
func (e *Engine) UploadAll() (Counts, error) {
	var c Counts

	cands, err := discoverResourceTree(e.cfg.StorageRoot)
	if err != nil {
		return c, errors.Wrap(err, "Failed to scan legacy storage")
	}
	c.FilesFound = len(cands)
	e.log.Infof("Found %d resource files in the file system", c.FilesFound)

	matched, err := e.matchByID(cands, &c)
	if err != nil {
		return c, err
	}
	c.Matched = len(matched)
	e.log.Infof("%d resources matched on the database", c.Matched)

	err = e.uploadMatched(matched, &c)
	e.report(c)
	return c, err
}

// UploadOne migrates the files of one resource, or of every resource in
// one package, identified by id.
func (e *Engine) UploadOne(id string) (Counts, error) {
	var c Counts

	rows, err := e.findUploads(id)
	if err != nil {
		return c, err
	}
	c.Matched = len(rows)
	e.log.Infof("%d resources matched on the database", c.Matched)

	var matched []matchedFile
	for _, row := range rows {
		p, ok := resourceFilePath(e.cfg.StorageRoot, row.ID)
		if !ok {
			e.log.Warnf("No file on disk for resource %s", row.ID)
			continue
		}
		matched = append(matched, matchedFile{
			id:       row.ID,
			filename: objkey.NormalizeFilename(row.URL),
			path:     p,
		})
	}
	c.FilesFound = len(matched)
	e.log.Infof("Found %d resource files in the file system", c.FilesFound)

	err = e.uploadMatched(matched, &c)
	e.report(c)
	return c, err
}

// UploadPairtree migrates files from the legacy pairtree storage layout.
func (e *Engine) UploadPairtree() (Counts, error) {
	var c Counts

	root := pairtreeRoot(e.pairtreeStorageRoot(), e.cfg.LegacyKeyPrefix)
	e.log.Infof("Uploading pairtree files from %s", root)

	rels, err := discoverPairtree(root)
	if err != nil {
		return c, errors.Wrap(err, "Failed to scan pairtree storage")
	}
	c.FilesFound = len(rels)
	e.log.Infof("Found %d resource files in the file system", c.FilesFound)

	matched, err := e.matchPairtree(root, rels, &c)
	if err != nil {
		return c, err
	}
	c.Matched = len(matched)
	e.log.Infof("%d resources matched on the database", c.Matched)
	if c.Matched == 0 {
		e.report(c)
		return c, nil
	}

	err = e.uploadMatched(matched, &c)
	e.report(c)
	return c, err
}

func (e *Engine) pairtreeStorageRoot() string {
	if e.cfg.PairtreeStorageRoot != "" {
		return e.cfg.PairtreeStorageRoot
	}
	return e.cfg.StorageRoot
}

// matchByID confirms candidates against the catalog. The connection is
// scoped to this phase and released before uploads begin.
func (e *Engine) matchByID(cands []candidate, c *Counts) ([]matchedFile, error) {
	cat, err := e.openCatalog()
	if err != nil {
		return nil, errors.Wrap(err, "Failed to open catalog")
	}
	defer cat.Close()

	var matched []matchedFile
	for _, cand := range cands {
		row, err := cat.FindByID(cand.id)
		if err != nil {
			return nil, err
		}
		if row == nil {
			c.Orphans++
			e.log.Infof("%s is an orphan; no resource points to it", cand.path)
			continue
		}
		matched = append(matched, matchedFile{
			id:       row.ID,
			filename: objkey.NormalizeFilename(row.URL),
			path:     cand.path,
		})
	}
	return matched, nil
}

// matchPairtree confirms pairtree candidates through their reconstructed
// original URLs.
func (e *Engine) matchPairtree(root string, rels []string, c *Counts) ([]matchedFile, error) {
	cat, err := e.openCatalog()
	if err != nil {
		return nil, errors.Wrap(err, "Failed to open catalog")
	}
	defer cat.Close()

	var matched []matchedFile
	for _, rel := range rels {
		url := pairtreeURL(e.cfg.SiteURL, rel)
		rows, err := cat.FindByURL(url)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			c.Orphans++
			e.log.Infof("%s is an orphan; no resource points to it", rel)
			continue
		}
		for _, row := range rows {
			matched = append(matched, matchedFile{
				id:       row.ID,
				filename: objkey.NormalizeFilename(row.URL),
				path:     pairtreeFilePath(root, rel),
			})
		}
	}
	return matched, nil
}

func (e *Engine) findUploads(id string) ([]catalog.Resource, error) {
	cat, err := e.openCatalog()
	if err != nil {
		return nil, errors.Wrap(err, "Failed to open catalog")
	}
	defer cat.Close()
	return cat.FindUploads(id)
}

// uploadMatched streams matched files into the store with a bounded
// worker pool. Candidates are independent; per-candidate failures are
// logged and counted, never aborting the batch.
func (e *Engine) uploadMatched(files []matchedFile, c *Counts) error {
	if len(files) == 0 {
		return nil
	}

	cat, err := e.openCatalog()
	if err != nil {
		return errors.Wrap(err, "Failed to open catalog")
	}
	defer cat.Close()

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(e.concurrency())
	for _, m := range files {
		m := m
		g.Go(func() error {
			e.uploadFile(cat, m, c, &mu)
			return nil
		})
	}
	return g.Wait()
}

func (e *Engine) uploadFile(patcher ResourcePatcher, m matchedFile, c *Counts, mu *sync.Mutex) {
	bump := func(n *int) {
		mu.Lock()
		*n++
		mu.Unlock()
	}

	key, err := objkey.ResourceKey(e.cfg.KeyPrefix, m.id, m.filename)
	if err != nil {
		e.log.Warnf("Cannot derive a key for resource %s: %v", m.id, err)
		bump(&c.Failures)
		return
	}

	exists, err := e.store.Exists(key)
	if err != nil {
		e.log.Warnf("Failed to probe %s: %v", key, err)
		bump(&c.Failures)
		return
	}
	if exists {
		e.log.Infof("%s is already in the store, skipping", key)
		bump(&c.Skipped)
		return
	}

	f, err := os.Open(m.path)
	if err != nil {
		e.log.Warnf("Failed to open %s: %v", m.path, err)
		bump(&c.Failures)
		return
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		e.log.Warnf("Failed to stat %s: %v", m.path, err)
		bump(&c.Failures)
		return
	}

	if err := e.store.Put(key, f, fi.Size(), "", e.cfg.DefaultACL, nil); err != nil {
		e.log.Warnf("Failed to upload %s: %v", key, err)
		bump(&c.Failures)
		return
	}
	bump(&c.Uploaded)
	e.log.Infof("Uploaded resource %s (%s)", m.id, m.filename)

	// A rejected patch never undoes the completed upload; the object
	// stays in the store even though the catalog still points elsewhere.
	if err := patcher.PatchResource(m.id, m.filename); err != nil {
		bump(&c.PatchFailures)
		if errors.Is(err, catalog.ErrValidationRejected) {
			e.log.Warnf("%s failed to validate; the file is in the store but might not be used", m.id)
		} else {
			e.log.Warnf("Failed to patch resource %s: %v", m.id, err)
		}
	}
}

func (e *Engine) concurrency() int {
	if e.cfg.Concurrency > 0 {
		return e.cfg.Concurrency
	}
	return 4
}

func (e *Engine) report(c Counts) {
	e.log.Infof("Done: %d files found, %d resources matched, %d uploaded, %d already present, %d orphans, %d failures, %d patch failures",
		c.FilesFound, c.Matched, c.Uploaded, c.Skipped, c.Orphans, c.Failures, c.PatchFailures)
}
