package migrate

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencatalog/s3store/pkg/catalog"
	"github.com/opencatalog/s3store/pkg/storage"
)

// fakeStore is an in-memory ObjectStore for tests. The upload phase
// drives it from a worker pool, so it is goroutine-safe like the real
// client it stands in for.
type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	acls    map[string]storage.ACL
	puts    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		objects: make(map[string][]byte),
		acls:    make(map[string]storage.ACL),
	}
}

func (f *fakeStore) EnsureBucket() error { return nil }

func (f *fakeStore) Exists(key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok, nil
}

func (f *fakeStore) Head(key string) (*storage.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dat, ok := f.objects[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &storage.ObjectInfo{Key: key, ETag: "etag", Size: int64(len(dat))}, nil
}

func (f *fakeStore) Put(key string, body io.ReadSeeker, size int64, contentType string, acl storage.ACL, metadata map[string]string) error {
	dat, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = dat
	f.acls[key] = acl
	f.puts++
	return nil
}

func (f *fakeStore) Get(key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dat, ok := f.objects[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(dat)), nil
}

func (f *fakeStore) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func (f *fakeStore) List(prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for key := range f.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (f *fakeStore) SetACL(key string, acl storage.ACL) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acls[key] = acl
	return nil
}

func (f *fakeStore) Presign(key string, ttl time.Duration) (string, error) {
	return "http://store/" + key + "?AWSAccessKeyId=k&Expires=1&Signature=s", nil
}

func (f *fakeStore) PublicURL(key string) string { return "http://store/" + key }

// fakeCatalog is an in-memory catalog for tests. PatchResource is called
// from upload workers, so writes to patched are guarded like the real
// sqlx handle would be.
type fakeCatalog struct {
	mu          sync.Mutex
	byID        map[string]catalog.Resource
	byPackage   map[string][]catalog.Resource
	byURL       map[string][]catalog.Resource
	patched     map[string]string
	rejectPatch bool
	opens       int
	closes      int
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		byID:      make(map[string]catalog.Resource),
		byPackage: make(map[string][]catalog.Resource),
		byURL:     make(map[string][]catalog.Resource),
		patched:   make(map[string]string),
	}
}

func (f *fakeCatalog) opener() CatalogOpener {
	return func() (Catalog, error) {
		f.opens++
		return f, nil
	}
}

func (f *fakeCatalog) FindUploads(id string) ([]catalog.Resource, error) {
	if rows, ok := f.byPackage[id]; ok {
		return rows, nil
	}
	if row, ok := f.byID[id]; ok {
		return []catalog.Resource{row}, nil
	}
	return nil, nil
}

func (f *fakeCatalog) FindByID(id string) (*catalog.Resource, error) {
	if row, ok := f.byID[id]; ok {
		return &row, nil
	}
	return nil, nil
}

func (f *fakeCatalog) FindByURL(url string) ([]catalog.Resource, error) {
	return f.byURL[url], nil
}

func (f *fakeCatalog) PatchResource(id, url string) error {
	if f.rejectPatch {
		return errors.Wrap(catalog.ErrValidationRejected, "url failed validation")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patched[id] = url
	return nil
}

func (f *fakeCatalog) Close() error {
	f.closes++
	return nil
}

func testEngine(store *fakeStore, cat *fakeCatalog, cfg Config) *Engine {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return NewEngine(store, cat.opener(), cfg, log)
}

// writeFile creates a file (and its parents) under root.
func writeFile(t *testing.T, root string, parts ...string) string {
	p := filepath.Join(append([]string{root}, parts...)...)
	require.Nil(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.Nil(t, os.WriteFile(p, []byte("legacy content"), 0644))
	return p
}

func TestUploadAll(t *testing.T) {
	root := t.TempDir()
	id := "0d12fa42-342c-4167-8674-e03dd96f93d2"
	writeFile(t, root, id[0:3], id[3:6], id[6:])

	cat := newFakeCatalog()
	cat.byID[id] = catalog.Resource{ID: id, URL: "My-File.TXT"}

	store := newFakeStore()
	eng := testEngine(store, cat, Config{StorageRoot: root, KeyPrefix: "my-path"})

	counts, err := eng.UploadAll()
	require.Nil(t, err)
	assert.Equal(t, 1, counts.FilesFound)
	assert.Equal(t, 1, counts.Matched)
	assert.Equal(t, 1, counts.Uploaded)
	assert.Equal(t, 0, counts.Skipped)

	key := fmt.Sprintf("my-path/resources/%s/my-file.txt", id)
	_, ok := store.objects[key]
	assert.True(t, ok)
	assert.Equal(t, storage.ACLPublicRead, store.acls[key])
	assert.Equal(t, "my-file.txt", cat.patched[id])

	// Every phase opened and released its own catalog connection.
	assert.Equal(t, cat.opens, cat.closes)
}

func TestUploadAllIsIdempotent(t *testing.T) {
	root := t.TempDir()
	id := "0d12fa42-342c-4167-8674-e03dd96f93d2"
	writeFile(t, root, id[0:3], id[3:6], id[6:])

	cat := newFakeCatalog()
	cat.byID[id] = catalog.Resource{ID: id, URL: "file.txt"}

	store := newFakeStore()
	eng := testEngine(store, cat, Config{StorageRoot: root, KeyPrefix: "p"})

	_, err := eng.UploadAll()
	require.Nil(t, err)
	require.Equal(t, 1, store.puts)

	// A second run finds everything already present and transfers
	// nothing.
	counts, err := eng.UploadAll()
	require.Nil(t, err)
	assert.Equal(t, 1, store.puts)
	assert.Equal(t, 0, counts.Uploaded)
	assert.Equal(t, 1, counts.Skipped)
}

func TestUploadAllReportsOrphans(t *testing.T) {
	root := t.TempDir()
	id := "0d12fa42-342c-4167-8674-e03dd96f93d2"
	writeFile(t, root, id[0:3], id[3:6], id[6:])
	writeFile(t, root, "zzz", "yyy", "orphaned-file")

	cat := newFakeCatalog()
	cat.byID[id] = catalog.Resource{ID: id, URL: "file.txt"}

	store := newFakeStore()
	eng := testEngine(store, cat, Config{StorageRoot: root, KeyPrefix: "p"})

	counts, err := eng.UploadAll()
	require.Nil(t, err)
	assert.Equal(t, 2, counts.FilesFound)
	assert.Equal(t, 1, counts.Matched)
	assert.Equal(t, 1, counts.Orphans)
	assert.Equal(t, 1, counts.Uploaded)
}

func TestUploadOne(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "r1", "file.txt")

	cat := newFakeCatalog()
	cat.byID["r1"] = catalog.Resource{ID: "r1", URL: "file.txt"}

	store := newFakeStore()
	eng := testEngine(store, cat, Config{StorageRoot: root, KeyPrefix: "my-path"})

	counts, err := eng.UploadOne("r1")
	require.Nil(t, err)
	assert.Equal(t, 1, counts.Matched)
	assert.Equal(t, 1, counts.Uploaded)
	assert.Equal(t, 1, store.puts)

	_, ok := store.objects["my-path/resources/r1/file.txt"]
	assert.True(t, ok)
	assert.Equal(t, "file.txt", cat.patched["r1"])
}

func TestUploadOneByPackage(t *testing.T) {
	root := t.TempDir()
	idA := "aaabbbresource-one.csv"
	idB := "cccdddresource-two.csv"
	writeFile(t, root, idA[0:3], idA[3:6], idA[6:])
	writeFile(t, root, idB[0:3], idB[3:6], idB[6:])

	cat := newFakeCatalog()
	// One dataset owning two resources; both rows are retained.
	cat.byPackage["pkg-1"] = []catalog.Resource{
		{ID: idA, URL: "one.csv"},
		{ID: idB, URL: "two.csv"},
	}

	store := newFakeStore()
	eng := testEngine(store, cat, Config{StorageRoot: root, KeyPrefix: "p"})

	counts, err := eng.UploadOne("pkg-1")
	require.Nil(t, err)
	assert.Equal(t, 2, counts.Matched)
	assert.Equal(t, 2, counts.Uploaded)
}

func TestUploadOneByPackageManyResources(t *testing.T) {
	root := t.TempDir()
	cat := newFakeCatalog()
	for i := 0; i < 64; i++ {
		id := fmt.Sprintf("res%03d-file-%03d.csv", i, i)
		writeFile(t, root, id[0:3], id[3:6], id[6:])
		cat.byPackage["pkg-1"] = append(cat.byPackage["pkg-1"],
			catalog.Resource{ID: id, URL: fmt.Sprintf("file-%03d.csv", i)})
	}

	store := newFakeStore()
	eng := testEngine(store, cat, Config{StorageRoot: root, KeyPrefix: "p", Concurrency: 8})

	counts, err := eng.UploadOne("pkg-1")
	require.Nil(t, err)
	assert.Equal(t, 64, counts.Matched)
	assert.Equal(t, 64, counts.Uploaded)
	assert.Equal(t, 64, store.puts)
	assert.Len(t, cat.patched, 64)
	assert.Equal(t, "file-007.csv", cat.patched["res007-file-007.csv"])
}

func TestUploadPairtree(t *testing.T) {
	storageRoot := t.TempDir()
	root := pairtreeRoot(storageRoot, "catalog-file")
	writeFile(t, root, "2011-11-04T01:23:45.678", "data.csv")

	url := "http://example.com/storage/f/2011-11-04T01%3A23%3A45.678/data.csv"
	cat := newFakeCatalog()
	cat.byURL[url] = []catalog.Resource{{ID: "r7", URL: url}}

	store := newFakeStore()
	eng := testEngine(store, cat, Config{
		PairtreeStorageRoot: storageRoot,
		LegacyKeyPrefix:     "catalog-file",
		SiteURL:             "http://example.com",
		KeyPrefix:           "p",
	})

	counts, err := eng.UploadPairtree()
	require.Nil(t, err)
	assert.Equal(t, 1, counts.FilesFound)
	assert.Equal(t, 1, counts.Matched)
	assert.Equal(t, 1, counts.Uploaded)

	_, ok := store.objects["p/resources/r7/data.csv"]
	assert.True(t, ok)
}

func TestUploadPairtreeOrphan(t *testing.T) {
	storageRoot := t.TempDir()
	root := pairtreeRoot(storageRoot, "catalog-file")
	writeFile(t, root, "unknown-entry", "data.csv")

	store := newFakeStore()
	eng := testEngine(store, newFakeCatalog(), Config{
		PairtreeStorageRoot: storageRoot,
		LegacyKeyPrefix:     "catalog-file",
		SiteURL:             "http://example.com",
		KeyPrefix:           "p",
	})

	counts, err := eng.UploadPairtree()
	require.Nil(t, err)
	assert.Equal(t, 1, counts.Orphans)
	assert.Equal(t, 0, counts.Uploaded)
	assert.Equal(t, 0, store.puts)
}

func TestRejectedPatchKeepsUpload(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "r1", "file.txt")

	cat := newFakeCatalog()
	cat.byID["r1"] = catalog.Resource{ID: "r1", URL: "file.txt"}
	cat.rejectPatch = true

	store := newFakeStore()
	eng := testEngine(store, cat, Config{StorageRoot: root, KeyPrefix: "p"})

	counts, err := eng.UploadOne("r1")
	require.Nil(t, err)
	assert.Equal(t, 1, counts.Uploaded)
	assert.Equal(t, 1, counts.PatchFailures)

	// The stored object is not rolled back.
	_, ok := store.objects["p/resources/r1/file.txt"]
	assert.True(t, ok)
	_, patched := cat.patched["r1"]
	assert.False(t, patched)
}
