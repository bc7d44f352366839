package uploader

import (
	"bytes"
	"crypto/md5"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/opencatalog/s3store/pkg/storage"
)

// fakeStore is an in-memory ObjectStore for tests.
type fakeStore struct {
	objects map[string]*fakeObject
	puts    int
	aclSets int
}

type fakeObject struct {
	body        []byte
	contentType string
	acl         storage.ACL
	metadata    map[string]string
}

const (
	fakeEndpoint = "http://127.0.0.1:9000"
	fakeBucket   = "my-bucket"
)

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[string]*fakeObject)}
}

func (f *fakeStore) EnsureBucket() error { return nil }

func (f *fakeStore) Exists(key string) (bool, error) {
	_, ok := f.objects[key]
	return ok, nil
}

func (f *fakeStore) Head(key string) (*storage.ObjectInfo, error) {
	obj, ok := f.objects[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         fmt.Sprintf("%x", md5.Sum(obj.body)),
		Size:         int64(len(obj.body)),
		ContentType:  obj.contentType,
		LastModified: time.Now(),
		Metadata:     obj.metadata,
	}, nil
}

func (f *fakeStore) Put(key string, body io.ReadSeeker, size int64, contentType string, acl storage.ACL, metadata map[string]string) error {
	dat, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.objects[key] = &fakeObject{
		body:        dat,
		contentType: contentType,
		acl:         acl,
		metadata:    metadata,
	}
	f.puts++
	return nil
}

func (f *fakeStore) Get(key string) (io.ReadCloser, error) {
	obj, ok := f.objects[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.body)), nil
}

func (f *fakeStore) Delete(key string) error {
	delete(f.objects, key)
	return nil
}

func (f *fakeStore) List(prefix string) ([]string, error) {
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
	obj, ok := f.objects[key]
	if !ok {
		return storage.ErrNotFound
	}
	obj.acl = acl
	f.aclSets++
	return nil
}

func (f *fakeStore) Presign(key string, ttl time.Duration) (string, error) {
	return fmt.Sprintf("%s/%s/%s?AWSAccessKeyId=SomeKey&Expires=9999999999&Signature=hb7%%2F%%2Bz1H%%2B8wdEy0pCsX7bZG%%2BuPU%%3D",
		fakeEndpoint, fakeBucket, key), nil
}

func (f *fakeStore) PublicURL(key string) string {
	return fmt.Sprintf("%s/%s/%s", fakeEndpoint, fakeBucket, key)
}
