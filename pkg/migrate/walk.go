package migrate

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// discoverResourceTree walks the legacy resource tree, where a resource
// id is split as id[0:3]/id[3:6]/id[6:] into two directory levels and the
// filename. The id is reconstructed by concatenating the last two
// directory names with the filename. Directories without files are
// skipped.
func discoverResourceTree(root string) ([]candidate, error) {
	firstFile, err := firstFilePerDir(root)
	if err != nil {
		return nil, err
	}

	var cands []candidate
	for dir, name := range firstFile {
		parent := filepath.Base(filepath.Dir(dir))
		leaf := filepath.Base(dir)
		cands = append(cands, candidate{
			id:   parent + leaf + name,
			path: filepath.Join(dir, name),
		})
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].path < cands[j].path })
	return cands, nil
}

// discoverPairtree walks a pairtree object root and returns relative
// "dir/file" entries for every leaf directory holding a file.
func discoverPairtree(root string) ([]string, error) {
	firstFile, err := firstFilePerDir(root)
	if err != nil {
		return nil, err
	}

	var rels []string
	for dir, name := range firstFile {
		rels = append(rels, filepath.Base(dir)+"/"+name)
	}
	sort.Strings(rels)
	return rels, nil
}

// firstFilePerDir maps each directory under root to the first regular
// file it holds, mirroring the one-file-per-leaf layout of the legacy
// stores.
func firstFilePerDir(root string) (map[string]string, error) {
	firstFile := make(map[string]string)
	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		dir := filepath.Dir(p)
		if _, ok := firstFile[dir]; !ok {
			firstFile[dir] = info.Name()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return firstFile, nil
}

// resourceFilePath locates the on-disk file for a resource id, trying the
// hash-prefixed layout first and falling back to the flat-by-id layout.
// The path always derives from the matched resource id.
func resourceFilePath(root, id string) (string, bool) {
	if len(id) > 6 {
		p := filepath.Join(root, id[0:3], id[3:6], id[6:])
		if isRegularFile(p) {
			return p, true
		}
	}

	dir := filepath.Join(root, id)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	for _, ent := range entries {
		if !ent.IsDir() {
			return filepath.Join(dir, ent.Name()), true
		}
	}
	return "", false
}

func isRegularFile(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}

// pairtreeRoot computes the pairtree object root: the storage root plus
// pairtree_root, the pair-split key prefix, and the fixed obj leaf.
func pairtreeRoot(storageRoot, keyPrefix string) string {
	return filepath.Join(storageRoot, "pairtree_root", pairSplit(keyPrefix), "obj")
}

// pairSplit maps an identifier to its nested pairtree path by splitting
// it into two-character segments.
func pairSplit(s string) string {
	var segs []string
	for i := 0; i < len(s); i += 2 {
		end := i + 2
		if end > len(s) {
			end = len(s)
		}
		segs = append(segs, s[i:end])
	}
	return filepath.Join(segs...)
}

// pairtreeURL reconstructs the original URL recorded in the catalog for a
// pairtree entry, with colons percent-escaped.
func pairtreeURL(siteURL, rel string) string {
	return siteURL + "/storage/f/" + strings.ReplaceAll(rel, ":", "%3A")
}

// pairtreeFilePath resolves a relative pairtree entry to its on-disk
// location.
func pairtreeFilePath(root, rel string) string {
	return filepath.Join(root, filepath.FromSlash(rel))
}
