package upload

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// DiskStore is a FileStore writing below Dir and serving URLs below BaseURL.
// Files are stored as {Dir}/{case}/{round}/{uuid}{ext}.
type DiskStore struct {
	Dir     string
	BaseURL string
}

// NewDiskStore creates Dir if needed.
func NewDiskStore(dir, baseURL string) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("upload: create dir: %w", err)
	}
	return &DiskStore{Dir: dir, BaseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Put writes f atomically (temp file + rename) and returns its URL.
func (d *DiskStore) Put(ctx context.Context, caseKey string, round int, f File) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if caseKey == "" || strings.ContainsAny(caseKey, `/\`) || caseKey == "." || caseKey == ".." {
		return "", fmt.Errorf("upload: invalid case key %q", caseKey)
	}

	rel := path.Join(caseKey, strconv.Itoa(round), uuid.NewString()+safeExt(f.Name))
	dst := filepath.Join(d.Dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(f.Data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return d.BaseURL + "/" + rel, nil
}

func safeExt(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if len(ext) > 10 || strings.ContainsAny(ext, `/\ `) {
		return ""
	}
	return ext
}
