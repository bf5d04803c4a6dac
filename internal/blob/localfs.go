package blob

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocalFS stores blobs under Root using forward-relative keys. Keys embed the
// job ID, so per-job cleanup is a prefix removal.
type LocalFS struct {
	Root string
}

func (l LocalFS) Put(relPath string, r io.Reader) (string, error) {
	clean := filepath.Clean(relPath)
	abs := filepath.Join(l.Root, clean)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	f, err := os.Create(abs)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return "", err
	}
	return clean, nil
}

func (l LocalFS) Open(relPath string) (*os.File, error) {
	clean := filepath.Clean(relPath)
	abs := filepath.Join(l.Root, clean)
	return os.Open(abs)
}

func (l LocalFS) Exists(relPath string) bool {
	clean := filepath.Clean(relPath)
	abs := filepath.Join(l.Root, clean)
	_, err := os.Stat(abs)
	return err == nil
}

// Download copies a blob to a local file path.
func (l LocalFS) Download(relPath, destPath string) error {
	src, err := l.Open(relPath)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer dst.Close()
	_, err = io.Copy(dst, src)
	return err
}

// DeleteJob removes every blob stored under a job's prefix.
func (l LocalFS) DeleteJob(jobID string) error {
	return os.RemoveAll(filepath.Join(l.Root, "jobs", jobID))
}

// OriginalKey is the blob key for a job's uploaded artifact.
func OriginalKey(jobID, filename string) string {
	return filepath.Join("jobs", jobID, "original", filepath.Base(filename))
}

// ChunkKey is the blob key for one chunk WAV, zero-padded to four digits.
func ChunkKey(jobID string, index int) string {
	return filepath.Join("jobs", jobID, "chunks", fmt.Sprintf("chunk-%04d.wav", index))
}

// ResultKey is the blob key for the final transcript JSON.
func ResultKey(jobID string) string {
	return filepath.Join("jobs", jobID, "result", "transcript.json")
}
