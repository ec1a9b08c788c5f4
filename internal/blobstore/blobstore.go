// Package blobstore implements the Attachment Store (spec.md §4.1): a
// content-addressed blob repository with optional zlib compression and
// optional MD5 verification. It is grounded on the teacher's
// internal/service/file.FileService (hash-while-streaming to a temp
// file, then atomic rename into place), generalized from a single
// global store into one keyed purely by uuid + content type, with no
// database of its own.
package blobstore

import (
	"bytes"
	"compress/zlib"
	"crypto/md5"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/IMAGE-ET/Orthanc-2/internal/apperr"
	"github.com/IMAGE-ET/Orthanc-2/internal/logger"
)

// CompressionNone and CompressionZlib name the two supported storage
// encodings for a blob (spec.md §4.1: "optionally compresses (zlib)").
const (
	CompressionNone = ""
	CompressionZlib = "zlib"
)

// FileInfo describes one stored blob, matching the columns the Index
// Database's Attachment model carries (spec.md §3).
type FileInfo struct {
	UUID             string
	ContentType      string
	UncompressedSize int64
	CompressedSize   int64
	CompressionAlgo  string
	UncompressedMD5  string
	CompressedMD5    string
}

// Policy controls the two optional behaviors spec.md §4.1 names:
// whether writes are compressed, and whether MD5 digests are computed
// (and later verified on read).
type Policy struct {
	Compress bool
	UseMD5   bool
}

// Store is a content-addressed blob repository rooted at a directory.
// It has no internal mutex: distinct uuids never touch the same path,
// so concurrent writes of distinct uuids never conflict, matching
// spec.md §4.1's "the store itself is thread-safe and has no global
// lock".
type Store struct {
	root   string
	policy Policy
}

// New opens (creating if necessary) a blob store rooted at root.
func New(root string, policy Policy) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, apperr.Wrap(apperr.CodeDiskFull, fmt.Errorf("failed to create storage root %s: %w", root, err))
	}
	return &Store{root: root, policy: policy}, nil
}

// path fans out by the first two hex characters of the uuid to bound
// per-directory entry counts (spec.md §4.1).
func (s *Store) path(id string) string {
	prefix := id
	if len(prefix) >= 2 {
		prefix = id[:2]
	}
	return filepath.Join(s.root, prefix, id)
}

// Write persists data under a freshly generated uuid and returns its
// descriptor. Writes are durable before this call returns — callers
// rely on that to order attachment creation before the index commit
// (spec.md §4.1 Guarantees).
func (s *Store) Write(data []byte, contentType string) (FileInfo, error) {
	id := uuid.New().String()
	dst := s.path(id)

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return FileInfo{}, apperr.Wrap(apperr.CodeDiskFull, fmt.Errorf("failed to create blob directory: %w", err))
	}

	info := FileInfo{
		UUID:             id,
		ContentType:      contentType,
		UncompressedSize: int64(len(data)),
	}

	if s.policy.UseMD5 {
		sum := md5.Sum(data)
		info.UncompressedMD5 = fmt.Sprintf("%x", sum)
	}

	stored := data
	if s.policy.Compress {
		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return FileInfo{}, apperr.Wrap(apperr.CodeInternalError, err)
		}
		if err := w.Close(); err != nil {
			return FileInfo{}, apperr.Wrap(apperr.CodeInternalError, err)
		}
		stored = buf.Bytes()
		info.CompressionAlgo = CompressionZlib
	}

	info.CompressedSize = int64(len(stored))
	if s.policy.UseMD5 {
		sum := md5.Sum(stored)
		info.CompressedMD5 = fmt.Sprintf("%x", sum)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), "blob_*.tmp")
	if err != nil {
		return FileInfo{}, apperr.Wrap(apperr.CodeWriteFailed, fmt.Errorf("failed to create temp file: %w", err))
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(stored); err != nil {
		tmp.Close()
		return FileInfo{}, apperr.Wrap(apperr.CodeWriteFailed, fmt.Errorf("failed to write blob data: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return FileInfo{}, apperr.Wrap(apperr.CodeWriteFailed, fmt.Errorf("failed to sync blob data: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return FileInfo{}, apperr.Wrap(apperr.CodeWriteFailed, fmt.Errorf("failed to close temp file: %w", err))
	}

	if err := moveFile(tmpName, dst); err != nil {
		return FileInfo{}, apperr.Wrap(apperr.CodeWriteFailed, fmt.Errorf("failed to move blob into place: %w", err))
	}

	logger.WithField("uuid", id).Debug("blob written")
	return info, nil
}

// Read loads uuid's content, verifying expectedContentType and, when
// the policy flag is set, the MD5 digests recorded at write time.
func (s *Store) Read(id string, expectedContentType string, expectedInfo FileInfo) ([]byte, error) {
	src := s.path(id)

	raw, err := os.ReadFile(src)
	if os.IsNotExist(err) {
		return nil, apperr.New(apperr.CodeNotFound).WithDetails("attachment not found: " + id)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternalError, err)
	}

	if expectedContentType != "" && expectedInfo.ContentType != "" && expectedContentType != expectedInfo.ContentType {
		return nil, apperr.New(apperr.CodeCorruptedFile).WithDetails("content type mismatch")
	}

	if s.policy.UseMD5 && expectedInfo.CompressedMD5 != "" {
		sum := fmt.Sprintf("%x", md5.Sum(raw))
		if sum != expectedInfo.CompressedMD5 {
			return nil, apperr.New(apperr.CodeCorruptedFile).WithDetails("stored MD5 mismatch for " + id)
		}
	}

	data := raw
	if expectedInfo.CompressionAlgo == CompressionZlib {
		r, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, apperr.New(apperr.CodeCorruptedFile).WithDetails("zlib decode failed: " + err.Error())
		}
		defer r.Close()
		data, err = io.ReadAll(r)
		if err != nil {
			return nil, apperr.New(apperr.CodeCorruptedFile).WithDetails("zlib decode failed: " + err.Error())
		}
	}

	if s.policy.UseMD5 && expectedInfo.UncompressedMD5 != "" {
		sum := fmt.Sprintf("%x", md5.Sum(data))
		if sum != expectedInfo.UncompressedMD5 {
			return nil, apperr.New(apperr.CodeCorruptedFile).WithDetails("uncompressed MD5 mismatch for " + id)
		}
	}

	return data, nil
}

// Remove deletes uuid's blob. Idempotent: removing an already-absent
// blob is not an error (spec.md §4.1).
func (s *Store) Remove(id string) error {
	err := os.Remove(s.path(id))
	if err != nil && !os.IsNotExist(err) {
		return apperr.Wrap(apperr.CodeInternalError, err)
	}
	return nil
}

// moveFile renames src to dst, falling back to copy+remove across
// filesystems — same two-step fallback as the teacher's moveFile.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return os.Remove(src)
}
