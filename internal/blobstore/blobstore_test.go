package blobstore

import (
	"testing"

	"github.com/IMAGE-ET/Orthanc-2/internal/apperr"
)

func TestWriteReadRoundTrip(t *testing.T) {
	cases := []struct {
		name   string
		policy Policy
	}{
		{"plain", Policy{}},
		{"compressed", Policy{Compress: true}},
		{"md5", Policy{UseMD5: true}},
		{"compressed_md5", Policy{Compress: true, UseMD5: true}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store, err := New(t.TempDir(), tc.policy)
			if err != nil {
				t.Fatalf("New: %v", err)
			}

			data := []byte("this is a test dicom payload, repeated for compression to matter. this is a test dicom payload.")
			info, err := store.Write(data, "application/dicom")
			if err != nil {
				t.Fatalf("Write: %v", err)
			}
			if info.UncompressedSize != int64(len(data)) {
				t.Fatalf("UncompressedSize = %d, want %d", info.UncompressedSize, len(data))
			}

			got, err := store.Read(info.UUID, "application/dicom", info)
			if err != nil {
				t.Fatalf("Read: %v", err)
			}
			if string(got) != string(data) {
				t.Fatalf("Read returned %q, want %q", got, data)
			}
		})
	}
}

func TestReadContentTypeMismatch(t *testing.T) {
	store, err := New(t.TempDir(), Policy{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	info, err := store.Write([]byte("data"), "application/dicom")
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := store.Read(info.UUID, "application/json", info); !apperr.Is(err, apperr.CodeCorruptedFile) {
		t.Fatalf("Read with mismatched content type = %v, want CodeCorruptedFile", err)
	}
}

func TestReadMissingReturnsNotFound(t *testing.T) {
	store, err := New(t.TempDir(), Policy{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := store.Read("does-not-exist", "application/dicom", FileInfo{}); !apperr.Is(err, apperr.CodeNotFound) {
		t.Fatalf("Read missing blob = %v, want CodeNotFound", err)
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	store, err := New(t.TempDir(), Policy{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	info, err := store.Write([]byte("data"), "application/dicom")
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := store.Remove(info.UUID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := store.Remove(info.UUID); err != nil {
		t.Fatalf("Remove of already-absent blob should be a no-op, got: %v", err)
	}
}

func TestCorruptedMD5Detected(t *testing.T) {
	store, err := New(t.TempDir(), Policy{UseMD5: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	info, err := store.Write([]byte("original"), "application/dicom")
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	info.UncompressedMD5 = "deadbeef"
	if _, err := store.Read(info.UUID, "application/dicom", info); !apperr.Is(err, apperr.CodeCorruptedFile) {
		t.Fatalf("Read with wrong MD5 = %v, want CodeCorruptedFile", err)
	}
}
