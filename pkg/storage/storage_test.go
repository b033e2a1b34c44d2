package storage

import (
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func sampleVectors() [][]float32 {
	return [][]float32{
		{0.1, 0.2, 0.3, 0.4},
		{0.5, 0.6, 0.7, 0.8},
	}
}

func TestEncodeDecodeVectors(t *testing.T) {
	data, err := EncodeVectors(sampleVectors())
	if err != nil {
		t.Fatalf("EncodeVectors failed: %v", err)
	}
	got, err := DecodeVectors(data)
	if err != nil {
		t.Fatalf("DecodeVectors failed: %v", err)
	}
	if len(got) != 2 || got[1][3] != 0.8 {
		t.Errorf("unexpected vectors: %v", got)
	}
}

func TestEncodeVectors_MixedLengths(t *testing.T) {
	if _, err := EncodeVectors([][]float32{{1, 2}, {1}}); err == nil {
		t.Error("expected error for vectors of different lengths")
	}
}

func TestDecodeVectors_Corrupt(t *testing.T) {
	if _, err := DecodeVectors([]byte{0xc1, 0x00}); !errors.Is(err, ErrCorruptBlock) {
		t.Errorf("expected ErrCorruptBlock, got %v", err)
	}
}

func TestRecordsFromDocs_SkipsOtherFormats(t *testing.T) {
	block, err := EncodeVectors(sampleVectors())
	if err != nil {
		t.Fatalf("EncodeVectors failed: %v", err)
	}
	npy := append([]byte("\x93NUMPY\x01\x00"), make([]byte, 32)...)

	records, err := recordsFromDocs([]mongoIdentity{
		{Name: "alice", Format: VectorFormat, Embeddings: block, Count: 2},
		{Name: "bob", Embeddings: npy, Count: 1},
		{Name: "carol", Format: "npy", Embeddings: npy, Count: 1},
	})
	if err != nil {
		t.Fatalf("recordsFromDocs failed: %v", err)
	}
	if len(records) != 1 || records[0].Name != "alice" || len(records[0].Vectors) != 2 {
		t.Errorf("records = %+v, want only alice", records)
	}

	if _, err := recordsFromDocs([]mongoIdentity{{Name: "dave", Format: VectorFormat, Embeddings: []byte{0xc1}}}); !errors.Is(err, ErrCorruptBlock) {
		t.Errorf("expected ErrCorruptBlock for a damaged block, got %v", err)
	}
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"alice", false},
		{"Bob Smith", false},
		{"", true},
		{"   ", true},
		{" alice", true},
		{"../etc", true},
		{"a/b", true},
		{".hidden", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.name)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidName) {
				t.Errorf("expected ErrInvalidName, got %v", err)
			}
		})
	}
}

func TestFileStore_UpsertAndLoad(t *testing.T) {
	for _, encrypted := range []bool{false, true} {
		name := "plain"
		if encrypted {
			name = "encrypted"
		}
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			fs, err := NewFileStore(dir, encrypted)
			if err != nil {
				t.Fatalf("NewFileStore failed: %v", err)
			}
			ctx := context.Background()

			if err := fs.Upsert(ctx, Record{Name: "alice", Vectors: sampleVectors()}); err != nil {
				t.Fatalf("Upsert failed: %v", err)
			}
			if err := fs.Upsert(ctx, Record{Name: "bob", Vectors: [][]float32{{1, 1, 1, 1}}}); err != nil {
				t.Fatalf("Upsert failed: %v", err)
			}

			records, err := fs.LoadAll(ctx)
			if err != nil {
				t.Fatalf("LoadAll failed: %v", err)
			}
			if len(records) != 2 {
				t.Fatalf("expected 2 records, got %d", len(records))
			}
			if records[0].Name != "alice" || len(records[0].Vectors) != 2 {
				t.Errorf("unexpected first record: %+v", records[0])
			}
			if records[1].Name != "bob" || records[1].Vectors[0][2] != 1 {
				t.Errorf("unexpected second record: %+v", records[1])
			}

			ext := ".json"
			if encrypted {
				ext = ".enc"
			}
			if _, err := os.Stat(filepath.Join(dir, "alice"+ext)); err != nil {
				t.Errorf("expected identity file with %s extension: %v", ext, err)
			}
		})
	}
}

func TestFileStore_UpsertReplaces(t *testing.T) {
	fs, _ := NewFileStore(t.TempDir(), false)
	ctx := context.Background()

	first := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := fs.Upsert(ctx, Record{Name: "alice", Vectors: sampleVectors(), UpdatedAt: first}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	second := first.Add(time.Hour)
	if err := fs.Upsert(ctx, Record{Name: "alice", Vectors: [][]float32{{9, 9}}, UpdatedAt: second}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	records, _ := fs.LoadAll(ctx)
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if len(records[0].Vectors) != 1 || records[0].Vectors[0][0] != 9 {
		t.Errorf("vectors were not replaced: %v", records[0].Vectors)
	}
	if !records[0].UpdatedAt.Equal(second) {
		t.Errorf("UpdatedAt = %v, want %v", records[0].UpdatedAt, second)
	}

	file, err := fs.read("alice")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !file.EnrolledAt.Equal(first) {
		t.Errorf("EnrolledAt = %v, want it kept at %v", file.EnrolledAt, first)
	}
}

func TestFileStore_Delete(t *testing.T) {
	fs, _ := NewFileStore(t.TempDir(), true)
	ctx := context.Background()

	fs.Upsert(ctx, Record{Name: "alice", Vectors: sampleVectors()})

	if err := fs.Delete(ctx, "alice"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	records, _ := fs.LoadAll(ctx)
	if len(records) != 0 {
		t.Errorf("expected no records after delete, got %d", len(records))
	}
}

func TestFileStore_Delete_NotFound(t *testing.T) {
	fs, _ := NewFileStore(t.TempDir(), false)

	err := fs.Delete(context.Background(), "nobody")
	if !IsNotFound(err) {
		t.Errorf("expected ErrIdentityNotFound, got %v", err)
	}
}

func TestFileStore_InvalidName(t *testing.T) {
	fs, _ := NewFileStore(t.TempDir(), false)

	err := fs.Upsert(context.Background(), Record{Name: "../escape", Vectors: sampleVectors()})
	if !errors.Is(err, ErrInvalidName) {
		t.Errorf("expected ErrInvalidName, got %v", err)
	}
}

func TestFileStore_CorruptFileFailsLoad(t *testing.T) {
	dir := t.TempDir()
	fs, _ := NewFileStore(dir, true)
	ctx := context.Background()

	fs.Upsert(ctx, Record{Name: "alice", Vectors: sampleVectors()})
	if err := os.WriteFile(filepath.Join(dir, "mallory.enc"), []byte("not sealed"), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := fs.LoadAll(ctx); err == nil {
		t.Error("expected LoadAll to fail on a corrupt record")
	}
}

func TestFileStore_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	fs, _ := NewFileStore(dir, false)

	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hello"), 0600)
	os.Mkdir(filepath.Join(dir, "sub"), 0700)

	records, err := fs.LoadAll(context.Background())
	if err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("expected no records, got %d", len(records))
	}
}

func TestFileStore_EncryptDecrypt(t *testing.T) {
	fs, _ := NewFileStore(t.TempDir(), true)

	sealed, err := fs.encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	plain, err := fs.decrypt(sealed)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if string(plain) != "payload" {
		t.Errorf("decrypt = %q, want payload", plain)
	}

	sealed[len(sealed)-1] ^= 0xff
	if _, err := fs.decrypt(sealed); !errors.Is(err, ErrEncryption) {
		t.Errorf("expected ErrEncryption for tampered data, got %v", err)
	}
	if _, err := fs.decrypt([]byte("short")); !errors.Is(err, ErrEncryption) {
		t.Errorf("expected ErrEncryption for short data, got %v", err)
	}
}

func solidImage(c color.Gray) image.Image {
	img := image.NewGray(image.Rect(0, 0, 16, 16))
	for i := range img.Pix {
		img.Pix[i] = c.Y
	}
	return img
}

func TestSampleDir_StageCommit(t *testing.T) {
	samples, err := NewSampleDir(t.TempDir())
	if err != nil {
		t.Fatalf("NewSampleDir failed: %v", err)
	}

	st, err := samples.Stage("alice")
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := st.Write("straight", solidImage(color.Gray{Y: 128})); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}

	if samples.Count("alice") != 0 {
		t.Error("staged samples must not be visible before commit")
	}

	if err := st.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if got := samples.Count("alice"); got != 3 {
		t.Errorf("Count = %d, want 3", got)
	}
	for _, f := range st.Files() {
		if filepath.Dir(f) != samples.Path("alice") {
			t.Errorf("file %s not under committed directory", f)
		}
	}
}

func TestSampleDir_CommitReplacesPrevious(t *testing.T) {
	samples, _ := NewSampleDir(t.TempDir())

	first, _ := samples.Stage("alice")
	for i := 0; i < 4; i++ {
		first.Write("straight", solidImage(color.Gray{Y: 100}))
	}
	first.Commit()

	second, _ := samples.Stage("alice")
	second.Write("turn_left", solidImage(color.Gray{Y: 100}))
	if err := second.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	if got := samples.Count("alice"); got != 1 {
		t.Errorf("Count = %d, want 1 after replacing", got)
	}
}

func TestSampleDir_Discard(t *testing.T) {
	root := t.TempDir()
	samples, _ := NewSampleDir(root)

	st, _ := samples.Stage("bob")
	st.Write("straight", solidImage(color.Gray{Y: 100}))
	if err := st.Discard(); err != nil {
		t.Fatalf("Discard failed: %v", err)
	}

	entries, _ := os.ReadDir(root)
	if len(entries) != 0 {
		t.Errorf("expected empty samples root after discard, found %d entries", len(entries))
	}
	if samples.Count("bob") != 0 {
		t.Error("discarded samples must not be counted")
	}
}

func TestSampleDir_Remove(t *testing.T) {
	samples, _ := NewSampleDir(t.TempDir())

	st, _ := samples.Stage("carol")
	st.Write("straight", solidImage(color.Gray{Y: 100}))
	st.Commit()

	if err := samples.Remove("carol"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if samples.Count("carol") != 0 {
		t.Error("samples still present after Remove")
	}
	if err := samples.Remove("carol"); err != nil {
		t.Errorf("Remove of missing samples should succeed, got %v", err)
	}
}
