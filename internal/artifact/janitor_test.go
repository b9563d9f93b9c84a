package artifact

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCleanCacheRemovesArtifactsAndSiblings(t *testing.T) {
	dataDir := t.TempDir()
	cfgDir := t.TempDir()

	dataPath := filepath.Join(dataDir, "42.bin")
	cfgPath := filepath.Join(cfgDir, "42.json")
	for _, p := range append([]string{dataPath, cfgPath}, append(AssociatedFiles(dataPath), AssociatedFiles(cfgPath)...)...) {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	j := NewJanitor(dataDir, cfgDir, nil)
	if err := j.CleanCache([]int64{42}); err != nil {
		t.Fatalf("CleanCache: %v", err)
	}

	for _, p := range append([]string{dataPath, cfgPath}, append(AssociatedFiles(dataPath), AssociatedFiles(cfgPath)...)...) {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("expected %s removed, stat err = %v", p, err)
		}
	}
}

func TestCleanLogsRemovesOnlyAgedFiles(t *testing.T) {
	dir := t.TempDir()
	oldFile := filepath.Join(dir, "old.log")
	newFile := filepath.Join(dir, "new.log")
	for _, p := range []string{oldFile, newFile} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(oldFile, old, old); err != nil {
		t.Fatal(err)
	}

	if err := CleanLogs(dir, DefaultLogMaxAge, nil); err != nil {
		t.Fatalf("CleanLogs: %v", err)
	}

	if _, err := os.Stat(oldFile); !os.IsNotExist(err) {
		t.Fatalf("expected old.log removed")
	}
	if _, err := os.Stat(newFile); err != nil {
		t.Fatalf("expected new.log kept: %v", err)
	}
}
