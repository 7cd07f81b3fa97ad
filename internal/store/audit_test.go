package store

import (
	"encoding/json"
	"path/filepath"
	"testing"
)

func TestAuditLogAppendAndTail(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "things.json")
	log := NewAuditLog(storePath)

	for i := 0; i < 3; i++ {
		if err := log.Append(map[string]int{"n": i}); err != nil {
			t.Fatalf("Append #%d: %v", i, err)
		}
	}

	lines, err := log.TailRaw(10)
	if err != nil {
		t.Fatalf("TailRaw: %v", err)
	}
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}

	var last map[string]int
	if err := json.Unmarshal([]byte(lines[2]), &last); err != nil {
		t.Fatalf("unmarshal last line: %v", err)
	}
	if last["n"] != 2 {
		t.Errorf("expected last entry n=2, got %d", last["n"])
	}
}

func TestAuditLogTailBounded(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "things.json")
	log := NewAuditLog(storePath)

	for i := 0; i < 5; i++ {
		if err := log.Append(map[string]int{"n": i}); err != nil {
			t.Fatal(err)
		}
	}

	lines, err := log.TailRaw(2)
	if err != nil {
		t.Fatalf("TailRaw: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	var first, second map[string]int
	json.Unmarshal([]byte(lines[0]), &first)
	json.Unmarshal([]byte(lines[1]), &second)
	if first["n"] != 3 || second["n"] != 4 {
		t.Errorf("expected tail [3,4], got [%d,%d]", first["n"], second["n"])
	}
}

func TestAuditLogTailMissingFile(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "nothing.json")
	log := NewAuditLog(storePath)

	lines, err := log.TailRaw(5)
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}
	if lines != nil {
		t.Errorf("expected nil lines for missing file, got %v", lines)
	}
}
