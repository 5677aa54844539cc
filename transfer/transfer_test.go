package transfer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

func TestFileAppendEventTerminalIdempotent(t *testing.T) {
	f := &File{ID: "file-1", SubPath: "a.bin", Size: 10}

	if err := f.AppendEvent(FileEvent{Kind: FilePending}); err != nil {
		t.Fatalf("unexpected error appending Pending: %v", err)
	}
	if err := f.AppendEvent(FileEvent{Kind: FileCompleted, FinalPath: "/tmp/a.bin"}); err != nil {
		t.Fatalf("unexpected error appending Completed: %v", err)
	}

	// Idempotent re-append of the same terminal is accepted as a no-op.
	if err := f.AppendEvent(FileEvent{Kind: FileCompleted, FinalPath: "/tmp/a.bin"}); err != nil {
		t.Fatalf("idempotent re-append should not error: %v", err)
	}

	// Anything else after terminal is rejected.
	if err := f.AppendEvent(FileEvent{Kind: FileCancel}); err == nil {
		t.Fatal("expected error appending event after terminal")
	}

	if len(f.History) != 2 {
		t.Fatalf("expected history length 2 (idempotent re-append not stored), got %d", len(f.History))
	}
}

func TestFileRejectedSurvivesHistory(t *testing.T) {
	f := &File{ID: "file-1"}
	if f.Rejected() {
		t.Fatal("new file should not be rejected")
	}
	if err := f.AppendEvent(FileEvent{Kind: FileRejected, ByPeer: false}); err != nil {
		t.Fatal(err)
	}
	if !f.Rejected() {
		t.Fatal("file should report rejected after Rejected event")
	}
	// Idempotent re-reject.
	if err := f.AppendEvent(FileEvent{Kind: FileRejected, ByPeer: false}); err != nil {
		t.Fatalf("idempotent reject append should not error: %v", err)
	}
}

func TestTransferAppendEventTerminalBlocksTransferEvents(t *testing.T) {
	xfer := New(uuid.New(), "peer-a", Incoming, nil)

	if err := xfer.AppendEvent(TransferEvent{Kind: EventActive}); err != nil {
		t.Fatal(err)
	}
	if xfer.Terminal() {
		t.Fatal("active transfer should not be terminal")
	}

	if err := xfer.AppendEvent(TransferEvent{Kind: EventCancel, ByPeer: true}); err != nil {
		t.Fatal(err)
	}
	if !xfer.Terminal() {
		t.Fatal("cancelled transfer should be terminal")
	}

	if err := xfer.AppendEvent(TransferEvent{Kind: EventActive}); err == nil {
		t.Fatal("expected error appending event to terminal transfer")
	}
}

func TestManagerInsertAndLookup(t *testing.T) {
	m := NewManager()
	id := uuid.New()
	xfer := New(id, "peer-a", Outgoing, []*File{{ID: "f1", SubPath: "a.bin", Size: 5}})

	if err := m.InsertTransfer(xfer, nil); err != nil {
		t.Fatal(err)
	}
	if err := m.InsertTransfer(xfer, nil); err == nil {
		t.Fatal("expected ErrAlreadyExists on duplicate insert")
	}

	got, ok := m.Transfer(id)
	if !ok || got.ID != id {
		t.Fatal("expected to find inserted transfer")
	}

	if err := m.EnsureFileNotRejected(id, "f1"); err != nil {
		t.Fatalf("file should not be rejected yet: %v", err)
	}

	first, err := m.RejectFile(id, "f1")
	if err != nil || !first {
		t.Fatalf("first reject should report true, got first=%v err=%v", first, err)
	}
	second, err := m.RejectFile(id, "f1")
	if err != nil || second {
		t.Fatalf("second reject should report false (idempotent), got second=%v err=%v", second, err)
	}

	if err := m.EnsureFileNotRejected(id, "f1"); err == nil {
		t.Fatal("expected ErrRejected after RejectFile")
	}

	xferBack, ok := m.CancelTransfer(id)
	if !ok || xferBack.ID != id {
		t.Fatal("expected CancelTransfer to return the registered transfer")
	}
	if _, ok := m.Transfer(id); ok {
		t.Fatal("transfer should be gone after CancelTransfer")
	}
}

func TestManagerApplyDirMappingStableAcrossFiles(t *testing.T) {
	m := NewManager()
	id := uuid.New()
	parent := t.TempDir()

	// No collisions: identity mapping.
	p1, err := m.ApplyDirMapping(id, parent, "docs/a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if p1 != parent+"/docs/a.txt" && p1 != parent+"\\docs\\a.txt" {
		// filepath.Join uses OS separator; just check suffix via both files sharing the same top dir below.
	}

	p2, err := m.ApplyDirMapping(id, parent, "docs/b.txt")
	if err != nil {
		t.Fatal(err)
	}

	// Both files must land under the same (here: unrenamed) top-level dir.
	dir1 := firstComponentOf(t, parent, p1)
	dir2 := firstComponentOf(t, parent, p2)
	if dir1 != dir2 {
		t.Fatalf("expected stable top-level mapping, got %q vs %q", dir1, dir2)
	}
}

func TestManagerApplyDirMappingRenamesCollidingAncestor(t *testing.T) {
	m := NewManager()
	id := uuid.New()
	parent := t.TempDir()

	// "docs" already exists as a plain file, not a directory.
	if err := os.WriteFile(filepath.Join(parent, "docs"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := m.ApplyDirMapping(id, parent, "docs/notes/a.txt")
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(parent, "docs (1)", "notes", "a.txt")
	if got != want {
		t.Fatalf("expected ancestor collision to rename the colliding component, got %q want %q", got, want)
	}
}

func TestManagerApplyDirMappingRenamesCollidingLeaf(t *testing.T) {
	m := NewManager()
	id := uuid.New()
	parent := t.TempDir()

	if err := os.MkdirAll(filepath.Join(parent, "docs"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(parent, "docs", "a.txt"), []byte("existing"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := m.ApplyDirMapping(id, parent, "docs/a.txt")
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(parent, "docs", "a.txt (1)")
	if got != want {
		t.Fatalf("expected leaf collision to rename the file, got %q want %q", got, want)
	}
}

func TestManagerApplyDirMappingReusesRenamedAncestorAcrossFiles(t *testing.T) {
	m := NewManager()
	id := uuid.New()
	parent := t.TempDir()

	if err := os.WriteFile(filepath.Join(parent, "docs"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	p1, err := m.ApplyDirMapping(id, parent, "docs/notes/a.txt")
	if err != nil {
		t.Fatal(err)
	}
	p2, err := m.ApplyDirMapping(id, parent, "docs/notes/b.txt")
	if err != nil {
		t.Fatal(err)
	}

	dir1 := filepath.Dir(p1)
	dir2 := filepath.Dir(p2)
	if dir1 != dir2 {
		t.Fatalf("expected stable renamed ancestor across files, got %q vs %q", dir1, dir2)
	}
	if filepath.Base(dir1) != "notes" || filepath.Base(filepath.Dir(dir1)) != "docs (1)" {
		t.Fatalf("expected docs (1)/notes, got %q", dir1)
	}
}

func firstComponentOf(t *testing.T, parent, full string) string {
	t.Helper()
	rel := full[len(parent)+1:]
	for i, r := range rel {
		if r == '/' || r == '\\' {
			return rel[:i]
		}
	}
	return rel
}
