package storage

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"keyvault/go-backend/internal/testutil/fsperm"
	"keyvault/go-backend/pkg/models"
)

func plainRecord(id, name string) models.VaultRecord {
	return models.VaultRecord{ID: id, DisplayName: name, PlainSecret: "secret-" + id}
}

func TestRecordStoreMissingFilesAreEmpty(t *testing.T) {
	s := NewRecordStore(t.TempDir())
	set, err := s.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(set.Active) != 0 || len(set.Trash) != 0 {
		t.Fatalf("expected empty set, got %+v", set)
	}
}

func TestRecordStoreMutatePersists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "vault")
	s := NewRecordStore(dir)
	_, err := s.Mutate(func(set RecordSet) (RecordSet, error) {
		set.Active = append(set.Active, plainRecord("a", "Main"), plainRecord("b", "Main"))
		return set, nil
	})
	if err != nil {
		t.Fatalf("mutate failed: %v", err)
	}
	fsperm.AssertPrivateDirPerm(t, dir)

	reopened := NewRecordStore(dir)
	set, err := reopened.Load()
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if len(set.Active) != 2 || set.Active[0].ID != "a" || set.Active[1].ID != "b" {
		t.Fatalf("unexpected records after reload: %+v", set.Active)
	}
}

func TestRecordStoreMutateErrorWritesNothing(t *testing.T) {
	s := NewRecordStore(t.TempDir())
	boom := errors.New("boom")
	_, err := s.Mutate(func(set RecordSet) (RecordSet, error) {
		set.Active = append(set.Active, plainRecord("a", "x"))
		return set, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := os.Stat(s.ActivePath()); !os.IsNotExist(err) {
		t.Fatalf("expected no active file, stat err=%v", err)
	}
}

func TestRecordStoreRejectsMixedRecord(t *testing.T) {
	s := NewRecordStore(t.TempDir())
	_, err := s.Mutate(func(set RecordSet) (RecordSet, error) {
		set.Active = append(set.Active, models.VaultRecord{ID: "a", CipherBlob: []byte("x"), PlainSecret: "y"})
		return set, nil
	})
	if err == nil {
		t.Fatal("expected validation error for record with both representations")
	}
}

func TestRecordStoreCorruptFileIsNotEmptyVault(t *testing.T) {
	dir := t.TempDir()
	s := NewRecordStore(dir)
	if err := os.WriteFile(s.ActivePath(), []byte("{broken"), 0o600); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}
	if _, err := s.Load(); !errors.Is(err, ErrStoreCorrupt) {
		t.Fatalf("expected ErrStoreCorrupt, got %v", err)
	}
	_, err := s.Mutate(func(set RecordSet) (RecordSet, error) { return set, nil })
	if !errors.Is(err, ErrStoreCorrupt) {
		t.Fatalf("expected mutate to surface ErrStoreCorrupt, got %v", err)
	}
}

func TestRecordStoreAssignsMissingIDsOnce(t *testing.T) {
	dir := t.TempDir()
	s := NewRecordStore(dir)
	legacy := `[{"display_name":"Old","plain_secret":"abc"}]`
	if err := os.WriteFile(s.ActivePath(), []byte(legacy), 0o600); err != nil {
		t.Fatalf("write legacy file: %v", err)
	}
	first, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if first.Active[0].ID == "" {
		t.Fatal("expected generated id")
	}
	second, err := s.Load()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if second.Active[0].ID != first.Active[0].ID {
		t.Fatalf("id changed between loads: %s vs %s", first.Active[0].ID, second.Active[0].ID)
	}
}

func TestRecordStoreConcurrentMutationsSerialize(t *testing.T) {
	dir := t.TempDir()
	s := NewRecordStore(dir)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Mutate(func(set RecordSet) (RecordSet, error) {
				id := string(rune('a' + i))
				set.Active = append(set.Active, plainRecord(id, id))
				return set, nil
			})
			if err != nil {
				t.Errorf("mutate %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	set, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(set.Active) != 16 {
		t.Fatalf("expected 16 records, got %d", len(set.Active))
	}
}

func TestRecordStoreReplaysInterruptedWrite(t *testing.T) {
	dir := t.TempDir()
	s := NewRecordStore(dir)
	_, err := s.Mutate(func(set RecordSet) (RecordSet, error) {
		set.Active = append(set.Active, plainRecord("a", "x"), plainRecord("b", "y"))
		return set, nil
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}
	// Journal for moving b to the trash, left behind before either file was replaced.
	journal := `{"active":[{"id":"a","display_name":"x","plain_secret":"secret-a"}],` +
		`"trash":[{"id":"b","display_name":"y","plain_secret":"secret-b"}]}`
	if err := os.WriteFile(filepath.Join(dir, journalFile), []byte(journal), 0o600); err != nil {
		t.Fatalf("write journal: %v", err)
	}

	set, err := NewRecordStore(dir).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(set.Active) != 1 || set.Active[0].ID != "a" {
		t.Fatalf("unexpected active records: %+v", set.Active)
	}
	if len(set.Trash) != 1 || set.Trash[0].ID != "b" {
		t.Fatalf("unexpected trash records: %+v", set.Trash)
	}
	if _, err := os.Stat(filepath.Join(dir, journalFile)); !os.IsNotExist(err) {
		t.Fatalf("expected journal to be dropped, stat err=%v", err)
	}
	trash, err := os.ReadFile(s.TrashPath())
	if err != nil {
		t.Fatalf("read trash file: %v", err)
	}
	if !strings.Contains(string(trash), "secret-b") {
		t.Fatalf("trash file was not rewritten from the journal: %s", trash)
	}
}

func TestRecordStoreMutateLeavesNoJournal(t *testing.T) {
	dir := t.TempDir()
	s := NewRecordStore(dir)
	_, err := s.Mutate(func(set RecordSet) (RecordSet, error) {
		set.Trash = append(set.Trash, plainRecord("a", "x"))
		return set, nil
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, journalFile)); !os.IsNotExist(err) {
		t.Fatalf("expected no journal after a completed write, stat err=%v", err)
	}
}

func TestRecordStoreCorruptJournalIsReported(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, journalFile), []byte("{broken"), 0o600); err != nil {
		t.Fatalf("write journal: %v", err)
	}
	if _, err := NewRecordStore(dir).Load(); !errors.Is(err, ErrStoreCorrupt) {
		t.Fatalf("expected ErrStoreCorrupt, got %v", err)
	}
}

func TestSettingsStoreDefaultsAndUpdate(t *testing.T) {
	s := NewSettingsStore(t.TempDir())
	got, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.VaultMode != models.VaultModeEncrypted || got.GasBuffer != 1.2 {
		t.Fatalf("unexpected defaults: %+v", got)
	}
	_, err = s.Update(func(st *models.Settings) error {
		st.VaultMode = models.VaultModePlaintext
		st.GasBuffer = 1.5
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err = s.Load()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.VaultMode != models.VaultModePlaintext || got.GasBuffer != 1.5 {
		t.Fatalf("unexpected settings after update: %+v", got)
	}
}

func TestSettingsStoreRejectsUnknownMode(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, settingsFile), []byte(`{"vault_mode":"sideways"}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := NewSettingsStore(dir).Load(); !errors.Is(err, ErrStoreCorrupt) {
		t.Fatalf("expected ErrStoreCorrupt, got %v", err)
	}
}
