package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"keyvault/go-backend/internal/securestore"
	"keyvault/go-backend/pkg/models"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

const (
	activeRecordsFile = "vault.json"
	trashRecordsFile  = "trash.json"
	journalFile       = ".vault.journal"
	lockFile          = ".vault.lock"
)

var (
	ErrStoreCorrupt   = errors.New("vault store is corrupt")
	ErrRecordNotFound = errors.New("vault record not found")
)

// RecordSet is the full on-disk state of active and trashed records.
type RecordSet struct {
	Active []models.VaultRecord
	Trash  []models.VaultRecord
}

func (s RecordSet) clone() RecordSet {
	return RecordSet{
		Active: append([]models.VaultRecord(nil), s.Active...),
		Trash:  append([]models.VaultRecord(nil), s.Trash...),
	}
}

// RecordStore persists vault records in two JSON files. Every mutation holds
// the process mutex and an inter-process file lock across read, compute and
// write, so concurrent writers always start from the latest snapshot.
//
// A write first records the complete next set in a journal file, then
// replaces both files and drops the journal. A journal found on read is an
// interrupted write and is replayed, so a record moving between the files
// is never lost.
type RecordStore struct {
	mu          sync.Mutex
	activePath  string
	trashPath   string
	journalPath string
	flock       *flock.Flock
}

type recordJournal struct {
	Active []models.VaultRecord `json:"active"`
	Trash  []models.VaultRecord `json:"trash"`
}

func NewRecordStore(dir string) *RecordStore {
	return &RecordStore{
		activePath:  filepath.Join(dir, activeRecordsFile),
		trashPath:   filepath.Join(dir, trashRecordsFile),
		journalPath: filepath.Join(dir, journalFile),
		flock:       flock.New(filepath.Join(dir, lockFile)),
	}
}

func (s *RecordStore) ActivePath() string { return s.activePath }

func (s *RecordStore) TrashPath() string { return s.trashPath }

// Load returns the current records. Records persisted without an ID are
// assigned one, and an interrupted write is replayed, before returning.
func (s *RecordStore) Load() (RecordSet, error) {
	var out RecordSet
	err := s.withLock(func() error {
		set, migrated, err := s.readLocked()
		if err != nil {
			return err
		}
		if migrated {
			if err := s.writeLocked(set); err != nil {
				return err
			}
		}
		out = set
		return nil
	})
	return out, err
}

// Mutate applies fn to a freshly read snapshot and persists the result
// atomically. Nothing is written when fn returns an error.
func (s *RecordStore) Mutate(fn func(RecordSet) (RecordSet, error)) (RecordSet, error) {
	var out RecordSet
	err := s.withLock(func() error {
		current, _, err := s.readLocked()
		if err != nil {
			return err
		}
		next, err := fn(current.clone())
		if err != nil {
			return err
		}
		if err := validateSet(next); err != nil {
			return err
		}
		if err := s.writeLocked(next); err != nil {
			return err
		}
		out = next
		return nil
	})
	return out, err
}

func (s *RecordStore) withLock(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(s.activePath), 0o700); err != nil {
		return err
	}
	if err := s.flock.Lock(); err != nil {
		return fmt.Errorf("acquire vault lock: %w", err)
	}
	defer func() { _ = s.flock.Unlock() }()
	return fn()
}

// readLocked returns the stored set and whether it must be written back.
func (s *RecordStore) readLocked() (RecordSet, bool, error) {
	if set, ok, err := s.readJournalLocked(); err != nil || ok {
		return set, ok, err
	}
	active, migratedActive, err := readRecords(s.activePath)
	if err != nil {
		return RecordSet{}, false, err
	}
	trash, migratedTrash, err := readRecords(s.trashPath)
	if err != nil {
		return RecordSet{}, false, err
	}
	return RecordSet{Active: active, Trash: trash}, migratedActive || migratedTrash, nil
}

func (s *RecordStore) writeLocked(set RecordSet) error {
	data, err := json.Marshal(recordJournal{Active: nonNil(set.Active), Trash: nonNil(set.Trash)})
	if err != nil {
		return err
	}
	if err := securestore.WriteFileAtomic(s.journalPath, data); err != nil {
		return fmt.Errorf("write vault journal: %w", err)
	}
	if err := writeRecords(s.activePath, set.Active); err != nil {
		return err
	}
	if err := writeRecords(s.trashPath, set.Trash); err != nil {
		return err
	}
	if err := os.Remove(s.journalPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("drop vault journal: %w", err)
	}
	return nil
}

func (s *RecordStore) readJournalLocked() (RecordSet, bool, error) {
	data, err := securestore.ReadFileIfExists(s.journalPath)
	if err != nil || len(data) == 0 {
		return RecordSet{}, false, err
	}
	var j recordJournal
	if err := json.Unmarshal(data, &j); err != nil {
		return RecordSet{}, false, fmt.Errorf("%w: %s: %v", ErrStoreCorrupt, journalFile, err)
	}
	set := RecordSet{Active: nonNil(j.Active), Trash: nonNil(j.Trash)}
	if err := validateSet(set); err != nil {
		return RecordSet{}, false, fmt.Errorf("%w: %s: %v", ErrStoreCorrupt, journalFile, err)
	}
	return set, true, nil
}

func nonNil(records []models.VaultRecord) []models.VaultRecord {
	if records == nil {
		return []models.VaultRecord{}
	}
	return records
}

func readRecords(path string) ([]models.VaultRecord, bool, error) {
	data, err := securestore.ReadFileIfExists(path)
	if err != nil {
		return nil, false, err
	}
	if len(data) == 0 {
		return []models.VaultRecord{}, false, nil
	}
	var records []models.VaultRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, false, fmt.Errorf("%w: %s: %v", ErrStoreCorrupt, filepath.Base(path), err)
	}
	migrated := false
	for i := range records {
		if records[i].ID == "" {
			records[i].ID = uuid.NewString()
			migrated = true
		}
		if err := validateRecord(records[i]); err != nil {
			return nil, false, fmt.Errorf("%w: %s[%d]: %v", ErrStoreCorrupt, filepath.Base(path), i, err)
		}
	}
	return records, migrated, nil
}

func writeRecords(path string, records []models.VaultRecord) error {
	data, err := json.MarshalIndent(nonNil(records), "", "  ")
	if err != nil {
		return err
	}
	return securestore.WriteFileAtomic(path, data)
}

func validateRecord(r models.VaultRecord) error {
	hasBlob := len(r.CipherBlob) > 0
	hasPlain := r.PlainSecret != ""
	if hasBlob == hasPlain {
		return errors.New("record must carry exactly one of cipher_blob or plain_secret")
	}
	return nil
}

func validateSet(set RecordSet) error {
	seen := make(map[string]struct{}, len(set.Active))
	for _, r := range set.Active {
		if r.ID == "" {
			return errors.New("record id is required")
		}
		if _, dup := seen[r.ID]; dup {
			return fmt.Errorf("duplicate record id %s", r.ID)
		}
		seen[r.ID] = struct{}{}
		if err := validateRecord(r); err != nil {
			return err
		}
	}
	for _, r := range set.Trash {
		if err := validateRecord(r); err != nil {
			return err
		}
	}
	return nil
}

// IndexOf returns the position of the record with id, or -1.
func IndexOf(records []models.VaultRecord, id string) int {
	for i, r := range records {
		if r.ID == id {
			return i
		}
	}
	return -1
}
