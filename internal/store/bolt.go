package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketPrinters = []byte("printers")
	bucketReviews  = []byte("reviews")
	bucketArchives = []byte("archives")
	bucketSettings = []byte("settings")
	keyVirtual     = []byte("virtual_printer")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

var _ Store = (*BoltStore)(nil)

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketPrinters, bucketReviews, bucketArchives, bucketSettings} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func putJSON(tx *bolt.Tx, bucket, key []byte, v any) error {
	b := tx.Bucket(bucket)
	if b == nil {
		return fmt.Errorf("bucket %q not found", bucket)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func getJSON(tx *bolt.Tx, bucket, key []byte, v any) error {
	b := tx.Bucket(bucket)
	if b == nil {
		return fmt.Errorf("bucket %q not found", bucket)
	}
	data := b.Get(key)
	if data == nil {
		return fmt.Errorf("%s %s: %w", bucket, key, ErrNotFound)
	}
	return json.Unmarshal(data, v)
}

func toPrinterStorage(p *Printer) printerStorage {
	return printerStorage{
		ID:         p.ID,
		Name:       p.Name,
		Host:       p.Host,
		Serial:     p.Serial,
		AccessCode: p.AccessCode,
		Model:      p.Model,
		AddedAt:    p.AddedAt,
		LastSeen:   p.LastSeen,
	}
}

func (st printerStorage) printer() *Printer {
	return &Printer{
		ID:         st.ID,
		Name:       st.Name,
		Host:       st.Host,
		Serial:     st.Serial,
		AccessCode: st.AccessCode,
		Model:      st.Model,
		AddedAt:    st.AddedAt,
		LastSeen:   st.LastSeen,
	}
}

func (s *BoltStore) SavePrinter(p *Printer) error {
	if p.ID == "" {
		return fmt.Errorf("printer id is required")
	}
	if p.AddedAt.IsZero() {
		p.AddedAt = time.Now()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketPrinters, []byte(p.ID), toPrinterStorage(p))
	})
}

func (s *BoltStore) GetPrinter(id string) (*Printer, error) {
	var st printerStorage
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketPrinters, []byte(id), &st)
	})
	if err != nil {
		return nil, err
	}
	return st.printer(), nil
}

func (s *BoltStore) DeletePrinter(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPrinters)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketPrinters)
		}
		return b.Delete([]byte(id))
	})
}

func (s *BoltStore) ListPrinters() ([]*Printer, error) {
	var printers []*Printer
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPrinters)
		if b == nil {
			return nil // no bucket = no printers
		}
		printers = make([]*Printer, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var st printerStorage
			if err := json.Unmarshal(v, &st); err != nil {
				return err
			}
			printers = append(printers, st.printer())
			return nil
		})
	})
	return printers, err
}

func (s *BoltStore) UpdatePrinter(id string, fn func(p *Printer) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var st printerStorage
		if err := getJSON(tx, bucketPrinters, []byte(id), &st); err != nil {
			return err
		}
		p := st.printer()
		if err := fn(p); err != nil {
			return err
		}
		return putJSON(tx, bucketPrinters, []byte(id), toPrinterStorage(p))
	})
}

// CreateReview stores a new pending review, assigning ID and timestamps
// when unset.
func (s *BoltStore) CreateReview(r *Review) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = ReviewPending
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketReviews).Get([]byte(r.ID)) != nil {
			return fmt.Errorf("review %s already exists", r.ID)
		}
		return putJSON(tx, bucketReviews, []byte(r.ID), r)
	})
}

func (s *BoltStore) GetReview(id string) (*Review, error) {
	var r Review
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketReviews, []byte(id), &r)
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListReviews returns reviews oldest first. An empty status lists all.
func (s *BoltStore) ListReviews(status ReviewStatus) ([]*Review, error) {
	var reviews []*Review
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketReviews).ForEach(func(k, v []byte) error {
			var r Review
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if status == "" || r.Status == status {
				reviews = append(reviews, &r)
			}
			return nil
		})
	})
	sort.SliceStable(reviews, func(i, j int) bool { return reviews[i].CreatedAt.Before(reviews[j].CreatedAt) })
	return reviews, err
}

// ResolveReview moves a pending review to approved or rejected.
func (s *BoltStore) ResolveReview(id string, status ReviewStatus, archiveID string) (*Review, error) {
	if status != ReviewApproved && status != ReviewRejected {
		return nil, fmt.Errorf("invalid review status %q", status)
	}
	var r Review
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := getJSON(tx, bucketReviews, []byte(id), &r); err != nil {
			return err
		}
		if r.Status != ReviewPending {
			return fmt.Errorf("review %s already %s", id, r.Status)
		}
		r.Status = status
		r.ArchiveID = archiveID
		r.ResolvedAt = time.Now()
		return putJSON(tx, bucketReviews, []byte(id), &r)
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *BoltStore) SaveArchive(a *ArchiveRecord) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.ArchivedAt.IsZero() {
		a.ArchivedAt = time.Now()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketArchives, []byte(a.ID), a)
	})
}

func (s *BoltStore) GetArchive(id string) (*ArchiveRecord, error) {
	var a ArchiveRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketArchives, []byte(id), &a)
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *BoltStore) ListArchives() ([]*ArchiveRecord, error) {
	var out []*ArchiveRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketArchives).ForEach(func(k, v []byte) error {
			var a ArchiveRecord
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			out = append(out, &a)
			return nil
		})
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].ArchivedAt.Before(out[j].ArchivedAt) })
	return out, err
}

func (s *BoltStore) SaveVirtualSettings(v *VirtualSettings) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		// Use internal storage struct to persist the access code.
		return putJSON(tx, bucketSettings, keyVirtual, virtualSettingsStorage{
			Enabled:    v.Enabled,
			Name:       v.Name,
			Model:      v.Model,
			Mode:       v.Mode,
			AccessCode: v.AccessCode,
			TargetHost: v.TargetHost,
		})
	})
}

func (s *BoltStore) GetVirtualSettings() (*VirtualSettings, error) {
	var st virtualSettingsStorage
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketSettings, keyVirtual, &st)
	})
	if err != nil {
		return nil, err
	}
	return &VirtualSettings{
		Enabled:    st.Enabled,
		Name:       st.Name,
		Model:      st.Model,
		Mode:       st.Mode,
		AccessCode: st.AccessCode,
		TargetHost: st.TargetHost,
	}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
