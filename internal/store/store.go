package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Printer connection records
	SavePrinter(p *Printer) error
	GetPrinter(id string) (*Printer, error)
	DeletePrinter(id string) error
	ListPrinters() ([]*Printer, error)

	// UpdatePrinter atomically reads, modifies, and saves a printer in a
	// single transaction. Returns ErrNotFound if the printer does not exist.
	UpdatePrinter(id string, fn func(p *Printer) error) error

	// Pending reviews for uploads received in review mode
	CreateReview(r *Review) error
	GetReview(id string) (*Review, error)
	ListReviews(status ReviewStatus) ([]*Review, error)
	ResolveReview(id string, status ReviewStatus, archiveID string) (*Review, error)

	// Archive records
	SaveArchive(a *ArchiveRecord) error
	GetArchive(id string) (*ArchiveRecord, error)
	ListArchives() ([]*ArchiveRecord, error)

	// Virtual printer settings
	SaveVirtualSettings(s *VirtualSettings) error
	GetVirtualSettings() (*VirtualSettings, error)

	// Close the store
	Close() error
}
