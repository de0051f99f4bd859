package store

import "time"

// Printer is a real printer the fleet connects to.
// AccessCode is hidden from API/JSON serialization via json:"-".
type Printer struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Host       string    `json:"host"`
	Serial     string    `json:"serial"`
	AccessCode string    `json:"-"`
	Model      string    `json:"model,omitempty"`
	AddedAt    time.Time `json:"added_at"`
	LastSeen   time.Time `json:"last_seen,omitempty"`
}

// printerStorage is the on-disk form, preserving the access code.
type printerStorage struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Host       string    `json:"host"`
	Serial     string    `json:"serial"`
	AccessCode string    `json:"access_code,omitempty"`
	Model      string    `json:"model,omitempty"`
	AddedAt    time.Time `json:"added_at"`
	LastSeen   time.Time `json:"last_seen,omitempty"`
}

type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
)

// Review is an uploaded file waiting for a user decision.
type Review struct {
	ID         string       `json:"id"`
	Filename   string       `json:"filename"`
	Path       string       `json:"path"`
	Peer       string       `json:"peer,omitempty"`
	Size       int64        `json:"size"`
	Status     ReviewStatus `json:"status"`
	ArchiveID  string       `json:"archive_id,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	ResolvedAt time.Time    `json:"resolved_at,omitempty"`
}

// ArchiveRecord describes one archived print file.
type ArchiveRecord struct {
	ID         string    `json:"id"`
	Filename   string    `json:"filename"`
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	SHA256     string    `json:"sha256"`
	Source     string    `json:"source,omitempty"`
	PrinterID  string    `json:"printer_id,omitempty"`
	ArchivedAt time.Time `json:"archived_at"`
}

// VirtualSettings holds the persisted virtual printer configuration.
// AccessCode is hidden from API/JSON serialization via json:"-".
type VirtualSettings struct {
	Enabled    bool   `json:"enabled"`
	Name       string `json:"name"`
	Model      string `json:"model"`
	Mode       string `json:"mode"`
	AccessCode string `json:"-"`
	TargetHost string `json:"target_host,omitempty"`
}

type virtualSettingsStorage struct {
	Enabled    bool   `json:"enabled"`
	Name       string `json:"name"`
	Model      string `json:"model"`
	Mode       string `json:"mode"`
	AccessCode string `json:"access_code,omitempty"`
	TargetHost string `json:"target_host,omitempty"`
}
