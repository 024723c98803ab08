package models

import "time"

// UploadWeight is the progress weight of a single upload.
const UploadWeight = 10.0

// UploadRecord tracks one payload on its way to the remote upload endpoint.
type UploadRecord struct {
	SourceURL string  `json:"sourceUrl,omitempty"`
	Size      int     `json:"size"`
	UploadID  *string `json:"uploadId"`
	Retries   int     `json:"retries"`
	Weight    float64 `json:"weight"`
}

// Succeeded reports whether the remote accepted the payload.
func (r UploadRecord) Succeeded() bool {
	return r.UploadID != nil && *r.UploadID != ""
}

// BundleStatus is the server-side state of an archive job.
type BundleStatus string

const (
	BundlePending BundleStatus = "pending"
	BundleReady   BundleStatus = "ready"
	BundleError   BundleStatus = "error"
)

// ParseBundleStatus maps remote values onto BundleStatus. Anything other
// than "ready" or "error" (the server reports "building") is pending.
func ParseBundleStatus(s string) BundleStatus {
	switch s {
	case string(BundleReady):
		return BundleReady
	case string(BundleError):
		return BundleError
	}
	return BundlePending
}

// BundleEntry names one uploaded image inside the archive.
type BundleEntry struct {
	UploadID string `json:"uploadId"`
	Filename string `json:"filename"`
}

// BundleJob is a remote archive job.
type BundleJob struct {
	ID      string        `json:"id"`
	Status  BundleStatus  `json:"status"`
	Entries []BundleEntry `json:"entries"`
}

// ExportRequest asks the service to render, upload and bundle a set of shots.
type ExportRequest struct {
	ID           string                    `json:"id,omitempty"`
	SetID        string                    `json:"setId"`
	HighQuality  bool                      `json:"hq"`
	RenderAnyway bool                      `json:"renderAnyway"`
	Token        string                    `json:"token,omitempty"`
	Shots        []ScreenshotConfiguration `json:"shots"`
}

// ExportStatus is a point-in-time view of a running export.
type ExportStatus struct {
	ID          string    `json:"id"`
	SetID       string    `json:"setId"`
	State       string    `json:"state"`
	SubStatus   string    `json:"subStatus,omitempty"`
	Progress    float64   `json:"progress"`
	BundleID    string    `json:"bundleId,omitempty"`
	Uploaded    int       `json:"uploaded"`
	Failed      int       `json:"failed"`
	Total       int       `json:"total"`
	Error       string    `json:"error,omitempty"`
	NeedsChoice bool      `json:"needsChoice,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}
