package transmission

import "time"

// Field names understood by torrent-get.
const (
	FieldID           = "id"
	FieldName         = "name"
	FieldAddedDate    = "addedDate"
	FieldTotalSize    = "totalSize"
	FieldRateDownload = "rateDownload"
	FieldRateUpload   = "rateUpload"
	FieldPeers        = "peersConnected"
	FieldStatus       = "status"
)

// Status is the activity state of a torrent.
type Status int

// Torrent states as reported by the daemon.
const (
	StatusStopped Status = iota
	StatusCheckWait
	StatusCheck
	StatusDownloadWait
	StatusDownload
	StatusSeedWait
	StatusSeed
)

var statusNames = map[Status]string{
	StatusStopped:      "stopped",
	StatusCheckWait:    "check-wait",
	StatusCheck:        "check",
	StatusDownloadWait: "download-wait",
	StatusDownload:     "download",
	StatusSeedWait:     "seed-wait",
	StatusSeed:         "seed",
}

// String returns the lower-case state name.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}

	return "unknown"
}

// Torrent is an item queued in the daemon. Only requested fields are set.
type Torrent struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	HashString     string `json:"hashString,omitempty"`
	AddedDate      int64  `json:"addedDate"`
	TotalSize      int64  `json:"totalSize"`
	RateDownload   int64  `json:"rateDownload"`
	RateUpload     int64  `json:"rateUpload"`
	PeersConnected int64  `json:"peersConnected"`
	Status         Status `json:"status"`
}

// Added returns the add time of the torrent.
func (t *Torrent) Added() time.Time {
	return time.Unix(t.AddedDate, 0).UTC()
}
