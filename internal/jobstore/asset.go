package jobstore

import "time"

// AssetKind is one of the four output formats the Output Assembler
// produces (§4.9).
type AssetKind string

const (
	AssetTXT  AssetKind = "TXT"
	AssetJSON AssetKind = "JSON"
	AssetSRT  AssetKind = "SRT"
	AssetVTT  AssetKind = "VTT"
)

// AllAssetKinds lists every kind that must appear together, per the
// §8 testable property "if JSON is present then all four are".
var AllAssetKinds = []AssetKind{AssetTXT, AssetJSON, AssetSRT, AssetVTT}

// Asset is a final output artifact recorded on a completed Job.
type Asset struct {
	AssetID   string
	JobID     string
	Kind      AssetKind
	StorageKey string
	ByteSize  int64
	MimeType  string
	CreatedAt time.Time
}

func mimeTypeFor(kind AssetKind) string {
	switch kind {
	case AssetTXT:
		return "text/plain; charset=utf-8"
	case AssetJSON:
		return "application/json; charset=utf-8"
	case AssetSRT:
		return "application/x-subrip"
	case AssetVTT:
		return "text/vtt"
	default:
		return "application/octet-stream"
	}
}

// NewAsset builds an Asset record for kind, stamping its MIME type
// from the kind.
func NewAsset(assetID, jobID string, kind AssetKind, storageKey string, byteSize int64) Asset {
	return Asset{
		AssetID:    assetID,
		JobID:      jobID,
		Kind:       kind,
		StorageKey: storageKey,
		ByteSize:   byteSize,
		MimeType:   mimeTypeFor(kind),
		CreatedAt:  time.Now(),
	}
}
