package jobstore

import "time"

// SessionState is the lifecycle state of an Upload Session (§3).
type SessionState string

const (
	SessionOpen     SessionState = "OPEN"
	SessionComplete SessionState = "COMPLETE"
	SessionAborted  SessionState = "ABORTED"
	SessionExpired  SessionState = "EXPIRED"
)

// UploadSession identifies an in-progress chunked file assembly.
type UploadSession struct {
	UploadID          string
	OwnerID           string
	Filename          string
	TotalSize         int64
	MimeType          string
	ChunkSize         int64
	ReceivedChunks    map[int]bool   // set of received chunk indices
	ChunkHashes       map[int]string // sha256 of each received chunk, for idempotent re-PUT detection
	StorageKey        string         // set when COMPLETE
	State             SessionState
	Language          string // requested transcription language, or AUTO; carried to the Job at finalize
	EnableDiarization bool   // carried to the Job at finalize
	CreatedAt         time.Time
	ExpiresAt         time.Time
}

// TotalChunks returns the number of chunks this session expects,
// ceil(TotalSize / ChunkSize).
func (s *UploadSession) TotalChunks() int {
	if s.ChunkSize <= 0 {
		return 0
	}
	n := s.TotalSize / s.ChunkSize
	if s.TotalSize%s.ChunkSize != 0 {
		n++
	}
	return int(n)
}

// IsComplete reports whether every chunk index in [0, TotalChunks())
// has been received.
func (s *UploadSession) IsComplete() bool {
	total := s.TotalChunks()
	for i := 0; i < total; i++ {
		if !s.ReceivedChunks[i] {
			return false
		}
	}
	return true
}

// ExpectedChunkSize returns the expected byte length of chunk index i:
// ChunkSize for all but the last chunk, which may be shorter.
func (s *UploadSession) ExpectedChunkSize(index int) int64 {
	total := s.TotalChunks()
	if index < total-1 {
		return s.ChunkSize
	}
	last := s.TotalSize - s.ChunkSize*int64(total-1)
	return last
}

// Clone returns a deep copy safe for the caller to mutate.
func (s *UploadSession) Clone() *UploadSession {
	if s == nil {
		return nil
	}
	cp := *s
	cp.ReceivedChunks = make(map[int]bool, len(s.ReceivedChunks))
	for k, v := range s.ReceivedChunks {
		cp.ReceivedChunks[k] = v
	}
	cp.ChunkHashes = make(map[int]string, len(s.ChunkHashes))
	for k, v := range s.ChunkHashes {
		cp.ChunkHashes[k] = v
	}
	return &cp
}

// NewUploadSession creates a new OPEN session.
func NewUploadSession(uploadID, ownerID, filename string, totalSize int64, mimeType string, chunkSize int64, ttl time.Duration) *UploadSession {
	now := time.Now()
	return &UploadSession{
		UploadID:       uploadID,
		OwnerID:        ownerID,
		Filename:       filename,
		TotalSize:      totalSize,
		MimeType:       mimeType,
		ChunkSize:      chunkSize,
		ReceivedChunks: make(map[int]bool),
		ChunkHashes:    make(map[int]string),
		State:          SessionOpen,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
	}
}

// WithTranscriptionOptions stamps the language/diarization choice the
// caller wants for the Job that finalize will create.
func (s *UploadSession) WithTranscriptionOptions(language string, enableDiarization bool) *UploadSession {
	s.Language = language
	s.EnableDiarization = enableDiarization
	return s
}
