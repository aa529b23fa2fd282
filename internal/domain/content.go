package domain

// FileKind classifies a relayed attachment.
type FileKind string

// Attachment kinds.
const (
	FileDocument FileKind = "document"
	FileVideo    FileKind = "video"
	FileAudio    FileKind = "audio"
	FilePhoto    FileKind = "photo"
	FileUnknown  FileKind = "unknown"
)

// FileDescriptor references an upstream attachment. The bytes are never fetched.
type FileDescriptor struct {
	Kind     FileKind `json:"kind"`
	FileID   string   `json:"file_id"`
	FileName string   `json:"file_name,omitempty"`
	Size     int64    `json:"size,omitempty"`
	MimeType string   `json:"mime_type,omitempty"`
}

// Control is an interactive element attached to a delivery.
type Control struct {
	Label string `json:"label"`
	Token string `json:"token"`
}

// Content is what gets delivered to an end user.
type Content struct {
	Text     string          `json:"text,omitempty"`
	File     *FileDescriptor `json:"file,omitempty"`
	Caption  string          `json:"caption,omitempty"`
	Controls []Control       `json:"controls,omitempty"`
}
