package gateway

import (
	"path/filepath"
	"strings"

	"github.com/blastline/blastline/internal/models"
)

// MessageTypeChat is the plain-text message type.
const MessageTypeChat = "chat"

var extTypes = map[string]string{
	".jpg":  "image",
	".jpeg": "image",
	".png":  "image",
	".gif":  "image",
	".webp": "image",
	".mp4":  "video",
	".3gp":  "video",
	".mov":  "video",
	".avi":  "video",
	".mkv":  "video",
	".mp3":  "audio",
	".ogg":  "audio",
	".opus": "audio",
	".wav":  "audio",
	".aac":  "audio",
	".m4a":  "audio",
}

// InferMessageType picks the gateway message type from the first attachment.
// Known image, video and audio extensions map to their media type; anything
// else with an attachment is a document; no attachments means plain chat.
func InferMessageType(attachments []models.Attachment) string {
	if len(attachments) == 0 {
		return MessageTypeChat
	}
	ext := strings.ToLower(filepath.Ext(attachments[0].Name))
	if t, ok := extTypes[ext]; ok {
		return t
	}
	return "document"
}

// FileType returns the extension-derived file type field for document sends,
// or "" when the message carries no attachments.
func FileType(attachments []models.Attachment) string {
	if len(attachments) == 0 {
		return ""
	}
	ext := strings.ToLower(filepath.Ext(attachments[0].Name))
	return strings.TrimPrefix(ext, ".")
}
