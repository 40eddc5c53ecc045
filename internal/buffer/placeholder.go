package buffer

import "strings"

// DefaultPlaceholder is used for content-free messages of unknown type.
const DefaultPlaceholder = "[media message]"

// Placeholder returns the text standing in for an uncaptioned media message.
func Placeholder(mediaKind, mimeType, fallback string) string {
	switch mediaKind {
	case "image", "audio", "video", "document", "sticker":
		return "[" + mediaKind + "]"
	}
	switch {
	case strings.HasPrefix(mimeType, "image/webp"):
		return "[sticker]"
	case strings.HasPrefix(mimeType, "image/"):
		return "[image]"
	case strings.HasPrefix(mimeType, "audio/"):
		return "[audio]"
	case strings.HasPrefix(mimeType, "video/"):
		return "[video]"
	case strings.HasPrefix(mimeType, "application/"), strings.HasPrefix(mimeType, "text/"):
		return "[document]"
	}
	if fallback == "" {
		return DefaultPlaceholder
	}
	return fallback
}

// fillPlaceholders ensures every message carries non-empty text.
func fillPlaceholders(msgs []BufferedMessage, fallback string) {
	for i := range msgs {
		if strings.TrimSpace(msgs[i].Text) == "" {
			msgs[i].Text = Placeholder(msgs[i].MediaKind, msgs[i].MimeType, fallback)
		}
	}
}
