package utils

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// MaxMessageLength caps a single question, in characters.
const MaxMessageLength = 4096

// GenerateSessionID returns a fresh session identifier.
func GenerateSessionID() string {
	return uuid.NewString()
}

// GenerateUserID returns a visitor id of the form user_YYYYmmddHHMMSS_xxxx.
func GenerateUserID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:4]
	return fmt.Sprintf("user_%s_%s", now.UTC().Format("20060102150405"), suffix)
}

// GenerateMessageID returns a ULID, so message ids sort in creation order.
func GenerateMessageID() string {
	return ulid.Make().String()
}

// ValidateMessage reports whether content is a usable question.
func ValidateMessage(content string) bool {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return false
	}
	return utf8.RuneCountInString(content) <= MaxMessageLength
}

// SplitText cuts text into chunks of at most size runes, each overlapping the
// previous one by overlap runes. Chunk boundaries prefer line breaks.
func SplitText(text string, size, overlap int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if size <= 0 {
		return []string{text}
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	runes := []rune(text)
	var chunks []string
	for start := 0; start < len(runes); {
		end := start + size
		if end >= len(runes) {
			chunks = append(chunks, strings.TrimSpace(string(runes[start:])))
			break
		}
		// back off to the last newline inside the window, if there is one past the overlap
		if cut := lastIndexRune(runes[start:end], '\n'); cut > overlap {
			end = start + cut
		}
		chunks = append(chunks, strings.TrimSpace(string(runes[start:end])))
		start = end - overlap
	}
	return chunks
}

func lastIndexRune(rs []rune, r rune) int {
	for i := len(rs) - 1; i >= 0; i-- {
		if rs[i] == r {
			return i
		}
	}
	return -1
}
