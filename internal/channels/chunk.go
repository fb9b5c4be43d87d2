package channels

import (
	"unicode/utf8"

	"github.com/mattn/go-runewidth"
)

// Platform message limits in display cells. Channels absent from the map
// are unchunked.
var chunkLimits = map[string]int{
	"telegram": 4096,
	"discord":  2000,
	"whatsapp": 60000,
}

// LimitFor returns the chunk limit for a channel, 0 meaning unlimited.
func LimitFor(channel string) int {
	return chunkLimits[channel]
}

// Chunk splits content into pieces whose display width stays within limit,
// preferring a newline and then a space boundary in the back half of each
// window so words and paragraphs survive. A limit of 0 disables chunking.
func Chunk(content string, limit int) []string {
	if limit <= 0 || runewidth.StringWidth(content) <= limit {
		return []string{content}
	}

	var chunks []string
	remaining := content
	for runewidth.StringWidth(remaining) > limit {
		cut := cutPoint(remaining, limit)
		chunks = append(chunks, remaining[:cut])
		remaining = remaining[cut:]
	}
	if remaining != "" {
		chunks = append(chunks, remaining)
	}
	return chunks
}

// cutPoint returns the byte offset to split at: the widest prefix within
// limit cells, pulled back to just after the last newline or space when
// that boundary sits past half the window.
func cutPoint(s string, limit int) int {
	width := 0
	nlAt, nlWidth := -1, 0
	spAt, spWidth := -1, 0

	for i, r := range s {
		w := runewidth.RuneWidth(r)
		if width+w > limit {
			if nlAt >= 0 && nlWidth*2 >= limit {
				return nlAt + 1
			}
			if spAt >= 0 && spWidth*2 >= limit {
				return spAt + 1
			}
			if i == 0 {
				// A single rune wider than the limit must still advance.
				_, size := utf8.DecodeRuneInString(s)
				return size
			}
			return i
		}
		width += w
		switch r {
		case '\n':
			nlAt, nlWidth = i, width
		case ' ':
			spAt, spWidth = i, width
		}
	}
	return len(s)
}
