package service

import (
	"strings"
	"unicode"
)

// ChunkConfig controls how documents are split for ingest. MaxChunks caps
// the pieces of one document; zero means no cap. A document over the cap
// is rejected as a whole.
type ChunkConfig struct {
	MaxChars  int
	MinChars  int
	Overlap   int
	MaxChunks int
}

func DefaultChunkConfig() ChunkConfig {
	return ChunkConfig{
		MaxChars: 1200,
		MinChars: 400,
		Overlap:  200,
	}
}

// splitDocument cuts text into windows of at most MaxChars runes that
// overlap by Overlap runes. A window ends at the last whitespace past
// MinChars when there is one. Every rune of text lands in some piece.
func splitDocument(text string, cfg ChunkConfig) []string {
	clean := strings.TrimSpace(text)
	if clean == "" {
		return nil
	}
	if cfg.MaxChars <= 0 {
		def := DefaultChunkConfig()
		cfg.MaxChars, cfg.MinChars, cfg.Overlap = def.MaxChars, def.MinChars, def.Overlap
	}

	runes := []rune(clean)
	if len(runes) <= cfg.MaxChars {
		return []string{clean}
	}

	var pieces []string
	for start := 0; start < len(runes); {
		end := windowEnd(runes, start, cfg)
		if piece := strings.TrimSpace(string(runes[start:end])); piece != "" {
			pieces = append(pieces, piece)
		}
		if end == len(runes) {
			break
		}
		start = nextWindow(start, end, cfg.Overlap)
	}
	return pieces
}

func windowEnd(runes []rune, start int, cfg ChunkConfig) int {
	end := min(start+cfg.MaxChars, len(runes))
	if end == len(runes) {
		return end
	}
	floor := start + cfg.MinChars
	if floor >= end {
		floor = start
	}
	for i := end; i > floor; i-- {
		if unicode.IsSpace(runes[i-1]) {
			return i
		}
	}
	return end
}

// nextWindow always moves forward.
func nextWindow(start, end, overlap int) int {
	if overlap > 0 && end-start > overlap {
		return end - overlap
	}
	return end
}
