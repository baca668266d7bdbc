package service

import (
	"strings"

	"github.com/abadojack/whatlanggo"
)

var detectOpts = whatlanggo.Options{
	Whitelist: map[whatlanggo.Lang]bool{
		whatlanggo.Eng: true,
		whatlanggo.Rus: true,
		whatlanggo.Ukr: true,
		whatlanggo.Deu: true,
		whatlanggo.Fra: true,
		whatlanggo.Spa: true,
		whatlanggo.Ita: true,
		whatlanggo.Por: true,
		whatlanggo.Cmn: true,
	},
}

// languageNames maps ISO 639-1 codes to the names used in reply hints.
var languageNames = map[string]string{
	"en": "English",
	"ru": "Russian",
	"uk": "Ukrainian",
	"de": "German",
	"fr": "French",
	"es": "Spanish",
	"it": "Italian",
	"pt": "Portuguese",
	"zh": "Chinese",
}

// detectLanguage returns the ISO 639-1 code of text, or "" when the
// detector is not confident.
func detectLanguage(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	info := whatlanggo.DetectWithOptions(text, detectOpts)
	if info.Confidence < 0.5 {
		return ""
	}
	return info.Lang.Iso6391()
}

func normalizeLanguage(lang string) string {
	return strings.ToLower(strings.TrimSpace(lang))
}
