// Package segment decomposes transcribed syllables into onset, rime and tone.
package segment

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/japaniel/fangyan/pkg/phonology"
)

var (
	// ErrInvalidSyllable is returned for transcriptions without any phonetic letter.
	ErrInvalidSyllable = errors.New("segment: invalid syllable")
	// ErrEmptyPair is returned when the character or the transcription is blank.
	ErrEmptyPair = errors.New("segment: empty character or transcription")
	// ErrPlaceholderGlyph marks characters written as an unreadable-glyph box.
	ErrPlaceholderGlyph = errors.New("segment: placeholder glyph")
	// ErrWordReadingMismatch is returned when a multi-character word cannot be
	// zipped with its space-separated readings.
	ErrWordReadingMismatch = errors.New("segment: word and reading lengths differ")
)

// Pair is one character with one candidate transcription.
type Pair struct {
	Character string
	Phonetic  string
}

// ToneLabeler maps a tone code to its category label for one location.
type ToneLabeler interface {
	Label(tone string) string
}

// Result is a segmented reading.
type Result struct {
	Character string
	// Syllable is the transcription after digit and homoglyph normalization.
	Syllable  string
	Onset     string
	Rime      string
	Tone      string
	ToneClass string
	// MissingTone is set when no trailing tone digits were found.
	MissingTone bool
	// NeedsReview is set when no onset/nucleus boundary could be recognized.
	NeedsReview bool
}

// Segmenter applies the character-class rules of a Tables value.
type Segmenter struct {
	tables *phonology.Tables
}

// New returns a Segmenter bound to t. A nil t uses the built-in tables.
func New(t *phonology.Tables) *Segmenter {
	if t == nil {
		t = phonology.Default()
	}
	return &Segmenter{tables: t}
}

// Segment decomposes one pre-split pair. tones may be nil.
//
// Vowel-initial syllables and zero-onset markers yield the glottal-stop
// onset. A syllable that is only a syllabic consonant (m55, ŋ̍13) is
// onset-less: its onset is empty and NeedsReview stays false, which tells
// it apart from a syllable whose boundary could not be found.
func (s *Segmenter) Segment(p Pair, tones ToneLabeler) (Result, error) {
	char := strings.TrimSpace(p.Character)
	phon := strings.TrimSpace(p.Phonetic)
	if char == "" || phon == "" {
		return Result{}, ErrEmptyPair
	}
	if s.hasPlaceholder(char) {
		return Result{}, fmt.Errorf("%w: %q", ErrPlaceholderGlyph, char)
	}

	t := s.tables
	norm := t.NormalizeHomoglyphs(t.NormalizeDigits(phon))
	norm = strings.Join(strings.Fields(norm), "")

	body, tone := s.splitTone(norm)
	if !hasPhoneticLetter(body) {
		return Result{}, fmt.Errorf("%w: %q", ErrInvalidSyllable, phon)
	}

	res := Result{
		Character:   char,
		Syllable:    norm,
		Tone:        tone,
		MissingTone: tone == "",
	}

	zero := false
	for _, m := range t.ZeroOnsetMarkers() {
		if strings.HasPrefix(body, m) {
			body = strings.TrimPrefix(body, m)
			zero = true
			break
		}
	}
	if zero && !hasPhoneticLetter(body) {
		return Result{}, fmt.Errorf("%w: %q", ErrInvalidSyllable, phon)
	}

	var onset, rime string
	switch {
	case zero:
		onset, rime = t.GlottalStop(), body
	default:
		onset, rime, res.NeedsReview = s.splitOnset([]rune(body))
	}
	if onset != "" && onset != t.GlottalStop() {
		onset = t.RewriteOnset(onset)
	}
	res.Onset = onset
	res.Rime = stripHan(rime)

	if tones != nil && tone != "" {
		res.ToneClass = tones.Label(tone)
	}
	return res, nil
}

// splitTone separates the trailing tone run (or neutral-tone marker) from the body.
func (s *Segmenter) splitTone(norm string) (body, tone string) {
	for _, m := range s.tables.NeutralToneMarkers() {
		if m != "" && strings.HasSuffix(norm, m) {
			return strings.TrimSuffix(norm, m), s.tables.NeutralTone()
		}
	}
	i := len(norm)
	for i > 0 && norm[i-1] >= '0' && norm[i-1] <= '9' {
		i--
	}
	return norm[:i], norm[i:]
}

// splitOnset finds the onset/rime boundary of a body without tone.
func (s *Segmenter) splitOnset(runes []rune) (onset, rime string, review bool) {
	t := s.tables
	glottal := t.GlottalStop()

	firstVowel := -1
	for i, r := range runes {
		if t.IsVowel(r) {
			firstVowel = i
			break
		}
	}

	if firstVowel >= 0 {
		if firstVowel == 0 {
			return glottal, string(runes), false
		}
		end := 0
		for end < firstVowel {
			r := runes[end]
			if end > 0 && t.IsMedialGlide(r) {
				break
			}
			if t.IsConsonant(r) || (end > 0 && phonology.IsMark(r)) {
				end++
				continue
			}
			break
		}
		if end == 0 {
			return "", string(runes), true
		}
		return string(runes[:end]), string(runes[end:]), false
	}

	// No vowel: look for a syllabic consonant nucleus.
	for i, r := range runes {
		if !t.IsSyllabic(r) {
			continue
		}
		if i == 0 {
			return "", string(runes), false
		}
		lead := runes[:i]
		for j, lr := range lead {
			if !t.IsConsonant(lr) && !(j > 0 && phonology.IsMark(lr)) {
				return "", string(runes), true
			}
		}
		return string(lead), string(runes[i:]), false
	}
	return "", string(runes), true
}

func (s *Segmenter) hasPlaceholder(text string) bool {
	for _, r := range text {
		if s.tables.IsPlaceholder(r) {
			return true
		}
	}
	return false
}

// Split pairs the values of one source row. Both cells may carry several
// values separated by the configured delimiters. When both sides have more
// than one value every combination is produced; when one side has several
// values each pairs with the other side's single value. A multi-character
// word is zipped with space-separated readings of the same length.
//
// Problems with individual values are joined into the returned error while
// the valid pairs are still returned.
func (s *Segmenter) Split(characters, phonetics string) ([]Pair, error) {
	words := s.splitField(characters)
	phons := s.splitField(phonetics)
	if len(words) == 0 || len(phons) == 0 {
		return nil, ErrEmptyPair
	}

	var combos []Pair
	switch {
	case len(words) > 1 && len(phons) > 1:
		for _, w := range words {
			for _, p := range phons {
				combos = append(combos, Pair{Character: w, Phonetic: p})
			}
		}
	case len(words) > 1:
		for _, w := range words {
			combos = append(combos, Pair{Character: w, Phonetic: phons[0]})
		}
	case len(phons) > 1:
		for _, p := range phons {
			combos = append(combos, Pair{Character: words[0], Phonetic: p})
		}
	default:
		combos = []Pair{{Character: words[0], Phonetic: phons[0]}}
	}

	var out []Pair
	var errs []error
	for _, c := range combos {
		n := utf8.RuneCountInString(c.Character)
		if n <= 1 {
			out = append(out, c)
			continue
		}
		units := strings.Fields(c.Phonetic)
		if len(units) != n {
			errs = append(errs, fmt.Errorf("%w: %q / %q", ErrWordReadingMismatch, c.Character, c.Phonetic))
			continue
		}
		i := 0
		for _, r := range c.Character {
			out = append(out, Pair{Character: string(r), Phonetic: units[i]})
			i++
		}
	}
	return out, errors.Join(errs...)
}

func (s *Segmenter) splitField(field string) []string {
	parts := strings.FieldsFunc(field, s.tables.IsDelimiter)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func hasPhoneticLetter(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) && !unicode.Is(unicode.Han, r) {
			return true
		}
	}
	return false
}

func stripHan(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.Is(unicode.Han, r) {
			return -1
		}
		return r
	}, s)
}
