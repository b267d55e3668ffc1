// Package phonology holds the fixed alphabets and substitution tables shared by
// the resolver and the segmenter. A Tables value is built once and never
// mutated afterwards; pass it explicitly to the components that need it.
package phonology

import (
	"fmt"
	"os"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

// Pair is one ordered substitution. Order inside a list matters: earlier pairs
// win when several match at the same position.
type Pair struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// ColumnAliases lists accepted header names for each logical source column.
type ColumnAliases struct {
	Character []string `yaml:"character"`
	Phonetic  []string `yaml:"phonetic"`
	Note      []string `yaml:"note"`
}

// Spec is the serializable form of Tables. Empty fields fall back to the
// built-in defaults when loaded through LoadFile.
type Spec struct {
	Consonants         string        `yaml:"consonants"`
	Vowels             string        `yaml:"vowels"`
	Syllabics          string        `yaml:"syllabics"`
	MedialGlides       string        `yaml:"medial_glides"`
	ZeroOnsetMarkers   []string      `yaml:"zero_onset_markers"`
	GlottalStop        string        `yaml:"glottal_stop"`
	Homoglyphs         []Pair        `yaml:"homoglyphs"`
	OnsetRewrites      []Pair        `yaml:"onset_rewrites"`
	ToneDigits         []Pair        `yaml:"tone_digits"`
	NeutralToneMarkers []string      `yaml:"neutral_tone_markers"`
	NeutralTone        string        `yaml:"neutral_tone"`
	ReadingDelimiters  string        `yaml:"reading_delimiters"`
	PlaceholderGlyphs  string        `yaml:"placeholder_glyphs"`
	GlyphVariants      []Pair        `yaml:"glyph_variants"`
	Substitutions      []Pair        `yaml:"substitutions"`
	Columns            ColumnAliases `yaml:"columns"`
	NoteSeparator      string        `yaml:"note_separator"`
}

// DefaultSpec returns the built-in table definitions.
func DefaultSpec() Spec {
	return Spec{
		Consonants: "pbtdkgɡqɢʔmnŋɲȵɳɴɱƞfvszʃʒɕʑʂʐxɣhɦχʁħʕlɬɮɭḷrɹɾɻʋjwɥcɟçʝθðβɸ" +
			"ʦʣʧʤʨʥȶȡʈɖɗɓʄʰʱʷʲᶣˀʼɰ",
		Vowels:           "aeiouyAEIOUɑɐɒæɛɜəɘɤɯɪʊʏøœɶɔʌɵʉɨɿʅʮʯɚɝɞɩᴀᴇãẽĩõũỹ",
		Syllabics:        "mnŋɲȵƞʋvʒʐzɣlḷrɹ",
		MedialGlides:     "jʲ",
		ZeroOnsetMarkers: []string{"(ʔ)", "∅", "Ø", "Ǿ"},
		GlottalStop:      "ʔ",
		Homoglyphs: []Pair{
			{"ε", "ɛ"}, {"α", "ɑ"}, {"ʯ", "ʮ"}, {"ο", "o"}, {"ǝ", "ə"},
			{"о", "o"}, {"у", "y"}, {"е", "e"}, {"а", "a"},
			{"ā", "ã"}, {"ī", "ĩ"}, {"∫", "ʃ"}, {"ς", "ɕ"}, {"∨", "v"},
			{"ł", "ɬ"}, {"Ŋ", "ŋ"}, {"'", "ʰ"}, {"’", "ʰ"},
		},
		OnsetRewrites: []Pair{
			{"tsh", "ʦʰ"}, {"tʰs", "ʦʰ"}, {"th", "tʰ"}, {"kh", "kʰ"}, {"ph", "pʰ"},
			{"ts", "ʦ"}, {"tʃ", "ʧ"}, {"tɕ", "ʨ"}, {"dz", "ʣ"}, {"dʒ", "ʤ"}, {"dʑ", "ʥ"},
		},
		ToneDigits: []Pair{
			{"⁰", "0"}, {"¹", "1"}, {"²", "2"}, {"³", "3"}, {"⁴", "4"},
			{"⁵", "5"}, {"⁶", "6"}, {"⁷", "7"}, {"⁸", "8"}, {"⁹", "9"},
			{"₀", "0"}, {"₁", "1"}, {"₂", "2"}, {"₃", "3"}, {"₄", "4"},
			{"₅", "5"}, {"₆", "6"}, {"₇", "7"}, {"₈", "8"}, {"₉", "9"},
			{"０", "0"}, {"１", "1"}, {"２", "2"}, {"３", "3"}, {"４", "4"},
			{"５", "5"}, {"６", "6"}, {"７", "7"}, {"８", "8"}, {"９", "9"},
		},
		NeutralToneMarkers: []string{"輕聲", "轻声"},
		NeutralTone:        "輕聲",
		ReadingDelimiters:  "/;,|；，、∥",
		PlaceholderGlyphs:  "□■⬜⬛☐☑☒▯▢▣█�",
		GlyphVariants: []Pair{
			{"峯", "峰"}, {"淸", "清"}, {"鄕", "鄉"}, {"鎭", "鎮"}, {"眞", "真"},
			{"爲", "為"}, {"卽", "即"}, {"敎", "教"}, {"靑", "青"}, {"尙", "尚"},
			{"黃", "黄"}, {"溫", "温"}, {"强", "強"}, {"衆", "眾"}, {"僞", "偽"},
			{"戶", "户"}, {"屛", "屏"}, {"彥", "彦"}, {"裡", "裏"}, {"綫", "線"},
		},
		Substitutions: []Pair{
			{"邨", "村"}, {"舘", "館"}, {"嶴", "澳"}, {"坭", "泥"},
		},
		Columns: ColumnAliases{
			Character: []string{"漢字", "汉字", "字", "單字", "单字", "字頭", "字头", "char", "character", "hanzi"},
			Phonetic:  []string{"音標", "音标", "IPA", "讀音", "读音", "音節", "音节", "國際音標", "国际音标", "phonetic", "reading"},
			Note:      []string{"解釋", "解释", "註釋", "注释", "備註", "备注", "釋義", "释义", "note", "notes", "gloss"},
		},
		NoteSeparator: ";",
	}
}

// Tables is the compiled, read-only form of a Spec.
type Tables struct {
	consonants   map[rune]bool
	vowels       map[rune]bool
	syllabics    map[rune]bool
	medialGlides map[rune]bool
	delimiters   map[rune]bool
	placeholders map[rune]bool

	zeroOnsetMarkers []string
	glottalStop      string
	neutralMarkers   []string
	neutralTone      string
	noteSeparator    string

	homoglyphs    *strings.Replacer
	onsetRewrites *strings.Replacer
	toneDigits    *strings.Replacer
	glyphVariants *strings.Replacer
	substitutions *strings.Replacer

	columns ColumnAliases
}

// Default compiles DefaultSpec. It panics only if the built-in tables are broken.
func Default() *Tables {
	t, err := Build(DefaultSpec())
	if err != nil {
		panic(fmt.Sprintf("phonology: default tables: %v", err))
	}
	return t
}

// LoadFile reads a YAML override file and compiles it on top of the defaults.
func LoadFile(path string) (*Tables, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("phonology: read %s: %w", path, err)
	}
	var spec Spec
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("phonology: parse %s: %w", path, err)
	}
	return Build(spec.withDefaults())
}

// Build validates spec and compiles it. Callers wanting partial overrides
// should go through LoadFile, which fills missing fields first.
func Build(spec Spec) (*Tables, error) {
	if spec.Vowels == "" {
		return nil, fmt.Errorf("phonology: vowel class is empty")
	}
	if spec.GlottalStop == "" {
		return nil, fmt.Errorf("phonology: glottal stop marker is empty")
	}
	if len(spec.Columns.Character) == 0 || len(spec.Columns.Phonetic) == 0 {
		return nil, fmt.Errorf("phonology: character and phonetic column aliases are required")
	}
	for _, p := range concatPairs(spec.Homoglyphs, spec.OnsetRewrites, spec.ToneDigits, spec.GlyphVariants, spec.Substitutions) {
		if p.From == "" {
			return nil, fmt.Errorf("phonology: substitution with empty source (to %q)", p.To)
		}
	}
	sep := spec.NoteSeparator
	if sep == "" {
		sep = ";"
	}
	return &Tables{
		consonants:       runeSet(spec.Consonants),
		vowels:           runeSet(spec.Vowels),
		syllabics:        runeSet(spec.Syllabics),
		medialGlides:     runeSet(spec.MedialGlides),
		delimiters:       runeSet(spec.ReadingDelimiters),
		placeholders:     runeSet(spec.PlaceholderGlyphs),
		zeroOnsetMarkers: cloneStrings(spec.ZeroOnsetMarkers),
		glottalStop:      spec.GlottalStop,
		neutralMarkers:   cloneStrings(spec.NeutralToneMarkers),
		neutralTone:      spec.NeutralTone,
		noteSeparator:    sep,
		homoglyphs:       replacer(spec.Homoglyphs),
		onsetRewrites:    replacer(spec.OnsetRewrites),
		toneDigits:       replacer(spec.ToneDigits),
		glyphVariants:    replacer(spec.GlyphVariants),
		substitutions:    replacer(spec.Substitutions),
		columns: ColumnAliases{
			Character: cloneStrings(spec.Columns.Character),
			Phonetic:  cloneStrings(spec.Columns.Phonetic),
			Note:      cloneStrings(spec.Columns.Note),
		},
	}, nil
}

func (s Spec) withDefaults() Spec {
	d := DefaultSpec()
	pickStr := func(v, fallback string) string {
		if v == "" {
			return fallback
		}
		return v
	}
	pickList := func(v, fallback []string) []string {
		if v == nil {
			return fallback
		}
		return v
	}
	pickPairs := func(v, fallback []Pair) []Pair {
		if v == nil {
			return fallback
		}
		return v
	}
	return Spec{
		Consonants:         pickStr(s.Consonants, d.Consonants),
		Vowels:             pickStr(s.Vowels, d.Vowels),
		Syllabics:          pickStr(s.Syllabics, d.Syllabics),
		MedialGlides:       pickStr(s.MedialGlides, d.MedialGlides),
		ZeroOnsetMarkers:   pickList(s.ZeroOnsetMarkers, d.ZeroOnsetMarkers),
		GlottalStop:        pickStr(s.GlottalStop, d.GlottalStop),
		Homoglyphs:         pickPairs(s.Homoglyphs, d.Homoglyphs),
		OnsetRewrites:      pickPairs(s.OnsetRewrites, d.OnsetRewrites),
		ToneDigits:         pickPairs(s.ToneDigits, d.ToneDigits),
		NeutralToneMarkers: pickList(s.NeutralToneMarkers, d.NeutralToneMarkers),
		NeutralTone:        pickStr(s.NeutralTone, d.NeutralTone),
		ReadingDelimiters:  pickStr(s.ReadingDelimiters, d.ReadingDelimiters),
		PlaceholderGlyphs:  pickStr(s.PlaceholderGlyphs, d.PlaceholderGlyphs),
		GlyphVariants:      pickPairs(s.GlyphVariants, d.GlyphVariants),
		Substitutions:      pickPairs(s.Substitutions, d.Substitutions),
		Columns: ColumnAliases{
			Character: pickList(s.Columns.Character, d.Columns.Character),
			Phonetic:  pickList(s.Columns.Phonetic, d.Columns.Phonetic),
			Note:      pickList(s.Columns.Note, d.Columns.Note),
		},
		NoteSeparator: pickStr(s.NoteSeparator, d.NoteSeparator),
	}
}

// IsConsonant reports whether r belongs to the onset alphabet.
func (t *Tables) IsConsonant(r rune) bool { return t.consonants[r] }

// IsVowel reports whether r is a vowel-class character.
func (t *Tables) IsVowel(r rune) bool { return t.vowels[r] }

// IsSyllabic reports whether r can be a rime nucleus on its own.
func (t *Tables) IsSyllabic(r rune) bool { return t.syllabics[r] }

// IsMedialGlide reports whether r opens the rime when it follows the first onset segment.
func (t *Tables) IsMedialGlide(r rune) bool { return t.medialGlides[r] }

// IsDelimiter reports whether r separates alternative values in one cell.
func (t *Tables) IsDelimiter(r rune) bool { return t.delimiters[r] }

// IsPlaceholder reports whether r marks an unreadable or missing glyph.
func (t *Tables) IsPlaceholder(r rune) bool { return t.placeholders[r] }

// IsMark reports combining marks, which always attach to the preceding segment.
func IsMark(r rune) bool { return unicode.Is(unicode.Mn, r) }

// ZeroOnsetMarkers returns the explicit zero-onset spellings, longest first as configured.
func (t *Tables) ZeroOnsetMarkers() []string { return cloneStrings(t.zeroOnsetMarkers) }

// GlottalStop is the onset written for zero-onset syllables.
func (t *Tables) GlottalStop() string { return t.glottalStop }

// NeutralToneMarkers returns textual neutral-tone suffixes.
func (t *Tables) NeutralToneMarkers() []string { return cloneStrings(t.neutralMarkers) }

// NeutralTone is the tone value recorded for a neutral-tone marker.
func (t *Tables) NeutralTone() string { return t.neutralTone }

// NoteSeparator joins merged annotations.
func (t *Tables) NoteSeparator() string { return t.noteSeparator }

// NormalizeHomoglyphs replaces look-alike letterforms with their IPA forms.
func (t *Tables) NormalizeHomoglyphs(s string) string { return t.homoglyphs.Replace(s) }

// NormalizeDigits maps superscript, subscript and full-width digits to ASCII.
func (t *Tables) NormalizeDigits(s string) string { return t.toneDigits.Replace(s) }

// RewriteOnset rewrites digraph onset spellings to canonical IPA.
func (t *Tables) RewriteOnset(s string) string { return t.onsetRewrites.Replace(s) }

// FoldVariants applies the glyph-variant normalization table.
func (t *Tables) FoldVariants(s string) string { return t.glyphVariants.Replace(s) }

// Substitute applies the hand-curated substitution dictionary.
func (t *Tables) Substitute(s string) string { return t.substitutions.Replace(s) }

// Columns returns a copy of the header alias table.
func (t *Tables) Columns() ColumnAliases {
	return ColumnAliases{
		Character: cloneStrings(t.columns.Character),
		Phonetic:  cloneStrings(t.columns.Phonetic),
		Note:      cloneStrings(t.columns.Note),
	}
}

func runeSet(s string) map[rune]bool {
	m := make(map[rune]bool, len(s))
	for _, r := range s {
		m[r] = true
	}
	return m
}

func replacer(pairs []Pair) *strings.Replacer {
	args := make([]string, 0, len(pairs)*2)
	for _, p := range pairs {
		args = append(args, p.From, p.To)
	}
	return strings.NewReplacer(args...)
}

func concatPairs(lists ...[]Pair) []Pair {
	var out []Pair
	for _, l := range lists {
		out = append(out, l...)
	}
	return out
}

func cloneStrings(values []string) []string {
	if values == nil {
		return nil
	}
	out := make([]string, len(values))
	copy(out, values)
	return out
}
