package segment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type toneMap map[string]string

func (m toneMap) Label(tone string) string { return m[tone] }

func TestSegmentTone(t *testing.T) {
	s := New(nil)

	res, err := s.Segment(Pair{Character: "家", Phonetic: "ka55"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "55", res.Tone)
	assert.False(t, res.MissingTone)

	res, err = s.Segment(Pair{Character: "家", Phonetic: "ka⁵⁵"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "55", res.Tone)
	assert.Equal(t, "ka55", res.Syllable)

	res, err = s.Segment(Pair{Character: "家", Phonetic: "ka"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "", res.Tone)
	assert.True(t, res.MissingTone)
	assert.Equal(t, "k", res.Onset)
	assert.Equal(t, "a", res.Rime)
}

func TestSegmentOnsetRime(t *testing.T) {
	s := New(nil)
	cases := []struct {
		phon              string
		onset, rime, tone string
		review            bool
	}{
		{"ŋa21", "ŋ", "a", "21", false},
		{"a21", "ʔ", "a", "21", false},
		{"xing35", "x", "ing", "35", false},
		{"hang22", "h", "ang", "22", false},
		{"∅au33", "ʔ", "au", "33", false},
		{"m55", "", "m", "55", false},
		{"ŋ̍13", "", "ŋ̍", "13", false},
		{"ŋ55", "", "ŋ", "55", false},
		{"m\u032955", "", "m\u0329", "55", false},
		{"Ŋa21", "ŋ", "a", "21", false},
		{"tsz21", "ʦ", "z", "21", false},
		{"tsha33", "ʦʰ", "a", "33", false},
		{"p'a53", "pʰ", "a", "53", false},
		{"kja53", "k", "ja", "53", false},
		{"εi44", "ʔ", "ɛi", "44", false},
		{"a2b21", "ʔ", "a2b", "21", false},
		{"pst21", "", "pst", "21", true},
	}
	for _, tc := range cases {
		t.Run(tc.phon, func(t *testing.T) {
			res, err := s.Segment(Pair{Character: "字", Phonetic: tc.phon}, nil)
			require.NoError(t, err)
			assert.Equal(t, tc.onset, res.Onset, "onset")
			assert.Equal(t, tc.rime, res.Rime, "rime")
			assert.Equal(t, tc.tone, res.Tone, "tone")
			assert.Equal(t, tc.review, res.NeedsReview, "needs review")
		})
	}
}

func TestSegmentDeterministic(t *testing.T) {
	s := New(nil)
	a, err := s.Segment(Pair{Character: "行", Phonetic: "xing35"}, nil)
	require.NoError(t, err)
	b, err := s.Segment(Pair{Character: "行", Phonetic: "xing35"}, nil)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestSegmentRejectsInvalid(t *testing.T) {
	s := New(nil)
	for _, phon := range []string{"55", "?!", "/;", "∅21", "、。"} {
		_, err := s.Segment(Pair{Character: "字", Phonetic: phon}, nil)
		assert.ErrorIs(t, err, ErrInvalidSyllable, phon)
	}

	_, err := s.Segment(Pair{Character: "", Phonetic: "ka55"}, nil)
	assert.ErrorIs(t, err, ErrEmptyPair)

	_, err = s.Segment(Pair{Character: "□", Phonetic: "ka55"}, nil)
	assert.ErrorIs(t, err, ErrPlaceholderGlyph)
}

func TestSegmentNeutralToneAndLabels(t *testing.T) {
	s := New(nil)
	res, err := s.Segment(Pair{Character: "子", Phonetic: "tsɿ輕聲"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "輕聲", res.Tone)
	assert.Equal(t, "ɿ", res.Rime)

	res, err = s.Segment(Pair{Character: "東", Phonetic: "tuŋ55"}, toneMap{"55": "陰平"})
	require.NoError(t, err)
	assert.Equal(t, "陰平", res.ToneClass)
}

func TestSplitPairs(t *testing.T) {
	s := New(nil)

	pairs, err := s.Split("行", "xing35/hang22")
	require.NoError(t, err)
	assert.Equal(t, []Pair{{"行", "xing35"}, {"行", "hang22"}}, pairs)

	pairs, err = s.Split("行；走", "xing35")
	require.NoError(t, err)
	assert.Equal(t, []Pair{{"行", "xing35"}, {"走", "xing35"}}, pairs)

	pairs, err = s.Split("行,走", "a1|b2")
	require.NoError(t, err)
	assert.Equal(t, []Pair{{"行", "a1"}, {"行", "b2"}, {"走", "a1"}, {"走", "b2"}}, pairs)

	pairs, err = s.Split("你好", "ni21 hau35")
	require.NoError(t, err)
	assert.Equal(t, []Pair{{"你", "ni21"}, {"好", "hau35"}}, pairs)
}

func TestSplitErrors(t *testing.T) {
	s := New(nil)

	_, err := s.Split("行", "/")
	assert.ErrorIs(t, err, ErrEmptyPair)

	pairs, err := s.Split("你好/行", "nihau")
	assert.ErrorIs(t, err, ErrWordReadingMismatch)
	assert.Equal(t, []Pair{{"行", "nihau"}}, pairs)
}
