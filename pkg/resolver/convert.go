package resolver

import (
	"fmt"
	"strings"

	"github.com/longbridgeapp/opencc"
	"golang.org/x/text/unicode/norm"
)

// Converter rewrites text between scripts.
type Converter interface {
	Convert(text string) (string, error)
}

// ConverterFunc adapts a plain function.
type ConverterFunc func(string) (string, error)

func (f ConverterFunc) Convert(text string) (string, error) { return f(text) }

// Identity returns text unchanged.
var Identity Converter = ConverterFunc(func(s string) (string, error) { return s, nil })

// NewOpenCC loads one OpenCC configuration such as "s2t", "t2s" or "tw2sp".
// The returned converter holds its dictionaries; build it once and reuse it.
func NewOpenCC(config string) (Converter, error) {
	cc, err := opencc.New(config)
	if err != nil {
		return nil, fmt.Errorf("opencc %s: %w", config, err)
	}
	return cc, nil
}

// Converters groups the script converters used by the fallback chain.
// Nil members behave as Identity.
type Converters struct {
	S2T Converter
	T2S Converter
	// Variant folds regional variant forms before the glyph-variant table runs.
	Variant Converter
}

// DefaultConverters loads the OpenCC s2t, t2s and tw2sp configurations.
func DefaultConverters() (Converters, error) {
	s2t, err := NewOpenCC("s2t")
	if err != nil {
		return Converters{}, err
	}
	t2s, err := NewOpenCC("t2s")
	if err != nil {
		return Converters{}, err
	}
	variant, err := NewOpenCC("tw2sp")
	if err != nil {
		return Converters{}, err
	}
	return Converters{S2T: s2t, T2S: t2s, Variant: variant}, nil
}

func (c Converters) withDefaults() Converters {
	if c.S2T == nil {
		c.S2T = Identity
	}
	if c.T2S == nil {
		c.T2S = Identity
	}
	if c.Variant == nil {
		c.Variant = Identity
	}
	return c
}

// FoldLabel normalizes width and compatibility forms and drops whitespace.
func FoldLabel(s string) string {
	s = norm.NFKC.String(s)
	return strings.Join(strings.Fields(s), "")
}
