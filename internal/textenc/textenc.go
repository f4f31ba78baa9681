// Package textenc resolves encoding names to golang.org/x/text decoders and
// decodes bytes strictly: a decode that needs the replacement character is
// treated as a failure.
//
// Only ASCII-compatible encodings are accepted, because header detection and
// CSV splitting operate on ASCII delimiters and line breaks.
package textenc

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	xunicode "golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// DefaultEncodings is the candidate order used when none is configured.
// windows-1252 decodes any byte sequence, so it goes last.
var DefaultEncodings = []string{"utf-8", "euc-kr", "shift_jis", "windows-1252"}

var bom = []byte{0xEF, 0xBB, 0xBF}

// ErrUndecodable is returned when bytes are not valid in the encoding.
var ErrUndecodable = errors.New("bytes not decodable")

// Lookup returns the encoding registered under name (WHATWG labels,
// case-insensitive). "utf-8-sig" is accepted as an alias for utf-8.
func Lookup(name string) (encoding.Encoding, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "" || n == "utf-8-sig" || n == "utf8" {
		n = "utf-8"
	}
	enc, err := htmlindex.Get(n)
	if err != nil {
		return nil, fmt.Errorf("unknown encoding %q: %w", name, err)
	}
	if !asciiCompatible(enc) {
		return nil, fmt.Errorf("encoding %q is not ASCII-compatible", name)
	}
	return enc, nil
}

// Canonical returns the canonical name for an encoding label.
func Canonical(name string) (string, error) {
	enc, err := Lookup(name)
	if err != nil {
		return "", err
	}
	return htmlindex.Name(enc)
}

func asciiCompatible(enc encoding.Encoding) bool {
	const sample = "a,;|\t\r\n\"0"
	out, err := enc.NewEncoder().Bytes([]byte(sample))
	return err == nil && string(out) == sample
}

func isUTF8(enc encoding.Encoding) bool {
	if enc == xunicode.UTF8 {
		return true
	}
	name, err := htmlindex.Name(enc)
	return err == nil && name == "utf-8"
}

// Plausible reports whether s reads like text written in a CJK encoding
// rather than Latin bytes pushed through a multibyte decoder. Such decodes
// leave an ASCII letter directly touching a Han, Hangul or kana rune.
func Plausible(s string) bool {
	var prev rune
	for _, r := range s {
		if isASCIILetter(prev) && isCJK(r) || isCJK(prev) && isASCIILetter(r) {
			return false
		}
		prev = r
	}
	return true
}

func isASCIILetter(r rune) bool {
	return r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z'
}

func isCJK(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hangul, unicode.Hiragana, unicode.Katakana)
}

// StripBOM removes a leading UTF-8 byte order mark.
func StripBOM(b []byte) []byte {
	return bytes.TrimPrefix(b, bom)
}

// Decode converts b to a UTF-8 string. It fails if the decoder reports an
// error or had to substitute U+FFFD for an invalid sequence.
func Decode(enc encoding.Encoding, b []byte) (string, error) {
	if isUTF8(enc) {
		if !utf8.Valid(b) {
			return "", ErrUndecodable
		}
		return string(b), nil
	}
	out, err := enc.NewDecoder().Bytes(b)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	if bytes.ContainsRune(out, utf8.RuneError) {
		return "", ErrUndecodable
	}
	return string(out), nil
}

// NewReader wraps r so reads yield UTF-8. Invalid input surfaces as U+FFFD;
// callers that need strictness check decoded fields for it.
func NewReader(r io.Reader, enc encoding.Encoding) io.Reader {
	if isUTF8(enc) {
		return r
	}
	return transform.NewReader(r, enc.NewDecoder())
}
