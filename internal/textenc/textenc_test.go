package textenc

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/korean"
)

func TestLookup(t *testing.T) {
	for _, name := range []string{"utf-8", "UTF8", "utf-8-sig", "windows-1252", "latin1", "euc-kr", "shift_jis", "gbk"} {
		t.Run(name, func(t *testing.T) {
			_, err := Lookup(name)
			assert.NoError(t, err)
		})
	}

	_, err := Lookup("klingon")
	assert.Error(t, err)

	_, err = Lookup("utf-16le")
	assert.Error(t, err, "utf-16 is not ASCII-compatible")
}

func TestCanonical(t *testing.T) {
	name, err := Canonical("latin1")
	require.NoError(t, err)
	assert.Equal(t, "windows-1252", name)
}

func TestDecode_StrictUTF8(t *testing.T) {
	enc, err := Lookup("utf-8")
	require.NoError(t, err)

	s, err := Decode(enc, []byte("종목,가격"))
	require.NoError(t, err)
	assert.Equal(t, "종목,가격", s)

	_, err = Decode(enc, []byte{0xC1, 0xBE, ',', 'a'})
	assert.ErrorIs(t, err, ErrUndecodable)
}

func TestDecode_EUCKR(t *testing.T) {
	raw, err := korean.EUCKR.NewEncoder().Bytes([]byte("종목코드,현재가"))
	require.NoError(t, err)

	enc, err := Lookup("euc-kr")
	require.NoError(t, err)
	s, err := Decode(enc, raw)
	require.NoError(t, err)
	assert.Equal(t, "종목코드,현재가", s)
}

func TestStripBOM(t *testing.T) {
	assert.Equal(t, []byte("a,b"), StripBOM([]byte("\xEF\xBB\xBFa,b")))
	assert.Equal(t, []byte("a,b"), StripBOM([]byte("a,b")))
}

func TestNewReader(t *testing.T) {
	raw, err := korean.EUCKR.NewEncoder().Bytes([]byte("일자\n"))
	require.NoError(t, err)

	enc, err := Lookup("euc-kr")
	require.NoError(t, err)
	out, err := io.ReadAll(NewReader(strings.NewReader(string(raw)), enc))
	require.NoError(t, err)
	assert.Equal(t, "일자\n", string(out))
}

func TestPlausible(t *testing.T) {
	tests := map[string]bool{
		"Prénom,Année":   true,
		"일자,종목코드,현재가":    true,
		"등급 A,B":         true,
		"Pr駭om,Date":     false,
		"日付,銘柄code":      false,
		"ﾉlodie,2023,10": false,
		"":               true,
	}
	for s, want := range tests {
		t.Run(s, func(t *testing.T) {
			assert.Equal(t, want, Plausible(s))
		})
	}
}
