package extract

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEmbeddedJSON(t *testing.T) {
	t.Parallel()

	raw, ok := embeddedJSON(`x = 1; ts_reader.run({"a":"}","b":[1,{"c":2}]}); y()`, "ts_reader.run(")
	require.True(t, ok)
	require.Equal(t, `{"a":"}","b":[1,{"c":2}]}`, raw)

	raw, ok = embeddedJSON(`var chapterPages = ["a\"]", "b"];`, "chapterPages =")
	require.True(t, ok)
	require.Equal(t, `["a\"]", "b"]`, raw)

	_, ok = embeddedJSON(`nothing here`, "chapterPages =")
	require.False(t, ok)

	_, ok = embeddedJSON(`chapterPages = ["unterminated"`, "chapterPages =")
	require.False(t, ok)
}

func TestDecodeEmbedded(t *testing.T) {
	t.Parallel()

	var pages []string
	require.NoError(t, decodeEmbedded(`chapterPages = ["1.jpg","2.jpg"];`, "chapterPages =", &pages))
	require.Equal(t, []string{"1.jpg", "2.jpg"}, pages)

	require.Error(t, decodeEmbedded(`chapterPages = [1.jpg];`, "chapterPages =", &pages))
}
