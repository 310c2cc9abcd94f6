package subkernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	sk, err := Lookup("python3")
	require.NoError(t, err)
	assert.Equal(t, "Python 3", sk.DisplayName())
	assert.Equal(t, "pandas", sk.DataframeTypeName())

	sk, err = Lookup("julia-1.9")
	require.NoError(t, err)
	assert.Equal(t, "Julia", sk.DisplayName())
	assert.Equal(t, "DataFrames", sk.DataframeTypeName())

	_, err = Lookup("ir")
	assert.ErrorIs(t, err, ErrUnsupported)

	assert.Equal(t, []string{"julia-1.9", "python3"}, Names())
}

func TestPython_ParseReturn(t *testing.T) {
	v, err := Python{}.ParseReturn("{'model': 'sir', 'n': 3}")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"model": "sir", "n": int64(3)}, v)

	v, err = Python{}.ParseReturn("")
	require.NoError(t, err)
	assert.Nil(t, v)

	_, err = Python{}.ParseReturn("<object at 0x7f>")
	assert.Error(t, err)
}

func TestJulia_ParseReturn(t *testing.T) {
	v, err := Julia{}.ParseReturn(`"{\"columns\": [\"a\", \"b\"], \"rows\": 2}"`)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"columns": []any{"a", "b"}, "rows": float64(2)}, v)

	_, err = Julia{}.ParseReturn(`"not json"`)
	assert.Error(t, err)

	_, err = Julia{}.ParseReturn(`42`)
	assert.Error(t, err)
}
