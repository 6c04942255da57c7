package filter

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseParametersKeepsOrder(t *testing.T) {
	p, err := ParseParameters("b=2&a=1&b=3&empty=&flag")
	require.NoError(t, err)

	assert.Equal(t, []string{"b", "a", "empty", "flag"}, p.Names())
	values, _ := p.Get("b")
	assert.Equal(t, []string{"2", "3"}, values)
	values, _ = p.Get("flag")
	assert.Equal(t, []string{""}, values)
}

func TestParseParametersDecodes(t *testing.T) {
	p, err := ParseParameters("q=%3Cscript%3E&name+x=a+b")
	require.NoError(t, err)

	values, _ := p.Get("q")
	assert.Equal(t, []string{"<script>"}, values)
	values, _ = p.Get("name x")
	assert.Equal(t, []string{"a b"}, values)
}

func TestParseParametersErrors(t *testing.T) {
	p, err := ParseParameters("ok=1&bad=%zz&a;b=2")
	assert.Error(t, err)
	assert.Equal(t, []string{"ok"}, p.Names())
}

func TestEncodeRoundTrip(t *testing.T) {
	p, err := ParseParameters("b=2&a=%26&b=3")
	require.NoError(t, err)

	assert.Equal(t, "b=2&b=3&a=%26", p.Encode())
}

func TestRename(t *testing.T) {
	p := params("a", "1", "b", "2", "c", "3")

	assert.True(t, p.Rename("a", "z"))
	assert.Equal(t, []string{"z", "b", "c"}, p.Names())

	t.Run("collision merges at the earlier position", func(t *testing.T) {
		q := params("a", "1", "b", "2", "c", "3", "c", "4")

		assert.True(t, q.Rename("c", "a"))
		assert.Equal(t, []string{"a", "b"}, q.Names())
		values, _ := q.Get("a")
		assert.Equal(t, []string{"1", "3", "4"}, values)

		assert.True(t, q.Rename("a", "b"))
		values, _ = q.Get("b")
		assert.Equal(t, []string{"1", "3", "4", "2"}, values)
		assert.Equal(t, 1, q.Len())
	})

	assert.False(t, p.Rename("missing", "x"))
	assert.True(t, p.Rename("z", "z"))
	assert.Equal(t, []string{"z", "b", "c"}, p.Names())
}

func TestCloneIsDeep(t *testing.T) {
	p := params("a", "1")
	c := p.Clone()

	values, _ := c.Get("a")
	values[0] = "changed"

	orig, _ := p.Get("a")
	assert.Equal(t, []string{"1"}, orig)
}

func TestFromValuesSortsNames(t *testing.T) {
	p := FromValues(url.Values{"z": {"1"}, "a": {"2", "3"}})

	assert.Equal(t, []string{"a", "z"}, p.Names())
	assert.Equal(t, url.Values{"z": {"1"}, "a": {"2", "3"}}, p.Values())
}
