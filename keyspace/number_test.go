package keyspace

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNumber160Xor(t *testing.T) {
	a := NewNumber160FromInt(0b1100)
	b := NewNumber160FromInt(0b1010)
	require.Equal(t, NewNumber160FromInt(0b0110), a.Xor(b))
	require.Equal(t, Zero160, a.Xor(a))
	require.Equal(t, a, a.Xor(Zero160))
}

func TestNumber160BitLength(t *testing.T) {
	require.Equal(t, 0, Zero160.BitLength())
	require.Equal(t, 1, NewNumber160FromInt(1).BitLength())
	require.Equal(t, 4, NewNumber160FromInt(8).BitLength())
	require.Equal(t, 160, Max160.BitLength())

	var high Number160
	high[0] = 0x80
	require.Equal(t, 160, high.BitLength())
}

func TestNumber160Compare(t *testing.T) {
	require.Equal(t, -1, Zero160.Compare(Max160))
	require.Equal(t, 1, Max160.Compare(Zero160))
	require.Equal(t, 0, Max160.Compare(Max160))
	require.True(t, NewNumber160FromInt(5).Compare(NewNumber160FromInt(7)) < 0)
}

func TestNumber160String(t *testing.T) {
	n := NewNumber160FromInt(0xabcd)
	parsed, err := NewNumber160FromString(n.String())
	require.NoError(t, err)
	require.Equal(t, n, parsed)

	_, err = NewNumber160FromString("zz")
	require.Error(t, err)
}

func TestHashOf(t *testing.T) {
	h1 := HashOf([]byte("apple"))
	h2 := HashOf([]byte("apple"))
	h3 := HashOf([]byte("pear"))
	require.Equal(t, h1, h2)
	require.NotEqual(t, h1, h3)
	require.False(t, h1.IsZero())
}

func TestKey640Compare(t *testing.T) {
	one := NewNumber160FromInt(1)
	two := NewNumber160FromInt(2)

	a := NewKey640(one, one, one, one)
	b := NewKey640(one, one, one, two)
	c := NewKey640(one, one, two, Zero160)
	d := NewKey640(two, Zero160, Zero160, Zero160)

	require.Equal(t, 0, a.Compare(a))
	require.True(t, a.Compare(b) < 0)
	require.True(t, b.Compare(c) < 0)
	require.True(t, c.Compare(d) < 0)
}

func TestKeyBounds(t *testing.T) {
	loc := NewNumber160FromInt(42)
	min := MinKey640(loc)
	max := MaxKey640(loc)
	mid := NewKey640(loc, NewNumber160FromInt(7), NewNumber160FromInt(7), NewNumber160FromInt(7))
	require.True(t, min.Compare(mid) < 0)
	require.True(t, mid.Compare(max) < 0)
}

func TestSortByDistance(t *testing.T) {
	target := NewNumber160FromInt(0)
	ids := []Number160{
		NewNumber160FromInt(7),
		NewNumber160FromInt(1),
		NewNumber160FromInt(4),
	}
	sorted := SortByDistance(ids, target)
	require.Equal(t, []Number160{
		NewNumber160FromInt(1),
		NewNumber160FromInt(4),
		NewNumber160FromInt(7),
	}, sorted)
}

func TestSortByDistanceTieBreak(t *testing.T) {
	// 等距时按标识符数值序决胜
	target := NewNumber160FromInt(0)
	a := NewNumber160FromInt(3)
	require.True(t, Closer(a, a, target) == false)
	require.True(t, Closer(NewNumber160FromInt(1), NewNumber160FromInt(2), target))
}
