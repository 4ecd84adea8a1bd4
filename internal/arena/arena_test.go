package arena

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestArenaAllocWriteResolve(t *testing.T) {
	a, err := New(WithPageSize(4096))
	require.NoError(t, err)
	defer a.Close()

	pg, buf, err := a.AllocPage()
	require.NoError(t, err)
	require.NotEqual(t, NullPage, pg)
	require.Len(t, buf, 4096)
	for _, b := range buf {
		require.Zero(t, b)
	}

	payload := make([]byte, 4096)
	copy(payload, []byte("hello arena"))
	require.NoError(t, a.Write(pg, payload))

	got, err := a.Resolve(pg)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestArenaGrowthIsMonotonic(t *testing.T) {
	a, err := New(WithPageSize(256))
	require.NoError(t, err)
	defer a.Close()

	before := a.PageCount()
	pg1, _, err := a.AllocPage()
	require.NoError(t, err)
	pg2, _, err := a.AllocPage()
	require.NoError(t, err)
	require.Greater(t, pg2, pg1)
	require.Equal(t, before+2, a.PageCount())
}

func TestArenaFreeListRecycles(t *testing.T) {
	a, err := New(WithPageSize(256))
	require.NoError(t, err)
	defer a.Close()

	pg, _, err := a.AllocPage()
	require.NoError(t, err)
	before := a.PageCount()

	a.FreePage(pg)

	recycled, _, err := a.AllocPage()
	require.NoError(t, err)
	require.Equal(t, pg, recycled)
	require.Equal(t, before, a.PageCount(), "recycling must not grow the high-water mark")
}

func TestArenaResolveNullPageErrors(t *testing.T) {
	a, err := New()
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Resolve(NullPage)
	require.Error(t, err)
}

func TestArenaExistingPagesSurviveGrowth(t *testing.T) {
	a, err := New(WithPageSize(256))
	require.NoError(t, err)
	defer a.Close()

	pg, _, err := a.AllocPage()
	require.NoError(t, err)
	payload := make([]byte, 256)
	copy(payload, []byte("stable"))
	require.NoError(t, a.Write(pg, payload))

	for i := 0; i < 64; i++ {
		_, _, err := a.AllocPage()
		require.NoError(t, err)
	}

	got, err := a.Resolve(pg)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}
