package uuid

import (
	"strings"
	"testing"

	goUUID "github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratorNewID(t *testing.T) {
	t.Parallel()

	gen := New("")
	id1, err := gen.NewID()
	require.NoError(t, err)
	id2, err := gen.NewID()
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	parsed, err := goUUID.Parse(id1)
	require.NoError(t, err)
	assert.Equal(t, goUUID.Version(7), parsed.Version())
	assert.Less(t, id1, id2, "v7 ids sort by creation time")
}

func TestGeneratorPrefix(t *testing.T) {
	t.Parallel()

	id, err := New("dec-").NewID()
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(id, "dec-"))
	_, err = goUUID.Parse(strings.TrimPrefix(id, "dec-"))
	require.NoError(t, err)
}
