package evidence

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	obj, err := m.Put(ctx, "u1/x/a.png", strings.NewReader("hello"), 5, "image/png")
	require.NoError(t, err)
	assert.Equal(t, int64(5), obj.Size)
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", obj.SHA256)

	rc, err := m.Get(ctx, "u1/x/a.png")
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	assert.Equal(t, "hello", string(data))

	require.NoError(t, m.Delete(ctx, "u1/x/a.png"))
	_, err = m.Get(ctx, "u1/x/a.png")
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestMemoryRejectsShortUpload(t *testing.T) {
	_, err := NewMemory().Put(context.Background(), "k", strings.NewReader("abc"), 10, "text/plain")
	assert.Error(t, err)
}

func TestKey(t *testing.T) {
	id := uuid.MustParse("7f1f4c5e-1111-4a2b-9c3d-000000000001")
	k := Key("42", id, "../../Statement.PDF")
	assert.True(t, strings.HasPrefix(k, "42/"+id.String()+"/"))
	assert.True(t, strings.HasSuffix(k, ".pdf"))
	assert.NotContains(t, strings.TrimPrefix(k, "42/"+id.String()+"/"), "/")

	assert.False(t, strings.Contains(Key("42", id, "weird.ext with space"), " "))
}
