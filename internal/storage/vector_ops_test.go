package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVectorSerialization(t *testing.T) {
	vectors := [][]float32{
		{},
		{1.0},
		{0.1, -0.2, 3.5e-7, 1e10},
	}

	for _, v := range vectors {
		blob := SerializeVector(v)
		assert.Len(t, blob, len(v)*4)
		assert.Equal(t, v, DeserializeVector(blob))
	}

	// Little-endian float32 layout
	assert.Equal(t, []byte{0x00, 0x00, 0x80, 0x3f}, SerializeVector([]float32{1.0}))
}

func TestBuildFTSQuery(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"react", `"react"`},
		{"react hooks", `"react" OR "hooks"`},
		{`say "hi" AND (bye*)`, `"say" OR "hi" OR "AND" OR "bye"`},
		{"snake_case ünïcode", `"snake_case" OR "ünïcode"`},
		{"  -- ; ", ""},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, buildFTSQuery(tt.in))
		})
	}
}

func TestNormalizeBM25(t *testing.T) {
	assert.Equal(t, 0.0, normalizeBM25(0))
	assert.InDelta(t, 0.5, normalizeBM25(-1), 1e-9)
	assert.Less(t, normalizeBM25(-1000), 1.0)
	assert.Greater(t, normalizeBM25(-3), normalizeBM25(-2))
}

func TestApplyMigrations_Idempotent(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()
	ctx := context.Background()

	require.NoError(t, ApplyMigrations(ctx, storage.db))
	require.NoError(t, ApplyMigrations(ctx, storage.db))

	version, err := storage.GetMetadata(ctx, schemaVersionKey)
	require.NoError(t, err)
	assert.Equal(t, AllMigrations[len(AllMigrations)-1].Version, version)
}
