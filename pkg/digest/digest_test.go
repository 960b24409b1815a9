package digest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromBlobRoundTrip(t *testing.T) {
	d := FromBlob([]byte("hello"))
	assert.Equal(t, int64(5), d.Size)
	assert.Len(t, d.Hash, 64)
	assert.NoError(t, d.Validate())

	parsed, err := ParseKey(d.Key())
	require.NoError(t, err)
	assert.Equal(t, d, parsed)
}

func TestEmptyDigest(t *testing.T) {
	assert.True(t, Empty.IsEmpty())
	assert.Equal(t, int64(0), Empty.Size)
	assert.Equal(t, Empty, FromBlob(nil))
	assert.Equal(t, Empty, FromBlob([]byte{}))
}

func TestParseKeyErrors(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{"no separator", "deadbeef"},
		{"bad size", strings.Repeat("a", 64) + "_x"},
		{"short hash", "abc_5"},
		{"uppercase hash", strings.ToUpper(strings.Repeat("a", 64)) + "_5"},
		{"negative size", strings.Repeat("a", 64) + "_-1"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseKey(tt.key)
			assert.Error(t, err)
		})
	}
}

func TestProtoConversion(t *testing.T) {
	d := FromBlob([]byte("content"))
	assert.Equal(t, d, FromProto(d.Proto()))
	assert.Equal(t, d.Hash, d.Proto().Hash)
	assert.Equal(t, d.Size, d.Proto().SizeBytes)
}

func TestDownloadResource(t *testing.T) {
	d := FromBlob([]byte("blob"))
	name := DownloadResource(d)
	assert.Equal(t, "blobs/"+d.Key(), name)

	parsed, err := ParseDownloadResource(name)
	require.NoError(t, err)
	assert.Equal(t, d, parsed)

	_, err = ParseDownloadResource("uploads/" + d.Key())
	assert.Error(t, err)
	_, err = ParseDownloadResource("blobs/extra/" + d.Key())
	assert.Error(t, err)
}

func TestUploadResource(t *testing.T) {
	d := FromBlob([]byte("blob"))
	name := UploadResource(d)
	id, parsed, err := ParseUploadResource(name)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, d, parsed)

	_, _, err = ParseUploadResource("uploads/not-a-uuid/blobs/" + d.Key())
	assert.Error(t, err)
	_, _, err = ParseUploadResource("blobs/" + d.Key())
	assert.Error(t, err)
}

func TestStreamResource(t *testing.T) {
	op, kind, err := ParseStreamResource("op-1234/streams/stdout")
	require.NoError(t, err)
	assert.Equal(t, "op-1234", op)
	assert.Equal(t, StdoutStream, kind)

	_, _, err = ParseStreamResource("op-1234/streams/other")
	assert.Error(t, err)
	_, _, err = ParseStreamResource("/streams/stdout")
	assert.Error(t, err)
}
