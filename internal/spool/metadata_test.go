package spool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validMetadata() Metadata {
	return Metadata{
		"requester":      "me",
		"module":         "good_stuff",
		"action":         "do_stuff",
		"request_params": "abc",
		"transaction_id": "1234",
		"request_id":     "45",
		"notify_outcome": false,
		"start":          "2026-08-30T10:00:00Z",
		"status":         "running",
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	md := validMetadata()
	md["extra"] = "kept" // unknown keys must survive

	data, err := EncodeMetadata(md)
	require.NoError(t, err)

	got, err := DecodeMetadata(data)
	require.NoError(t, err)
	assert.Equal(t, md, got)
}

func TestMetadataEncodeDeterministic(t *testing.T) {
	a, err := EncodeMetadata(validMetadata())
	require.NoError(t, err)
	b, err := EncodeMetadata(validMetadata())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestDecodeMetadataRejectsGarbage(t *testing.T) {
	for name, data := range map[string][]byte{
		"not json":   []byte("BLAH BLAH BLAH"),
		"json array": []byte(`[1, 2, 3]`),
		"empty":      nil,
	} {
		_, err := DecodeMetadata(data)
		assert.True(t, IsKind(err, KindInvalidMetadata), "%s should be invalid", name)
	}
}

func TestDecodeMetadataRequiredKeys(t *testing.T) {
	for _, key := range requiredMetadataKeys {
		md := validMetadata()
		delete(md, key)
		data, err := EncodeMetadata(md)
		require.NoError(t, err)

		_, err = DecodeMetadata(data)
		assert.True(t, IsKind(err, KindInvalidMetadata), "missing %q should be invalid", key)
	}
}

func TestDecodeMetadataFieldTypes(t *testing.T) {
	md := validMetadata()
	md["notify_outcome"] = "nope"
	data, err := EncodeMetadata(md)
	require.NoError(t, err)
	_, err = DecodeMetadata(data)
	assert.True(t, IsKind(err, KindInvalidMetadata))

	md = validMetadata()
	md["status"] = 42
	data, err = EncodeMetadata(md)
	require.NoError(t, err)
	_, err = DecodeMetadata(data)
	assert.True(t, IsKind(err, KindInvalidMetadata))
}

func TestMetadataAccessors(t *testing.T) {
	md := validMetadata()
	assert.Equal(t, "running", md.Status())
	assert.Equal(t, "1234", md.TransactionID())
	assert.Equal(t, "me", md.Requester())
	assert.Equal(t, "45", md.RequestID())
	assert.False(t, md.NotifyOutcome())

	started, err := md.StartTime()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC), started.UTC())
}

func TestMetadataStartTimeLoose(t *testing.T) {
	// The codec accepts free-form start values; only StartTime is strict.
	md := validMetadata()
	md["start"] = "5:60"
	data, err := EncodeMetadata(md)
	require.NoError(t, err)
	got, err := DecodeMetadata(data)
	require.NoError(t, err)

	_, err = got.StartTime()
	assert.True(t, IsKind(err, KindInvalidMetadata))
}
