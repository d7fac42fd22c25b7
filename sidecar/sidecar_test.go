package sidecar

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSidecar() *Sidecar {
	sc := &Sidecar{}
	sc.Add(Entry{
		Technique:     TechniqueFileSlack,
		CoverPath:     "/docs/report.txt",
		Clusters:      []uint32{12},
		OffsetInFirst: 900,
		LengthTotal:   42,
	})
	sc.Add(Entry{
		Technique:     TechniqueAdditionalCluster,
		CoverPath:     "/docs/photo.jpg",
		Clusters:      []uint32{55, 56, 57},
		OffsetInFirst: 0,
		LengthTotal:   6000,
	})
	return sc
}

func TestWriteReadPlainRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	sc := sampleSidecar()

	require.NoError(t, Write(&buf, sc, ""))

	got, err := Read(&buf, "")
	require.NoError(t, err)
	assert.Equal(t, sc.Entries, got.Entries)
}

func TestWriteReadEncryptedRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	sc := sampleSidecar()

	require.NoError(t, Write(&buf, sc, "correct horse battery staple"))

	got, err := Read(&buf, "correct horse battery staple")
	require.NoError(t, err)
	assert.Equal(t, sc.Entries, got.Entries)
}

func TestReadEncryptedWrongPassphrase(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, sampleSidecar(), "right passphrase"))

	_, err := Read(&buf, "wrong passphrase")
	assert.Error(t, err)
}

func TestReadEncryptedMissingPassphrase(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, sampleSidecar(), "right passphrase"))

	_, err := Read(&buf, "")
	assert.Error(t, err)
}

func TestReadBadMagic(t *testing.T) {
	_, err := Read(bytes.NewReader([]byte("nope!!!!")), "")
	assert.Error(t, err)
}

func TestReadTruncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, sampleSidecar(), ""))

	truncated := buf.Bytes()[:len(buf.Bytes())-5]
	_, err := Read(bytes.NewReader(truncated), "")
	assert.Error(t, err)
}
