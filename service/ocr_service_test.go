package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePageCount(t *testing.T) {
	info := "Title:          report\nProducer:       LibreOffice\nPages:          12\nEncrypted:      no\n"
	n, err := parsePageCount(info)
	require.NoError(t, err)
	assert.Equal(t, 12, n)

	_, err = parsePageCount("Title: nothing")
	assert.Error(t, err)
}

func TestCleanExtractedText(t *testing.T) {
	in := "  Heading\f body†  text\r\n\u0000more\ufffd  "
	assert.Equal(t, "Heading\n body text\nmore", CleanExtractedText(in))
}

func TestPayloadDetection(t *testing.T) {
	assert.True(t, IsPDF("application/pdf", "x"))
	assert.True(t, IsPDF("", "report.PDF"))
	assert.True(t, IsImage("image/jpeg", "x"))
	assert.True(t, IsImage("", "scan.tiff"))
	assert.False(t, IsImage("application/pdf", "a.pdf"))
	assert.True(t, IsText("text/markdown", "x"))
	assert.True(t, IsText("", "notes.md"))
	assert.False(t, IsText("application/octet-stream", "a.bin"))
}
