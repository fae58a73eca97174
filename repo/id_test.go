package repo

import (
	"testing"

	"github.com/go-playground/assert/v2"
	"github.com/google/uuid"
)

func TestDocumentIdRoundTrip(t *testing.T) {
	id := NewDocumentId()

	s := id.String()
	parsed, err := ParseDocumentId(s)
	assert.Equal(t, err, nil)
	assert.Equal(t, parsed, id)

	url := id.URL()
	parsedFromURL, err := ParseDocumentId(url)
	assert.Equal(t, err, nil)
	assert.Equal(t, parsedFromURL, id)

	parsedFromURLStrict, err := ParseAutomergeURL(url)
	assert.Equal(t, err, nil)
	assert.Equal(t, parsedFromURLStrict, id)
}

func TestDocumentIdLegacyUuid(t *testing.T) {
	u := uuid.New()
	parsed, err := ParseDocumentId(u.String())
	assert.Equal(t, err, nil)
	assert.Equal(t, parsed, DocumentId(u))
}

func TestDocumentIdChecksumRejectsCorruption(t *testing.T) {
	id := NewDocumentId()
	s := id.String()
	corrupted := []byte(s)
	// flip the last character, which is covered by the checksum
	if corrupted[len(corrupted)-1] == 'a' {
		corrupted[len(corrupted)-1] = 'b'
	} else {
		corrupted[len(corrupted)-1] = 'a'
	}

	_, err := ParseDocumentId(string(corrupted))
	assert.NotEqual(t, err, nil)
}

func TestDocumentIdFromBytesRejectsWrongLength(t *testing.T) {
	_, err := DocumentIdFromBytes([]byte{1, 2, 3})
	assert.NotEqual(t, err, nil)
}

func TestHeadsEqualIgnoresOrder(t *testing.T) {
	a := Heads{"x", "y"}
	b := Heads{"y", "x"}
	assert.Equal(t, a.Equal(b), true)

	c := Heads{"x", "y", "y"}
	assert.Equal(t, a.Equal(c), false)

	clone := a.Clone()
	clone[0] = "z"
	assert.Equal(t, a.Equal(Heads{"x", "y"}), true)
}
