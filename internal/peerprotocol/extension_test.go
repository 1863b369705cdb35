package peerprotocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadataMessageCarriesTrailingData(t *testing.T) {
	msg := ExtensionMessage{
		ExtendedMessageID: ExtensionIDMetadata,
		Payload: ExtensionMetadataMessage{
			Type:      ExtensionMetadataMessageTypeData,
			Piece:     2,
			TotalSize: 40000,
			Data:      []byte("info bytes"),
		},
	}
	b, err := msg.MarshalBinary()
	require.NoError(t, err)

	var got ExtensionMessage
	require.NoError(t, got.UnmarshalBinary(b))
	mm, ok := got.Payload.(ExtensionMetadataMessage)
	require.True(t, ok)
	assert.Equal(t, uint32(2), mm.Piece)
	assert.Equal(t, 40000, mm.TotalSize)
	assert.Equal(t, "info bytes", string(mm.Data))
}

func TestUnknownExtensionID(t *testing.T) {
	var m ExtensionMessage
	assert.Error(t, m.UnmarshalBinary([]byte{7, 'd', 'e'}))
	assert.Error(t, m.UnmarshalBinary(nil))
}
