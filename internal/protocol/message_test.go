package protocol

import (
	"testing"

	"xr-multiplayer/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodePosition(t *testing.T) {
	msg, err := New(TypePosition, "room-1", "u1", PositionPayload{
		UserID:   "u1",
		Position: models.Vec3{1, 2, 3},
		Rotation: models.IdentityQuat,
	})
	require.NoError(t, err)
	msg.Seq = 7

	data, err := Encode(msg)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, TypePosition, decoded.Type)
	assert.Equal(t, uint64(7), decoded.Seq)

	var p PositionPayload
	require.NoError(t, decoded.Decode(&p))
	assert.Equal(t, models.Vec3{1, 2, 3}, p.Position)
	assert.Equal(t, models.IdentityQuat, p.Rotation)
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name string
		data string
		want error
	}{
		{name: "not json", data: "{", want: ErrMalformedPayload},
		{name: "unknown type", data: `{"type":"teleport"}`, want: ErrUnknownType},
		{name: "missing type", data: `{"roomId":"r"}`, want: ErrUnknownType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestEncodeRejectsUnknownType(t *testing.T) {
	_, err := Encode(&Message{Type: "bogus"})
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestMessageDecodeWithoutPayload(t *testing.T) {
	var p ChatPayload
	err := (&Message{Type: TypeChat}).Decode(&p)
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestTypeClassification(t *testing.T) {
	for _, typ := range Types {
		assert.Truef(t, typ.Known(), "%s", typ)
	}
	assert.True(t, TypePosition.Continuous())
	assert.True(t, TypeUserUpdate.Sequenced())
	assert.False(t, TypeUserUpdate.Continuous())
	assert.False(t, TypeChat.Sequenced())
	assert.True(t, TypeChat.Event())
	assert.False(t, TypeJoin.Event())
}

func TestSubjectID(t *testing.T) {
	join, err := New(TypeJoin, "r", "u1", JoinPayload{User: models.User{ID: "u1"}})
	require.NoError(t, err)
	id, err := SubjectID(join)
	require.NoError(t, err)
	assert.Equal(t, "u1", id)

	chat, err := New(TypeChat, "r", "u2", ChatPayload{UserID: "u2", Text: "hi"})
	require.NoError(t, err)
	id, err = SubjectID(chat)
	require.NoError(t, err)
	assert.Equal(t, "u2", id)
}
