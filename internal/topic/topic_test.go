package topic

import (
	"encoding/json"
	"testing"

	"github.com/goevery/realtime/internal/ierr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopic_Name(t *testing.T) {
	assert.Equal(t, "self:U1", Self("U1").Name())
	assert.Equal(t, "presence:U1", Presence("U1").Name())
	assert.Equal(t, "", Topic{}.Name())
	assert.True(t, Topic{}.IsZero())
}

func TestParse(t *testing.T) {
	t.Run("self", func(t *testing.T) {
		parsed, err := Parse("self:user-42")

		require.NoError(t, err)
		assert.Equal(t, Self("user-42"), parsed)
		assert.Equal(t, KindSelf, parsed.Kind())
		assert.Equal(t, "user-42", parsed.Identity())
	})

	t.Run("presence", func(t *testing.T) {
		parsed, err := Parse("presence:U1")

		require.NoError(t, err)
		assert.Equal(t, Presence("U1"), parsed)
	})

	invalid := []string{"", "self", "room:U1", "self:", "self:a b", "presence:a:b", "self:a.b"}
	for _, name := range invalid {
		t.Run("invalid "+name, func(t *testing.T) {
			_, err := Parse(name)

			require.Error(t, err)
			assert.Equal(t, ierr.ErrorCodeInvalidArgument, ierr.CodeOf(err))
		})
	}
}

func TestTopic_JSON(t *testing.T) {
	payload, err := json.Marshal(struct {
		Topic Topic `json:"topic"`
	}{Presence("U2")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"topic":"presence:U2"}`, string(payload))

	var decoded struct {
		Topic Topic `json:"topic"`
	}
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, Presence("U2"), decoded.Topic)

	assert.Error(t, json.Unmarshal([]byte(`{"topic":"nope:U2"}`), &decoded))
}

func TestValidateIdentity(t *testing.T) {
	assert.NoError(t, ValidateIdentity("6512bd43d9caa6e02c990b0a"))
	assert.Error(t, ValidateIdentity(""))
	assert.Error(t, ValidateIdentity("a/b"))
}
