package webhook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeGeneric(t *testing.T) {
	t.Run("normalizes a plain title/text payload", func(t *testing.T) {
		n, challenge, err := Normalize("generic", []byte(`{"title":"hello","text":"world"}`))
		require.NoError(t, err)
		require.Nil(t, challenge)
		assert.Equal(t, "hello", n.Title)
		assert.Equal(t, "world", n.Text)
	})

	t.Run("echoes a challenge without running ingest", func(t *testing.T) {
		n, challenge, err := Normalize("generic", []byte(`{"challenge":"abc123"}`))
		require.NoError(t, err)
		require.Nil(t, n)
		require.NotNil(t, challenge)
		assert.JSONEq(t, `{"challenge":"abc123"}`, string(challenge.Body))
	})
}

func TestNormalizeSlack(t *testing.T) {
	t.Run("answers the url_verification handshake", func(t *testing.T) {
		n, challenge, err := Normalize("slack", []byte(`{"type":"url_verification","challenge":"tok"}`))
		require.NoError(t, err)
		require.Nil(t, n)
		require.NotNil(t, challenge)
		assert.JSONEq(t, `{"challenge":"tok"}`, string(challenge.Body))
	})

	t.Run("normalizes an event payload", func(t *testing.T) {
		body := []byte(`{"type":"event_callback","event":{"text":"hi there","user":"U1"}}`)
		n, challenge, err := Normalize("slack", body)
		require.NoError(t, err)
		require.Nil(t, challenge)
		assert.Equal(t, "slack:U1", n.Title)
		assert.Equal(t, "hi there", n.Text)
	})
}

func TestNormalizeDiscord(t *testing.T) {
	t.Run("echoes the ping challenge", func(t *testing.T) {
		n, challenge, err := Normalize("discord", []byte(`{"type":1}`))
		require.NoError(t, err)
		require.Nil(t, n)
		require.NotNil(t, challenge)
		assert.JSONEq(t, `{"type":1}`, string(challenge.Body))
	})

	t.Run("normalizes a message payload", func(t *testing.T) {
		body := []byte(`{"type":0,"content":"hey","author":{"username":"alice"}}`)
		n, challenge, err := Normalize("discord", body)
		require.NoError(t, err)
		require.Nil(t, challenge)
		assert.Equal(t, "discord:alice", n.Title)
		assert.Equal(t, "hey", n.Text)
	})
}

func TestNormalizeMalformedBody(t *testing.T) {
	_, _, err := Normalize("generic", []byte(`not json`))
	assert.Error(t, err)
}
