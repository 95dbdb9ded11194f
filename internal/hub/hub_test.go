package hub

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grovetools/prdflow/pkg/models"
	"github.com/grovetools/prdflow/pkg/session"
)

func newTestHub(t *testing.T, buffer int) (*Hub, *session.Registry) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	entry := logrus.NewEntry(logger)
	reg := session.NewRegistry(session.RegistryOptions{}, entry)
	return New(reg, buffer, entry), reg
}

func TestPublishAppliesThenDelivers(t *testing.T) {
	h, reg := newTestHub(t, 4)
	sess, _, err := reg.GetOrCreate("s1")
	require.NoError(t, err)
	_, err = sess.SendMessage("hi")
	require.NoError(t, err)

	ch := h.Subscribe("s1")
	other := h.Subscribe("s2")

	h.Publish(models.MessageComplete{SessionID: "s1", Content: models.StringPtr("hello")})

	env := <-ch
	assert.Equal(t, models.EventMessageComplete, env.Event)
	assert.JSONEq(t, `{"session_id":"s1","content":"hello"}`, string(env.Data))
	assert.Len(t, other, 0)

	msgs := sess.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[1].Content)
}

func TestPublishUnknownSessionIsDropped(t *testing.T) {
	h, _ := newTestHub(t, 4)
	ch := h.Subscribe("ghost")
	h.Publish(models.MessageChunk{SessionID: "ghost", Chunk: "x"})
	assert.Len(t, ch, 0)
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	h, reg := newTestHub(t, 1)
	_, _, err := reg.GetOrCreate("s1")
	require.NoError(t, err)

	slow := h.Subscribe("s1")
	h.Publish(models.MessageChunk{SessionID: "s1", Chunk: "a"})
	h.Publish(models.MessageChunk{SessionID: "s1", Chunk: "b"})

	assert.Len(t, slow, 1)
	assert.Equal(t, uint64(1), h.Dropped())
}

func TestUnsubscribeAndCloseSession(t *testing.T) {
	h, _ := newTestHub(t, 1)
	a := h.Subscribe("s1")
	b := h.Subscribe("s1")
	assert.Equal(t, 2, h.Subscribers("s1"))

	h.Unsubscribe("s1", a)
	_, open := <-a
	assert.False(t, open)
	assert.Equal(t, 1, h.Subscribers("s1"))

	h.CloseSession("s1")
	_, open = <-b
	assert.False(t, open)
	assert.Equal(t, 0, h.Subscribers("s1"))

	// Already closed by CloseSession.
	h.Unsubscribe("s1", b)
}
