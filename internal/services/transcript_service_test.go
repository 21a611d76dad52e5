package services

import (
	"bytes"
	"testing"

	"github.com/Corphon/MiniChat/internal/models"
	"github.com/Corphon/MiniChat/internal/storage"
	"github.com/Corphon/MiniChat/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *utils.Logger {
	l := utils.GetLogger()
	l.Enable(false)
	return l
}

func newTranscript(t *testing.T, store storage.Store) *TranscriptService {
	t.Helper()
	if store == nil {
		store = storage.NewMemoryStore()
	}
	ts := NewTranscriptService(store, quietLogger())
	ts.Load("aria")
	return ts
}

func texts(msgs []*models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Text()
	}
	return out
}

func TestTranscriptKey(t *testing.T) {
	assert.Equal(t, "mini-chat-messages-default", TranscriptKey(""))
	assert.Equal(t, "mini-chat-messages-mentor", TranscriptKey("mentor"))
}

func TestTranscriptAppendPersistsImmediately(t *testing.T) {
	store := storage.NewMemoryStore()
	ts := newTranscript(t, store)

	u := ts.Append(models.RoleUser, "hi")
	b := ts.Append(models.RoleBot, "hello")
	assert.NotEqual(t, u.ID, b.ID)

	reloaded := NewTranscriptService(store, quietLogger())
	reloaded.Load("aria")
	assert.Equal(t, []string{"hi", "hello"}, texts(reloaded.Messages()))
	assert.Equal(t, "aria", reloaded.CharacterID())
}

func TestTranscriptsAreKeptPerCharacter(t *testing.T) {
	store := storage.NewMemoryStore()
	ts := newTranscript(t, store)
	ts.Append(models.RoleUser, "for aria")

	ts.Load("mentor")
	assert.Empty(t, ts.Messages())
	ts.Append(models.RoleUser, "for mentor")

	ts.Load("aria")
	assert.Equal(t, []string{"for aria"}, texts(ts.Messages()))
}

func TestOverwriteBotMessageUpdatesActiveVariant(t *testing.T) {
	ts := newTranscript(t, nil)
	b := ts.Append(models.RoleBot, "one")
	_, ok := ts.AddVariant(b.ID, "two")
	require.True(t, ok)
	ts.StepVariant(b.ID, -1)

	require.True(t, ts.Overwrite(b.ID, "edited"))

	got, ok := ts.Find(b.ID)
	require.True(t, ok)
	assert.Equal(t, "edited", got.Text())
	assert.Equal(t, got.Variants()[got.VariantIndex()], got.Text())
	assert.Equal(t, []string{"edited", "two"}, got.Variants())
}

func TestUpdateTextWithoutPersistStaysInMemory(t *testing.T) {
	store := storage.NewMemoryStore()
	ts := newTranscript(t, store)
	b := ts.Append(models.RoleBot, "")

	notified := 0
	ts.Subscribe(func() { notified++ })

	require.True(t, ts.UpdateText(b.ID, "partial", false))
	assert.Equal(t, 0, notified)

	other := NewTranscriptService(store, quietLogger())
	other.Load("aria")
	assert.Equal(t, []string{""}, texts(other.Messages()))

	require.True(t, ts.Overwrite(b.ID, "partial and final"))
	assert.Equal(t, 1, notified)
	other.Load("aria")
	assert.Equal(t, []string{"partial and final"}, texts(other.Messages()))
}

func TestRemoveAfter(t *testing.T) {
	ts := newTranscript(t, nil)
	ts.Append(models.RoleUser, "A")
	b := ts.Append(models.RoleBot, "B")
	ts.Append(models.RoleUser, "C")
	ts.Append(models.RoleBot, "D")

	require.True(t, ts.RemoveAfter(b.ID))
	assert.Equal(t, []string{"A", "B"}, texts(ts.Messages()))

	assert.False(t, ts.RemoveAfter("missing"))
	assert.Equal(t, 2, ts.Len())
}

func TestStepVariantReportsClampedMoves(t *testing.T) {
	ts := newTranscript(t, nil)
	b := ts.Append(models.RoleBot, "a")
	ts.AddVariant(b.ID, "b")

	res := ts.StepVariant(b.ID, 1)
	assert.False(t, res.Changed)
	assert.Equal(t, 1, res.Index)
	assert.Equal(t, 2, res.Total)

	res = ts.StepVariant(b.ID, -1)
	assert.True(t, res.Changed)
	assert.Equal(t, 0, res.Index)
	assert.Equal(t, "a", res.Text)

	res = ts.StepVariant(b.ID, -1)
	assert.False(t, res.Changed)
	assert.Equal(t, 0, res.Index)

	u := ts.Append(models.RoleUser, "u")
	assert.False(t, ts.StepVariant(u.ID, 1).Changed)
	_, ok := ts.AddVariant(u.ID, "x")
	assert.False(t, ok)
}

func TestLastBotAndLastUser(t *testing.T) {
	ts := newTranscript(t, nil)
	_, ok := ts.LastBot()
	assert.False(t, ok)

	ts.Append(models.RoleUser, "u1")
	ts.Append(models.RoleBot, "b1")
	ts.Append(models.RoleUser, "u2")

	bot, ok := ts.LastBot()
	require.True(t, ok)
	assert.Equal(t, "b1", bot.Text())
	user, ok := ts.LastUser()
	require.True(t, ok)
	assert.Equal(t, "u2", user.Text())
}

func TestClearAllThenLoadIsEmpty(t *testing.T) {
	store := storage.NewMemoryStore()
	ts := newTranscript(t, store)
	ts.Append(models.RoleUser, "aria message")
	ts.Load("mentor")
	ts.Append(models.RoleUser, "mentor message")
	require.NoError(t, store.Set("mini-chat-user-persona", []byte(`"keep me"`)))

	ts.ClearAll()
	assert.Empty(t, ts.Messages())

	for _, id := range []string{"aria", "mentor"} {
		ts.Load(id)
		assert.Empty(t, ts.Messages(), id)
	}
	_, err := store.Get("mini-chat-user-persona")
	assert.NoError(t, err)
}

func TestClearOtherCharacterLeavesActiveTranscript(t *testing.T) {
	store := storage.NewMemoryStore()
	ts := newTranscript(t, store)
	ts.Append(models.RoleUser, "aria")
	require.NoError(t, storage.SetJSON(store, TranscriptKey("mentor"), []string{}))

	ts.Clear("mentor")
	assert.Len(t, ts.Messages(), 1)

	ts.Clear("aria")
	assert.Empty(t, ts.Messages())
}

func TestMessagesReturnsClones(t *testing.T) {
	ts := newTranscript(t, nil)
	b := ts.Append(models.RoleBot, "orig")

	snapshot := ts.Messages()
	snapshot[0].SetText("mutated")

	got, _ := ts.Find(b.ID)
	assert.Equal(t, "orig", got.Text())
}

func TestLoadToleratesCorruptEntry(t *testing.T) {
	store := storage.NewMemoryStore()
	require.NoError(t, store.Set(TranscriptKey("aria"), []byte("not json")))

	ts := NewTranscriptService(store, quietLogger())
	ts.Load("aria")
	assert.Empty(t, ts.Messages())

	ts.Append(models.RoleUser, "fresh")
	assert.Len(t, ts.Messages(), 1)
}

func TestSubscribeUnsubscribe(t *testing.T) {
	ts := newTranscript(t, nil)
	calls := 0
	cancel := ts.Subscribe(func() { calls++ })
	ts.Subscribe(func() { panic("boom") })

	ts.Append(models.RoleUser, "x")
	assert.Equal(t, 1, calls)

	cancel()
	ts.Append(models.RoleUser, "y")
	assert.Equal(t, 1, calls)
}

func TestPersistFailureKeepsMemoryStateAndLogsCode(t *testing.T) {
	var buf bytes.Buffer
	s := NewTranscriptService(failingStore{}, utils.NewLogger(&buf))
	s.Load("aria")

	s.Append(models.RoleUser, "hi")
	assert.Equal(t, 1, s.Len())
	assert.Contains(t, buf.String(), "PERSISTENCE_ERROR")
	assert.Contains(t, buf.String(), "store offline")
	assert.Contains(t, buf.String(), `"character_id":"aria"`)
}
