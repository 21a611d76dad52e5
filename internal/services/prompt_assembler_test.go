package services

import (
	"strings"
	"testing"
	"time"

	"github.com/Corphon/MiniChat/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func userMsg(id, text string) *models.Message {
	return models.NewUserMessage(id, text, time.Now())
}

func botMsg(id, text string) *models.Message {
	return models.NewBotMessage(id, text, time.Now())
}

func TestHistoryWindowIsClamped(t *testing.T) {
	tests := []struct {
		requested, want int
	}{
		{30, 20},
		{20, 20},
		{15, 15},
		{3, 10},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, historyWindow(tt.requested), tt.requested)
	}
}

func TestBuildWithoutCharacterHasNoSystemEntry(t *testing.T) {
	out := NewPromptAssembler().Build([]*models.Message{userMsg("1", "hello")}, nil, BuildOptions{})

	require.Len(t, out, 1)
	assert.Equal(t, models.ChatMessage{Role: models.ChatRoleUser, Content: "hello"}, out[0])
}

func TestBuildOrdersSystemExamplesConversation(t *testing.T) {
	c := &models.Character{
		Name:        "Aria",
		Personality: "curious",
		ExampleDialogues: models.ExampleDialogues{
			{Messages: []models.DialogueLine{{Role: "user", Text: "hi"}, {Role: "assistant", Text: "hey"}}},
		},
	}
	transcript := []*models.Message{userMsg("1", "question"), botMsg("2", "answer")}

	out := NewPromptAssembler().Build(transcript, c, BuildOptions{})

	require.Len(t, out, 5)
	assert.Equal(t, models.ChatRoleSystem, out[0].Role)
	assert.Contains(t, out[0].Content, "Aria")
	assert.Equal(t, models.ChatMessage{Role: models.ChatRoleUser, Content: "hi"}, out[1])
	assert.Equal(t, models.ChatMessage{Role: models.ChatRoleAssistant, Content: "hey"}, out[2])
	assert.Equal(t, models.ChatMessage{Role: models.ChatRoleUser, Content: "question"}, out[3])
	assert.Equal(t, models.ChatMessage{Role: models.ChatRoleAssistant, Content: "answer"}, out[4])
}

func TestBuildTakesOnlyRecentWindow(t *testing.T) {
	var transcript []*models.Message
	for i := 0; i < 30; i++ {
		transcript = append(transcript, userMsg(string(rune('a'+i)), strings.Repeat("x", i+1)))
	}

	out := NewPromptAssembler().Build(transcript, nil, BuildOptions{HistoryCount: 30})

	require.Len(t, out, 20)
	assert.Len(t, out[0].Content, 11)
	assert.Len(t, out[19].Content, 30)
}

func TestBuildAppendsContinuationAsNewestUserEntry(t *testing.T) {
	transcript := []*models.Message{botMsg("1", "story so far")}

	out := NewPromptAssembler().Build(transcript, nil, BuildOptions{Continuation: ContinuationNudge})

	require.Len(t, out, 2)
	assert.Equal(t, models.ChatMessage{Role: models.ChatRoleUser, Content: ContinuationNudge}, out[1])
}

// system 长度 5900，预算 6000：示例一个都放不下
func TestBuildDropsAllExamplesWhenSystemFillsBudget(t *testing.T) {
	// "system" 占 6 个单位
	c := &models.Character{SystemPrompt: strings.Repeat("s", 5900-len("system"))}
	for i := 0; i < 3; i++ {
		c.ExampleDialogues = append(c.ExampleDialogues, models.ExampleDialogue{
			Messages: []models.DialogueLine{{Role: "user", Text: strings.Repeat("e", 200-len("user"))}},
		})
	}

	out := NewPromptAssembler().Build(nil, c, BuildOptions{TotalCharLimit: 6000, ExampleCharLimit: 1500})

	require.Len(t, out, 1)
	assert.Equal(t, models.ChatRoleSystem, out[0].Role)
}

func TestBuildExampleBudgetIsHardStop(t *testing.T) {
	// 各条目成本：system 100，示例 100、400、50
	c := &models.Character{SystemPrompt: strings.Repeat("s", 94)}
	for _, n := range []int{96, 396, 46} {
		c.ExampleDialogues = append(c.ExampleDialogues, models.ExampleDialogue{
			Messages: []models.DialogueLine{{Role: "user", Text: strings.Repeat("e", n)}},
		})
	}

	out := NewPromptAssembler().Build(nil, c, BuildOptions{TotalCharLimit: 300})

	// 第二个示例放不下后不再尝试第三个，即使它放得下
	require.Len(t, out, 2)
	assert.Len(t, out[1].Content, 96)
}

func TestBuildKeepsMostRecentTurnsInChronologicalOrder(t *testing.T) {
	// 每条 100 单位（"user" 4 + 96）
	var transcript []*models.Message
	for _, id := range []string{"t1", "t2", "t3", "t4", "t5"} {
		transcript = append(transcript, userMsg(id, id+strings.Repeat(".", 94)))
	}

	out := NewPromptAssembler().Build(transcript, nil, BuildOptions{TotalCharLimit: 250})

	require.Len(t, out, 2)
	assert.True(t, strings.HasPrefix(out[0].Content, "t4"))
	assert.True(t, strings.HasPrefix(out[1].Content, "t5"))
}

func TestBuildSkipsSystemThatDoesNotFit(t *testing.T) {
	c := &models.Character{SystemPrompt: strings.Repeat("s", 500)}
	out := NewPromptAssembler().Build([]*models.Message{userMsg("1", "hi")}, c, BuildOptions{TotalCharLimit: 100})

	require.Len(t, out, 1)
	assert.Equal(t, "hi", out[0].Content)
}

func TestEntryCostCountsRunes(t *testing.T) {
	assert.Equal(t, 3+len("user"), entryCost(models.ChatMessage{Role: models.ChatRoleUser, Content: "안녕하"}))
}
