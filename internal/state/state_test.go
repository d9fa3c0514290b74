package state

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeAppendsAndRemovesByID(t *testing.T) {
	s := New()
	a := NewEntry(RoleUser, "hi")
	b := NewEntry(RoleSystem, "started")
	s.Merge(Update{Append: []Entry{a, b}})
	require.Len(t, s.Messages, 2)

	c := NewEntry(RoleGenerator, "hello")
	s.Merge(Update{Remove: []string{a.ID}, Append: []Entry{c}})
	require.Len(t, s.Messages, 2)
	assert.Equal(t, b.ID, s.Messages[0].ID)
	assert.Equal(t, c.ID, s.Messages[1].ID)
}

func TestMergeLanguageIsSticky(t *testing.T) {
	s := New()
	s.Merge(Update{Language: String("Chinese")})
	assert.Equal(t, "Chinese", s.Language)

	s.Merge(Update{Language: String("English")})
	assert.Equal(t, "Chinese", s.Language)

	e := New()
	e.Language = "english"
	e.Merge(Update{Language: String("Spanish")})
	assert.Equal(t, "Spanish", e.Language)
}

func TestMergeReplacesScalarsAndClearsTriggers(t *testing.T) {
	s := New()
	s.UserAction = &UserAction{Type: ActionDeposit}
	s.UserDirectRequest = &DirectRequest{Type: RequestWithdraw}
	s.Suggestions = []string{"old"}

	s.Merge(Update{
		ClearUserAction:    true,
		ClearDirectRequest: true,
		Suggestions:        Strings([]string{"a", "b", "c"}),
		ShouldFinish:       Bool(true),
		Actions:            Assignments([]Assignment{{Team: "AutoFiTeam", Worker: "AssetsWorker", Instruction: "show"}}),
		Summary:            String("- bullet"),
	})

	assert.Nil(t, s.UserAction)
	assert.Nil(t, s.UserDirectRequest)
	assert.Equal(t, []string{"a", "b", "c"}, s.Suggestions)
	assert.True(t, s.ShouldFinish)
	assert.Len(t, s.Actions, 1)
	assert.Equal(t, "- bullet", s.Summary)
}

func TestCombineMatchesSequentialMerge(t *testing.T) {
	x := NewEntry(RoleUser, "x")
	first := Update{Suggestions: Strings([]string{"s"})}
	second := Update{Remove: []string{x.ID}, Summary: String("sum")}

	seq := New()
	seq.Merge(Update{Append: []Entry{x}})
	combined := seq.Clone()

	seq.Merge(first)
	seq.Merge(second)
	combined.Merge(Combine(first, second))

	assert.Equal(t, seq.Messages, combined.Messages)
	assert.Equal(t, seq.Suggestions, combined.Suggestions)
	assert.Equal(t, seq.Summary, combined.Summary)
}

func TestCombineDropsAppendsRemovedLater(t *testing.T) {
	kept := NewEntry(RoleUser, "kept")
	draft := NewEntry(RoleGenerator, "draft")
	final := NewEntry(RoleGenerator, "final")
	first := Update{Append: []Entry{kept, draft}}
	second := Update{Remove: []string{draft.ID}, Append: []Entry{final}}

	seq := New()
	seq.Merge(first)
	seq.Merge(second)

	combined := New()
	combined.Merge(Combine(first, second))

	assert.Equal(t, seq.Messages, combined.Messages)
	require.Len(t, combined.Messages, 2)
	assert.Equal(t, "kept", combined.Messages[0].Content)
	assert.Equal(t, "final", combined.Messages[1].Content)
	assert.Len(t, first.Append, 2)
}

func TestEvidenceWindowStartsAtCurrentTask(t *testing.T) {
	s := New()
	s.Merge(Update{Append: []Entry{
		NewEntry(RoleSystem, "[Task old][System]: Task old started at x."),
		NewEntry(RoleSupervisor, "[Task old][Supervisor]: {}"),
		NewEntry(RoleSystem, "[Task new][System]: Task new started at y."),
		NewEntry(RoleUser, "[Task new][User]:show my assets"),
	}})
	s.TaskID = "new"

	w := s.EvidenceWindow()
	require.Len(t, w, 2)
	assert.Contains(t, w[0].Content, "Task new started")
}

func TestEvidenceWindowSynthesizesMarker(t *testing.T) {
	s := New()
	s.TaskID = "t1"
	s.UserInput = "hello"

	w := s.EvidenceWindow()
	require.Len(t, w, 2)
	assert.Contains(t, w[0].Content, "Task t1 started")
	assert.Equal(t, "[Task t1][User]:hello", w[1].Content)
}

func TestCardRoundTripKeepsArgOrder(t *testing.T) {
	card := Card{Type: CardWithdraw, Args: []any{"5", "USDC", float64(8453)}}
	raw, err := json.Marshal(card)
	require.NoError(t, err)

	var back Card
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, card, back)
	assert.True(t, back.Type.IsConversation())
	assert.False(t, CardShowAssets.IsConversation())
}

func TestValidateTriggers(t *testing.T) {
	assert.NoError(t, ValidateTriggers("", nil, nil))
	assert.NoError(t, ValidateTriggers("hi", nil, nil))
	assert.ErrorIs(t, ValidateTriggers("hi", &UserAction{Type: ActionDeposit}, nil), ErrConflictingTriggers)
	assert.ErrorIs(t, ValidateTriggers("", &UserAction{Type: "bogus"}, nil), ErrUnknownActionType)
	assert.ErrorIs(t, ValidateTriggers("", nil, &DirectRequest{Type: "bogus"}), ErrUnknownRequestType)
}

func TestArgString(t *testing.T) {
	assert.Equal(t, "1000000", ArgString(float64(1000000)))
	assert.Equal(t, "abc", ArgString("abc"))
	assert.Equal(t, "", ArgString(nil))
	assert.Equal(t, "true", ArgString(true))
}
