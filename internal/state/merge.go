package state

import (
	"fmt"
	"strings"
	"time"
)

// Update is a partial TaskState produced by one node. Nil pointers leave the
// field untouched.
type Update struct {
	UserInput           *string
	ClearUserAction     bool
	ClearDirectRequest  bool
	TaskID              *string
	Append              []Entry
	Remove              []string
	Suggestions         *[]string
	ShouldFinish        *bool
	Actions             *[]Assignment
	Language            *string
	Summary             *string
	LastGeneratorResult *string
}

// String returns a pointer to s.
func String(s string) *string { return &s }

// Bool returns a pointer to b.
func Bool(b bool) *bool { return &b }

// Strings returns a pointer to a copy of v.
func Strings(v []string) *[]string {
	c := append([]string{}, v...)
	return &c
}

// Assignments returns a pointer to a copy of v.
func Assignments(v []Assignment) *[]Assignment {
	c := append([]Assignment{}, v...)
	return &c
}

// Merge applies u to s. Removals run before appends so a node can drop old
// entries and add new ones in a single update.
func (s *TaskState) Merge(u Update) {
	if u.UserInput != nil {
		s.UserInput = *u.UserInput
	}
	if u.ClearUserAction {
		s.UserAction = nil
	}
	if u.ClearDirectRequest {
		s.UserDirectRequest = nil
	}
	if u.TaskID != nil {
		s.TaskID = *u.TaskID
	}
	if len(u.Remove) > 0 {
		drop := make(map[string]struct{}, len(u.Remove))
		for _, id := range u.Remove {
			drop[id] = struct{}{}
		}
		kept := s.Messages[:0:0]
		for _, e := range s.Messages {
			if _, ok := drop[e.ID]; !ok {
				kept = append(kept, e)
			}
		}
		s.Messages = kept
	}
	if len(u.Append) > 0 {
		s.Messages = append(s.Messages, u.Append...)
	}
	if u.Suggestions != nil {
		s.Suggestions = append([]string{}, *u.Suggestions...)
	}
	if u.ShouldFinish != nil {
		s.ShouldFinish = *u.ShouldFinish
	}
	if u.Actions != nil {
		s.Actions = append([]Assignment{}, *u.Actions...)
	}
	if u.Language != nil {
		s.Language = mergeLanguage(s.Language, *u.Language)
	}
	if u.Summary != nil {
		s.Summary = *u.Summary
	}
	if u.LastGeneratorResult != nil {
		s.LastGeneratorResult = *u.LastGeneratorResult
	}
}

// Combine folds b into a so that applying the result equals applying a then b.
// Entries a appends and b removes are dropped from the combined append list.
func Combine(a, b Update) Update {
	out := a
	if b.UserInput != nil {
		out.UserInput = b.UserInput
	}
	out.ClearUserAction = a.ClearUserAction || b.ClearUserAction
	out.ClearDirectRequest = a.ClearDirectRequest || b.ClearDirectRequest
	if b.TaskID != nil {
		out.TaskID = b.TaskID
	}
	out.Remove = append(append([]string{}, a.Remove...), b.Remove...)
	out.Append = append(withoutIDs(a.Append, b.Remove), b.Append...)
	if b.Suggestions != nil {
		out.Suggestions = b.Suggestions
	}
	if b.ShouldFinish != nil {
		out.ShouldFinish = b.ShouldFinish
	}
	if b.Actions != nil {
		out.Actions = b.Actions
	}
	if b.Language != nil {
		if a.Language != nil {
			out.Language = String(mergeLanguage(*a.Language, *b.Language))
		} else {
			out.Language = b.Language
		}
	}
	if b.Summary != nil {
		out.Summary = b.Summary
	}
	if b.LastGeneratorResult != nil {
		out.LastGeneratorResult = b.LastGeneratorResult
	}
	return out
}

// withoutIDs copies entries, skipping those whose ID is in ids.
func withoutIDs(entries []Entry, ids []string) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		drop := false
		for _, id := range ids {
			if e.ID == id {
				drop = true
				break
			}
		}
		if !drop {
			out = append(out, e)
		}
	}
	return out
}

func mergeLanguage(current, next string) string {
	if current != "" && !strings.EqualFold(current, DefaultLanguage) {
		return current
	}
	if next == "" {
		return current
	}
	return next
}

// Tag prefixes content with the task and role labels.
func Tag(taskID string, role Role) string {
	return fmt.Sprintf("[Task %s][%s]:", taskID, role)
}

// StartedMarker is the system text that opens the evidence window for a task.
func StartedMarker(taskID string, at time.Time) string {
	return fmt.Sprintf("%s Task %s started at %s.", Tag(taskID, RoleSystem), taskID, at.UTC().Format(time.RFC1123))
}

// EvidenceWindow returns the entries from the latest started marker for the
// current task onward. Without a marker it synthesizes one followed by the
// user input.
func (s *TaskState) EvidenceWindow() []Entry {
	needle := fmt.Sprintf("Task %s started", s.TaskID)
	for i := len(s.Messages) - 1; i >= 0; i-- {
		e := s.Messages[i]
		if e.Role == RoleSystem && strings.Contains(e.Content, needle) {
			return append([]Entry{}, s.Messages[i:]...)
		}
	}
	window := []Entry{NewEntry(RoleSystem, StartedMarker(s.TaskID, time.Now()))}
	if s.UserInput != "" {
		window = append(window, NewEntry(RoleUser, fmt.Sprintf("%s%s", Tag(s.TaskID, RoleUser), s.UserInput)))
	}
	return window
}

// LatestUserAction returns the most recent system entry recording a user
// action, or "" when there is none.
func (s *TaskState) LatestUserAction() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		e := s.Messages[i]
		if e.Role == RoleSystem && strings.Contains(e.Content, "[User Action]") {
			return e.Content
		}
	}
	return ""
}

// Clone returns a deep copy of the state.
func (s *TaskState) Clone() *TaskState {
	c := *s
	c.Messages = append([]Entry{}, s.Messages...)
	c.Suggestions = append([]string{}, s.Suggestions...)
	c.Actions = append([]Assignment{}, s.Actions...)
	if s.UserAction != nil {
		a := *s.UserAction
		a.Args = append([]any{}, s.UserAction.Args...)
		c.UserAction = &a
	}
	if s.UserDirectRequest != nil {
		r := *s.UserDirectRequest
		r.Args = append([]any{}, s.UserDirectRequest.Args...)
		c.UserDirectRequest = &r
	}
	return &c
}

// Transcript renders entries as newline separated "role: content" lines.
func Transcript(entries []Entry) string {
	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(string(e.Role))
		b.WriteString(": ")
		b.WriteString(e.Content)
	}
	return b.String()
}
