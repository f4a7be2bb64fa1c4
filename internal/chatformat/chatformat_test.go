package chatformat

import (
	"fmt"
	"strings"
	"testing"
)

// fakeLegacyRenderer concatenates "role: text\n" per message, optionally
// appending an assistant-prompt marker, and honors the buffer-too-small
// retry contract.
type fakeLegacyRenderer struct{}

func (fakeLegacyRenderer) ApplyTemplate(templateStr string, messages []ChatMsg, addAssistantPrompt bool, buf []byte) (int, error) {
	var sb strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, m.Text)
	}
	if addAssistantPrompt {
		sb.WriteString("assistant:")
	}
	out := sb.String()
	n := copy(buf, out)
	return len(out), func() error { _ = n; return nil }()
}

func TestLegacyFormatChatEmptyIsEmpty(t *testing.T) {
	cf := NewLegacy("chatml", fakeLegacyRenderer{})
	got, err := cf.FormatChat(nil, true)
	if err != nil {
		t.Fatal(err)
	}
	if got != "" {
		t.Fatalf("FormatChat(nil) = %q, want \"\"", got)
	}
}

func TestLegacyFormatChatRetriesOnSmallBuffer(t *testing.T) {
	cf := NewLegacy("chatml", fakeLegacyRenderer{})
	msgs := []ChatMsg{{Role: "user", Text: strings.Repeat("x", 200)}}
	got, err := cf.FormatChat(msgs, false)
	if err != nil {
		t.Fatal(err)
	}
	want := "user: " + strings.Repeat("x", 200) + "\n"
	if got != want {
		t.Fatalf("FormatChat = %q, want %q", got, want)
	}
}

func TestLegacyFormatMsgReturnsDelta(t *testing.T) {
	cf := NewLegacy("chatml", fakeLegacyRenderer{})
	history := []ChatMsg{{Role: "user", Text: "hi"}}
	delta, err := cf.FormatMsg(ChatMsg{Role: "assistant", Text: "hello"}, history, false)
	if err != nil {
		t.Fatal(err)
	}
	if delta != "assistant: hello\n" {
		t.Fatalf("FormatMsg delta = %q, want %q", delta, "assistant: hello\n")
	}
}

func TestLegacyFormatMsgNoHistoryIsFormatChatOfOne(t *testing.T) {
	cf := NewLegacy("chatml", fakeLegacyRenderer{})
	got, err := cf.FormatMsg(ChatMsg{Role: "user", Text: "hi"}, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if got != "user: hi\n" {
		t.Fatalf("FormatMsg = %q, want %q", got, "user: hi\n")
	}
}

// fakeJinjaRenderer wraps each render with bos/eos markers, as a
// jinja template referencing {{ bos_token }}/{{ eos_token }} might.
type fakeJinjaRenderer struct {
	bos, eos string
}

func (f fakeJinjaRenderer) Apply(messages []ChatMsg, addAssistantPrompt bool, extraContext map[string]string) (string, error) {
	var sb strings.Builder
	sb.WriteString(f.bos)
	for _, m := range messages {
		fmt.Fprintf(&sb, "%s:%s;", m.Role, m.Text)
	}
	if addAssistantPrompt {
		sb.WriteString("assistant:" + extraContext["assistant_role"] + ";")
	}
	sb.WriteString(f.eos)
	return sb.String(), nil
}
func (f fakeJinjaRenderer) BosToken() string { return f.bos }
func (f fakeJinjaRenderer) EosToken() string { return f.eos }

func TestJinjaStripsDoubleBosEos(t *testing.T) {
	r := fakeJinjaRenderer{bos: "<BOS>", eos: "<EOS>"}
	cf := NewJinja(JinjaParams{AssistantRole: "assistant"}, r)
	got, err := cf.FormatChat([]ChatMsg{{Role: "user", Text: "hi"}}, false)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(got, "<BOS>") || strings.Contains(got, "<EOS>") {
		t.Fatalf("expected bos/eos stripped, got %q", got)
	}
	if got != "user:hi;" {
		t.Fatalf("FormatChat = %q, want %q", got, "user:hi;")
	}
}

func TestJinjaFormatMsgDeltaDoesNotPreserveLeadingNewline(t *testing.T) {
	r := fakeJinjaRendererWithTrailingNewline{}
	cf := NewJinja(JinjaParams{AssistantRole: "assistant"}, r)
	history := []ChatMsg{{Role: "user", Text: "hi"}}
	delta, err := cf.FormatMsg(ChatMsg{Role: "assistant", Text: "hello"}, history, true)
	if err != nil {
		t.Fatal(err)
	}
	if strings.HasPrefix(delta, "\n\n") {
		t.Fatalf("jinja delta unexpectedly preserved a doubled leading newline: %q", delta)
	}
}

// fakeJinjaRendererWithTrailingNewline renders history ending in a
// newline, the one case where the legacy backend (but not jinja) injects
// an extra leading newline into formatMsg's delta.
type fakeJinjaRendererWithTrailingNewline struct{}

func (fakeJinjaRendererWithTrailingNewline) Apply(messages []ChatMsg, addAssistantPrompt bool, extraContext map[string]string) (string, error) {
	var sb strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&sb, "%s:%s\n", m.Role, m.Text)
	}
	if addAssistantPrompt {
		sb.WriteString("assistant:\n")
	}
	return sb.String(), nil
}
func (fakeJinjaRendererWithTrailingNewline) BosToken() string { return "" }
func (fakeJinjaRendererWithTrailingNewline) EosToken() string { return "" }
