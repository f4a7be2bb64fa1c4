// Package chatformat applies chat templates to message arrays via one of
// two backends: a legacy short-name/literal template rendered through a
// buffer-growing renderer, or a full Jinja template rendered through a
// black-box evaluator. Neither renderer's internals live in this package;
// both are injected collaborators.
package chatformat

import (
	"strings"

	"github.com/basalt-run/blama/internal/backend"
	"github.com/basalt-run/blama/internal/blerr"
	"github.com/basalt-run/blama/internal/logger"
	"github.com/basalt-run/blama/internal/model"
)

// ChatMsg is one turn in a conversation. Role is free-form; the template
// decides how to interpret it.
type ChatMsg struct {
	Role string
	Text string
}

// LegacyRenderer mirrors llama_chat_apply_template's buffer-based C ABI:
// it writes the rendered template into buf and reports the number of
// bytes the full render needs, which may exceed len(buf) to signal that
// the caller should retry with a larger buffer.
type LegacyRenderer interface {
	ApplyTemplate(templateStr string, messages []ChatMsg, addAssistantPrompt bool, buf []byte) (int, error)
}

// JinjaRenderer mirrors a minja-style chat_template: Apply renders the
// full message array in one shot; BosToken/EosToken let callers strip a
// duplicated leading/trailing special token from the result.
type JinjaRenderer interface {
	Apply(messages []ChatMsg, addAssistantPrompt bool, extraContext map[string]string) (string, error)
	BosToken() string
	EosToken() string
}

type renderImpl interface {
	formatChat(chat []ChatMsg, addAssistantPrompt bool) (string, error)
	formatMsg(msg ChatMsg, history []ChatMsg, addAssistantPrompt bool) (string, error)
}

// ChatFormat renders message arrays through whichever backend it was
// constructed with.
type ChatFormat struct {
	impl renderImpl
}

// NewLegacy builds a ChatFormat backed by a short-name or literal template
// string, rendered through renderer.
func NewLegacy(templateStr string, renderer LegacyRenderer) *ChatFormat {
	return &ChatFormat{impl: &legacyImpl{templateStr: templateStr, renderer: renderer}}
}

// JinjaParams configures the Jinja backend.
type JinjaParams struct {
	ChatTemplate  string
	AssistantRole string
}

// NewJinja builds a ChatFormat backed by a full Jinja template, rendered
// through renderer.
func NewJinja(params JinjaParams, renderer JinjaRenderer) *ChatFormat {
	return &ChatFormat{impl: &jinjaImpl{renderer: renderer, assistantRole: params.AssistantRole}}
}

// FormatChat renders the whole message array.
func (c *ChatFormat) FormatChat(chat []ChatMsg, addAssistantPrompt bool) (string, error) {
	return c.impl.formatChat(chat, addAssistantPrompt)
}

// FormatMsg renders the delta produced by appending msg to history: it
// renders history (without an assistant prompt), renders history+msg (with
// addAssistantPrompt as requested), and returns the suffix of the second
// render past the first.
func (c *ChatFormat) FormatMsg(msg ChatMsg, history []ChatMsg, addAssistantPrompt bool) (string, error) {
	return c.impl.formatMsg(msg, history, addAssistantPrompt)
}

type legacyImpl struct {
	templateStr string
	renderer    LegacyRenderer
}

func (l *legacyImpl) applyLlama(messages []ChatMsg, addAssistantPrompt bool) (string, error) {
	var size int
	for _, m := range messages {
		size += len(m.Role) + len(m.Text)
	}
	allocSize := (size * 5) / 4
	if allocSize == 0 {
		allocSize = 16
	}

	buf := make([]byte, allocSize)
	res, err := l.renderer.ApplyTemplate(l.templateStr, messages, addAssistantPrompt, buf)
	if err != nil {
		return "", blerr.Backendf(err, "chat template render failed")
	}
	if res > len(buf) {
		buf = make([]byte, res)
		res, err = l.renderer.ApplyTemplate(l.templateStr, messages, addAssistantPrompt, buf)
		if err != nil {
			return "", blerr.Backendf(err, "chat template render failed on retry")
		}
	}
	if res < 0 || res > len(buf) {
		return "", blerr.Backendf(nil, "chat template render returned an invalid size")
	}
	return string(buf[:res]), nil
}

func (l *legacyImpl) formatChat(chat []ChatMsg, addAssistantPrompt bool) (string, error) {
	if len(chat) == 0 {
		return "", nil
	}
	return l.applyLlama(chat, addAssistantPrompt)
}

func (l *legacyImpl) formatMsg(msg ChatMsg, history []ChatMsg, addAssistantPrompt bool) (string, error) {
	if len(history) == 0 {
		return l.formatChat([]ChatMsg{msg}, addAssistantPrompt)
	}

	fmtHistory, err := l.applyLlama(history, false)
	if err != nil {
		return "", err
	}

	full := append(append([]ChatMsg{}, history...), msg)
	fmtNew, err := l.applyLlama(full, addAssistantPrompt)
	if err != nil {
		return "", err
	}
	if len(fmtNew) < len(fmtHistory) {
		return "", blerr.Dataf("chat template render shrank after appending a message")
	}

	prefix := ""
	if addAssistantPrompt && strings.HasSuffix(fmtHistory, "\n") {
		prefix = "\n"
	}
	return prefix + fmtNew[len(fmtHistory):], nil
}

type jinjaImpl struct {
	renderer      JinjaRenderer
	assistantRole string
}

func (j *jinjaImpl) applyJinja(messages []ChatMsg, addAssistantPrompt bool) (string, error) {
	out, err := j.renderer.Apply(messages, addAssistantPrompt, map[string]string{"assistant_role": j.assistantRole})
	if err != nil {
		return "", blerr.Backendf(err, "jinja chat template render failed")
	}

	if bos := j.renderer.BosToken(); bos != "" && strings.HasPrefix(out, bos) {
		out = out[len(bos):]
	}
	if eos := j.renderer.EosToken(); eos != "" && strings.HasSuffix(out, eos) {
		out = out[:len(out)-len(eos)]
	}
	return out, nil
}

func (j *jinjaImpl) formatChat(chat []ChatMsg, addAssistantPrompt bool) (string, error) {
	if len(chat) == 0 {
		return "", nil
	}
	return j.applyJinja(chat, addAssistantPrompt)
}

func (j *jinjaImpl) formatMsg(msg ChatMsg, history []ChatMsg, addAssistantPrompt bool) (string, error) {
	if len(history) == 0 {
		return j.formatChat([]ChatMsg{msg}, addAssistantPrompt)
	}

	fmtHistory, err := j.applyJinja(history, false)
	if err != nil {
		return "", err
	}

	full := append(append([]ChatMsg{}, history...), msg)
	fmtNew, err := j.applyJinja(full, addAssistantPrompt)
	if err != nil {
		return "", err
	}
	if len(fmtNew) < len(fmtHistory) {
		return "", blerr.Dataf("chat template render shrank after appending a message")
	}
	return fmtNew[len(fmtHistory):], nil
}

// Params discovered from a model's metadata and vocabulary, ready to
// construct either chat format backend.
type Params struct {
	ChatTemplate string
	BosToken     string
	EosToken     string
}

// GetChatParams discovers the chat template via the model's metadata key
// and the vocab's BOS/EOS token strings, warning if the template
// references bos_token/eos_token but the vocab lacks them.
func GetChatParams(m *model.Model) Params {
	p := Params{ChatTemplate: m.ChatTemplateID()}
	v := m.Vocab()

	getTokenStr := func(t backend.Token, name, jinjaVariableName string) string {
		if t == backend.TokenInvalid {
			if strings.Contains(p.ChatTemplate, jinjaVariableName) {
				logger.Log.Warn("vocab doesn't have a token the jinja template references", "token", name)
			}
			return ""
		}
		return v.TokenToString(t, true)
	}

	p.BosToken = getTokenStr(v.BOS(), "BOS", "bos_token")
	p.EosToken = getTokenStr(v.EOS(), "EOS", "eos_token")
	return p
}
