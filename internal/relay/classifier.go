package relay

import (
	"regexp"
	"strings"

	"github.com/ashureev/puppet-relay/internal/automation"
	"github.com/ashureev/puppet-relay/internal/domain"
)

// ActionKind tags an Action.
type ActionKind int

// Action kinds, in classification precedence order.
const (
	ActionUnknown ActionKind = iota
	ActionButtons
	ActionJoinRequest
	ActionError
	ActionFile
	ActionPlainText
)

func (k ActionKind) String() string {
	switch k {
	case ActionButtons:
		return "buttons"
	case ActionJoinRequest:
		return "join_request"
	case ActionError:
		return "error"
	case ActionFile:
		return "file"
	case ActionPlainText:
		return "plain_text"
	default:
		return "unknown"
	}
}

// Action is the typed interpretation of one upstream message. Only the
// fields belonging to Kind are set.
type Action struct {
	Kind    ActionKind
	Buttons []domain.ButtonDescriptor
	Channel string // JoinRequest; empty when no channel could be extracted
	Message string // Error
	File    *domain.FileDescriptor
	Text    string // PlainText
}

var joinPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)join.*channel`),
	regexp.MustCompile(`(?i)subscribe.*channel`),
	regexp.MustCompile(`(?i)channel.*join`),
	regexp.MustCompile(`(?i)first.*join`),
	regexp.MustCompile(`(?i)join.*first`),
	regexp.MustCompile(`(?i)membership required`),
}

var errorPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)could not find`),
	regexp.MustCompile(`(?i)not found`),
	regexp.MustCompile(`(?i)not released`),
	regexp.MustCompile(`(?i)not available`),
	regexp.MustCompile(`(?i)error`),
	regexp.MustCompile(`(?i)failed`),
	regexp.MustCompile(`(?i)unavailable`),
	regexp.MustCompile(`(?i)try again`),
	regexp.MustCompile(`(?i)check spelling`),
	regexp.MustCompile(`(?i)invalid`),
	regexp.MustCompile(`(?i)no results`),
	regexp.MustCompile(`(?i)not exist`),
}

var (
	handlePattern    = regexp.MustCompile(`@([A-Za-z0-9_]+)`)
	shortLinkPattern = regexp.MustCompile(`t\.me/([A-Za-z0-9_]+)`)
	urlLinkPattern   = regexp.MustCompile(`https?://[^\s/]+/([A-Za-z0-9_]+)`)
)

func matchesAny(patterns []*regexp.Regexp, text string) bool {
	for _, p := range patterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// ExtractChannel returns the channel named in a join request: the first
// @handle, else the first t.me/ or URL path segment, else "".
func ExtractChannel(text string) string {
	for _, p := range []*regexp.Regexp{handlePattern, shortLinkPattern, urlLinkPattern} {
		if m := p.FindStringSubmatch(text); m != nil {
			return m[1]
		}
	}
	return ""
}

type rule struct {
	name  string
	match func(automation.Message) bool
	build func(automation.Message) Action
}

// Classifier maps upstream messages to actions. Rules are evaluated in order
// and the first match wins.
type Classifier struct {
	rules []rule
}

// NewClassifier returns the default rule set.
func NewClassifier() *Classifier {
	return &Classifier{rules: []rule{
		{
			name:  "buttons",
			match: automation.Message.HasButtons,
			build: func(m automation.Message) Action {
				return Action{Kind: ActionButtons, Buttons: flattenButtons(m.Buttons)}
			},
		},
		{
			name:  "join",
			match: func(m automation.Message) bool { return matchesAny(joinPatterns, m.Text) },
			build: func(m automation.Message) Action {
				return Action{Kind: ActionJoinRequest, Channel: ExtractChannel(m.Text)}
			},
		},
		{
			name:  "error",
			match: func(m automation.Message) bool { return matchesAny(errorPatterns, m.Text) },
			build: func(m automation.Message) Action {
				return Action{Kind: ActionError, Message: m.Text}
			},
		},
		{
			name:  "file",
			match: func(m automation.Message) bool { return m.Attachment != nil },
			build: func(m automation.Message) Action {
				return Action{Kind: ActionFile, File: fileDescriptor(m.Attachment)}
			},
		},
		{
			name:  "text",
			match: func(m automation.Message) bool { return strings.TrimSpace(m.Text) != "" },
			build: func(m automation.Message) Action {
				return Action{Kind: ActionPlainText, Text: m.Text}
			},
		},
	}}
}

// Classify returns the action for msg.
func (c *Classifier) Classify(msg automation.Message) Action {
	for _, r := range c.rules {
		if r.match(msg) {
			return r.build(msg)
		}
	}
	return Action{Kind: ActionUnknown}
}

func flattenButtons(rows [][]automation.Button) []domain.ButtonDescriptor {
	var out []domain.ButtonDescriptor
	for _, row := range rows {
		for _, b := range row {
			d := domain.ButtonDescriptor{Label: b.Text, SameTarget: b.SamePeer}
			if len(b.Data) > 0 {
				d.Payload = b.Data
			} else {
				d.Link = b.URL
			}
			out = append(out, d)
		}
	}
	return out
}

func fileDescriptor(a *automation.Attachment) *domain.FileDescriptor {
	kind := domain.FileKind(strings.ToLower(a.Kind))
	switch kind {
	case domain.FileDocument, domain.FileVideo, domain.FileAudio, domain.FilePhoto:
	default:
		kind = domain.FileUnknown
	}
	return &domain.FileDescriptor{
		Kind:     kind,
		FileID:   a.FileID,
		FileName: a.FileName,
		Size:     a.Size,
		MimeType: a.MimeType,
	}
}
