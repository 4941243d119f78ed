// Package summary maintains the rolling conversation summary, mood score and
// topic set. Every function works incrementally: it takes the previous state
// and the turns of one delivery, never the whole transcript.
package summary

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"github.com/uneseule/uneseule-backend/internal/config"
	"github.com/uneseule/uneseule-backend/internal/models"
)

// DefaultMaxChars bounds the rolling summary when config leaves it unset
const DefaultMaxChars = 1200

// Summarizer folds new turns into the previous summary
type Summarizer interface {
	Name() string
	Summarize(ctx context.Context, previous string, turns []models.Turn) (string, error)
}

// New builds the configured summarizer
func New(cfg config.SummarizerConfig, logger *logrus.Logger) Summarizer {
	heuristic := NewHeuristic(cfg.MaxChars)
	if cfg.Type == "openai" && cfg.APIKey != "" {
		return NewOpenAI(cfg, heuristic, logger)
	}
	if cfg.Type == "openai" {
		logger.Warn("Summarizer type openai has no api key, using heuristic summarizer")
	}
	return heuristic
}

// Heuristic keeps the child's utterances, newest last, within a character budget
type Heuristic struct {
	maxChars int
}

func NewHeuristic(maxChars int) *Heuristic {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	return &Heuristic{maxChars: maxChars}
}

func (h *Heuristic) Name() string { return "heuristic" }

func (h *Heuristic) Summarize(_ context.Context, previous string, turns []models.Turn) (string, error) {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(previous))
	for _, turn := range turns {
		if turn.Role != models.RoleChild {
			continue
		}
		sentence := firstSentence(turn.Text)
		if sentence == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString(sentence)
	}
	return Trim(b.String(), h.maxChars), nil
}

func firstSentence(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if i := strings.IndexAny(text, ".!?"); i >= 0 {
		return text[:i+1]
	}
	if text == "" {
		return ""
	}
	return text + "."
}

// Trim drops the oldest text so at most max bytes remain, cutting at a word
func Trim(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	cut := len(s) - max
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	tail := s[cut:]
	if i := strings.IndexByte(tail, ' '); i >= 0 && i < len(tail)-1 {
		tail = tail[i+1:]
	}
	return tail
}
