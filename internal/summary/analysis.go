package summary

import (
	"strings"

	"github.com/uneseule/uneseule-backend/internal/models"
)

// DefaultTopicLimit bounds the topic set of a conversation record
const DefaultTopicLimit = 12

// Mood labels
const (
	MoodPositive = "positive"
	MoodNeutral  = "neutral"
	MoodNegative = "negative"
)

var positiveWords = map[string]bool{
	"happy": true, "fun": true, "love": true, "like": true, "great": true, "yay": true,
	"good": true, "awesome": true, "excited": true, "laugh": true, "best": true, "wow": true,
}

var negativeWords = map[string]bool{
	"sad": true, "angry": true, "scared": true, "afraid": true, "hate": true, "cry": true,
	"bad": true, "lonely": true, "tired": true, "hurt": true, "mad": true, "worried": true,
}

var topicKeywords = map[string][]string{
	"animals": {"dog", "cat", "puppy", "kitten", "dinosaur", "bird", "fish", "horse", "bunny"},
	"family":  {"mom", "mommy", "dad", "daddy", "sister", "brother", "grandma", "grandpa"},
	"school":  {"school", "teacher", "class", "homework", "kindergarten"},
	"friends": {"friend", "friends", "playdate"},
	"food":    {"eat", "cake", "pizza", "cookie", "snack", "lunch", "dinner"},
	"play":    {"play", "game", "toy", "lego", "blocks", "hide"},
	"space":   {"moon", "star", "stars", "rocket", "planet", "space"},
	"music":   {"song", "sing", "music", "dance"},
	"stories": {"story", "book", "princess", "dragon", "fairy"},
	"nature":  {"tree", "flower", "rain", "snow", "sun", "park"},
}

// Analysis is the mood and topic view of one batch of turns
type Analysis struct {
	Score  float64
	Label  string
	Topics []string
}

func words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r == '\'')
	})
}

// Analyze scores the child's turns in [-1, 1] and picks keyword topics
func Analyze(turns []models.Turn) Analysis {
	var pos, neg int
	seen := make(map[string]bool)
	var topics []string

	for _, turn := range turns {
		if turn.Role != models.RoleChild {
			continue
		}
		for _, w := range words(turn.Text) {
			if positiveWords[w] {
				pos++
			}
			if negativeWords[w] {
				neg++
			}
			for topic, keys := range topicKeywords {
				if seen[topic] {
					continue
				}
				for _, k := range keys {
					if k == w {
						seen[topic] = true
						topics = append(topics, topic)
						break
					}
				}
			}
		}
	}

	var score float64
	if pos+neg > 0 {
		score = float64(pos-neg) / float64(pos+neg)
	}
	return Analysis{Score: score, Label: Label(score), Topics: topics}
}

// Label maps a score to a mood label
func Label(score float64) string {
	switch {
	case score >= 0.2:
		return MoodPositive
	case score <= -0.2:
		return MoodNegative
	default:
		return MoodNeutral
	}
}

// BlendMood returns the running mean over prevTurns turns at prevScore and
// newTurns turns at score
func BlendMood(prevScore float64, prevTurns int, score float64, newTurns int) float64 {
	if newTurns <= 0 {
		return prevScore
	}
	if prevTurns <= 0 {
		return score
	}
	total := float64(prevTurns + newTurns)
	return (prevScore*float64(prevTurns) + score*float64(newTurns)) / total
}

// MergeTopics appends new topics to existing ones, keeping order and at most
// limit entries; the oldest topics drop out first
func MergeTopics(existing, add []string, limit int) []string {
	if limit <= 0 {
		limit = DefaultTopicLimit
	}
	out := make([]string, 0, len(existing)+len(add))
	index := make(map[string]int)
	for _, t := range append(append([]string{}, existing...), add...) {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if i, ok := index[t]; ok {
			// move to the end as most recently mentioned
			out = append(out[:i], out[i+1:]...)
			for k, v := range index {
				if v > i {
					index[k] = v - 1
				}
			}
		}
		index[t] = len(out)
		out = append(out, t)
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
