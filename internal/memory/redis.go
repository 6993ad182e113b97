package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/companionkit/companiond/internal/config"
	"github.com/companionkit/companiond/internal/logger"
	"github.com/redis/go-redis/v9"
)

const (
	// Redis key prefix for per-user fact lists
	factKeyPrefix = "mem:"
	// maximum facts injected into one generation request
	maxContextFacts = 5
)

// fact is one remembered exchange.
type fact struct {
	Query     string    `json:"query"`
	Answer    string    `json:"answer"`
	CreatedAt time.Time `json:"created_at"`
}

// RedisManager implements Manager on a per-user Redis list. Retrieval is a
// keyword-overlap ranking over the stored exchanges.
type RedisManager struct {
	client   *redis.Client
	maxFacts int64
}

// NewRedisManager connects to the configured Redis instance.
func NewRedisManager(cfg config.MemoryConfig) *RedisManager {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return &RedisManager{
		client:   client,
		maxFacts: int64(cfg.MaxFacts),
	}
}

// Close releases the Redis connection.
func (m *RedisManager) Close() error {
	return m.client.Close()
}

// GetContext implements Manager. Any failure is logged and yields "".
func (m *RedisManager) GetContext(ctx context.Context, query, userID string) string {
	entries, err := m.client.LRange(ctx, factKey(userID), 0, -1).Result()
	if err != nil {
		if err != redis.Nil {
			logger.Warn("memory lookup failed for user %s: %v", userID, err)
		}
		return ""
	}

	facts := make([]fact, 0, len(entries))
	for _, entry := range entries {
		var f fact
		if err := json.Unmarshal([]byte(entry), &f); err != nil {
			continue
		}
		facts = append(facts, f)
	}

	return FormatFacts(RankFacts(query, facts))
}

// Remember implements Manager.
func (m *RedisManager) Remember(ctx context.Context, query, answer, userID string) error {
	entry, err := json.Marshal(fact{
		Query:     query,
		Answer:    answer,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	key := factKey(userID)
	pipe := m.client.TxPipeline()
	pipe.RPush(ctx, key, entry)
	pipe.LTrim(ctx, key, -m.maxFacts, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store memory for user %s: %w", userID, err)
	}
	return nil
}

func factKey(userID string) string {
	return factKeyPrefix + userID
}

// RankFacts orders facts by keyword overlap with the query and keeps the
// best matches. Facts with no overlap are dropped.
func RankFacts(query string, facts []fact) []fact {
	queryTokens := tokenize(query)
	if len(queryTokens) == 0 {
		return nil
	}

	type scored struct {
		fact  fact
		score int
	}
	matches := make([]scored, 0, len(facts))
	for _, f := range facts {
		tokens := tokenize(f.Query + " " + f.Answer)
		score := 0
		for tok := range queryTokens {
			if tokens[tok] {
				score++
			}
		}
		if score > 0 {
			matches = append(matches, scored{fact: f, score: score})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		return matches[i].fact.CreatedAt.After(matches[j].fact.CreatedAt)
	})

	if len(matches) > maxContextFacts {
		matches = matches[:maxContextFacts]
	}

	result := make([]fact, len(matches))
	for i, m := range matches {
		result[i] = m.fact
	}
	return result
}

// FormatFacts renders facts as the "- fact" list injected into prompts.
func FormatFacts(facts []fact) string {
	if len(facts) == 0 {
		return ""
	}
	lines := make([]string, 0, len(facts))
	for _, f := range facts {
		lines = append(lines, fmt.Sprintf("- User said: %s | Assistant replied: %s", f.Query, f.Answer))
	}
	return strings.Join(lines, "\n")
}

// tokenize lowercases and splits on non-letter, non-digit runes. CJK text
// has no word boundaries, so ideographs become single-rune tokens.
func tokenize(s string) map[string]bool {
	tokens := make(map[string]bool)
	var current strings.Builder

	flush := func() {
		if current.Len() > 1 {
			tokens[current.String()] = true
		}
		current.Reset()
	}

	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 0x4E00 && r <= 0x9FA5:
			flush()
			tokens[string(r)] = true
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			current.WriteRune(r)
		default:
			flush()
		}
	}
	flush()

	return tokens
}
