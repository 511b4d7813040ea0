// Package trigger decides which of a tenant's triggers fire for an event type.
package trigger

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/smsrelay/internal/db"
)

// Wildcard matches every event type.
const Wildcard = "*"

// Matches reports whether pattern selects eventType. A pattern is either an
// exact event type, the bare wildcard, or a namespace wildcard "ns:*" that
// selects every type starting with "ns:". No other partial matching exists.
func Matches(pattern, eventType string) bool {
	if pattern == eventType || pattern == Wildcard {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok && strings.HasSuffix(prefix, ":") {
		return strings.HasPrefix(eventType, prefix)
	}
	return false
}

// WildcardCandidates lists every wildcard pattern that could select
// eventType: the bare wildcard plus "prefix:*" for each colon in it. The list
// feeds an equality lookup, so matching stays on the index.
func WildcardCandidates(eventType string) []string {
	candidates := []string{Wildcard}
	for i := 0; i < len(eventType); i++ {
		if eventType[i] == ':' {
			candidates = append(candidates, eventType[:i+1]+"*")
		}
	}
	return candidates
}

// Store looks up active triggers by exact type or candidate pattern.
type Store interface {
	FindActiveTriggers(ctx context.Context, tenantID uuid.UUID, eventType string, patterns []string) ([]*db.Trigger, error)
}

type Matcher struct {
	store  Store
	logger *zap.Logger
}

func NewMatcher(store Store, logger *zap.Logger) *Matcher {
	return &Matcher{store: store, logger: logger}
}

// Match returns the active triggers for (tenantID, eventType), exact and
// wildcard, each at most once.
func (m *Matcher) Match(ctx context.Context, tenantID uuid.UUID, eventType string) ([]*db.Trigger, error) {
	rows, err := m.store.FindActiveTriggers(ctx, tenantID, eventType, WildcardCandidates(eventType))
	if err != nil {
		return nil, fmt.Errorf("find triggers: %w", err)
	}

	seen := make(map[uuid.UUID]struct{}, len(rows))
	matched := make([]*db.Trigger, 0, len(rows))
	for _, t := range rows {
		if !t.Active || !Matches(t.EventType, eventType) {
			continue
		}
		if _, dup := seen[t.ID]; dup {
			continue
		}
		seen[t.ID] = struct{}{}
		matched = append(matched, t)
	}

	m.logger.Debug("triggers matched",
		zap.String("tenant_id", tenantID.String()),
		zap.String("event_type", eventType),
		zap.Int("count", len(matched)),
	)
	return matched, nil
}

// ValidPattern reports whether p is an acceptable trigger event type.
func ValidPattern(p string) bool {
	if p == "" || utf8.RuneCountInString(p) > 50 {
		return false
	}
	star := strings.IndexByte(p, '*')
	if star == -1 {
		return true
	}
	// a star may only appear alone or as the final segment after a colon
	return p == Wildcard || (star == len(p)-1 && strings.HasSuffix(p, ":*"))
}
