package domain

import (
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/advisor-sim/internal/apperrors"
)

// Role is the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleSystem marks engine-initiated turns. They are exempt from alternation.
	RoleSystem Role = "system"
)

// ParseRole validates a role string.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleUser:
		return RoleUser, nil
	case RoleAssistant:
		return RoleAssistant, nil
	case RoleSystem:
		return RoleSystem, nil
	default:
		return "", apperrors.Newf(apperrors.CodeInvalidRole, "unknown role %q", s)
	}
}

// ConversationTurn is one entry of a transcript.
type ConversationTurn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// lastConversationalRole returns the role of the last non-system turn.
func lastConversationalRole(transcript []ConversationTurn) (Role, bool) {
	for i := len(transcript) - 1; i >= 0; i-- {
		if transcript[i].Role != RoleSystem {
			return transcript[i].Role, true
		}
	}
	return "", false
}

// CheckNextTurn reports whether a turn with role may follow transcript.
func CheckNextTurn(transcript []ConversationTurn, role Role, content string) error {
	if _, err := ParseRole(string(role)); err != nil {
		return err
	}
	if strings.TrimSpace(content) == "" {
		return apperrors.New(apperrors.CodeInvalidInput, "turn content is required")
	}
	if role == RoleSystem {
		return nil
	}
	if last, ok := lastConversationalRole(transcript); ok && last == role {
		return apperrors.Newf(apperrors.CodeInvalidRole, "consecutive %s turns are not allowed", role)
	}
	return nil
}

// BuildTranscript validates an ordered list of client-supplied turns.
func BuildTranscript(turns []ConversationTurn) ([]ConversationTurn, error) {
	out := make([]ConversationTurn, 0, len(turns))
	for i, t := range turns {
		role, err := ParseRole(string(t.Role))
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeInvalidRole, "invalid conversation history", err).
				WithMetadata("index", strconv.Itoa(i))
		}
		if err := CheckNextTurn(out, role, t.Content); err != nil {
			return nil, err
		}
		t.Role = role
		out = append(out, t)
	}
	return out, nil
}
