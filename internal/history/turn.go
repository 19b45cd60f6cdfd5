package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"llmcouncil/internal/council"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Turn is one message in the conversation. Result is only set on assistant turns that
// carry a council answer.
type Turn struct {
	ID        string          `json:"id"`
	Role      Role            `json:"role"`
	Content   string          `json:"content"`
	Result    *council.Result `json:"result,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ErrCorrupt marks stored bytes that decode but do not describe a valid history.
var ErrCorrupt = errors.New("history: corrupt data")

// NewID returns a time-ordered identifier. UUIDv7 strings sort by creation time and the
// generator keeps them strictly increasing within the process.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func NewTurn(role Role, content string, result *council.Result, at time.Time) Turn {
	return Turn{
		ID:        NewID(),
		Role:      role,
		Content:   content,
		Result:    result,
		Timestamp: at,
	}
}

func Encode(turns []Turn) ([]byte, error) {
	if turns == nil {
		turns = []Turn{}
	}
	return json.Marshal(turns)
}

func Decode(raw []byte) ([]Turn, error) {
	var turns []Turn
	if err := json.Unmarshal(raw, &turns); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	for i, turn := range turns {
		if turn.ID == "" {
			return nil, fmt.Errorf("%w: turn %d has no id", ErrCorrupt, i)
		}
		if !turn.Role.Valid() {
			return nil, fmt.Errorf("%w: turn %d has role %q", ErrCorrupt, i, turn.Role)
		}
	}
	return turns, nil
}

// Clone copies the slice so callers can hand history out without sharing the backing array.
// Results are shared; they are never mutated after a turn is created.
func Clone(turns []Turn) []Turn {
	if len(turns) == 0 {
		return []Turn{}
	}
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out
}
