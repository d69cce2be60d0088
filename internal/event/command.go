package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Command is a UI-issued request addressed to the backend.
type Command struct {
	ID       string         `json:"id"`
	Name     string         `json:"command"`
	Args     map[string]any `json:"args"`
	IssuedAt time.Time      `json:"issued_at"`
}

// NewCommand builds a command with a fresh correlation id. A nil args map is
// normalised to an empty one so the wire form always carries an object.
func NewCommand(name string, args map[string]any) Command {
	cp := make(map[string]any, len(args))
	for k, v := range args {
		cp[k] = v
	}
	return Command{ID: uuid.NewString(), Name: name, Args: cp, IssuedAt: time.Now()}
}

// wireCommand is the newline-delimited form the backend reads on stdin.
type wireCommand struct {
	Command string         `json:"command"`
	Args    map[string]any `json:"args"`
	ID      string         `json:"id,omitempty"`
}

// Line encodes c as a single JSON line terminated by '\n'.
func (c Command) Line() ([]byte, error) {
	b, err := json.Marshal(wireCommand{Command: c.Name, Args: c.Args, ID: c.ID})
	if err != nil {
		return nil, fmt.Errorf("encode command %q: %w", c.Name, err)
	}
	return append(b, '\n'), nil
}
