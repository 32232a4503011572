package process

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/echodev/echod/internal/config"
	"github.com/echodev/echod/internal/resolve"
)

// HandoffEnv carries the encoded Handoff from a parent to its child.
const HandoffEnv = "ECHOD_HANDOFF"

// Role is the part a re-executed echod process plays.
type Role string

const (
	RoleListener Role = "listener"
	RoleWorker   Role = "worker"
)

// Handoff is everything a child needs besides its inherited descriptor.
// It is written once by the parent and read-only in the child.
type Handoff struct {
	Role     Role             `toml:"role"`
	Endpoint resolve.Endpoint `toml:"endpoint"`
	Peer     string           `toml:"peer,omitempty"`
	Config   config.Config    `toml:"config"`
}

// Encode serializes the handoff as TOML.
func (h *Handoff) Encode() (string, error) {
	cfg := h.Config
	// Children never serve the metrics endpoint.
	cfg.Metrics.Listen = ""
	cfg.Metrics.Username = ""
	cfg.Metrics.Password = ""

	out := *h
	out.Config = cfg

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(out); err != nil {
		return "", fmt.Errorf("encode handoff: %w", err)
	}
	return buf.String(), nil
}

// DecodeHandoff parses a handoff produced by Encode.
func DecodeHandoff(s string) (*Handoff, error) {
	var h Handoff
	if _, err := toml.Decode(s, &h); err != nil {
		return nil, fmt.Errorf("decode handoff: %w", err)
	}
	switch h.Role {
	case RoleListener, RoleWorker:
	default:
		return nil, fmt.Errorf("decode handoff: unknown role %q", h.Role)
	}
	config.ApplyDefaults(&h.Config)
	return &h, nil
}

// Environ returns base with any previous handoff replaced by h.
func (h *Handoff) Environ(base []string) ([]string, error) {
	enc, err := h.Encode()
	if err != nil {
		return nil, err
	}
	env := make([]string, 0, len(base)+1)
	for _, kv := range base {
		if strings.HasPrefix(kv, HandoffEnv+"=") {
			continue
		}
		env = append(env, kv)
	}
	return append(env, HandoffEnv+"="+enc), nil
}

// FromEnv returns the handoff this process was started with, if any, and
// removes it from the environment so it is not passed on by accident.
func FromEnv() (*Handoff, bool, error) {
	s, ok := os.LookupEnv(HandoffEnv)
	if !ok {
		return nil, false, nil
	}
	os.Unsetenv(HandoffEnv)
	h, err := DecodeHandoff(s)
	if err != nil {
		return nil, true, err
	}
	return h, true, nil
}
