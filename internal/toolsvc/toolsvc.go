// Package toolsvc is the gateway to external tool servers. Tools are
// addressed by a composite "serverId__toolName" so callers never need to
// know which server hosts a tool, only its composite name.
package toolsvc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// NameSeparator joins a server id and a tool name into a composite name.
const NameSeparator = "__"

// ErrBadToolName is returned when a composite name cannot be split.
var ErrBadToolName = errors.New("toolsvc: malformed tool name")

// ErrUnavailable is returned when no tool service is configured.
var ErrUnavailable = errors.New("toolsvc: no tool service configured")

// Tool describes one callable tool exposed by a server.
type Tool struct {
	Server      string          `json:"server"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"input_schema,omitempty"`
}

// FullName returns the composite name used on the wire.
func (t Tool) FullName() string { return JoinName(t.Server, t.Name) }

// Invoker lists and calls tools on behalf of a session.
type Invoker interface {
	// ListTools returns the tools exposed by the named servers, or by every
	// configured server when servers is empty.
	ListTools(ctx context.Context, servers []string) ([]Tool, error)
	// Call invokes one tool and returns its textual result.
	Call(ctx context.Context, server, tool string, args map[string]any) (string, error)
}

// JoinName builds the composite "server__tool" name.
func JoinName(server, tool string) string {
	return server + NameSeparator + tool
}

// SplitName splits a composite name into server id and tool name. The tool
// part may itself contain the separator; only the first occurrence splits.
func SplitName(full string) (server, tool string, err error) {
	server, tool, found := strings.Cut(full, NameSeparator)
	if !found || server == "" || tool == "" {
		return "", "", fmt.Errorf("%w: %q", ErrBadToolName, full)
	}
	return server, tool, nil
}

// CallByName resolves a composite name and invokes it through inv.
func CallByName(ctx context.Context, inv Invoker, full string, args map[string]any) (string, error) {
	if inv == nil {
		return "", ErrUnavailable
	}
	server, tool, err := SplitName(full)
	if err != nil {
		return "", err
	}
	return inv.Call(ctx, server, tool, args)
}

// Disabled is an Invoker for deployments without a tool service. Listing
// succeeds with nothing; calling fails loudly.
type Disabled struct{}

func (Disabled) ListTools(context.Context, []string) ([]Tool, error) { return nil, nil }

func (Disabled) Call(context.Context, string, string, map[string]any) (string, error) {
	return "", ErrUnavailable
}
