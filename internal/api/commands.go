package api

import (
	"context"
	"fmt"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/carapace/carapace/internal/channel"
)

// handleCommand executes one slash command on a chat connection.
// Returns true when the connection should close.
func (c *chatConn) handleCommand(input string) bool {
	parts := strings.SplitN(strings.TrimSpace(input), " ", 2)
	cmd := strings.ToLower(parts[0])
	arg := ""
	if len(parts) > 1 {
		arg = strings.TrimSpace(parts[1])
	}

	switch cmd {
	case "/quit", "/exit":
		c.writeMu.Lock()
		c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")) //nolint:errcheck
		c.writeMu.Unlock()
		return true

	case "/verbose":
		on := !c.verbose.Load()
		c.verbose.Store(on)
		state := "off"
		if on {
			state = "on"
		}
		c.send(channel.NewCommandResult("verbose", map[string]any{
			"verbose": on,
			"message": "Verbose mode " + state,
		}))

	case "/help":
		c.send(channel.NewCommandResult("help", map[string]any{
			"commands": []map[string]string{
				{"command": "/rules", "description": "List all rules and their status"},
				{"command": "/disable <id>", "description": "Disable a rule for this session"},
				{"command": "/enable <id>", "description": "Re-enable a disabled rule"},
				{"command": "/session", "description": "Show current session state"},
				{"command": "/reset", "description": "Retire this session and start fresh"},
				{"command": "/approve <tool_call_id>", "description": "Approve a pending operation"},
				{"command": "/deny <tool_call_id>", "description": "Deny a pending operation"},
				{"command": "/verbose", "description": "Toggle tool call display"},
				{"command": "/quit", "description": "Disconnect"},
				{"command": "/help", "description": "Show this help"},
			},
		}))

	case "/rules":
		c.commandRules()

	case "/disable":
		c.commandToggleRule("disable", arg)

	case "/enable":
		c.commandToggleRule("enable", arg)

	case "/session":
		c.commandSession()

	case "/reset":
		c.commandReset()

	case "/approve", "/deny":
		name := strings.TrimPrefix(cmd, "/")
		if arg == "" {
			c.send(channel.NewCommandResult(name, map[string]any{"error": fmt.Sprintf("Usage: /%s <tool_call_id>", name)}))
			return false
		}
		if err := c.server.gw.Gate().Resolve(arg, cmd == "/approve"); err != nil {
			c.send(channel.NewCommandResult(name, map[string]any{"error": err.Error()}))
			return false
		}
		c.send(channel.NewCommandResult(name, map[string]any{"tool_call_id": arg}))

	default:
		c.send(channel.NewError("Unknown command: " + cmd))
	}
	return false
}

func (c *chatConn) commandRules() {
	state, err := c.server.sessions.LoadState(c.currentSession())
	if err != nil {
		c.send(channel.NewError("failed to load session: " + err.Error()))
		return
	}

	var data []map[string]any
	for _, rule := range c.server.ruleStore.Snapshot().All() {
		trigger := rule.Trigger
		if len(trigger) > 50 {
			trigger = trigger[:50] + "..."
		}
		data = append(data, map[string]any{
			"id":      rule.ID,
			"trigger": trigger,
			"mode":    string(rule.Mode),
			"status":  ruleStatus(rule, state),
		})
	}
	c.send(channel.NewCommandResult("rules", data))
}

// commandToggleRule disables or enables a rule for the session. Takes
// the session lock so a concurrent turn cannot clobber the change.
func (c *chatConn) commandToggleRule(action, ruleID string) {
	if ruleID == "" {
		c.send(channel.NewCommandResult(action, map[string]any{"error": fmt.Sprintf("Usage: /%s <rule-id>", action)}))
		return
	}
	if action == "disable" && !c.server.ruleStore.Snapshot().Has(ruleID) {
		c.send(channel.NewCommandResult(action, map[string]any{"error": "Unknown rule: " + ruleID}))
		return
	}

	h, err := c.server.sessions.Open(context.Background(), c.currentSession())
	if err != nil {
		c.send(channel.NewError("failed to open session: " + err.Error()))
		return
	}
	defer h.Close()

	var changed bool
	if action == "disable" {
		changed = h.State().Disable(ruleID)
	} else {
		changed = h.State().Enable(ruleID)
	}
	if changed {
		// The in-force set changed; cached effect answers are stale.
		h.Cache().InvalidateEffects()
		if err := h.SaveState(); err != nil {
			c.send(channel.NewError("failed to save session: " + err.Error()))
			return
		}
	}

	verb := "disabled"
	if action == "enable" {
		verb = "re-enabled"
	}
	c.send(channel.NewCommandResult(action, map[string]any{
		"rule_id": ruleID,
		"message": fmt.Sprintf("Rule '%s' %s", ruleID, verb),
	}))
}

func (c *chatConn) commandSession() {
	state, err := c.server.sessions.LoadState(c.currentSession())
	if err != nil {
		c.send(channel.NewError("failed to load session: " + err.Error()))
		return
	}
	c.send(channel.NewCommandResult("session", map[string]any{
		"session_id":           state.SessionID,
		"channel_type":         state.ChannelType,
		"activated_rules":      orEmpty(state.ActivatedRules),
		"disabled_rules":       orEmpty(state.DisabledRules),
		"approved_credentials": orEmpty(state.ApprovedCredentials),
	}))
}

// commandReset retires the current session and rebinds the connection
// to its replacement.
func (c *chatConn) commandReset() {
	state, err := c.server.sessions.Reset(c.currentSession())
	if err != nil {
		c.send(channel.NewError("failed to reset session: " + err.Error()))
		return
	}
	c.rebind(state.SessionID)
	c.send(channel.NewCommandResult("reset", map[string]any{
		"session_id": state.SessionID,
		"message":    "Session reset. Rule activations cleared.",
	}))
}
