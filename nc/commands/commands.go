// SPDX-FileCopyrightText: (c) 2024 The rcs-collector authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package commands implements the network element command catalogue.
package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// The verbatim command names understood by network elements. They are fixed
// by the deployed peers and must not change.
const (
	Status         = "STATUS"
	Log            = "LOG"
	ConfigRequest  = "CONFIG_REQUEST"
	UpgradeRequest = "UPGRADE_REQUEST"
	Config         = "CONFIG"
	Upgrade        = "UPGRADE"
	Check          = "CHECK"
	Forward        = "FORWARD"
)

// Result status strings.
const (
	StatusOK    = "OK"
	StatusError = "ERROR"
)

// Command is the wire form of a single command or command response. Params
// is kept raw so each tag can decode into its own parameter struct.
type Command struct {
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params,omitempty"`
	Body    string          `json:"body,omitempty"`
	Result  *Result         `json:"result,omitempty"`
}

// Result is the outcome of an executed command.
type Result struct {
	Status string      `json:"status"`
	Msg    interface{} `json:"msg,omitempty"`
}

// StatusParams are the parameters of a STATUS command.
type StatusParams struct {
	Status  string                 `json:"status"`
	Stats   map[string]interface{} `json:"stats"`
	Msg     string                 `json:"msg"`
	Version string                 `json:"version"`
}

// LogParams are the parameters of a LOG command.
type LogParams struct {
	Time int64  `json:"time"`
	Type string `json:"type"`
	Desc string `json:"desc"`
}

// ForwardParams are the parameters of a FORWARD command. Address is the
// "host:port" of the next hop's target, Cookie the target's "ID=<token>"
// session cookie.
type ForwardParams struct {
	Address string `json:"address"`
	Cookie  string `json:"cookie"`
}

// BlobMsg is the result payload carrying a config or upgrade binary.
type BlobMsg struct {
	Type string `json:"type,omitempty"`
	Body string `json:"body"`
}

// MustParams serializes v as a raw params object. It panics on a
// non-serializable v, which only happens on programming errors.
func MustParams(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("commands: failed to marshal params: %v", err))
	}
	return json.RawMessage(b)
}

// DecodeParams decodes a command's raw params into the tag's parameter
// struct.
func (c *Command) DecodeParams(v interface{}) error {
	if len(c.Params) == 0 {
		return nil
	}
	return json.Unmarshal(c.Params, v)
}

// Normalize parses a decrypted payload that is either a single command
// object or an array of them, and returns it as a slice.
func Normalize(raw json.RawMessage) ([]*Command, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("commands: empty payload")
	}
	if trimmed[0] == '[' {
		var cmds []*Command
		if err := json.Unmarshal(trimmed, &cmds); err != nil {
			return nil, err
		}
		return cmds, nil
	}
	cmd := new(Command)
	if err := json.Unmarshal(trimmed, cmd); err != nil {
		return nil, err
	}
	return []*Command{cmd}, nil
}
