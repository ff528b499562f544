// SPDX-FileCopyrightText: (c) 2024 The rcs-collector authors
// SPDX-License-Identifier: AGPL-3.0-only

package nc

import (
	"encoding/base64"
	"fmt"
	"strings"

	"gopkg.in/op/go-logging.v1"

	"github.com/azera85/rcs-collector/nc/commands"
	"github.com/azera85/rcs-collector/nc/registry"
)

// executor interprets a normalized batch of decrypted commands on behalf of
// the bound element. Responses are emitted in input order; unknown commands
// produce no response entry.
type executor struct {
	db           DB
	log          *logging.Logger
	forwardedFor string
}

func (e *executor) execute(element *registry.Element, cmds []*commands.Command) ([]*commands.Command, error) {
	responses := make([]*commands.Command, 0, len(cmds))
	for _, cmd := range cmds {
		var resp *commands.Command
		var err error
		switch cmd.Command {
		case commands.Status:
			resp, err = e.onStatus(element, cmd)
		case commands.Log:
			resp, err = e.onLog(element, cmd)
		case commands.ConfigRequest:
			resp, err = e.onConfigRequest(element, cmd)
		case commands.UpgradeRequest:
			resp, err = e.onUpgradeRequest(element, cmd)
		default:
			e.log.Debugf("[NC] discarding unknown command '%v' from %v", cmd.Command, element.Name)
			continue
		}
		if err != nil {
			return nil, err
		}
		responses = append(responses, resp)
	}
	return responses, nil
}

func (e *executor) onStatus(element *registry.Element, cmd *commands.Command) (*commands.Command, error) {
	var p commands.StatusParams
	if err := cmd.DecodeParams(&p); err != nil {
		return nil, fmt.Errorf("malformed STATUS params: %v", err)
	}

	address := element.Address
	if element.Kind == registry.Injector {
		address = e.forwardedFor
	}
	e.log.Infof("[NC] %v is %v (%v)", element.DisplayName(), p.Status, p.Msg)

	err := e.db.UpdateStatus(element.DisplayName(), address, p.Status, p.Msg,
		normalizeStats(p.Stats), element.KindTag(), p.Version)
	if err != nil {
		return nil, err
	}
	if element.Kind == registry.Anonymizer {
		err = e.db.UpdateCollectorVersion(element.ID, p.Version)
	} else {
		err = e.db.UpdateInjectorVersion(element.ID, p.Version)
	}
	if err != nil {
		return nil, err
	}

	return &commands.Command{
		Command: commands.Status,
		Result:  &commands.Result{Status: commands.StatusOK},
	}, nil
}

func (e *executor) onLog(element *registry.Element, cmd *commands.Command) (*commands.Command, error) {
	var p commands.LogParams
	if err := cmd.DecodeParams(&p); err != nil {
		return nil, fmt.Errorf("malformed LOG params: %v", err)
	}

	var err error
	if element.Kind == registry.Anonymizer {
		err = e.db.CollectorAddLog(element.ID, p.Time, p.Type, p.Desc)
	} else {
		err = e.db.InjectorAddLog(element.ID, p.Time, p.Type, p.Desc)
	}
	if err != nil {
		return nil, err
	}

	return &commands.Command{
		Command: commands.Log,
		Result:  &commands.Result{Status: commands.StatusOK},
	}, nil
}

func (e *executor) onConfigRequest(element *registry.Element, cmd *commands.Command) (*commands.Command, error) {
	content, err := e.db.InjectorConfig(element.ID)
	if err != nil {
		return nil, err
	}
	if len(content) == 0 {
		return &commands.Command{
			Command: commands.ConfigRequest,
			Result:  &commands.Result{Status: commands.StatusError, Msg: "No new config"},
		}, nil
	}

	e.log.Infof("[NC] sending new config to %v", element.DisplayName())
	return &commands.Command{
		Command: commands.ConfigRequest,
		Result: &commands.Result{
			Status: commands.StatusOK,
			Msg: &commands.BlobMsg{
				Type: "rules",
				Body: base64.StdEncoding.EncodeToString(content),
			},
		},
	}, nil
}

func (e *executor) onUpgradeRequest(element *registry.Element, cmd *commands.Command) (*commands.Command, error) {
	content, err := e.db.InjectorUpgrade(element.ID)
	if err != nil {
		return nil, err
	}
	if len(content) == 0 {
		return &commands.Command{
			Command: commands.UpgradeRequest,
			Result:  &commands.Result{Status: commands.StatusError, Msg: "No new upgrade"},
		}, nil
	}

	e.log.Infof("[NC] sending upgrade to %v", element.DisplayName())
	return &commands.Command{
		Command: commands.UpgradeRequest,
		Result: &commands.Result{
			Status: commands.StatusOK,
			Msg: &commands.BlobMsg{
				Body: base64.StdEncoding.EncodeToString(content),
			},
		},
	}, nil
}

// normalizeStats maps the string stat keys reported on the wire to the
// canonical lower-case form the upstream store expects. Values pass through.
func normalizeStats(stats map[string]interface{}) map[string]interface{} {
	if stats == nil {
		return nil
	}
	normalized := make(map[string]interface{}, len(stats))
	for k, v := range stats {
		normalized[strings.ToLower(k)] = v
	}
	return normalized
}
