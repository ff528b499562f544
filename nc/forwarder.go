// SPDX-FileCopyrightText: (c) 2024 The rcs-collector authors
// SPDX-License-Identifier: AGPL-3.0-only

package nc

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/azera85/rcs-collector/nc/commands"
	"github.com/azera85/rcs-collector/nc/envelope"
	"github.com/azera85/rcs-collector/nc/registry"
)

var commandsForwarded = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "rcs_nc_commands_forwarded_total",
		Help: "Number of outbound commands routed through the forwarding chain.",
	},
)

func init() {
	prometheus.MustRegister(commandsForwarded)
}

// pushRequest is the plaintext body of a DB-originated PUSH.
type pushRequest struct {
	Anon    string `json:"anon"`
	Command string `json:"command"`
	Body    string `json:"body,omitempty"`
}

// forwarder encapsulates outbound commands through the anonymizer chain and
// performs the HTTP round-trip to the first hop.
type forwarder struct {
	c      *Controller
	client *http.Client
}

func newForwarder(c *Controller, timeout time.Duration) *forwarder {
	return &forwarder{
		c: c,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				ResponseHeaderTimeout: timeout,
			},
		},
	}
}

// push routes one DB-originated command to its receiver and returns the
// HTTP status and plaintext body for the DB caller. All failures are local
// and non-fatal; there is no retry at this layer.
func (f *forwarder) push(raw []byte) (int, string) {
	var req pushRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return http.StatusInternalServerError, fmt.Sprintf("Malformed push request: %v", err)
	}

	receiver, err := f.c.reg.FindByID(req.Anon)
	if err != nil {
		return http.StatusInternalServerError, err.Error()
	}

	var inner *commands.Command
	switch req.Command {
	case "config":
		inner = &commands.Command{Command: commands.Config, Params: commands.MustParams(struct{}{}), Body: req.Body}
	case "upgrade":
		inner = &commands.Command{Command: commands.Upgrade, Params: commands.MustParams(struct{}{}), Body: req.Body}
	case "check":
		inner = &commands.Command{Command: commands.Check, Params: commands.MustParams(struct{}{})}
	default:
		return http.StatusInternalServerError, fmt.Sprintf("Unknown push command '%v'", req.Command)
	}

	msg, err := envelope.Seal(receiver.Key, inner)
	if err != nil {
		return http.StatusInternalServerError, err.Error()
	}

	// Onion encapsulation: wrap the message in one FORWARD layer per
	// upstream hop, last hop first, until either the chain has been fully
	// consumed or only the local node remains. Each hop learns only the
	// next hop's endpoint and an opaque payload.
	chain := f.c.reg.ForwardingChain(receiver)
	for len(chain) > 1 {
		hop := chain[len(chain)-1]
		chain = chain[:len(chain)-1]

		forward := &commands.Command{
			Command: commands.Forward,
			Params: commands.MustParams(&commands.ForwardParams{
				Address: net.JoinHostPort(receiver.Address, strconv.Itoa(receiver.Port)),
				Cookie:  "ID=" + receiver.Cookie,
			}),
			Body: msg,
		}
		msg, err = envelope.Seal(hop.Key, forward)
		if err != nil {
			return http.StatusInternalServerError, err.Error()
		}
		receiver = hop
	}

	f.c.log.Infof("[NC] sending %v to %v", req.Command, receiver.DisplayName())

	reply, element, err := f.roundTrip(receiver, msg)
	if err != nil {
		f.c.log.Errorf("[NC] %v", err)
		return http.StatusInternalServerError, err.Error()
	}
	commandsForwarded.Inc()

	// A STATUS reply piggybacks a monitor update: run it through the
	// executor before synthesizing the uniform result shape. This lets a
	// peer mutate status records via a reply to a CHECK; the behavior is
	// kept as the peers rely on it for monitoring.
	if reply.Command == commands.Status {
		ex := &executor{db: f.c.db, log: f.c.log}
		if _, execErr := ex.execute(element, []*commands.Command{reply}); execErr != nil {
			f.c.log.Errorf("[NC] piggybacked status from %v failed: %v", element.Name, execErr)
		}
		var p commands.StatusParams
		if err := reply.DecodeParams(&p); err == nil {
			reply.Result = &commands.Result{Status: p.Status}
		}
	}

	if reply.Result == nil {
		return http.StatusInternalServerError, fmt.Sprintf("Malformed reply from %v", receiver.Name)
	}
	return http.StatusOK, reply.Result.Status
}

// roundTrip POSTs the sealed message to the first hop and opens the reply
// under the key of the element named by the response cookie, returning both
// the reply and that element.
func (f *forwarder) roundTrip(hop *registry.Element, msg string) (*commands.Command, *registry.Element, error) {
	url := fmt.Sprintf("http://%v/", net.JoinHostPort(hop.Address, strconv.Itoa(hop.Port)))
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(msg))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Cookie", "ID="+hop.Cookie)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("Cannot communicate with %v: %v", hop.Name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("Cannot communicate with %v: %v", hop.Name, err)
	}

	setCookie := resp.Header.Get("Set-Cookie")
	if setCookie == "" {
		return nil, nil, fmt.Errorf("Invalid response cookie from %v", hop.Name)
	}
	element, err := f.c.reg.BindByCookie(setCookie)
	if err != nil {
		return nil, nil, fmt.Errorf("Invalid response cookie from %v", hop.Name)
	}

	var raw json.RawMessage
	if err := envelope.Open(element.Key, string(body), &raw); err != nil {
		return nil, nil, fmt.Errorf("Cannot decrypt reply from %v: %v", hop.Name, err)
	}
	replies, err := commands.Normalize(raw)
	if err != nil || len(replies) == 0 {
		return nil, nil, fmt.Errorf("Malformed reply from %v", hop.Name)
	}
	return replies[0], element, nil
}
