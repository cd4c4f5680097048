// Package runtime executes state transitions as atomic units of work.
//
// Operations do not mutate anything outside their storage transaction
// directly. Instead they return Effects: fund transfers, escrow
// deployments, outbound packets and events. The executor applies
// transfers and deployments inside the same transaction, persists
// packets for post-commit delivery, and publishes events only after
// the unit commits.
package runtime

import (
	"encoding/json"
	"time"
)

// Attribute is a key/value pair attached to an event.
type Attribute struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Event describes a state change produced by a committed unit.
type Event struct {
	Type       string      `json:"type"`
	Attributes []Attribute `json:"attributes"`
}

// NewEvent builds an event from alternating key/value pairs.
func NewEvent(eventType string, kv ...string) Event {
	ev := Event{Type: eventType}
	for i := 0; i+1 < len(kv); i += 2 {
		ev.Attributes = append(ev.Attributes, Attribute{Key: kv[i], Value: kv[i+1]})
	}
	return ev
}

// Attr returns the value of the named attribute.
func (e Event) Attr(key string) (string, bool) {
	for _, a := range e.Attributes {
		if a.Key == key {
			return a.Value, true
		}
	}
	return "", false
}

// Transfer moves funds between ledger accounts. An empty From account
// credits the recipient without a matching debit, used for external
// deposits.
type Transfer struct {
	From   string `json:"from,omitempty"`
	To     string `json:"to"`
	Denom  string `json:"denom"`
	Amount uint64 `json:"amount"`
}

// Deploy requests instantiation of a new escrow instance. The token
// correlates the eventual reply with the request that issued it.
type Deploy struct {
	Token   string          `json:"token"`
	CodeID  uint64          `json:"code_id"`
	InitMsg json.RawMessage `json:"init_msg"`
	Label   string          `json:"label"`
}

// Packet is an outbound cross-chain packet. Timeout is the absolute
// deadline after which an unacknowledged packet is treated as lost.
type Packet struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channel_id"`
	DestChain string    `json:"dest_chain"`
	Data      []byte    `json:"data"`
	Timeout   time.Time `json:"timeout"`
}

// Effects collects the side effects of one operation.
type Effects struct {
	Transfers []Transfer
	Deploys   []Deploy
	Packets   []Packet
	Events    []Event
}

// Emit appends an event built from alternating key/value pairs.
func (e *Effects) Emit(eventType string, kv ...string) {
	e.Events = append(e.Events, NewEvent(eventType, kv...))
}

// AddTransfer appends a fund transfer.
func (e *Effects) AddTransfer(t Transfer) {
	e.Transfers = append(e.Transfers, t)
}

// AddDeploy appends a deployment request.
func (e *Effects) AddDeploy(d Deploy) {
	e.Deploys = append(e.Deploys, d)
}

// AddPacket appends an outbound packet.
func (e *Effects) AddPacket(p Packet) {
	e.Packets = append(e.Packets, p)
}

// Merge appends all effects from other.
func (e *Effects) Merge(other *Effects) {
	if other == nil {
		return
	}
	e.Transfers = append(e.Transfers, other.Transfers...)
	e.Deploys = append(e.Deploys, other.Deploys...)
	e.Packets = append(e.Packets, other.Packets...)
	e.Events = append(e.Events, other.Events...)
}
