/*
Copyright 2025 The Dapr Authors
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at
    http://www.apache.org/licenses/LICENSE-2.0
Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package transaction

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Xid is the global transaction identifier shared by a root transaction and
// every branch it creates on provider services.
type Xid string

// NewXid mints a new globally unique transaction id.
func NewXid() (Xid, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return Xid(id.String()), nil
}

func (x Xid) String() string {
	return string(x)
}

// Status is the durable state of a stored transaction record.
type Status string

const (
	StatusTrying     Status = "TRYING"
	StatusConfirming Status = "CONFIRMING"
	StatusCancelling Status = "CANCELLING"
)

// Phase is the TCC step a propagated call executes. Its values mirror Status.
type Phase string

const (
	PhaseTrying     Phase = "TRYING"
	PhaseConfirming Phase = "CONFIRMING"
	PhaseCancelling Phase = "CANCELLING"
)

// ParsePhase validates a phase received from the wire.
func ParsePhase(s string) (Phase, error) {
	switch p := Phase(s); p {
	case PhaseTrying, PhaseConfirming, PhaseCancelling:
		return p, nil
	default:
		return "", fmt.Errorf("unknown transaction phase: %q", s)
	}
}

// Type tells whether a record owns the outcome decision (root) or only
// correlates a provider-side try with its later confirm or cancel (branch).
type Type string

const (
	TypeRoot   Type = "ROOT"
	TypeBranch Type = "BRANCH"
)

// Participant holds everything needed to invoke a branch's confirm or cancel
// step without the original call stack.
type Participant struct {
	// Target identifies the invoker that serves this participant.
	Target        string            `json:"target" msgpack:"target"`
	ConfirmMethod string            `json:"confirmMethod" msgpack:"confirmMethod"`
	CancelMethod  string            `json:"cancelMethod" msgpack:"cancelMethod"`
	Args          []byte            `json:"args,omitempty" msgpack:"args,omitempty"`
	ContentType   string            `json:"contentType,omitempty" msgpack:"contentType,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty" msgpack:"metadata,omitempty"`
}

// Method returns the method to call for the given completion phase.
func (p *Participant) Method(phase Phase) string {
	if phase == PhaseConfirming {
		return p.ConfirmMethod
	}
	return p.CancelMethod
}

// Transaction is the persisted transaction record.
type Transaction struct {
	Xid          Xid           `json:"xid" msgpack:"xid"`
	Type         Type          `json:"type" msgpack:"type"`
	Status       Status        `json:"status" msgpack:"status"`
	Identity     string        `json:"identity,omitempty" msgpack:"identity,omitempty"`
	Participants []Participant `json:"participants,omitempty" msgpack:"participants,omitempty"`
	Version      int64         `json:"version" msgpack:"version"`
	CreatedAt    time.Time     `json:"createdAt" msgpack:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt" msgpack:"updatedAt"`
	RetriedCount int           `json:"retriedCount" msgpack:"retriedCount"`

	// completed is set once every participant acknowledged the outcome
	// on the caller's goroutine. It is never persisted.
	completed bool
}

// NewRoot creates a root transaction record in TRYING.
func NewRoot(xid Xid, identity string) *Transaction {
	return &Transaction{
		Xid:      xid,
		Type:     TypeRoot,
		Status:   StatusTrying,
		Identity: identity,
	}
}

// NewBranch creates the branch record a provider stores for a propagated try.
func NewBranch(tc Context) *Transaction {
	return &Transaction{
		Xid:    tc.Xid,
		Type:   TypeBranch,
		Status: StatusTrying,
	}
}

// ChangeStatus moves the record to status.
// Leaving TRYING is one-directional and the two completion states exclude
// each other; re-asserting the current status is allowed so that completions
// can be retried.
func (t *Transaction) ChangeStatus(status Status) error {
	if t.Status == status {
		return nil
	}
	if t.Status != StatusTrying || status == StatusTrying {
		return fmt.Errorf("%w: %s -> %s for transaction %s", ErrIllegalStatusTransition, t.Status, status, t.Xid)
	}
	t.Status = status
	return nil
}

// Enlist appends a participant, keeping registration order.
func (t *Transaction) Enlist(p Participant) {
	t.Participants = append(t.Participants, p)
}

// Context returns the propagation context for calls made on behalf of t.
func (t *Transaction) Context() Context {
	return Context{Xid: t.Xid, Phase: Phase(t.Status)}
}

// MarkCompleted records that every participant acknowledged the outcome.
func (t *Transaction) MarkCompleted() {
	t.completed = true
}

// Completed reports whether MarkCompleted was called.
func (t *Transaction) Completed() bool {
	return t.completed
}

// Clone returns a deep copy of the record. The completion flag is not copied.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	c := *t
	c.completed = false
	if t.Participants != nil {
		c.Participants = make([]Participant, len(t.Participants))
		for i, p := range t.Participants {
			c.Participants[i] = p
			c.Participants[i].Args = slices.Clone(p.Args)
			if p.Metadata != nil {
				md := make(map[string]string, len(p.Metadata))
				for k, v := range p.Metadata {
					md[k] = v
				}
				c.Participants[i].Metadata = md
			}
		}
	}
	return &c
}
