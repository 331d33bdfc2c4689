// Package identity supplies the current participant and a signer for
// outgoing events. Key management and real signatures live outside podium;
// Local is the stand-in used by the CLI and tests.
package identity

import (
	"context"
	"errors"

	"github.com/daviddao/podium/pkg/clock"
	"github.com/daviddao/podium/pkg/eventlog"
)

// Signer finalizes events for publishing.
type Signer interface {
	// PubKey returns the author identifier stamped on signed events.
	PubKey() string
	// Sign fills in author, creation time (if unset), id and signature.
	Sign(ctx context.Context, e eventlog.Event) (eventlog.Event, error)
}

// Provider resolves who is acting.
type Provider interface {
	Signer() (Signer, bool)
	CurrentParticipant() (string, bool)
}

// Local is a Provider for a fixed participant. It stamps the canonical
// event id and leaves the signature empty. The zero value has no identity.
type Local struct {
	Participant string
	Clock       clock.Clock
}

var (
	_ Provider = Local{}
	_ Signer   = localSigner{}
)

// NewLocal returns a Local provider for participant.
func NewLocal(participant string) Local {
	return Local{Participant: participant, Clock: clock.System{}}
}

// Signer implements Provider.
func (l Local) Signer() (Signer, bool) {
	if l.Participant == "" {
		return nil, false
	}
	clk := l.Clock
	if clk == nil {
		clk = clock.System{}
	}
	return localSigner{pubkey: l.Participant, clock: clk}, true
}

// CurrentParticipant implements Provider.
func (l Local) CurrentParticipant() (string, bool) {
	return l.Participant, l.Participant != ""
}

type localSigner struct {
	pubkey string
	clock  clock.Clock
}

func (s localSigner) PubKey() string { return s.pubkey }

func (s localSigner) Sign(_ context.Context, e eventlog.Event) (eventlog.Event, error) {
	if e.PubKey != "" && e.PubKey != s.pubkey {
		return eventlog.Event{}, errors.New("identity: event authored by another participant")
	}
	e.PubKey = s.pubkey
	if e.CreatedAt == 0 {
		e.CreatedAt = s.clock.Now().Unix()
	}
	if e.Tags == nil {
		e.Tags = [][]string{}
	}
	e.ID = eventlog.ComputeID(e)
	e.Sig = ""
	return e, nil
}
