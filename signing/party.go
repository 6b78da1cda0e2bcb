package signing

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/bnb-chain/tss-lib/v2/tss"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/secretvault/cryptoutils"
	"github.com/ruteri/secretvault/interfaces"
)

const outChannelSize = 1000

// partySet maps signer DIDs to sorted tss party ids. The party key is the
// compressed public key of the signer.
type partySet struct {
	sorted tss.SortedPartyIDs
	byDID  map[interfaces.DID]*tss.PartyID
}

func newPartySet(signers []interfaces.DID) (*partySet, error) {
	ids := make(tss.UnSortedPartyIDs, 0, len(signers))
	byDID := make(map[interfaces.DID]*tss.PartyID, len(signers))
	for _, did := range signers {
		if _, dup := byDID[did]; dup {
			return nil, fmt.Errorf("%w: duplicate party %s", interfaces.ErrInvalidRequest, did)
		}
		pub, err := cryptoutils.PublicKeyFromDID(did)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", interfaces.ErrInvalidRequest, err)
		}
		key := new(big.Int).SetBytes(crypto.CompressPubkey(pub))
		pid := tss.NewPartyID(string(did), string(did), key)
		ids = append(ids, pid)
		byDID[did] = pid
	}
	return &partySet{sorted: tss.SortPartyIDs(ids), byDID: byDID}, nil
}

// ceremony is one running tss party and the peers it talks to.
type ceremony struct {
	node    *Node
	session string
	kind    string
	parties *partySet
	self    *tss.PartyID
	party   tss.Party
	out     chan tss.Message
}

// await starts the party and exchanges messages until it writes its result
// to end, fails or ctx ends.
func await[T any](ctx context.Context, c *ceremony, inbox <-chan *Envelope, end <-chan T) (T, error) {
	var zero T
	if err := c.party.Start(); err != nil {
		return zero, fmt.Errorf("%s party failed to start: %w", c.kind, err)
	}

	for {
		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("%s ceremony %s aborted: %w", c.kind, c.session, ctx.Err())
		case result := <-end:
			// Peers may still wait for our last round.
			if err := c.flush(ctx); err != nil {
				return zero, err
			}
			return result, nil
		case msg := <-c.out:
			if err := c.send(ctx, msg); err != nil {
				return zero, err
			}
		case e := <-inbox:
			if err := c.receive(e); err != nil {
				return zero, err
			}
		}
	}
}

func (c *ceremony) flush(ctx context.Context) error {
	for {
		select {
		case msg := <-c.out:
			if err := c.send(ctx, msg); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (c *ceremony) send(ctx context.Context, msg tss.Message) error {
	payload, routing, err := msg.WireBytes()
	if err != nil {
		return fmt.Errorf("failed to encode %s message: %w", c.kind, err)
	}

	to := routing.To
	if len(to) == 0 {
		to = c.parties.sorted
	}

	env := &Envelope{
		Session:   c.session,
		Kind:      c.kind,
		Broadcast: routing.IsBroadcast,
		Payload:   payload,
	}
	for _, pid := range to {
		if pid.Id == c.self.Id {
			continue
		}
		env.To = []interfaces.DID{interfaces.DID(pid.Id)}
		if err := env.Sign(c.node.kp); err != nil {
			return err
		}
		if err := c.node.transport.Send(ctx, interfaces.DID(pid.Id), env); err != nil {
			return fmt.Errorf("failed to send %s message to %s: %w", c.kind, pid.Id, err)
		}
	}
	return nil
}

func (c *ceremony) receive(e *Envelope) error {
	from, ok := c.parties.byDID[e.From]
	if !ok || e.From == c.node.DID() {
		c.node.log.Warn("ignoring message from outside the ceremony", slog.String("session", c.session), slog.String("from", string(e.From)))
		return nil
	}
	if e.Kind != c.kind {
		c.node.log.Warn("ignoring message of another ceremony kind", slog.String("session", c.session), slog.String("kind", e.Kind))
		return nil
	}
	if _, err := c.party.UpdateFromBytes(e.Payload, from, e.Broadcast); err != nil {
		return fmt.Errorf("%s ceremony %s: message from %s rejected: %w", c.kind, c.session, e.From, err)
	}
	return nil
}
