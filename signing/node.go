package signing

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"slices"
	"sync"
	"time"

	"github.com/bnb-chain/tss-lib/v2/common"
	"github.com/bnb-chain/tss-lib/v2/ecdsa/keygen"
	tsssigning "github.com/bnb-chain/tss-lib/v2/ecdsa/signing"
	"github.com/bnb-chain/tss-lib/v2/tss"
	"github.com/ethereum/go-ethereum/crypto"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/ruteri/secretvault/cryptoutils"
	"github.com/ruteri/secretvault/interfaces"
	"github.com/ruteri/secretvault/metrics"
)

const (
	DefaultCeremonyTimeout = 2 * time.Minute
	endChannelSize         = 1
	digestLen              = 32
)

// SignerAPI is implemented by a local Node and by the HTTP client of a
// remote one.
type SignerAPI interface {
	DID() interfaces.DID
	Keygen(ctx context.Context, req KeygenRequest) (*interfaces.KeyInfo, error)
	Sign(ctx context.Context, req SignRequest) (*interfaces.Signature, error)
	Key(ctx context.Context, storeID string) (*interfaces.KeyInfo, error)
}

// KeygenRequest asks a node to join a key generation ceremony. Threshold is
// the tss threshold t: any t+1 of Parties can sign.
type KeygenRequest struct {
	Session   string           `json:"session"`
	StoreID   string           `json:"store_id"`
	Parties   []interfaces.DID `json:"parties"`
	Threshold int              `json:"threshold"`
}

func (r KeygenRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Session, validation.Required, is.UUID),
		validation.Field(&r.StoreID, validation.Required, is.UUID),
		validation.Field(&r.Parties, validation.Required, validation.Length(2, 0)),
		validation.Field(&r.Threshold, validation.Required, validation.Min(1), validation.Max(len(r.Parties)-1)),
	)
}

// SignRequest asks a node to join a signing ceremony over a 32 byte digest.
type SignRequest struct {
	Session string           `json:"session"`
	StoreID string           `json:"store_id"`
	Parties []interfaces.DID `json:"parties"`
	Digest  string           `json:"digest"`
}

func (r SignRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Session, validation.Required, is.UUID),
		validation.Field(&r.StoreID, validation.Required, is.UUID),
		validation.Field(&r.Parties, validation.Required, validation.Length(2, 0)),
		validation.Field(&r.Digest, validation.Required, is.Hexadecimal, validation.Length(2*digestLen, 2*digestLen)),
	)
}

type Config struct {
	// PreParams speed up key generation. Generated on first use when nil.
	PreParams       *keygen.LocalPreParams
	CeremonyTimeout time.Duration
	// Peers are the cluster members. Envelopes from anyone else are refused
	// and ceremonies may only involve them.
	Peers []interfaces.DID
}

// Node is one signer. It holds shares of threshold keys and joins
// ceremonies started by a Coordinator.
type Node struct {
	kp        *cryptoutils.Keypair
	cfg       Config
	router    *Router
	transport Transport
	shares    *ShareStore
	peers     map[interfaces.DID]struct{}
	log       *slog.Logger

	mu sync.Mutex // guards cfg.PreParams
}

func NewNode(kp *cryptoutils.Keypair, cfg Config, router *Router, transport Transport, shares *ShareStore, log *slog.Logger) *Node {
	if cfg.CeremonyTimeout <= 0 {
		cfg.CeremonyTimeout = DefaultCeremonyTimeout
	}
	peers := make(map[interfaces.DID]struct{}, len(cfg.Peers))
	for _, did := range cfg.Peers {
		peers[did] = struct{}{}
	}
	return &Node{
		kp:        kp,
		cfg:       cfg,
		router:    router,
		transport: transport,
		shares:    shares,
		peers:     peers,
		log:       log,
	}
}

func (n *Node) DID() interfaces.DID { return n.kp.DID() }

// Receive accepts an envelope from a peer.
func (n *Node) Receive(ctx context.Context, e *Envelope) error {
	if err := e.Verify(); err != nil {
		return fmt.Errorf("%w: %w", interfaces.ErrUnauthorized, err)
	}
	if !n.isPeer(e.From) {
		return fmt.Errorf("%w: %s is not a cluster peer", interfaces.ErrUnauthorized, e.From)
	}
	if len(e.To) > 0 && !slices.Contains(e.To, n.DID()) {
		return fmt.Errorf("%w: envelope is not addressed to this node", interfaces.ErrInvalidRequest)
	}
	return n.router.Deliver(ctx, e)
}

func (n *Node) isPeer(did interfaces.DID) bool {
	_, ok := n.peers[did]
	return ok
}

func (n *Node) Key(ctx context.Context, storeID string) (*interfaces.KeyInfo, error) {
	info, _, err := n.shares.Load(ctx, storeID)
	return info, err
}

func (n *Node) preParams() (*keygen.LocalPreParams, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.cfg.PreParams != nil {
		return n.cfg.PreParams, nil
	}
	n.log.Info("generating keygen pre-parameters")
	pp, err := GeneratePreParams(n.cfg.CeremonyTimeout)
	if err != nil {
		return nil, err
	}
	n.cfg.PreParams = pp
	return pp, nil
}

func (n *Node) newCeremony(session, kind string, signers []interfaces.DID) (*ceremony, error) {
	for _, did := range signers {
		if !n.isPeer(did) {
			return nil, fmt.Errorf("%w: %s is not a cluster peer", interfaces.ErrInvalidRequest, did)
		}
	}
	ps, err := newPartySet(signers)
	if err != nil {
		return nil, err
	}
	self, ok := ps.byDID[n.DID()]
	if !ok {
		return nil, fmt.Errorf("%w: node %s is not a party", interfaces.ErrInvalidRequest, n.DID())
	}
	return &ceremony{
		node:    n,
		session: session,
		kind:    kind,
		parties: ps,
		self:    self,
		out:     make(chan tss.Message, outChannelSize),
	}, nil
}

// Keygen runs a key generation ceremony and persists this node's share.
func (n *Node) Keygen(ctx context.Context, req KeygenRequest) (_ *interfaces.KeyInfo, err error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", interfaces.ErrInvalidRequest, err)
	}
	if _, err := n.Key(ctx, req.StoreID); err == nil {
		return nil, fmt.Errorf("%w: key %s", interfaces.ErrDuplicate, req.StoreID)
	} else if !errors.Is(err, interfaces.ErrNotFound) {
		return nil, err
	}

	c, err := n.newCeremony(req.Session, KindKeygen, req.Parties)
	if err != nil {
		return nil, err
	}
	pp, err := n.preParams()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() { metrics.Ceremony(KindKeygen, start, err) }()

	inbox, err := n.router.Open(req.Session)
	if err != nil {
		return nil, err
	}
	defer n.router.Close(req.Session)

	ctx, cancel := context.WithTimeout(ctx, n.cfg.CeremonyTimeout)
	defer cancel()

	params := tss.NewParameters(tss.S256(), tss.NewPeerContext(c.parties.sorted), c.self, len(c.parties.sorted), req.Threshold)
	end := make(chan *keygen.LocalPartySaveData, endChannelSize)
	c.party = keygen.NewLocalParty(params, c.out, end, *pp)

	n.log.Info("keygen started", slog.String("session", req.Session), slog.String("store_id", req.StoreID))
	save, err := await(ctx, c, inbox, end)
	if err != nil {
		return nil, err
	}

	pub := ecdsa.PublicKey{Curve: crypto.S256(), X: save.ECDSAPub.X(), Y: save.ECDSAPub.Y()}
	parties := make([]string, 0, len(c.parties.sorted))
	for _, pid := range c.parties.sorted {
		parties = append(parties, pid.Id)
	}
	info := interfaces.KeyInfo{
		StoreID:   req.StoreID,
		PublicKey: hex.EncodeToString(crypto.CompressPubkey(&pub)),
		Threshold: req.Threshold,
		Parties:   parties,
		Created:   time.Now().UTC(),
	}
	if err := n.shares.Save(ctx, info, save); err != nil {
		return nil, err
	}
	n.log.Info("keygen finished", slog.String("store_id", req.StoreID), slog.String("public_key", info.PublicKey))
	return &info, nil
}

// Sign runs a signing ceremony among req.Parties, which must be at least
// threshold+1 holders of the key.
func (n *Node) Sign(ctx context.Context, req SignRequest) (_ *interfaces.Signature, err error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", interfaces.ErrInvalidRequest, err)
	}
	digest, _ := hex.DecodeString(req.Digest)

	info, share, err := n.shares.Load(ctx, req.StoreID)
	if err != nil {
		return nil, err
	}
	if len(req.Parties) < info.Threshold+1 {
		return nil, fmt.Errorf("%w: %d signers given, %d required", interfaces.ErrInvalidRequest, len(req.Parties), info.Threshold+1)
	}
	for _, did := range req.Parties {
		if !slices.Contains(info.Parties, string(did)) {
			return nil, fmt.Errorf("%w: %s holds no share of key %s", interfaces.ErrInvalidRequest, did, req.StoreID)
		}
	}

	c, err := n.newCeremony(req.Session, KindSign, req.Parties)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() { metrics.Ceremony(KindSign, start, err) }()

	inbox, err := n.router.Open(req.Session)
	if err != nil {
		return nil, err
	}
	defer n.router.Close(req.Session)

	ctx, cancel := context.WithTimeout(ctx, n.cfg.CeremonyTimeout)
	defer cancel()

	params := tss.NewParameters(tss.S256(), tss.NewPeerContext(c.parties.sorted), c.self, len(c.parties.sorted), info.Threshold)
	subset := keygen.BuildLocalSaveDataSubset(*share, c.parties.sorted)
	end := make(chan *common.SignatureData, endChannelSize)
	c.party = tsssigning.NewLocalParty(new(big.Int).SetBytes(digest), params, subset, c.out, end, digestLen)

	n.log.Info("signing started", slog.String("session", req.Session), slog.String("store_id", req.StoreID))
	data, err := await(ctx, c, inbox, end)
	if err != nil {
		return nil, err
	}

	sig, err := recoverable(info.PublicKey, digest, data.R, data.S)
	if err != nil {
		return nil, err
	}
	n.log.Info("signing finished", slog.String("session", req.Session))
	return sig, nil
}
