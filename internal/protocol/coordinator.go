// Package protocol runs request/response exchanges between agents: it gates
// them on capability and trust, seals and opens envelopes, tracks each
// exchange through its status lifecycle and reports what happened on the
// event bus.
package protocol

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/agentlink/internal/capability"
	"github.com/eldtechnologies/agentlink/internal/crypto"
	"github.com/eldtechnologies/agentlink/internal/errs"
	"github.com/eldtechnologies/agentlink/internal/events"
	"github.com/eldtechnologies/agentlink/internal/metrics"
	"github.com/eldtechnologies/agentlink/internal/models"
	"github.com/eldtechnologies/agentlink/internal/ratelimit"
	"github.com/eldtechnologies/agentlink/internal/store"
	"github.com/eldtechnologies/agentlink/internal/trust"
)

// DefaultVersion is the protocol version spoken when none is configured.
const DefaultVersion = "1.0"

// ReasonTimeout is the terminal reason recorded for expired protocols.
const ReasonTimeout = "timeout"

// expiryBudget bounds the store work done when a timer fires.
const expiryBudget = 10 * time.Second

// Transport delivers a sealed envelope to its recipient.
type Transport interface {
	Send(ctx context.Context, d *models.Delivery) error
}

// Options tunes a single Initiate call.
type Options struct {
	RequiredCapabilities []string
	MinimumTrustScore    *float64
	Timeout              time.Duration
}

// Config wires a Coordinator to its collaborators.
type Config struct {
	Directory    store.Directory
	Store        store.ProtocolStore
	Keys         *crypto.Keyring
	Capabilities *capability.Registry
	Trust        *trust.Registry
	Bus          *events.Bus
	Limiter      ratelimit.Limiter // nil means unlimited
	Transport    Transport
	Version      string
	Logger       zerolog.Logger

	// DefaultTimeout applies when Options.Timeout is zero. Zero means no
	// timeout.
	DefaultTimeout time.Duration
}

// Coordinator owns the protocol lifecycle for the agents hosted on this node.
type Coordinator struct {
	dir       store.Directory
	store     store.ProtocolStore
	keys      *crypto.Keyring
	caps      *capability.Registry
	trust     *trust.Registry
	bus       *events.Bus
	limiter   ratelimit.Limiter
	transport Transport
	version   string
	timeout   time.Duration
	logger    zerolog.Logger

	locks *keyedMutex

	timersMu sync.Mutex
	timers   map[string]*time.Timer
	closed   bool

	unsubscribe func()
}

// NewCoordinator validates cfg and subscribes to trust updates.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	switch {
	case cfg.Directory == nil:
		return nil, errors.New("protocol: directory is required")
	case cfg.Store == nil:
		return nil, errors.New("protocol: store is required")
	case cfg.Keys == nil:
		return nil, errors.New("protocol: keyring is required")
	case cfg.Capabilities == nil:
		return nil, errors.New("protocol: capability registry is required")
	case cfg.Trust == nil:
		return nil, errors.New("protocol: trust registry is required")
	case cfg.Bus == nil:
		return nil, errors.New("protocol: event bus is required")
	case cfg.Transport == nil:
		return nil, errors.New("protocol: transport is required")
	}

	c := &Coordinator{
		dir:       cfg.Directory,
		store:     cfg.Store,
		keys:      cfg.Keys,
		caps:      cfg.Capabilities,
		trust:     cfg.Trust,
		bus:       cfg.Bus,
		limiter:   cfg.Limiter,
		transport: cfg.Transport,
		version:   cfg.Version,
		timeout:   cfg.DefaultTimeout,
		logger:    cfg.Logger.With().Str("component", "protocol").Logger(),
		locks:     newKeyedMutex(),
		timers:    make(map[string]*time.Timer),
	}
	if c.limiter == nil {
		c.limiter = ratelimit.Unlimited{}
	}
	if c.version == "" {
		c.version = DefaultVersion
	}

	unsub, err := c.bus.Subscribe(events.TopicTrustUpdate, c.onTrustUpdate)
	if err != nil {
		return nil, fmt.Errorf("subscribe to trust updates: %w", err)
	}
	c.unsubscribe = unsub

	return c, nil
}

// Version returns the protocol version this coordinator speaks.
func (c *Coordinator) Version() string {
	return c.version
}

// Close stops pending timeouts and detaches from the bus.
func (c *Coordinator) Close() {
	c.timersMu.Lock()
	c.closed = true
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
	c.timersMu.Unlock()

	if c.unsubscribe != nil {
		c.unsubscribe()
	}
}

// Initiate opens a protocol from sender to receiver. Every precondition is
// checked before anything is stored; the rate limiter goes first.
func (c *Coordinator) Initiate(ctx context.Context, senderID, receiverID, action string, payload json.RawMessage, opts Options) (*models.Protocol, error) {
	if err := c.limiter.CheckLimit(ctx, senderID); err != nil {
		return nil, c.rejected(err)
	}
	if action == "" {
		return nil, c.rejected(errs.Validation("action is required"))
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return nil, c.rejected(errs.Validation("payload must be valid JSON"))
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = c.timeout
	}

	ok, err := c.dir.Exists(ctx, senderID)
	if err != nil {
		return nil, fmt.Errorf("lookup sender: %w", err)
	}
	if !ok {
		return nil, c.rejected(errs.NotFound("agent %s not found", senderID))
	}
	receiver, err := c.resolve(ctx, receiverID)
	if err != nil {
		return nil, c.rejected(err)
	}
	keys, ok := c.keys.For(senderID)
	if !ok {
		return nil, c.rejected(errs.Authorization("agent %s is not hosted here", senderID))
	}
	recipientKey, err := crypto.ValidatePublicKey(receiver.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("receiver key: %w", err)
	}

	if len(opts.RequiredCapabilities) > 0 {
		missing, err := c.caps.Missing(ctx, receiverID, opts.RequiredCapabilities)
		if err != nil {
			return nil, fmt.Errorf("lookup capabilities: %w", err)
		}
		if len(missing) > 0 {
			return nil, c.rejected(errs.MissingCapabilities(missing))
		}
	}

	score, err := c.trust.Score(ctx, receiverID)
	if err != nil {
		return nil, fmt.Errorf("lookup trust: %w", err)
	}
	if opts.MinimumTrustScore != nil && score < *opts.MinimumTrustScore {
		return nil, c.rejected(errs.InsufficientTrust(*opts.MinimumTrustScore, score))
	}

	held, err := c.caps.CapabilitiesOf(ctx, receiverID)
	if err != nil {
		return nil, fmt.Errorf("lookup capabilities: %w", err)
	}

	now := time.Now()
	msg := models.NewProtocolMessage(models.MessageRequest, action, payload, models.MessageMetadata{
		ID:              crypto.NewMessageID(),
		Sender:          senderID,
		Receiver:        receiverID,
		Timestamp:       now.UnixMilli(),
		ProtocolVersion: c.version,
		Capabilities:    held.Sorted(),
		TrustScore:      score,
	})

	env, err := seal(keys, msg, recipientKey)
	if err != nil {
		return nil, err
	}

	p := &models.Protocol{
		ID:          crypto.NewUUIDv7().String(),
		SenderID:    senderID,
		ReceiverID:  receiverID,
		Action:      action,
		Status:      models.StatusSent,
		CreatedAt:   now,
		UpdatedAt:   now,
		LastMessage: msg.Meta(),
	}
	if timeout > 0 {
		p.Deadline = now.Add(timeout)
	}
	if err := c.store.SaveProtocol(ctx, p); err != nil {
		return nil, fmt.Errorf("save protocol: %w", err)
	}

	log := c.logger.With().Str("protocol_id", p.ID).Logger()

	if err := c.transport.Send(ctx, newDelivery(p.ID, msg, env)); err != nil {
		err = fmt.Errorf("send request: %w", err)
		c.onError(ctx, p.ID, senderID, err, msg, nil)
		return nil, err
	}
	metrics.ProtocolsInitiated.Inc()

	c.bus.Publish(ctx, events.Event{
		Topic:      events.TopicProtocolRequest,
		ProtocolID: p.ID,
		AgentID:    senderID,
		Status:     models.StatusSent,
		Message:    msg,
	})

	if err := c.trust.RecordInteraction(ctx, senderID, receiverID, trust.KindRequest); err != nil {
		log.Warn().Err(err).Msg("failed to record request interaction")
	}

	if timeout > 0 {
		c.arm(p.ID, timeout)
	}

	log.Info().
		Str("sender", senderID).
		Str("receiver", receiverID).
		Str("action", action).
		Msg("protocol initiated")

	return p, nil
}

// respondResult carries what Respond decided under the protocol lock so
// trust and events can be handled after it is released.
type respondResult struct {
	protocol *models.Protocol
	msg      *models.ProtocolMessage
	status   models.Status
	reason   string
	sendErr  error
}

// Respond answers protocolID on behalf of its receiver. accept and reject
// complete the protocol; error moves it to errored.
func (c *Coordinator) Respond(ctx context.Context, protocolID, responderID string, payload json.RawMessage, outcome models.Outcome) error {
	if !outcome.Valid() {
		return c.rejected(errs.Validation("invalid outcome %q", outcome))
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return c.rejected(errs.Validation("payload must be valid JSON"))
	}

	res, err := c.respond(ctx, protocolID, responderID, payload, outcome)
	if err != nil {
		return c.rejected(err)
	}

	if res.sendErr != nil {
		c.report(ctx, protocolID, responderID, res.status, res.sendErr, res.msg, nil)
		return res.sendErr
	}

	p := res.protocol
	if outcome == models.OutcomeError {
		err = c.trust.RecordInteraction(ctx, responderID, p.SenderID, trust.KindError)
	} else {
		err = c.trust.RecordInteraction(ctx, p.SenderID, responderID, trust.KindResponse)
	}
	if err != nil {
		c.logger.Warn().Err(err).Str("protocol_id", p.ID).Msg("failed to record response interaction")
	}

	score, err := c.trust.Score(ctx, responderID)
	if err != nil {
		c.logger.Warn().Err(err).Str("agent", responderID).Msg("failed to read trust score")
	}

	metrics.ProtocolsFinished.WithLabelValues(string(res.status), res.reason).Inc()
	c.bus.Publish(ctx, events.Event{
		Topic:      events.TopicProtocolResponse,
		ProtocolID: p.ID,
		AgentID:    responderID,
		Status:     res.status,
		TrustScore: score,
		Message:    res.msg,
	})

	c.logger.Info().
		Str("protocol_id", p.ID).
		Str("responder", responderID).
		Str("outcome", string(outcome)).
		Str("status", string(res.status)).
		Msg("protocol answered")

	return nil
}

func (c *Coordinator) respond(ctx context.Context, protocolID, responderID string, payload json.RawMessage, outcome models.Outcome) (*respondResult, error) {
	unlock := c.locks.Lock(protocolID)
	defer unlock()

	p, err := c.store.GetProtocol(ctx, protocolID)
	if err != nil {
		return nil, fmt.Errorf("load protocol: %w", err)
	}
	if p == nil {
		return nil, errs.NotFound("protocol %s not found", protocolID)
	}
	if p.ReceiverID != responderID {
		return nil, errs.Authorization("agent %s is not the receiver of protocol %s", responderID, protocolID)
	}
	if p.Status.Terminal() {
		return nil, errs.Validation("protocol already finalized")
	}

	keys, ok := c.keys.For(responderID)
	if !ok {
		return nil, errs.Authorization("agent %s is not hosted here", responderID)
	}
	sender, err := c.resolve(ctx, p.SenderID)
	if err != nil {
		return nil, err
	}
	senderKey, err := crypto.ValidatePublicKey(sender.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("sender key: %w", err)
	}

	score, err := c.trust.Score(ctx, responderID)
	if err != nil {
		return nil, fmt.Errorf("lookup trust: %w", err)
	}
	held, err := c.caps.CapabilitiesOf(ctx, responderID)
	if err != nil {
		return nil, fmt.Errorf("lookup capabilities: %w", err)
	}

	typ := models.MessageResponse
	if outcome == models.OutcomeError {
		typ = models.MessageError
	}
	msg := models.NewProtocolMessage(typ, p.Action, payload, models.MessageMetadata{
		ID:              crypto.NewMessageID(),
		Sender:          responderID,
		Receiver:        p.SenderID,
		ProtocolVersion: c.version,
		Capabilities:    held.Sorted(),
		TrustScore:      score,
	})
	msg.Outcome = outcome

	env, err := seal(keys, msg, senderKey)
	if err != nil {
		return nil, err
	}

	res := &respondResult{protocol: p, msg: msg}

	if err := c.transport.Send(ctx, newDelivery(p.ID, msg, env)); err != nil {
		res.sendErr = fmt.Errorf("send response: %w", err)
		res.status = c.failLocked(ctx, p.ID, responderID, res.sendErr)
		return res, nil
	}

	res.reason = outcomeReason(outcome)
	res.status, err = c.finalize(ctx, p, outcome, res.reason)
	if err != nil {
		return nil, err
	}
	if err := c.store.UpdateLastMessage(ctx, p.ID, msg.Meta()); err != nil {
		c.logger.Warn().Err(err).Str("protocol_id", p.ID).Msg("failed to record last message")
	}
	c.disarm(p.ID)

	return res, nil
}

// HandleDelivery processes one inbound envelope. Any failure is routed to the
// error path for this delivery's protocol only and returned to the transport.
func (c *Coordinator) HandleDelivery(ctx context.Context, d *models.Delivery) error {
	if d == nil {
		return errs.Validation("empty delivery")
	}

	msg, err := c.open(ctx, d)
	if err == nil {
		switch msg.Type {
		case models.MessageRequest:
			err = c.acceptRequest(ctx, d, msg)
		case models.MessageResponse, models.MessageError:
			err = c.acceptResponse(ctx, d, msg)
		default:
			err = errs.Validation("unsupported message type %q", msg.Type)
		}
	}

	if err != nil {
		metrics.DeliveriesReceived.WithLabelValues(string(d.Type), "rejected").Inc()
		c.onError(ctx, d.ProtocolID, d.From, err, msg, d)
		return err
	}

	metrics.DeliveriesReceived.WithLabelValues(string(d.Type), "accepted").Inc()
	return nil
}

// open authenticates and decodes d. The returned message is non-nil whenever
// decryption succeeded, even if a later check failed.
func (c *Coordinator) open(ctx context.Context, d *models.Delivery) (*models.ProtocolMessage, error) {
	if d.ProtocolID == "" {
		return nil, errs.Validation("delivery has no protocol id")
	}
	keys, ok := c.keys.For(d.To)
	if !ok {
		return nil, errs.NotFound("agent %s is not hosted here", d.To)
	}
	sender, err := c.resolve(ctx, d.From)
	if err != nil {
		return nil, err
	}
	senderKey, err := crypto.ValidatePublicKey(sender.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("sender key: %w", err)
	}

	plain, err := crypto.NewCodec(keys).Decrypt(&d.Envelope, senderKey)
	if err != nil {
		return nil, err
	}

	var msg models.ProtocolMessage
	if err := json.Unmarshal(plain, &msg); err != nil {
		return nil, errs.Validation("malformed message").Wrap(err)
	}
	if msg.Metadata.ProtocolVersion != c.version {
		return &msg, errs.Validation("incompatible protocol version")
	}
	if msg.Metadata.Sender != d.From || msg.Metadata.Receiver != d.To {
		return &msg, errs.Authorization("unexpected sender %s", msg.Metadata.Sender)
	}
	if msg.Type != d.Type {
		return &msg, errs.Validation("message type %q does not match delivery type %q", msg.Type, d.Type)
	}
	return &msg, nil
}

func (c *Coordinator) acceptRequest(ctx context.Context, d *models.Delivery, msg *models.ProtocolMessage) error {
	unlock := c.locks.Lock(d.ProtocolID)

	existing, err := c.store.GetProtocol(ctx, d.ProtocolID)
	if err != nil {
		unlock()
		return fmt.Errorf("load protocol: %w", err)
	}

	switch {
	case existing != nil:
		// Both parties share this node's store and Initiate already
		// published the request, so there is nothing to announce.
		unlock()
		if existing.SenderID != d.From || existing.ReceiverID != d.To {
			return errs.Authorization("unexpected sender %s for protocol %s", d.From, d.ProtocolID)
		}
		return nil
	default:
		now := time.Now()
		p := &models.Protocol{
			ID:          d.ProtocolID,
			SenderID:    d.From,
			ReceiverID:  d.To,
			Action:      msg.Action,
			Status:      models.StatusSent,
			CreatedAt:   now,
			UpdatedAt:   now,
			LastMessage: msg.Meta(),
		}
		if err := c.store.SaveProtocol(ctx, p); err != nil && !errors.Is(err, store.ErrProtocolExists) {
			unlock()
			return fmt.Errorf("save protocol: %w", err)
		}
	}
	unlock()

	c.bus.Publish(ctx, events.Event{
		Topic:      events.TopicProtocolRequest,
		ProtocolID: d.ProtocolID,
		AgentID:    d.To,
		Status:     models.StatusSent,
		Message:    msg,
		Inbound:    true,
	})
	return nil
}

func (c *Coordinator) acceptResponse(ctx context.Context, d *models.Delivery, msg *models.ProtocolMessage) error {
	log := c.logger.With().Str("protocol_id", d.ProtocolID).Str("agent", d.From).Logger()

	outcome := msg.Outcome
	if msg.Type == models.MessageError {
		outcome = models.OutcomeError
	}
	if !outcome.Valid() {
		return errs.Validation("invalid outcome %q", msg.Outcome)
	}

	unlock := c.locks.Lock(d.ProtocolID)

	p, err := c.store.GetProtocol(ctx, d.ProtocolID)
	if err != nil {
		unlock()
		return fmt.Errorf("load protocol: %w", err)
	}
	if p == nil {
		unlock()
		return errs.NotFound("protocol %s not found", d.ProtocolID)
	}
	if p.ReceiverID != d.From || p.SenderID != d.To {
		unlock()
		return errs.Authorization("unexpected sender %s for protocol %s", d.From, d.ProtocolID)
	}

	if p.Status.Terminal() {
		unlock()
		if p.LastMessage.ID == msg.Metadata.ID {
			log.Debug().Msg("response already applied")
			return nil
		}
		metrics.LateResponses.Inc()
		log.Info().
			Str("status", string(p.Status)).
			Str("reason", p.Reason).
			Msg("late response ignored")
		return nil
	}

	reason := outcomeReason(outcome)
	status, err := c.finalize(ctx, p, outcome, reason)
	if err != nil {
		unlock()
		return err
	}
	if err := c.store.UpdateLastMessage(ctx, p.ID, msg.Meta()); err != nil {
		log.Warn().Err(err).Msg("failed to record last message")
	}
	c.disarm(p.ID)
	unlock()

	score, err := c.trust.Score(ctx, d.From)
	if err != nil {
		log.Warn().Err(err).Msg("failed to read trust score")
	}

	metrics.ProtocolsFinished.WithLabelValues(string(status), reason).Inc()
	c.bus.Publish(ctx, events.Event{
		Topic:      events.TopicProtocolResponse,
		ProtocolID: p.ID,
		AgentID:    d.From,
		Status:     status,
		TrustScore: score,
		Message:    msg,
		Inbound:    true,
	})
	return nil
}

// finalize walks p from its current status to the terminal status for
// outcome. Callers hold the protocol lock.
func (c *Coordinator) finalize(ctx context.Context, p *models.Protocol, outcome models.Outcome, reason string) (models.Status, error) {
	var steps []models.Status
	switch outcome {
	case models.OutcomeAccept:
		steps = []models.Status{models.StatusAccepted, models.StatusCompleted}
	case models.OutcomeReject:
		steps = []models.Status{models.StatusRejected, models.StatusCompleted}
	default:
		steps = []models.Status{models.StatusErrored}
	}

	from := p.Status
	for _, to := range steps {
		if !models.CanTransition(from, to) {
			return from, errs.Validation("cannot move protocol from %s to %s", from, to)
		}
		ok, err := c.store.CompareAndSwapStatus(ctx, p.ID, from, to, reason)
		if err != nil {
			return from, fmt.Errorf("update status: %w", err)
		}
		if !ok {
			return from, errs.Validation("protocol already finalized")
		}
		from = to
	}
	return from, nil
}

func outcomeReason(o models.Outcome) string {
	switch o {
	case models.OutcomeReject:
		return "rejected"
	case models.OutcomeError:
		return "responder_error"
	}
	return ""
}

// onError penalizes offender, errors the protocol when that is warranted and
// publishes a protocolError event.
func (c *Coordinator) onError(ctx context.Context, protocolID, offender string, err error, msg *models.ProtocolMessage, d *models.Delivery) {
	var status models.Status
	if protocolID != "" {
		unlock := c.locks.Lock(protocolID)
		status = c.failLocked(ctx, protocolID, offender, err)
		unlock()
	}
	c.report(ctx, protocolID, offender, status, err, msg, d)
}

// failLocked moves protocolID to errored unless it is already terminal, the
// offender is not a participant, or err is a crypto failure. It returns the
// resulting status, or "" when the protocol is unknown.
func (c *Coordinator) failLocked(ctx context.Context, protocolID, offender string, err error) models.Status {
	p, gerr := c.store.GetProtocol(ctx, protocolID)
	if gerr != nil || p == nil {
		return ""
	}
	kind := errs.KindOf(err)
	if p.Status.Terminal() || !p.Involves(offender) || kind == errs.KindCrypto {
		return p.Status
	}

	reason := string(kind)
	if reason == "" {
		reason = "internal"
	}
	ok, cerr := c.store.CompareAndSwapStatus(ctx, protocolID, p.Status, models.StatusErrored, reason)
	if cerr != nil {
		c.logger.Error().Err(cerr).Str("protocol_id", protocolID).Msg("failed to mark protocol errored")
		return p.Status
	}
	if !ok {
		return p.Status
	}
	c.disarm(protocolID)
	metrics.ProtocolsFinished.WithLabelValues(string(models.StatusErrored), reason).Inc()
	return models.StatusErrored
}

func (c *Coordinator) report(ctx context.Context, protocolID, offender string, status models.Status, err error, msg *models.ProtocolMessage, d *models.Delivery) {
	c.logger.Warn().
		Err(err).
		Str("protocol_id", protocolID).
		Str("agent", offender).
		Str("kind", string(errs.KindOf(err))).
		Msg("protocol error")

	// Only registered agents carry a score; a delivery can name anyone.
	if offender != "" {
		known, derr := c.dir.Exists(ctx, offender)
		switch {
		case derr != nil:
			c.logger.Warn().Err(derr).Str("agent", offender).Msg("failed to look up offender")
		case known:
			if terr := c.trust.RecordInteraction(ctx, offender, offender, trust.KindError); terr != nil {
				c.logger.Warn().Err(terr).Str("agent", offender).Msg("failed to record error interaction")
			}
		}
	}

	c.bus.Publish(ctx, events.Event{
		Topic:      events.TopicProtocolError,
		ProtocolID: protocolID,
		AgentID:    offender,
		Status:     status,
		Message:    msg,
		Delivery:   d,
		Err:        err,
	})
}

func (c *Coordinator) arm(protocolID string, d time.Duration) {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()
	if c.closed {
		return
	}
	if t, ok := c.timers[protocolID]; ok {
		t.Stop()
	}
	c.timers[protocolID] = time.AfterFunc(d, func() { c.expire(protocolID) })
}

func (c *Coordinator) disarm(protocolID string) {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()
	if t, ok := c.timers[protocolID]; ok {
		t.Stop()
		delete(c.timers, protocolID)
	}
}

// expire errors protocolID with reason "timeout" unless it already finished.
func (c *Coordinator) expire(protocolID string) {
	c.timersMu.Lock()
	delete(c.timers, protocolID)
	c.timersMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), expiryBudget)
	defer cancel()

	unlock := c.locks.Lock(protocolID)
	p, err := c.store.GetProtocol(ctx, protocolID)
	if err != nil || p == nil || p.Status.Terminal() {
		unlock()
		if err != nil {
			c.logger.Error().Err(err).Str("protocol_id", protocolID).Msg("failed to load expired protocol")
		}
		return
	}
	ok, err := c.store.CompareAndSwapStatus(ctx, protocolID, p.Status, models.StatusErrored, ReasonTimeout)
	unlock()
	if err != nil {
		c.logger.Error().Err(err).Str("protocol_id", protocolID).Msg("failed to expire protocol")
		return
	}
	if !ok {
		return
	}

	metrics.ProtocolsFinished.WithLabelValues(string(models.StatusErrored), ReasonTimeout).Inc()
	c.logger.Info().Str("protocol_id", protocolID).Msg("protocol timed out")

	c.bus.Publish(ctx, events.Event{
		Topic:      events.TopicProtocolError,
		ProtocolID: protocolID,
		AgentID:    p.ReceiverID,
		Status:     models.StatusErrored,
		Err:        errs.Validation("protocol timed out"),
	})
}

// Resume re-arms the timeouts of open protocols involving agentIDs from their
// stored deadlines. Protocols already past their deadline expire before it
// returns. It reports how many protocols had a deadline.
func (c *Coordinator) Resume(ctx context.Context, agentIDs []string) (int, error) {
	seen := make(map[string]bool)
	var overdue []string
	for _, id := range agentIDs {
		open, err := c.store.ListOpen(ctx, id)
		if err != nil {
			return len(seen), fmt.Errorf("list open protocols for %s: %w", id, err)
		}
		for _, p := range open {
			if p.Deadline.IsZero() || seen[p.ID] {
				continue
			}
			seen[p.ID] = true
			if left := time.Until(p.Deadline); left > 0 {
				c.arm(p.ID, left)
			} else {
				overdue = append(overdue, p.ID)
			}
		}
	}
	for _, id := range overdue {
		c.expire(id)
	}

	c.logger.Info().
		Int("tracked", len(seen)).
		Int("overdue", len(overdue)).
		Msg("protocol timeouts resumed")
	return len(seen), nil
}

// onTrustUpdate tells every open protocol involving the agent about its new
// score. It never changes protocol state.
func (c *Coordinator) onTrustUpdate(ctx context.Context, ev events.Event) error {
	open, err := c.store.ListOpen(ctx, ev.AgentID)
	if err != nil {
		return fmt.Errorf("list open protocols: %w", err)
	}
	for _, p := range open {
		c.logger.Info().
			Str("protocol_id", p.ID).
			Str("agent", ev.AgentID).
			Float64("trust_score", ev.TrustScore).
			Msg("participant trust changed")
	}
	return nil
}

// Get returns the stored protocol.
func (c *Coordinator) Get(ctx context.Context, protocolID string) (*models.Protocol, error) {
	p, err := c.store.GetProtocol(ctx, protocolID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, errs.NotFound("protocol %s not found", protocolID)
	}
	return p, nil
}

// Open lists the protocols involving agentID that have not finished.
func (c *Coordinator) Open(ctx context.Context, agentID string) ([]*models.Protocol, error) {
	return c.store.ListOpen(ctx, agentID)
}

func (c *Coordinator) resolve(ctx context.Context, agentID string) (*models.Agent, error) {
	agent, err := c.dir.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("lookup agent %s: %w", agentID, err)
	}
	if agent == nil {
		return nil, errs.NotFound("agent %s not found", agentID)
	}
	return agent, nil
}

// rejected counts classified precondition failures and passes err through.
func (c *Coordinator) rejected(err error) error {
	if kind := errs.KindOf(err); kind != "" {
		metrics.PreconditionFailures.WithLabelValues(string(kind)).Inc()
	}
	return err
}

func seal(keys crypto.KeyStore, msg *models.ProtocolMessage, recipient ed25519.PublicKey) (*models.EncryptedPayload, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	env, err := crypto.NewCodec(keys).Encrypt(body, recipient)
	if err != nil {
		return nil, fmt.Errorf("seal message: %w", err)
	}
	return env, nil
}

func newDelivery(protocolID string, msg *models.ProtocolMessage, env *models.EncryptedPayload) *models.Delivery {
	return &models.Delivery{
		ID:         crypto.NewMessageID(),
		ProtocolID: protocolID,
		From:       msg.Metadata.Sender,
		To:         msg.Metadata.Receiver,
		Type:       msg.Type,
		Envelope:   *env,
		SentAt:     msg.Metadata.Timestamp,
	}
}
