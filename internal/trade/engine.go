package trade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"steamhelper/internal/confirm"
	"steamhelper/internal/eventlog"
	"steamhelper/internal/steamid"
)

// Session is the authenticated-call capability the engine needs.
type Session interface {
	Get(ctx context.Context, path string, params url.Values) ([]byte, error)
	PostForm(ctx context.Context, path string, form url.Values, referer string) ([]byte, error)
	SessionID() string
	CommunityURL() string
	SteamID() steamid.SteamID
}

// Confirmations is the slice of the poller the engine consumes.
type Confirmations interface {
	Events() <-chan confirm.Event
	ByOfferID(offerID uint64) (confirm.Confirmation, bool)
	Resolve(ctx context.Context, id uint64, accept bool) error
}

// Policy decides what to do with a confirmation matched to one of our
// offers. A nil policy defers everything.
type Policy func(c confirm.Confirmation, offer View) Decision

// Options tune the engine.
type Options struct {
	// OfferDeadline bounds how long an offer may sit in Sent or
	// NeedsConfirmation before it expires.
	OfferDeadline time.Duration
	// SweepInterval is how often deadlines and Confirmed finalization are
	// checked.
	SweepInterval time.Duration
	// WebAPIURL + APIKey enable the IEconService calls (offer status,
	// decline/cancel). Empty APIKey disables them.
	WebAPIURL string
	APIKey    string
}

func (o Options) withDefaults() Options {
	if o.OfferDeadline <= 0 {
		o.OfferDeadline = 10 * time.Minute
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 15 * time.Second
	}
	if o.WebAPIURL == "" {
		o.WebAPIURL = "https://api.steampowered.com"
	}
	return o
}

var (
	ErrUnknownOffer = errors.New("trade: unknown offer")
	// ErrNotBuilding means a cancel came too late: the offer already left
	// Building and must run to a terminal state.
	ErrNotBuilding = errors.New("trade: offer already sent")

	ErrTooManyItems     = errors.New("trade: offer exceeds item limit")
	ErrPartnerSaturated = errors.New("trade: too many ongoing offers to this partner")
	ErrTooManyOngoing   = errors.New("trade: too many ongoing offers")
)

// Limits Steam enforces server-side. Validated locally so a doomed offer
// never leaves Building.
const (
	maxItemsPerOffer    = 255
	maxOffersPerPartner = 5
	maxOngoingOffers    = 30
)

// Engine owns the offer table. All state transitions go through transition,
// which serializes writers per offer under the engine lock.
type Engine struct {
	sess  Session
	confs Confirmations
	opts  Options
	elog  *eventlog.Log
	now   func() time.Time

	mu        sync.Mutex
	offers    map[string]*Offer
	byOfferID map[uint64]string
	policy    Policy

	wg sync.WaitGroup
}

func NewEngine(sess Session, confs Confirmations, policy Policy, elog *eventlog.Log, opts Options) *Engine {
	return &Engine{
		sess:      sess,
		confs:     confs,
		opts:      opts.withDefaults(),
		elog:      elog,
		now:       time.Now,
		offers:    make(map[string]*Offer),
		byOfferID: make(map[uint64]string),
		policy:    policy,
	}
}

// SetPolicy swaps the confirmation policy.
func (e *Engine) SetPolicy(p Policy) {
	e.mu.Lock()
	e.policy = p
	e.mu.Unlock()
}

// Submit enqueues an offer and sends it asynchronously. It returns the local
// request id used to track the offer until Steam assigns an offer id.
// Offers over Steam's item or ongoing-trade limits are rejected before
// anything is tracked.
func (e *Engine) Submit(ctx context.Context, spec OfferSpec) (string, error) {
	if len(spec.Give)+len(spec.Receive) > maxItemsPerOffer {
		return "", ErrTooManyItems
	}

	o := &Offer{
		RequestID: uuid.NewString(),
		Partner:   spec.Partner,
		Token:     spec.Token,
		Give:      spec.Give,
		Receive:   spec.Receive,
		Message:   spec.Message,
		State:     StateBuilding,
		CreatedAt: e.now(),
		Deadline:  e.now().Add(e.opts.OfferDeadline),
	}

	e.mu.Lock()
	ongoing, toPartner := 0, 0
	for _, cur := range e.offers {
		if cur.State.Terminal() {
			continue
		}
		ongoing++
		if cur.Partner == spec.Partner {
			toPartner++
		}
	}
	if ongoing >= maxOngoingOffers {
		e.mu.Unlock()
		return "", ErrTooManyOngoing
	}
	if toPartner >= maxOffersPerPartner {
		e.mu.Unlock()
		return "", ErrPartnerSaturated
	}
	e.offers[o.RequestID] = o
	e.mu.Unlock()

	e.logEvent(eventlog.Event{Event: "submit", RequestID: o.RequestID, Partner: o.Partner.String()})

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.send(ctx, o.RequestID)
	}()
	return o.RequestID, nil
}

// Cancel retracts an offer that has not been sent yet. Once the send has
// started the offer must reach a terminal state on its own.
func (e *Engine) Cancel(requestID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.offers[requestID]
	if !ok {
		return ErrUnknownOffer
	}
	if o.State != StateBuilding {
		return ErrNotBuilding
	}
	e.transitionLocked(o, StateCanceled, "canceled before send")
	return nil
}

// State returns the current state of a tracked offer.
func (e *Engine) State(requestID string) (State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.offers[requestID]
	if !ok {
		return 0, ErrUnknownOffer
	}
	return o.State, nil
}

// Offers returns snapshots of every tracked offer.
func (e *Engine) Offers() []View {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]View, 0, len(e.offers))
	for _, o := range e.offers {
		out = append(out, o.view())
	}
	return out
}

// Offer returns a snapshot of one offer.
func (e *Engine) Offer(requestID string) (View, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.offers[requestID]
	if !ok {
		return View{}, ErrUnknownOffer
	}
	return o.view(), nil
}

// sendResponse is Steam's answer to tradeoffer/new/send.
type sendResponse struct {
	ErrorMessage               string `json:"strError"`
	OfferID                    uint64 `json:"tradeofferid,string"`
	MobileConfirmationRequired bool   `json:"needs_mobile_confirmation"`
}

func (e *Engine) send(ctx context.Context, requestID string) {
	e.mu.Lock()
	o, ok := e.offers[requestID]
	if !ok || o.State != StateBuilding {
		// Canceled while queued.
		e.mu.Unlock()
		return
	}
	e.transitionLocked(o, StateSent, "")
	snap := *o
	e.mu.Unlock()

	resp, err := e.postOffer(ctx, &snap)

	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok = e.offers[requestID]
	if !ok {
		return
	}
	if err != nil {
		e.failLocked(o, fmt.Sprintf("send: %v", err))
		return
	}
	if resp.ErrorMessage != "" {
		e.failLocked(o, "steam: "+resp.ErrorMessage)
		return
	}
	if resp.OfferID == 0 {
		e.failLocked(o, "steam returned no offer id")
		return
	}

	o.OfferID = resp.OfferID
	e.byOfferID[o.OfferID] = o.RequestID

	// Trust the server's declared requirement either way.
	if resp.MobileConfirmationRequired {
		e.transitionLocked(o, StateNeedsConfirmation, "")
	} else {
		e.transitionLocked(o, StateAccepted, "no confirmation required")
	}
}

func (e *Engine) postOffer(ctx context.Context, o *Offer) (*sendResponse, error) {
	type side struct {
		Assets   []Asset    `json:"assets"`
		Currency []struct{} `json:"currency"`
		Ready    bool       `json:"ready"`
	}
	content, err := json.Marshal(map[string]any{
		"newversion": true,
		"version":    4,
		"me":         side{Assets: emptyIfNil(o.Give), Currency: []struct{}{}},
		"them":       side{Assets: emptyIfNil(o.Receive), Currency: []struct{}{}},
	})
	if err != nil {
		return nil, err
	}
	createParams, err := json.Marshal(map[string]string{
		"trade_offer_access_token": o.Token,
	})
	if err != nil {
		return nil, err
	}

	form := url.Values{
		"sessionid":                 {e.sess.SessionID()},
		"serverid":                  {"1"},
		"partner":                   {o.Partner.String()},
		"tradeoffermessage":         {o.Message},
		"json_tradeoffer":           {string(content)},
		"trade_offer_create_params": {string(createParams)},
	}

	referer := fmt.Sprintf("%s/tradeoffer/new/?partner=%d&token=%s",
		e.sess.CommunityURL(), o.Partner.AccountID(), o.Token)

	body, err := e.sess.PostForm(ctx, "/tradeoffer/new/send", form, referer)
	if err != nil {
		return nil, err
	}

	var resp sendResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode send response: %w", err)
	}
	return &resp, nil
}

func emptyIfNil(a []Asset) []Asset {
	if a == nil {
		return []Asset{}
	}
	return a
}

// Run consumes confirmation diffs and sweeps deadlines until ctx is
// cancelled.
func (e *Engine) Run(ctx context.Context) {
	t := time.NewTicker(e.opts.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-e.confs.Events():
			if !ok {
				return
			}
			e.handleEvent(ctx, ev)
		case <-t.C:
			e.sweep(ctx)
		}
	}
}

// Shutdown waits for in-flight sends, bounded by ctx.
func (e *Engine) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (e *Engine) handleEvent(ctx context.Context, ev confirm.Event) {
	switch ev.Type {
	case confirm.EventNew:
		e.handleNewConfirmation(ctx, ev.Confirmation)
	case confirm.EventGone:
		e.handleGoneConfirmation(ev.Confirmation)
	}
}

func (e *Engine) handleNewConfirmation(ctx context.Context, c confirm.Confirmation) {
	if c.OfferID == 0 {
		// Cannot be matched automatically; surface for manual handling and
		// leave any candidate offer in NeedsConfirmation.
		log.Printf("[warn] trade: confirmation %d (%s) has no offer correlation, leaving for review", c.ID, c.Kind)
		e.logEvent(eventlog.Event{Event: "correlation_ambiguous", ConfID: c.ID, Review: true})
		return
	}

	e.mu.Lock()
	requestID, tracked := e.byOfferID[c.OfferID]
	var (
		view   View
		policy Policy
	)
	if tracked {
		o := e.offers[requestID]
		o.ConfirmationID = c.ID
		view = o.view()
	}
	policy = e.policy
	e.mu.Unlock()

	if !tracked {
		log.Printf("[info] trade: confirmation %d for untracked offer %d, deferring", c.ID, c.OfferID)
		return
	}

	decision := Defer
	if policy != nil {
		decision = policy(c, view)
	}
	e.logEvent(eventlog.Event{Event: "policy", RequestID: requestID, OfferID: c.OfferID, ConfID: c.ID, Reason: decision.String()})
	if decision == Defer {
		return
	}

	if err := e.confs.Resolve(ctx, c.ID, decision == Accept); err != nil {
		if errors.Is(err, confirm.ErrAlreadyResolved) {
			return
		}
		log.Printf("[warn] trade: resolve confirmation %d: %v", c.ID, err)
		e.logEvent(eventlog.Event{Event: "resolve_failed", RequestID: requestID, ConfID: c.ID, Err: err.Error()})
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.offers[requestID]
	if !ok || o.State != StateNeedsConfirmation {
		return
	}
	if decision == Accept {
		e.transitionLocked(o, StateConfirmed, "")
	} else {
		e.transitionLocked(o, StateDeclined, "denied by policy")
	}
}

func (e *Engine) handleGoneConfirmation(c confirm.Confirmation) {
	e.mu.Lock()
	defer e.mu.Unlock()

	requestID, ok := e.byOfferID[c.OfferID]
	if !ok && c.OfferID == 0 {
		// Try the recorded confirmation id for offers we matched manually.
		for id, o := range e.offers {
			if o.ConfirmationID == c.ID {
				requestID, ok = id, true
				break
			}
		}
	}
	if !ok {
		return
	}
	o := e.offers[requestID]
	if o.State != StateNeedsConfirmation {
		return
	}
	// The confirmation was resolved outside this process; the outcome is
	// unknowable from here, so flag it instead of guessing.
	e.transitionLocked(o, StateInvalid, "confirmation resolved out-of-band")
}

// sweep expires overdue offers and finalizes Confirmed ones.
func (e *Engine) sweep(ctx context.Context) {
	now := e.now()

	e.mu.Lock()
	var confirmed []*Offer
	for _, o := range e.offers {
		switch o.State {
		case StateSent, StateNeedsConfirmation:
			if now.After(o.Deadline) {
				e.transitionLocked(o, StateExpired, "deadline passed")
			}
		case StateConfirmed:
			confirmed = append(confirmed, o)
		}
	}
	e.mu.Unlock()

	if e.opts.APIKey == "" {
		return
	}
	for _, o := range confirmed {
		remote, err := e.getRemoteOffer(ctx, o.OfferID)
		if err != nil {
			log.Printf("[warn] trade: finalize check for %d: %v", o.OfferID, err)
			continue
		}
		if remote == nil {
			continue
		}
		e.mu.Lock()
		if o.State == StateConfirmed {
			switch remote.State {
			case remoteStateAccepted:
				e.transitionLocked(o, StateAccepted, "")
			case remoteStateDeclined, remoteStateCanceled, remoteStateExpired, remoteStateInvalid, remoteStateCanceledByTwoFactr:
				e.transitionLocked(o, StateInvalid, fmt.Sprintf("remote state %d after confirm", remote.State))
			}
		}
		e.mu.Unlock()
	}
}

// failLocked moves an offer to Failed with a reason. Caller holds e.mu.
func (e *Engine) failLocked(o *Offer, reason string) {
	e.transitionLocked(o, StateFailed, reason)
}

// transitionLocked applies a state change, enforcing the legal transition
// set. Caller holds e.mu.
func (e *Engine) transitionLocked(o *Offer, to State, reason string) {
	if o.State == to {
		return
	}
	if !canTransition(o.State, to) {
		log.Printf("[warn] trade: illegal transition %s -> %s for %s, ignoring", o.State, to, o.RequestID)
		return
	}
	prev := o.State
	o.State = to
	if reason != "" {
		o.Reason = reason
	}
	if to == StateInvalid || to == StateFailed {
		o.Review = true
	}
	e.logEvent(eventlog.Event{
		Event:     "state",
		RequestID: o.RequestID,
		OfferID:   o.OfferID,
		State:     to.String(),
		Prev:      prev.String(),
		Reason:    reason,
		Review:    o.Review,
	})
}

func (e *Engine) logEvent(ev eventlog.Event) {
	if err := e.elog.Write(ev); err != nil {
		log.Printf("[warn] trade: event log write: %v", err)
	}
}

// remoteOffer is the slice of IEconService's trade offer record the engine
// reads.
type remoteOffer struct {
	OfferID        uint64 `json:"tradeofferid,string"`
	PartnerAccount uint32 `json:"accountid_other"`
	State          int    `json:"trade_offer_state"`
}

func (e *Engine) getRemoteOffer(ctx context.Context, offerID uint64) (*remoteOffer, error) {
	params := url.Values{
		"key":          {e.opts.APIKey},
		"tradeofferid": {strconv.FormatUint(offerID, 10)},
	}
	body, err := e.sess.Get(ctx, e.opts.WebAPIURL+"/IEconService/GetTradeOffer/v1/", params)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Response struct {
			Offer *remoteOffer `json:"offer"`
		} `json:"response"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode GetTradeOffer: %w", err)
	}
	return resp.Response.Offer, nil
}
