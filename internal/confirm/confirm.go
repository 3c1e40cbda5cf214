// Package confirm polls the Steam mobile confirmation queue, correlates
// entries with trade offers, and accepts or denies them.
package confirm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"steamhelper/internal/guard"
	"steamhelper/internal/steamid"
)

// Kind classifies what a confirmation guards.
type Kind int

const (
	KindUnknown Kind = iota
	KindTrade
	KindMarketListing
)

func (k Kind) String() string {
	switch k {
	case KindTrade:
		return "trade"
	case KindMarketListing:
		return "market-listing"
	default:
		return "unknown"
	}
}

// Confirmation is one pending mobile approval. OfferID is zero when the
// entry could not be correlated with a trade offer.
type Confirmation struct {
	ID    uint64
	Nonce uint64 // per-confirmation key, required by ajaxop

	OfferID uint64
	Kind    Kind

	Title     string
	Receiving string
	Since     string
}

// EventType says whether a confirmation appeared or vanished between polls.
type EventType int

const (
	EventNew EventType = iota
	// EventGone means a previously tracked confirmation disappeared without
	// this process resolving it: accepted, denied, or expired elsewhere.
	EventGone
)

func (e EventType) String() string {
	if e == EventGone {
		return "gone"
	}
	return "new"
}

// Event is one diff entry between consecutive polls, emitted in poll order.
type Event struct {
	Type         EventType
	Confirmation Confirmation
}

var (
	ErrAlreadyResolved     = errors.New("confirm: confirmation already resolved")
	ErrUnknownConfirmation = errors.New("confirm: confirmation not tracked")
	ErrThrottled           = errors.New("confirm: poll called before minimum spacing elapsed")
	ErrResolveRejected     = errors.New("confirm: steam rejected the operation")
)

// Session is the authenticated-call capability the poller needs.
type Session interface {
	Get(ctx context.Context, path string, params url.Values) ([]byte, error)
	SteamID() steamid.SteamID
	DeviceID() string
}

// Options tune the poller.
type Options struct {
	// MinSpacing is the floor between remote fetches. Polling faster trips
	// Steam's rate limiting.
	MinSpacing time.Duration
	// EventBuffer sizes the subscription channel.
	EventBuffer int
}

func (o Options) withDefaults() Options {
	if o.MinSpacing <= 0 {
		o.MinSpacing = 10 * time.Second
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 64
	}
	return o
}

// Poller tracks the remote confirmation set. It is the sole writer of that
// set; readers get copies.
type Poller struct {
	sess           Session
	identitySecret string
	opts           Options
	now            func() time.Time

	mu       sync.Mutex
	tracked  map[uint64]Confirmation
	resolved map[uint64]bool // resolved by us; suppresses the next diff
	lastPoll time.Time

	events chan Event
}

func NewPoller(sess Session, identitySecret string, opts Options) *Poller {
	opts = opts.withDefaults()
	return &Poller{
		sess:           sess,
		identitySecret: identitySecret,
		opts:           opts,
		now:            time.Now,
		tracked:        make(map[uint64]Confirmation),
		resolved:       make(map[uint64]bool),
		events:         make(chan Event, opts.EventBuffer),
	}
}

// Events is the subscription stream of poll diffs, in poll order.
func (p *Poller) Events() <-chan Event { return p.events }

// Snapshot returns a copy of the currently tracked confirmations.
func (p *Poller) Snapshot() []Confirmation {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Confirmation, 0, len(p.tracked))
	for _, c := range p.tracked {
		out = append(out, c)
	}
	return out
}

// ByOfferID returns the tracked confirmation for a trade offer, if any.
func (p *Poller) ByOfferID(offerID uint64) (Confirmation, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.tracked {
		if c.OfferID == offerID && offerID != 0 {
			return c, true
		}
	}
	return Confirmation{}, false
}

func (p *Poller) confParams(tag guard.Tag) (url.Values, error) {
	t := p.now()
	key, err := guard.ConfirmationKey(p.identitySecret, t, tag)
	if err != nil {
		return nil, err
	}
	return url.Values{
		"p":   {p.sess.DeviceID()},
		"a":   {p.sess.SteamID().String()},
		"k":   {key},
		"t":   {strconv.FormatInt(t.Unix(), 10)},
		"m":   {"android"},
		"tag": {string(tag)},
	}, nil
}

// Poll fetches the confirmation queue once and diffs it against the previous
// snapshot. Entries this process resolved since the last poll are dropped
// silently; anything else that vanished yields one EventGone. Events are both
// returned and pushed onto the subscription channel.
func (p *Poller) Poll(ctx context.Context) ([]Confirmation, []Event, error) {
	p.mu.Lock()
	if !p.lastPoll.IsZero() && p.now().Sub(p.lastPoll) < p.opts.MinSpacing {
		p.mu.Unlock()
		return nil, nil, ErrThrottled
	}
	p.mu.Unlock()

	params, err := p.confParams(guard.TagList)
	if err != nil {
		return nil, nil, err
	}
	body, err := p.sess.Get(ctx, "/mobileconf/conf", params)
	if err != nil {
		return nil, nil, fmt.Errorf("confirm: fetch queue: %w", err)
	}

	current, err := parseList(body)
	if err != nil {
		return nil, nil, err
	}

	// Best-effort correlation for entries the listing did not link to an
	// offer. Failure leaves OfferID zero and never fails the poll.
	for i := range current {
		c := &current[i]
		if c.Kind == KindTrade && c.OfferID == 0 {
			offerID, derr := p.fetchOfferID(ctx, c.ID)
			if derr != nil {
				log.Printf("[warn] confirm: offer id lookup for %d: %v", c.ID, derr)
				continue
			}
			c.OfferID = offerID
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	next := make(map[uint64]Confirmation, len(current))
	var events []Event
	for _, c := range current {
		next[c.ID] = c
		if _, seen := p.tracked[c.ID]; !seen && !p.resolved[c.ID] {
			events = append(events, Event{Type: EventNew, Confirmation: c})
		}
	}
	for id, c := range p.tracked {
		if _, still := next[id]; still {
			continue
		}
		if p.resolved[id] {
			continue
		}
		events = append(events, Event{Type: EventGone, Confirmation: c})
	}

	p.tracked = next
	p.resolved = make(map[uint64]bool)
	p.lastPoll = p.now()

	for _, ev := range events {
		select {
		case p.events <- ev:
		default:
			log.Printf("[warn] confirm: event buffer full, dropping %s for %d", ev.Type, ev.Confirmation.ID)
		}
	}

	snapshot := make([]Confirmation, len(current))
	copy(snapshot, current)
	return snapshot, events, nil
}

// Run polls on the configured interval until ctx is cancelled. interval is
// clamped to MinSpacing.
func (p *Poller) Run(ctx context.Context, interval time.Duration) {
	if interval < p.opts.MinSpacing {
		interval = p.opts.MinSpacing
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if _, _, err := p.Poll(ctx); err != nil && !errors.Is(err, ErrThrottled) && ctx.Err() == nil {
			log.Printf("[warn] confirm: poll: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Resolve accepts (accept=true) or denies a tracked confirmation. At most one
// outcome per confirmation: a second call returns ErrAlreadyResolved and
// leaves state untouched. The cid/ck pair is Steam's own deduplication key,
// so a re-sent request after a network error cannot double-apply.
func (p *Poller) Resolve(ctx context.Context, id uint64, accept bool) error {
	p.mu.Lock()
	if p.resolved[id] {
		p.mu.Unlock()
		return ErrAlreadyResolved
	}
	c, ok := p.tracked[id]
	p.mu.Unlock()
	if !ok {
		return ErrUnknownConfirmation
	}

	tag, op := guard.TagAllow, "allow"
	if !accept {
		tag, op = guard.TagCancel, "cancel"
	}

	params, err := p.confParams(tag)
	if err != nil {
		return err
	}
	params.Set("op", op)
	params.Set("cid", strconv.FormatUint(c.ID, 10))
	params.Set("ck", strconv.FormatUint(c.Nonce, 10))

	body, err := p.sess.Get(ctx, "/mobileconf/ajaxop", params)
	if err != nil {
		return fmt.Errorf("confirm: %s %d: %w", op, id, err)
	}

	var resp struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("confirm: %s %d: decode: %w", op, id, err)
	}
	if !resp.Success {
		if resp.Message != "" {
			return fmt.Errorf("%w: %s", ErrResolveRejected, resp.Message)
		}
		return ErrResolveRejected
	}

	p.mu.Lock()
	delete(p.tracked, id)
	p.resolved[id] = true
	p.mu.Unlock()
	return nil
}

// fetchOfferID pulls the confirmation detail page and extracts the trade
// offer id from it.
func (p *Poller) fetchOfferID(ctx context.Context, confID uint64) (uint64, error) {
	params, err := p.confParams(guard.TagDetails)
	if err != nil {
		return 0, err
	}
	body, err := p.sess.Get(ctx, fmt.Sprintf("/mobileconf/details/%d", confID), params)
	if err != nil {
		return 0, err
	}

	var resp struct {
		Success bool   `json:"success"`
		HTML    string `json:"html"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("decode details: %w", err)
	}
	if !resp.Success {
		return 0, fmt.Errorf("details call unsuccessful")
	}
	return extractOfferID(resp.HTML)
}

const offerIDPrefix = "tradeofferid_"

var offerIDPattern = regexp.MustCompile(`tradeofferid_(\d+)`)

// extractOfferID finds the tradeofferid_<n> marker in a confirmation detail
// page. Absence is a valid outcome for non-trade confirmations.
func extractOfferID(html string) (uint64, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return 0, err
	}

	var offerID uint64
	doc.Find(".tradeoffer").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		id, ok := sel.Attr("id")
		if !ok || !strings.HasPrefix(id, offerIDPrefix) {
			return true
		}
		v, perr := strconv.ParseUint(id[len(offerIDPrefix):], 10, 64)
		if perr != nil {
			return true
		}
		offerID = v
		return false
	})
	if offerID != 0 {
		return offerID, nil
	}

	// Fallback: scan the raw text for the marker.
	if m := offerIDPattern.FindStringSubmatch(html); m != nil {
		return strconv.ParseUint(m[1], 10, 64)
	}
	return 0, fmt.Errorf("no trade offer id in details page")
}

// parseList scrapes the mobileconf listing HTML into confirmations.
func parseList(body []byte) ([]Confirmation, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("confirm: parse listing: %w", err)
	}

	var out []Confirmation
	doc.Find(".mobileconf_list_entry").Each(func(_ int, sel *goquery.Selection) {
		var c Confirmation
		if v, ok := sel.Attr("data-confid"); ok {
			c.ID, _ = strconv.ParseUint(v, 10, 64)
		}
		if v, ok := sel.Attr("data-key"); ok {
			c.Nonce, _ = strconv.ParseUint(v, 10, 64)
		}
		if v, ok := sel.Attr("data-type"); ok {
			switch v {
			case "2":
				c.Kind = KindTrade
			case "3":
				c.Kind = KindMarketListing
			}
		}
		// data-creator carries the trade offer id when the listing includes
		// the correlation. It is not always present.
		if v, ok := sel.Attr("data-creator"); ok && c.Kind == KindTrade {
			c.OfferID, _ = strconv.ParseUint(v, 10, 64)
		}

		desc := sel.Find(".mobileconf_list_entry_description div")
		desc.Each(func(i int, d *goquery.Selection) {
			text := strings.TrimSpace(d.Text())
			switch i {
			case 0:
				c.Title = text
			case 1:
				c.Receiving = text
			case 2:
				c.Since = text
			}
		})

		if c.ID != 0 {
			out = append(out, c)
		}
	})
	return out, nil
}
