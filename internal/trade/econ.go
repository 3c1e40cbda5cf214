package trade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"steamhelper/internal/steamid"
)

// standardDelay paces bulk IEconService writes; Steam gets unstable when
// offers are declined back to back.
const standardDelay = time.Second

var (
	ErrAPIKeyRequired = errors.New("trade: steam web api key not configured")
	// ErrConfirmationPending means the accept went through but its mobile
	// confirmation has not shown up in the tracked queue yet. Retry after
	// the next poll.
	ErrConfirmationPending = errors.New("trade: confirmation for offer not tracked yet")
)

// RemoteOffer is a trade offer as reported by IEconService.
type RemoteOffer struct {
	OfferID        uint64 `json:"tradeofferid,string"`
	PartnerAccount uint32 `json:"accountid_other"`
	Message        string `json:"message"`
	State          int    `json:"trade_offer_state"`
	IsOurOffer     bool   `json:"is_our_offer"`
	Created        uint64 `json:"time_created"`
	Expires        uint64 `json:"expiration_time"`
}

// Active reports whether the remote offer still awaits action.
func (r RemoteOffer) Active() bool { return r.State == remoteStateActive }

// GetOffers lists sent and/or received offers through the web API.
func (e *Engine) GetOffers(ctx context.Context, sent, received, activeOnly bool) (sentOffers, receivedOffers []RemoteOffer, err error) {
	if e.opts.APIKey == "" {
		return nil, nil, ErrAPIKeyRequired
	}

	params := url.Values{"key": {e.opts.APIKey}}
	if sent {
		params.Set("get_sent_offers", "1")
	}
	if received {
		params.Set("get_received_offers", "1")
	}
	if activeOnly {
		params.Set("active_only", "1")
	}

	body, err := e.sess.Get(ctx, e.opts.WebAPIURL+"/IEconService/GetTradeOffers/v1/", params)
	if err != nil {
		return nil, nil, err
	}

	var resp struct {
		Response struct {
			Sent     []RemoteOffer `json:"trade_offers_sent"`
			Received []RemoteOffer `json:"trade_offers_received"`
		} `json:"response"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, nil, fmt.Errorf("trade: decode GetTradeOffers: %w", err)
	}
	return resp.Response.Sent, resp.Response.Received, nil
}

// AcceptOffer accepts an offer made to this account, then approves the
// resulting mobile confirmation through the poller. Accepting hands over
// whatever the offer asks for; callers decide, this only executes.
func (e *Engine) AcceptOffer(ctx context.Context, offerID uint64) error {
	form := url.Values{
		"sessionid":    {e.sess.SessionID()},
		"serverid":     {"1"},
		"tradeofferid": {strconv.FormatUint(offerID, 10)},
	}
	// Steam wants the counterparty's id on accepts. Look it up when the web
	// API is available; the endpoint tolerates its absence otherwise.
	if e.opts.APIKey != "" {
		remote, err := e.getRemoteOffer(ctx, offerID)
		if err != nil {
			return err
		}
		if remote != nil && remote.PartnerAccount != 0 {
			form.Set("partner", steamid.FromAccountID(remote.PartnerAccount).String())
		}
	}

	referer := fmt.Sprintf("%s/tradeoffer/%d/", e.sess.CommunityURL(), offerID)
	body, err := e.sess.PostForm(ctx, fmt.Sprintf("/tradeoffer/%d/accept", offerID), form, referer)
	if err != nil {
		return err
	}

	var resp sendResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("trade: decode accept response: %w", err)
	}
	if resp.ErrorMessage != "" {
		return fmt.Errorf("trade: accept %d rejected: %s", offerID, resp.ErrorMessage)
	}
	if !resp.MobileConfirmationRequired {
		return nil
	}

	c, ok := e.confs.ByOfferID(offerID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrConfirmationPending, offerID)
	}
	if err := e.confs.Resolve(ctx, c.ID, true); err != nil {
		return fmt.Errorf("trade: confirm accepted offer %d: %w", offerID, err)
	}
	return nil
}

// DeclineOffer declines an offer made to this account.
func (e *Engine) DeclineOffer(ctx context.Context, offerID uint64) error {
	return e.econAction(ctx, "DeclineTradeOffer", offerID)
}

// CancelOffer cancels an offer this account created.
func (e *Engine) CancelOffer(ctx context.Context, offerID uint64) error {
	return e.econAction(ctx, "CancelTradeOffer", offerID)
}

func (e *Engine) econAction(ctx context.Context, action string, offerID uint64) error {
	if e.opts.APIKey == "" {
		return ErrAPIKeyRequired
	}
	form := url.Values{
		"key":          {e.opts.APIKey},
		"tradeofferid": {strconv.FormatUint(offerID, 10)},
	}
	body, err := e.sess.PostForm(ctx, e.opts.WebAPIURL+"/IEconService/"+action+"/v1/", form, "")
	if err != nil {
		return err
	}

	var resp struct {
		Response struct {
			Success bool `json:"success"`
		} `json:"response"`
	}
	// An empty response object means success for these endpoints.
	if len(body) > 0 && json.Unmarshal(body, &resp) == nil && resp.Response.Success {
		return nil
	}
	if string(body) == "{}" || string(body) == `{"response":{}}` {
		return nil
	}
	return fmt.Errorf("trade: %s %d rejected: %s", action, offerID, body)
}

// DeclineReceived declines every active offer made to this account, paced to
// avoid tripping rate limits. It returns the number declined.
func (e *Engine) DeclineReceived(ctx context.Context) (int, error) {
	_, received, err := e.GetOffers(ctx, false, true, true)
	if err != nil {
		return 0, err
	}

	declined := 0
	for _, r := range received {
		if r.IsOurOffer || !r.Active() {
			continue
		}
		if err := e.DeclineOffer(ctx, r.OfferID); err != nil {
			return declined, err
		}
		declined++
		select {
		case <-ctx.Done():
			return declined, ctx.Err()
		case <-time.After(standardDelay):
		}
	}
	return declined, nil
}
