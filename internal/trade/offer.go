// Package trade drives trade offers from creation through mobile
// confirmation to a terminal outcome.
package trade

import (
	"time"

	"steamhelper/internal/steamid"
)

// Asset identifies one inventory item in an offer.
type Asset struct {
	AppID     uint32 `json:"appid"`
	ContextID uint64 `json:"contextid,string"`
	AssetID   uint64 `json:"assetid,string"`
	Amount    uint32 `json:"amount,string"`
}

// OfferSpec is the caller's description of an offer to send.
type OfferSpec struct {
	Partner steamid.SteamID
	// Token authorizes offers to accounts we are not friends with. Comes
	// from the partner's trade link.
	Token   string
	Give    []Asset
	Receive []Asset
	Message string
}

// Offer is a tracked trade offer. Identity is RequestID until Steam assigns
// OfferID, then OfferID is canonical.
type Offer struct {
	RequestID string
	OfferID   uint64

	Partner steamid.SteamID
	Token   string
	Give    []Asset
	Receive []Asset
	Message string

	State  State
	Reason string
	// Review marks outcomes that need an operator's eyes (Invalid, failed
	// correlation).
	Review bool

	ConfirmationID uint64

	CreatedAt time.Time
	Deadline  time.Time
}

// View is a read-only snapshot of an offer for callers and the review API.
type View struct {
	RequestID string    `json:"request_id"`
	OfferID   uint64    `json:"offer_id,omitempty"`
	Partner   string    `json:"partner"`
	State     string    `json:"state"`
	Reason    string    `json:"reason,omitempty"`
	Review    bool      `json:"review,omitempty"`
	Message   string    `json:"message,omitempty"`
	GiveCount int       `json:"give_count"`
	TakeCount int       `json:"take_count"`
	CreatedAt time.Time `json:"created_at"`
	Deadline  time.Time `json:"deadline"`
}

func (o *Offer) view() View {
	return View{
		RequestID: o.RequestID,
		OfferID:   o.OfferID,
		Partner:   o.Partner.String(),
		State:     o.State.String(),
		Reason:    o.Reason,
		Review:    o.Review,
		Message:   o.Message,
		GiveCount: len(o.Give),
		TakeCount: len(o.Receive),
		CreatedAt: o.CreatedAt,
		Deadline:  o.Deadline,
	}
}

// Decision is a policy verdict for a pending confirmation.
type Decision int

const (
	// Defer leaves the confirmation pending for a later decision or manual
	// handling.
	Defer Decision = iota
	Accept
	Deny
)

func (d Decision) String() string {
	switch d {
	case Accept:
		return "accept"
	case Deny:
		return "deny"
	default:
		return "defer"
	}
}
