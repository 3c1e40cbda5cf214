// Package steamid packs and parses 64-bit Steam identifiers and trade links.
package steamid

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// SteamID is the packed 64-bit account identifier.
type SteamID uint64

const (
	UniversePublic = 1

	AccountTypeIndividual = 1

	AccountInstanceDesktop = 1
)

// FromAccountID packs a 32-bit account id into a public individual SteamID64.
func FromAccountID(accountID uint32) SteamID {
	bits := uint64(accountID)
	bits |= uint64(AccountInstanceDesktop&0xFFFFF) << 32
	bits |= uint64(AccountTypeIndividual) << 52
	bits |= uint64(UniversePublic) << 56
	return SteamID(bits)
}

// Parse reads a decimal SteamID64.
func Parse(s string) (SteamID, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("steamid: parse %q: %w", s, err)
	}
	return SteamID(v), nil
}

func (id SteamID) AccountID() uint32 { return uint32(id & 0xFFFFFFFF) }

func (id SteamID) Universe() uint8 { return uint8(id >> 56) }

func (id SteamID) String() string { return strconv.FormatUint(uint64(id), 10) }

// TradeLink is a parsed trade offer URL: the partner it targets and the
// access token that authorizes offers from strangers.
type TradeLink struct {
	Partner SteamID
	Token   string
}

// ParseTradeLink extracts the partner account and access token from a
// steamcommunity.com/tradeoffer/new URL.
func ParseTradeLink(raw string) (TradeLink, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return TradeLink{}, fmt.Errorf("steamid: trade link: %w", err)
	}
	q := u.Query()

	partner := q.Get("partner")
	if partner == "" {
		return TradeLink{}, fmt.Errorf("steamid: trade link missing partner: %q", raw)
	}
	accountID, err := strconv.ParseUint(partner, 10, 32)
	if err != nil {
		return TradeLink{}, fmt.Errorf("steamid: trade link partner %q: %w", partner, err)
	}

	return TradeLink{
		Partner: FromAccountID(uint32(accountID)),
		Token:   q.Get("token"),
	}, nil
}
