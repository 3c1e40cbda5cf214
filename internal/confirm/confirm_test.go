package confirm

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"testing"
	"time"

	"steamhelper/internal/steamid"
)

const testIdentitySecret = "aWRlbnRpdHktc2VjcmV0LTAxMjM="

// fakeSession serves canned bodies per path and records calls.
type fakeSession struct {
	responses map[string]func(params url.Values) ([]byte, error)
	calls     []string
}

func (f *fakeSession) Get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	f.calls = append(f.calls, path)
	fn, ok := f.responses[path]
	if !ok {
		return nil, fmt.Errorf("unexpected path %s", path)
	}
	return fn(params)
}

func (f *fakeSession) SteamID() steamid.SteamID { return steamid.SteamID(76561198040191316) }
func (f *fakeSession) DeviceID() string         { return "android:1fb5fbcd-1b6c-54af-fc65-8428" }

func entryHTML(confID, key uint64, typ string, creator uint64, title string) string {
	creatorAttr := ""
	if creator != 0 {
		creatorAttr = fmt.Sprintf(` data-creator="%d"`, creator)
	}
	return fmt.Sprintf(`
<div class="mobileconf_list_entry" data-confid="%d" data-key="%d" data-type="%s"%s>
  <div class="mobileconf_list_entry_description">
    <div>%s</div>
    <div>You will receive: item</div>
    <div>Just now</div>
  </div>
</div>`, confID, key, typ, creatorAttr, title)
}

func listPage(entries ...string) []byte {
	page := `<html><body><div class="mobileconf_list">`
	for _, e := range entries {
		page += e
	}
	page += `</div></body></html>`
	return []byte(page)
}

func staticPage(entries ...string) func(url.Values) ([]byte, error) {
	body := listPage(entries...)
	return func(url.Values) ([]byte, error) { return body, nil }
}

func newTestPoller(f *fakeSession) *Poller {
	p := NewPoller(f, testIdentitySecret, Options{MinSpacing: time.Nanosecond})
	// Fixed clock keeps signatures deterministic and spacing inert.
	base := time.Unix(1700000000, 0)
	n := 0
	p.now = func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
	return p
}

func TestPoll_ParsesEntriesAndSignsRequest(t *testing.T) {
	var gotParams url.Values
	f := &fakeSession{responses: map[string]func(url.Values) ([]byte, error){
		"/mobileconf/conf": func(params url.Values) ([]byte, error) {
			gotParams = params
			return listPage(
				entryHTML(6100, 9990, "2", 4400, "Trade with Alice"),
				entryHTML(6200, 9991, "3", 0, "Market listing"),
			), nil
		},
	}}
	p := newTestPoller(f)

	snap, events, err := p.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(snap) != 2 {
		t.Fatalf("confirmations: got %d want 2", len(snap))
	}

	trade := snap[0]
	if trade.ID != 6100 || trade.Nonce != 9990 {
		t.Fatalf("trade entry: %#v", trade)
	}
	if trade.Kind != KindTrade || trade.OfferID != 4400 {
		t.Fatalf("trade correlation: %#v", trade)
	}
	if trade.Title != "Trade with Alice" {
		t.Fatalf("title: %q", trade.Title)
	}
	if snap[1].Kind != KindMarketListing {
		t.Fatalf("market entry kind: %v", snap[1].Kind)
	}

	if len(events) != 2 {
		t.Fatalf("events: got %d want 2", len(events))
	}
	for _, ev := range events {
		if ev.Type != EventNew {
			t.Fatalf("expected only new events, got %v", ev.Type)
		}
	}

	for _, k := range []string{"p", "a", "k", "t", "m", "tag"} {
		if gotParams.Get(k) == "" {
			t.Fatalf("request param %q missing: %v", k, gotParams)
		}
	}
	if gotParams.Get("tag") != "conf" || gotParams.Get("m") != "android" {
		t.Fatalf("bad tag/m params: %v", gotParams)
	}
}

func TestPoll_DetailsFallbackForMissingCreator(t *testing.T) {
	f := &fakeSession{responses: map[string]func(url.Values) ([]byte, error){
		"/mobileconf/conf": staticPage(entryHTML(6100, 9990, "2", 0, "Trade")),
		"/mobileconf/details/6100": func(params url.Values) ([]byte, error) {
			if params.Get("tag") != "details" {
				return nil, fmt.Errorf("wrong tag %q", params.Get("tag"))
			}
			return []byte(`{"success":true,"html":"<div class=\"tradeoffer\" id=\"tradeofferid_4401\"></div>"}`), nil
		},
	}}
	p := newTestPoller(f)

	snap, _, err := p.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(snap) != 1 || snap[0].OfferID != 4401 {
		t.Fatalf("fallback correlation failed: %#v", snap)
	}
}

func TestPoll_FallbackFailureLeavesOfferUnset(t *testing.T) {
	f := &fakeSession{responses: map[string]func(url.Values) ([]byte, error){
		"/mobileconf/conf": staticPage(entryHTML(6100, 9990, "2", 0, "Trade")),
		"/mobileconf/details/6100": func(url.Values) ([]byte, error) {
			return nil, errors.New("boom")
		},
	}}
	p := newTestPoller(f)

	snap, _, err := p.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll must not fail on fallback error: %v", err)
	}
	if len(snap) != 1 || snap[0].OfferID != 0 {
		t.Fatalf("expected OfferID 0: %#v", snap)
	}
}

func TestPoll_VanishedEntryEmitsOneGoneEvent(t *testing.T) {
	pages := [][]byte{
		listPage(entryHTML(6100, 9990, "2", 4400, "A"), entryHTML(6200, 9991, "2", 4500, "B")),
		listPage(entryHTML(6200, 9991, "2", 4500, "B")),
		listPage(entryHTML(6200, 9991, "2", 4500, "B")),
	}
	call := 0
	f := &fakeSession{responses: map[string]func(url.Values) ([]byte, error){
		"/mobileconf/conf": func(url.Values) ([]byte, error) {
			page := pages[call]
			call++
			return page, nil
		},
	}}
	p := newTestPoller(f)

	if _, _, err := p.Poll(context.Background()); err != nil {
		t.Fatalf("poll 1: %v", err)
	}
	_, events, err := p.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll 2: %v", err)
	}
	var gone []Event
	for _, ev := range events {
		if ev.Type == EventGone {
			gone = append(gone, ev)
		}
	}
	if len(gone) != 1 || gone[0].Confirmation.ID != 6100 {
		t.Fatalf("expected one gone event for 6100, got %#v", events)
	}

	// A third poll must not repeat the removal.
	_, events, err = p.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll 3: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events on stable poll, got %#v", events)
	}
}

func TestResolve_AcceptThenDuplicate(t *testing.T) {
	var ops []string
	f := &fakeSession{responses: map[string]func(url.Values) ([]byte, error){
		"/mobileconf/conf": staticPage(entryHTML(6100, 9990, "2", 4400, "A")),
		"/mobileconf/ajaxop": func(params url.Values) ([]byte, error) {
			ops = append(ops, params.Get("op"))
			if params.Get("cid") != "6100" || params.Get("ck") != "9990" {
				return nil, fmt.Errorf("bad cid/ck: %v", params)
			}
			if params.Get("tag") != params.Get("op") {
				return nil, fmt.Errorf("tag %q must match op %q", params.Get("tag"), params.Get("op"))
			}
			return []byte(`{"success":true}`), nil
		},
	}}
	p := newTestPoller(f)

	if _, _, err := p.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if err := p.Resolve(context.Background(), 6100, true); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if err := p.Resolve(context.Background(), 6100, true); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("second resolve: got %v want ErrAlreadyResolved", err)
	}
	if len(ops) != 1 || ops[0] != "allow" {
		t.Fatalf("ajaxop calls: %v", ops)
	}
	if len(p.Snapshot()) != 0 {
		t.Fatalf("confirmation should leave the tracked set on resolve")
	}
}

func TestResolve_SelfResolvedVanishIsSilent(t *testing.T) {
	pages := [][]byte{
		listPage(entryHTML(6100, 9990, "2", 4400, "A")),
		listPage(),
	}
	call := 0
	f := &fakeSession{responses: map[string]func(url.Values) ([]byte, error){
		"/mobileconf/conf": func(url.Values) ([]byte, error) {
			page := pages[call]
			call++
			return page, nil
		},
		"/mobileconf/ajaxop": func(url.Values) ([]byte, error) {
			return []byte(`{"success":true}`), nil
		},
	}}
	p := newTestPoller(f)

	if _, _, err := p.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if err := p.Resolve(context.Background(), 6100, false); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	_, events, err := p.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll 2: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("self-resolved confirmation must not emit gone: %#v", events)
	}
}

func TestResolve_UnknownAndRejected(t *testing.T) {
	f := &fakeSession{responses: map[string]func(url.Values) ([]byte, error){
		"/mobileconf/conf": staticPage(entryHTML(6100, 9990, "2", 4400, "A")),
		"/mobileconf/ajaxop": func(url.Values) ([]byte, error) {
			return []byte(`{"success":false,"message":"too late"}`), nil
		},
	}}
	p := newTestPoller(f)

	if err := p.Resolve(context.Background(), 1, true); !errors.Is(err, ErrUnknownConfirmation) {
		t.Fatalf("unknown id: got %v", err)
	}

	if _, _, err := p.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	err := p.Resolve(context.Background(), 6100, true)
	if !errors.Is(err, ErrResolveRejected) {
		t.Fatalf("rejected resolve: got %v", err)
	}
	// Rejection must not mark the confirmation resolved.
	if _, ok := p.ByOfferID(4400); !ok {
		t.Fatalf("confirmation dropped after rejected resolve")
	}
}

func TestPoll_Throttled(t *testing.T) {
	f := &fakeSession{responses: map[string]func(url.Values) ([]byte, error){
		"/mobileconf/conf": staticPage(),
	}}
	p := NewPoller(f, testIdentitySecret, Options{MinSpacing: time.Hour})

	if _, _, err := p.Poll(context.Background()); err != nil {
		t.Fatalf("first poll: %v", err)
	}
	if _, _, err := p.Poll(context.Background()); !errors.Is(err, ErrThrottled) {
		t.Fatalf("expected ErrThrottled, got %v", err)
	}
}

func TestEvents_DeliveredOnChannel(t *testing.T) {
	f := &fakeSession{responses: map[string]func(url.Values) ([]byte, error){
		"/mobileconf/conf": staticPage(entryHTML(6100, 9990, "2", 4400, "A")),
	}}
	p := newTestPoller(f)

	if _, _, err := p.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	select {
	case ev := <-p.Events():
		if ev.Type != EventNew || ev.Confirmation.OfferID != 4400 {
			t.Fatalf("unexpected event: %#v", ev)
		}
	default:
		t.Fatalf("no event on subscription channel")
	}
}
