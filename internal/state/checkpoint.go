// Package state persists a snapshot of the offer table across restarts. The
// snapshot is advisory: offers cannot be resumed, but anything that was still
// live when the process died is surfaced for review on the next start.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"steamhelper/internal/trade"
)

type Checkpoint struct {
	// AccountName guards against replaying a snapshot from a different
	// account's run.
	AccountName string `json:"account_name"`

	SavedAt time.Time    `json:"saved_at"`
	Offers  []trade.View `json:"offers,omitempty"`
}

// Unfinished returns the offers that had not reached a terminal state when
// the snapshot was taken.
func (c Checkpoint) Unfinished() []trade.View {
	var out []trade.View
	for _, v := range c.Offers {
		switch v.State {
		case trade.StateAccepted.String(), trade.StateDeclined.String(),
			trade.StateCanceled.String(), trade.StateExpired.String(),
			trade.StateInvalid.String(), trade.StateFailed.String():
			continue
		}
		out = append(out, v)
	}
	return out
}

func Load(path string) (Checkpoint, bool, error) {
	if path == "" {
		return Checkpoint{}, false, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Checkpoint{}, false, nil
		}
		return Checkpoint{}, false, err
	}

	var ckpt Checkpoint
	if err := json.Unmarshal(b, &ckpt); err != nil {
		return Checkpoint{}, false, fmt.Errorf("parse checkpoint %s: %w", path, err)
	}
	return ckpt, true, nil
}

func Save(path string, ckpt Checkpoint) error {
	if path == "" {
		return nil
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	b, err := json.MarshalIndent(ckpt, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
