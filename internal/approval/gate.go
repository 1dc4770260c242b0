// Package approval implements the synchronous human sign-off gate over the
// Telegram bot API. A request sends one summary message, then polls for a
// reply equal to the approval keyword within a bounded window.
//
// Replies are correlated by position in the channel: only updates received
// after the request was sent are considered, so a stale keyword left over
// from an earlier request is never accepted.
package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const Keyword = "SIGN"

type Gate struct {
	BaseURL    string
	HTTPClient *http.Client
	token      string
	chatID     string
	window     time.Duration
	poll       time.Duration
}

func New(token, chatID string, window, poll time.Duration) *Gate {
	return &Gate{
		BaseURL:    "https://api.telegram.org",
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		token:      token,
		chatID:     chatID,
		window:     window,
		poll:       poll,
	}
}

type update struct {
	UpdateID int64 `json:"update_id"`
	Message  struct {
		Text string `json:"text"`
		Date int64  `json:"date"`
	} `json:"message"`
}

type updatesResponse struct {
	OK     bool     `json:"ok"`
	Result []update `json:"result"`
}

// RequestApproval sends summary over the channel and blocks until either a
// fresh reply matching the keyword arrives or the window elapses. Timeouts
// and channel errors both report false; the gate never fails a finalize call
// with anything other than a denied approval.
func (g *Gate) RequestApproval(ctx context.Context, summary string) bool {
	offset, err := g.latestUpdateID(ctx)
	if err != nil {
		log.Printf("[approval] baseline fetch failed: %v", err)
	}
	sentAt := time.Now().Unix()
	if err := g.Send(ctx, summary); err != nil {
		log.Printf("[approval] send failed: %v", err)
		return false
	}

	deadline := time.Now().Add(g.window)
	ticker := time.NewTicker(g.poll)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
		updates, err := g.fetchUpdates(ctx, offset+1)
		if err != nil {
			log.Printf("[approval] poll failed: %v", err)
			continue
		}
		for _, u := range updates {
			if u.UpdateID > offset {
				offset = u.UpdateID
			}
			if u.Message.Date < sentAt {
				continue
			}
			if strings.EqualFold(strings.TrimSpace(u.Message.Text), Keyword) {
				return true
			}
		}
	}
	return false
}

// Send posts one message to the configured chat. Best-effort callers ignore
// the error.
func (g *Gate) Send(ctx context.Context, text string) error {
	form := url.Values{}
	form.Set("chat_id", g.chatID)
	form.Set("text", text)
	form.Set("parse_mode", "Markdown")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/bot%s/sendMessage", g.BaseURL, g.token),
		strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := g.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sendMessage status %d", resp.StatusCode)
	}
	return nil
}

// latestUpdateID returns the newest update id already in the channel, so the
// approval poll starts strictly after the request.
func (g *Gate) latestUpdateID(ctx context.Context) (int64, error) {
	updates, err := g.fetchUpdates(ctx, -1)
	if err != nil {
		return 0, err
	}
	if len(updates) == 0 {
		return 0, nil
	}
	return updates[len(updates)-1].UpdateID, nil
}

func (g *Gate) fetchUpdates(ctx context.Context, offset int64) ([]update, error) {
	u := fmt.Sprintf("%s/bot%s/getUpdates?offset=%s", g.BaseURL, g.token,
		strconv.FormatInt(offset, 10))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := g.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out updatesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if !out.OK {
		return nil, fmt.Errorf("getUpdates not ok")
	}
	return out.Result, nil
}
