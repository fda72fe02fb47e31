package electrical

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
)

// PollInbox fetches envelopes queued at the directory since the last poll.
// The server-side offset advances only after a successful fetch, so a
// failed poll re-reads the same window.
func (c *Client) PollInbox(ctx context.Context) ([][]byte, error) {
	offset := atomic.LoadInt64(&c.offset)
	var resp struct {
		Vesicles []json.RawMessage `json:"vesicles"`
		Meta     struct {
			CurrentOffset int64 `json:"current_offset"`
		} `json:"meta"`
	}
	path := fmt.Sprintf("/v0/myelin/recent_vesicles?offset=%d", offset)
	if err := c.do(ctx, "GET", path, nil, &resp); err != nil {
		return nil, err
	}
	atomic.StoreInt64(&c.offset, resp.Meta.CurrentOffset)

	out := make([][]byte, 0, len(resp.Vesicles))
	for _, raw := range resp.Vesicles {
		out = append(out, []byte(raw))
	}
	if len(out) > 0 {
		c.log.Debug("inbox poll returned envelopes", "count", len(out), "offset", resp.Meta.CurrentOffset)
	}
	return out, nil
}

// Relay hands a serialized envelope to the directory for delivery to a
// recipient persona. Sends are paced per recipient so one busy
// distribution cannot flood a single inbox.
func (c *Client) Relay(ctx context.Context, recipientID string, data []byte) error {
	if err := c.limiter.Wait(ctx, recipientID); err != nil {
		return err
	}
	var envelope struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.ID == "" {
		return fmt.Errorf("relay payload is not an envelope")
	}
	path := "/v0/myelin/vesicles/" + envelope.ID
	err := c.do(ctx, "PUT", path, map[string]any{
		"vesicle":      json.RawMessage(data),
		"recipient_id": recipientID,
	}, nil)
	if err != nil {
		return err
	}
	c.log.Debug("envelope relayed", "vesicle_id", envelope.ID, "recipient_id", recipientID)
	return nil
}

// RegisterNode announces this node to the directory.
func (c *Client) RegisterNode(ctx context.Context, host string, port int) error {
	return c.do(ctx, "PUT", "/v0/soumas/"+c.soumaID, map[string]any{
		"soumas": []map[string]any{{
			"id":           c.soumaID,
			"crypt_public": c.signer.CryptPublicB64(),
			"sign_public":  c.signer.SignPublicB64(),
			"host":         host,
			"port":         port,
			"version":      "0.1",
		}},
	}, nil)
}

// ResetOffset rewinds the inbox cursor, forcing the next poll to re-read.
func (c *Client) ResetOffset() {
	atomic.StoreInt64(&c.offset, 0)
}
