package electrical

import (
	"context"
	"sync"
	"time"
)

type session struct {
	id      string
	timeout time.Time
}

type sessionTable struct {
	mu        sync.Mutex
	byPersona map[string]session
}

func newSessionTable() *sessionTable {
	return &sessionTable{byPersona: make(map[string]session)}
}

func (t *sessionTable) put(personaID string, s session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byPersona[personaID] = s
}

func (t *sessionTable) get(personaID string) (session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.byPersona[personaID]
	return s, ok
}

func (t *sessionTable) drop(personaID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byPersona, personaID)
}

// expiring returns persona ids whose sessions time out within the window.
func (t *sessionTable) expiring(window time.Duration, now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for personaID, s := range t.byPersona {
		if s.timeout.Sub(now) <= window {
			out = append(out, personaID)
		}
	}
	return out
}

type sessionResponse struct {
	Sessions []struct {
		ID      string `json:"id"`
		Timeout string `json:"timeout"`
	} `json:"sessions"`
}

// Login opens a directory session for a persona. The request itself is
// authenticated by the node key headers; the persona id names whose inbox
// and presence the session covers.
func (c *Client) Login(ctx context.Context, personaID string) error {
	var resp sessionResponse
	err := c.do(ctx, "POST", "/v0/personas/"+personaID+"/sessions", map[string]any{
		"souma_id": c.soumaID,
	}, &resp)
	if err != nil {
		return err
	}
	if len(resp.Sessions) == 0 {
		return &APIError{Status: 200, Errors: []string{"login response carried no session"}}
	}
	s := session{id: resp.Sessions[0].ID}
	if t, err := time.Parse(time.RFC3339Nano, resp.Sessions[0].Timeout); err == nil {
		s.timeout = t
	}
	c.sessions.put(personaID, s)
	c.log.Info("persona session opened", "persona_id", personaID, "timeout", s.timeout)
	return nil
}

// KeepAlive refreshes sessions that expire within the window. Sessions the
// directory no longer recognizes are dropped and reopened on next login.
func (c *Client) KeepAlive(ctx context.Context, window time.Duration) error {
	now := time.Now().UTC()
	for _, personaID := range c.sessions.expiring(window, now) {
		s, ok := c.sessions.get(personaID)
		if !ok {
			continue
		}
		var resp sessionResponse
		err := c.do(ctx, "GET", "/v0/sessions/"+s.id, nil, &resp)
		if err != nil {
			c.log.Warn("session keepalive failed, dropping session", "persona_id", personaID, "error", err)
			c.sessions.drop(personaID)
			if loginErr := c.Login(ctx, personaID); loginErr != nil {
				return loginErr
			}
			continue
		}
		if len(resp.Sessions) > 0 {
			next := session{id: resp.Sessions[0].ID}
			if t, err := time.Parse(time.RFC3339Nano, resp.Sessions[0].Timeout); err == nil {
				next.timeout = t
			}
			c.sessions.put(personaID, next)
		}
	}
	return nil
}

// Logout closes a persona's session.
func (c *Client) Logout(ctx context.Context, personaID string) error {
	s, ok := c.sessions.get(personaID)
	if !ok {
		return ErrNoSession
	}
	c.sessions.drop(personaID)
	return c.do(ctx, "DELETE", "/v0/sessions/"+s.id, nil, nil)
}
