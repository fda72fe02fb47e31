// Package electrical talks to the Glia directory service: the external
// boundary through which nodes register, resolve each other, maintain
// persona sessions and exchange envelopes via the myelin relay.
package electrical

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"souma/node/internal/keyring"
	"souma/node/internal/platform/ratelimiter"
)

var ErrNoSession = errors.New("no active session for persona")

// APIError is a non-2xx directory response.
type APIError struct {
	Status int
	Errors []string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("directory returned %d: %s", e.Status, strings.Join(e.Errors, "; "))
}

type Client struct {
	log     *slog.Logger
	http    *http.Client
	base    *url.URL
	soumaID string
	signer  *keyring.Identity
	limiter *ratelimiter.MapLimiter

	sessions *sessionTable
	offset   int64
}

// New builds a client. signer is the node's own identity; every request is
// authenticated with it. relayRPS paces outbound relays per recipient.
func New(log *slog.Logger, baseURL, soumaID string, signer *keyring.Identity, relayRPS float64, relayBurst int) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid directory url: %w", err)
	}
	return &Client{
		log:      log,
		http:     &http.Client{Timeout: 15 * time.Second},
		base:     base,
		soumaID:  soumaID,
		signer:   signer,
		limiter:  ratelimiter.New(relayRPS, relayBurst, 10*time.Minute),
		sessions: newSessionTable(),
	}, nil
}

// do sends an authenticated request. Every call carries three headers: the
// node id, a random nonce, and a signature over nonce, path and body so
// the directory can verify the caller holds the node key.
func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	u := c.base.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	nonceB64 := base64.StdEncoding.EncodeToString(nonce)
	auth, err := c.signer.Sign(append(append([]byte(nonceB64), []byte(u.Path)...), payload...))
	if err != nil {
		return err
	}
	req.Header.Set("Glia-Souma", c.soumaID)
	req.Header.Set("Glia-Rand", nonceB64)
	req.Header.Set("Glia-Auth", auth)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var envelope struct {
			Errors []struct {
				Message string `json:"message"`
			} `json:"errors"`
		}
		if json.Unmarshal(raw, &envelope) == nil {
			for _, e := range envelope.Errors {
				apiErr.Errors = append(apiErr.Errors, e.Message)
			}
		}
		return apiErr
	}
	if out != nil && len(raw) > 0 {
		return json.Unmarshal(raw, out)
	}
	return nil
}
