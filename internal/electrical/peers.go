package electrical

import (
	"context"
	"fmt"
	"net"

	ma "github.com/multiformats/go-multiaddr"

	"souma/node/internal/keyring"
)

// PeerInfo is a directory record for another node.
type PeerInfo struct {
	SoumaID     string
	Host        string
	Port        int
	SignPublic  string
	CryptPublic string
}

// Addr renders the peer's location as a multiaddr, using /ip4 or /ip6 for
// literal addresses and /dns4 for hostnames.
func (p PeerInfo) Addr() (ma.Multiaddr, error) {
	var proto string
	switch ip := net.ParseIP(p.Host); {
	case ip == nil:
		proto = "dns4"
	case ip.To4() != nil:
		proto = "ip4"
	default:
		proto = "ip6"
	}
	return ma.NewMultiaddr(fmt.Sprintf("/%s/%s/tcp/%d", proto, p.Host, p.Port))
}

// ResolvePersona fetches a persona's directory record and returns its
// public keys as a foreign identity, so envelopes from authors this node
// has never met can still be verified and answered.
func (c *Client) ResolvePersona(ctx context.Context, personaID string) (*keyring.Identity, error) {
	var resp struct {
		Personas []struct {
			ID          string `json:"id"`
			Username    string `json:"username"`
			SignPublic  string `json:"sign_public"`
			CryptPublic string `json:"crypt_public"`
		} `json:"personas"`
	}
	if err := c.do(ctx, "GET", "/v0/personas/"+personaID, nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.Personas) == 0 {
		return nil, &APIError{Status: 200, Errors: []string{"persona record not found"}}
	}
	p := resp.Personas[0]
	return keyring.ForeignIdentity(p.ID, p.Username, p.SignPublic, p.CryptPublic)
}

// ResolvePeer looks up another node's record.
func (c *Client) ResolvePeer(ctx context.Context, soumaID string) (PeerInfo, error) {
	var resp struct {
		Soumas []struct {
			ID          string `json:"id"`
			Host        string `json:"host"`
			Port        int    `json:"port"`
			SignPublic  string `json:"sign_public"`
			CryptPublic string `json:"crypt_public"`
		} `json:"soumas"`
	}
	if err := c.do(ctx, "GET", "/v0/soumas/"+soumaID, nil, &resp); err != nil {
		return PeerInfo{}, err
	}
	if len(resp.Soumas) == 0 {
		return PeerInfo{}, &APIError{Status: 200, Errors: []string{"souma record not found"}}
	}
	s := resp.Soumas[0]
	return PeerInfo{
		SoumaID:     s.ID,
		Host:        s.Host,
		Port:        s.Port,
		SignPublic:  s.SignPublic,
		CryptPublic: s.CryptPublic,
	}, nil
}
