package gateway

import (
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/clawgate/clawgate/internal/config"
	"github.com/clawgate/clawgate/internal/gateway/protocol"
	"github.com/clawgate/clawgate/internal/trust"
)

// ErrUnauthorized is the single failure surfaced to a client whose connect
// auth was rejected. Deliberately detail-free.
var ErrUnauthorized = errors.New("unauthorized")

// ConnMeta captures the transport-level facts about a connection that the
// auth policy may consult.
type ConnMeta struct {
	RemoteAddr    string
	ForwardedFor  string
	Origin        string
	Host          string
	UserAgent     string
	TailscaleUser string
}

// connMetaFromRequest snapshots the upgrade request before it is gone.
func connMetaFromRequest(r *http.Request) ConnMeta {
	return ConnMeta{
		RemoteAddr:    r.RemoteAddr,
		ForwardedFor:  r.Header.Get("X-Forwarded-For"),
		Origin:        r.Header.Get("Origin"),
		Host:          r.Host,
		UserAgent:     r.Header.Get("User-Agent"),
		TailscaleUser: r.Header.Get("Tailscale-User-Login"),
	}
}

// Authorizer decides whether a connect attempt may proceed. It is the
// pluggable seam business modules can replace with their own policy.
type Authorizer interface {
	Authorize(params *protocol.ConnectParams, meta ConnMeta) error
}

// ConnectAuthorizer implements the built-in token/password/Tailscale policy.
// Node-mode clients authorize with their pairing credential instead of the
// gateway secret, which is how a paired node re-establishes trust without
// re-approval.
type ConnectAuthorizer struct {
	auth  config.GatewayAuth
	trust *trust.Store
}

// NewConnectAuthorizer builds the default policy from gateway config.
func NewConnectAuthorizer(auth config.GatewayAuth, store *trust.Store) *ConnectAuthorizer {
	return &ConnectAuthorizer{auth: auth, trust: store}
}

// Authorize applies the configured mode. May touch disk for node token
// verification.
func (a *ConnectAuthorizer) Authorize(params *protocol.ConnectParams, meta ConnMeta) error {
	if params.Client.Mode == "node" {
		return a.authorizeNode(params)
	}

	switch a.auth.Mode {
	case "", "none":
		return nil
	case "token":
		if params.Auth != nil && secureEquals(params.Auth.Token, a.auth.Token) && a.auth.Token != "" {
			return nil
		}
	case "password":
		if params.Auth != nil && secureEquals(params.Auth.Password, a.auth.Password) && a.auth.Password != "" {
			return nil
		}
	default:
		return ErrUnauthorized
	}

	if a.auth.AllowTailscale && fromTailscale(meta) {
		return nil
	}
	return ErrUnauthorized
}

// authorizeNode verifies the node credential minted at pairing approval.
func (a *ConnectAuthorizer) authorizeNode(params *protocol.ConnectParams) error {
	if a.trust == nil || params.Auth == nil || params.Auth.Token == "" {
		return ErrUnauthorized
	}
	ok, err := a.trust.VerifyToken(params.Client.ID, params.Auth.Token)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnauthorized
	}
	return nil
}

// fromTailscale reports whether the connection plausibly arrived over the
// tailnet: either the serve proxy attached an identity header, or the peer
// address sits in the Tailscale CGNAT range.
func fromTailscale(meta ConnMeta) bool {
	if meta.TailscaleUser != "" {
		return true
	}
	host := meta.RemoteAddr
	if h, _, err := net.SplitHostPort(meta.RemoteAddr); err == nil {
		host = h
	}
	ip := net.ParseIP(strings.TrimSpace(host))
	if ip == nil {
		return false
	}
	_, cgnat, _ := net.ParseCIDR("100.64.0.0/10")
	return cgnat.Contains(ip)
}

func secureEquals(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
