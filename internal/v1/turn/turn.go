// Package turn derives short-lived TURN REST credentials from the shared
// relay secret and assembles the ICE server configuration handed to
// browsers, plus the pure capacity math behind the voice statistics.
package turn

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// publicSTUN is handed to every client regardless of TURN configuration so
// peers behind ordinary NATs can still discover their reflexive address.
const publicSTUN = "stun:stun.l.google.com:19302"

// Credentials are ephemeral TURN REST credentials: the username is a unix
// expiry timestamp and the credential is the base64 HMAC-SHA1 of that
// username under the shared secret, per the TURN REST API convention.
type Credentials struct {
	Username   string `json:"username"`
	Credential string `json:"credential"`
}

// RESTCredentials mints credentials that the relay will honor for ttl
// past now.
func RESTCredentials(secret string, ttl time.Duration, now time.Time) Credentials {
	username := strconv.FormatInt(now.Add(ttl).Unix(), 10)
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(username))
	return Credentials{
		Username:   username,
		Credential: base64.StdEncoding.EncodeToString(mac.Sum(nil)),
	}
}

// IceServer is one RTCIceServer entry as the browser consumes it.
type IceServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// IceConfig is the RTCConfiguration subset returned by GET /turn and
// embedded in the hello frame.
type IceConfig struct {
	IceServers []IceServer `json:"iceServers"`
}

// Provider assembles ICE configurations for the configured TURN
// deployment. The zero-ish provider (no URLs, no secret) still yields a
// usable STUN-only configuration.
type Provider struct {
	urls   []string
	secret string
	ttl    time.Duration
	now    func() time.Time
}

// NewProvider returns a Provider minting credentials valid for ttl.
func NewProvider(urls []string, secret string, ttl time.Duration) *Provider {
	return &Provider{urls: urls, secret: secret, ttl: ttl, now: time.Now}
}

// URLs returns the configured TURN URLs.
func (p *Provider) URLs() []string {
	return p.urls
}

// IceConfig returns the servers a client should use right now. The public
// STUN entry is always present; a TURN entry with fresh REST credentials
// is appended when a relay is configured.
func (p *Provider) IceConfig() IceConfig {
	cfg := IceConfig{IceServers: []IceServer{{URLs: []string{publicSTUN}}}}
	if len(p.urls) == 0 || p.secret == "" {
		return cfg
	}
	creds := RESTCredentials(p.secret, p.ttl, p.now())
	cfg.IceServers = append(cfg.IceServers, IceServer{
		URLs:       p.urls,
		Username:   creds.Username,
		Credential: creds.Credential,
	})
	return cfg
}

// Host returns the host:port of the first configured TURN URL, with the
// scheme and any ?transport= suffix stripped. Empty without TURN.
func (p *Provider) Host() string {
	if len(p.urls) == 0 {
		return ""
	}
	return hostPort(p.urls[0])
}

// Handler serves GET /turn: the current IceConfig as JSON.
func Handler(p *Provider) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, p.IceConfig())
	}
}

// LoopbackMismatch reports whether every configured TURN URL points at a
// loopback host while the client connects from somewhere else. In that
// shape the client would be handed relay candidates it can never reach,
// which is worth an advisory in the hello frame.
func LoopbackMismatch(urls []string, clientIP string) bool {
	if len(urls) == 0 {
		return false
	}
	for _, u := range urls {
		if !loopbackHost(hostOnly(hostPort(u))) {
			return false
		}
	}
	ip := net.ParseIP(clientIP)
	return ip != nil && !ip.IsLoopback()
}

// CapacityCalls is how many simultaneous two-party calls the relay port
// range can carry, assuming two allocations per call.
func CapacityCalls(totalPorts int) int {
	return totalPorts / 2
}

// MaxConferenceUsers is the largest group size whose full mesh fits the
// relay budget: the largest k with k(k-1)/2 <= totalPorts/2.
func MaxConferenceUsers(totalPorts int) int {
	budget := float64(totalPorts / 2)
	return int(math.Floor((1 + math.Sqrt(1+8*budget)) / 2))
}

func hostPort(u string) string {
	for _, scheme := range []string{"turns:", "turn:", "stun:"} {
		if strings.HasPrefix(u, scheme) {
			u = strings.TrimPrefix(u, scheme)
			break
		}
	}
	u = strings.TrimPrefix(u, "//")
	if i := strings.IndexByte(u, '?'); i >= 0 {
		u = u[:i]
	}
	return u
}

func hostOnly(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return hostport
}

func loopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
