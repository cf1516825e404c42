// Package session signs and verifies the session cookie and decides whether
// a request arrived over TLS, directly or through a trusted proxy.
package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const CookieName = "session"

type Manager struct {
	secret  []byte
	ttl     time.Duration
	proxies []*net.IPNet
	now     func() time.Time
}

// NewManager builds a Manager. Proxy entries may be single IPs or CIDR ranges;
// unparseable entries are ignored.
func NewManager(secret string, ttl time.Duration, trustedProxies []string) *Manager {
	m := &Manager{secret: []byte(secret), ttl: ttl, now: time.Now}
	for _, p := range trustedProxies {
		if n := parseProxy(p); n != nil {
			m.proxies = append(m.proxies, n)
		}
	}
	return m
}

func parseProxy(entry string) *net.IPNet {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return nil
	}
	if strings.Contains(entry, "/") {
		_, n, err := net.ParseCIDR(entry)
		if err != nil {
			return nil
		}
		return n
	}
	ip := net.ParseIP(entry)
	if ip == nil {
		return nil
	}
	bits := 8 * len(ip)
	if v4 := ip.To4(); v4 != nil {
		ip, bits = v4, 32
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}
}

func (m *Manager) TTL() time.Duration { return m.ttl }

func (m *Manager) sign(data string) string {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

// Token encodes sessionID and userID with the issue time and an HMAC.
func (m *Manager) Token(sessionID, userID string) string {
	payload := sessionID + ":" + userID + ":" + strconv.FormatInt(m.now().Unix(), 10)
	return base64.URLEncoding.EncodeToString([]byte(payload + ":" + m.sign(payload)))
}

// ParseToken returns the ids in token, or empty strings if the token is
// malformed, tampered with or older than the TTL.
func (m *Manager) ParseToken(token string) (sessionID, userID string) {
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return "", ""
	}
	parts := strings.Split(string(raw), ":")
	if len(parts) != 4 {
		return "", ""
	}
	sessionID, userID, issuedStr, sig := parts[0], parts[1], parts[2], parts[3]
	if sessionID == "" || userID == "" {
		return "", ""
	}

	issued, err := strconv.ParseInt(issuedStr, 10, 64)
	if err != nil {
		return "", ""
	}
	if m.now().Sub(time.Unix(issued, 0)) > m.ttl {
		return "", ""
	}

	expected := m.sign(sessionID + ":" + userID + ":" + issuedStr)
	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return "", ""
	}
	return sessionID, userID
}

func (m *Manager) FromRequest(r *http.Request) (sessionID, userID string) {
	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return "", ""
	}
	return m.ParseToken(cookie.Value)
}

func (m *Manager) SetCookie(w http.ResponseWriter, r *http.Request, sessionID, userID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    m.Token(sessionID, userID),
		Path:     "/",
		HttpOnly: true,
		Secure:   m.IsSecureRequest(r),
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(m.ttl.Seconds()),
	})
}

func (m *Manager) ClearCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   m.IsSecureRequest(r),
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
	})
}

// IsTrusted reports whether ip belongs to a configured proxy.
func (m *Manager) IsTrusted(ip string) bool {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return false
	}
	for _, n := range m.proxies {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}

func (m *Manager) IsTrustedRemote(remoteAddr string) bool {
	if len(m.proxies) == 0 {
		return false
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	return m.IsTrusted(host)
}

func (m *Manager) IsSecureRequest(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.URL.Scheme, "https") {
		return true
	}
	if !m.IsTrustedRemote(r.RemoteAddr) {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(r.Header.Get("X-Forwarded-Proto")), "https")
}
