// Package gateway authenticates and upgrades the optional WebSocket
// ingress into a transport.Conn, adapted from go-server/internal/auth's
// JWTManager. Unlike that teacher, busd's claims carry bus credentials
// (uid/pid) rather than an application user/role, since the only thing
// the routing core ever consults a gateway peer's identity for is the
// same policy evaluation a Unix-socket peer's SO_PEERCRED would drive.
package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/busd/busd/internal/transport"
)

// Claims is the token payload a gateway client presents in place of
// SO_PEERCRED: the uid/pid busd's policy engine and GetConnectionUnixUser
// should report for this connection.
type Claims struct {
	UID uint32 `json:"uid"`
	PID uint32 `json:"pid"`
	jwt.RegisteredClaims
}

// Manager verifies gateway connection tokens against a single shared
// secret, the same HS256 scheme go-server's JWTManager uses. An empty
// secret disables authentication entirely: every gateway connection is
// accepted with Known=false credentials, matching a permissive session
// bus used only for local development.
type Manager struct {
	secretKey []byte
}

func NewManager(secret string) *Manager {
	if secret == "" {
		return &Manager{}
	}
	return &Manager{secretKey: []byte(secret)}
}

func (m *Manager) enabled() bool { return len(m.secretKey) > 0 }

// Verify validates tokenString and returns its claims.
func (m *Manager) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secretKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("gateway: invalid token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("gateway: invalid token claims")
	}
	return claims, nil
}

func extractToken(r *http.Request) (string, error) {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok, nil
	}
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(auth, prefix) {
		return strings.TrimPrefix(auth, prefix), nil
	}
	return "", errors.New("gateway: no token in query or Authorization header")
}

// UpgradeHandler upgrades an authenticated HTTP request to a WebSocket
// and hands the resulting transport.Conn to onConn, which runs on the
// HTTP handler's goroutine and is expected to enqueue the connection
// onto the event loop itself (see internal/daemon.Daemon.acceptLoop's
// Unix-socket counterpart).
func (m *Manager) UpgradeHandler(onConn func(*transport.WebSocketConn)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var uid, pid uint32
		haveCreds := false

		if m.enabled() {
			tok, err := extractToken(r)
			if err != nil {
				http.Error(w, "unauthorized: "+err.Error(), http.StatusUnauthorized)
				return
			}
			claims, err := m.Verify(tok)
			if err != nil {
				http.Error(w, "unauthorized: "+err.Error(), http.StatusUnauthorized)
				return
			}
			uid, pid, haveCreds = claims.UID, claims.PID, true
		}

		conn, err := transport.Upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		wc, err := transport.NewWebSocketConn(conn, uid, pid, haveCreds)
		if err != nil {
			_ = conn.Close()
			return
		}
		onConn(wc)
	}
}

// IssueToken signs a short-lived token for uid/pid, used by local tooling
// (e.g. a CLI subcommand or test harness) that needs to connect through
// the gateway without a real peer-credential source.
func (m *Manager) IssueToken(uid, pid uint32, ttl time.Duration) (string, error) {
	if !m.enabled() {
		return "", errors.New("gateway: no secret configured, tokens cannot be issued")
	}
	claims := &Claims{
		UID: uid,
		PID: pid,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "busd",
			Subject:   strconv.FormatUint(uint64(uid), 10),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secretKey)
}
