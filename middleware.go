package socketcore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// Middleware is one admission check. Returning nil accepts the handshake
// and passes it to the next check; returning an error rejects it.
type Middleware func(ctx context.Context, hs *Handshake) error

// Attributes are values attached to a socket during admission.
type Attributes map[string]any

func (a Attributes) clone() Attributes {
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Handshake is what a client presents when it asks to join a namespace.
type Handshake struct {
	Namespace  string
	Auth       map[string]any
	Header     http.Header
	RemoteAddr string
	Query      url.Values

	attrs   Attributes
	ns      *Namespace
	server  *Server
	release []func()
}

// Set attaches an attribute. Attributes reach the socket only if every check
// accepts.
func (h *Handshake) Set(key string, value any) {
	if h.attrs == nil {
		h.attrs = make(Attributes)
	}
	h.attrs[key] = value
}

// Get returns an attribute set by an earlier check.
func (h *Handshake) Get(key string) (any, bool) {
	v, ok := h.attrs[key]
	return v, ok
}

// AuthString returns a string field of the auth payload.
func (h *Handshake) AuthString(key string) string {
	if v, ok := h.Auth[key].(string); ok {
		return v
	}
	return ""
}

// Occupancy returns the number of connected sockets in the target namespace.
// It is zero for a namespace nobody has joined yet.
func (h *Handshake) Occupancy() int {
	if h.ns == nil {
		return 0
	}
	return h.ns.connectedCount()
}

// reserveSlot claims a place in the target namespace that counts against max
// until the handshake settles. Reservations made for the same handshake are
// shared across checks.
func (h *Handshake) reserveSlot(max int) bool {
	if h.server == nil {
		return h.Occupancy() < max
	}
	release, ok := h.server.reserveSlot(h.Namespace, max, len(h.release) > 0)
	if release != nil {
		h.release = append(h.release, release)
	}
	return ok
}

// settle gives back the slots reserved during admission. The admitted socket
// is counted by then.
func (h *Handshake) settle() {
	for _, release := range h.release {
		release()
	}
	h.release = nil
}

// AdmissionTrace describes one executed check.
type AdmissionTrace struct {
	Namespace string
	Step      int
	Duration  time.Duration
	Err       error
}

// admit runs server checks then namespace checks in registration order and
// stops at the first rejection. ns is nil for a namespace that does not exist
// yet. Slots reserved by the checks are held until hs.settle.
func (s *Server) admit(ctx context.Context, name string, ns *Namespace, hs *Handshake) (Attributes, error) {
	hs.Namespace = name
	hs.ns = ns
	hs.server = s
	hs.attrs = nil

	chain := s.middlewareChain(ns)
	logger := s.logger.With(zap.String("nsp", name), zap.String("remote", hs.RemoteAddr))
	started := time.Now()

	for i, check := range chain {
		begin := time.Now()
		err := runCheck(ctx, check, hs)
		trace := AdmissionTrace{Namespace: name, Step: i, Duration: time.Since(begin), Err: err}

		logger.Debug("admission check",
			zap.Int("step", i),
			zap.Duration("took", trace.Duration),
			zap.Error(err),
		)
		if s.hook != nil {
			s.hook(trace)
		}

		if err != nil {
			rejection := asAdmissionError(err)
			hs.settle()
			s.metrics.RecordAdmission(name, time.Since(started), false)
			logger.Info("handshake rejected", zap.String("reason", rejection.Reason))
			return nil, rejection
		}
	}

	s.metrics.RecordAdmission(name, time.Since(started), true)
	return hs.attrs.clone(), nil
}

func (s *Server) middlewareChain(ns *Namespace) []Middleware {
	s.mwMu.RLock()
	chain := append([]Middleware(nil), s.middlewares...)
	s.mwMu.RUnlock()

	if ns == nil {
		return chain
	}
	ns.mwMu.RLock()
	chain = append(chain, ns.middlewares...)
	ns.mwMu.RUnlock()

	return chain
}

// runCheck turns a panicking check into a rejection.
func runCheck(ctx context.Context, check Middleware, hs *Handshake) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Reject("middleware error")
		}
	}()
	return check(ctx, hs)
}

func asAdmissionError(err error) *AdmissionError {
	var ae *AdmissionError
	if errors.As(err, &ae) {
		return ae
	}
	return &AdmissionError{Reason: err.Error()}
}

// Credentials accepts handshakes whose auth payload carries a username and
// password approved by check. The username becomes the "username" attribute.
func Credentials(check func(user, pass string) bool) Middleware {
	return func(_ context.Context, hs *Handshake) error {
		user := hs.AuthString("username")
		if user == "" || !check(user, hs.AuthString("password")) {
			return Reject("invalid credentials")
		}
		hs.Set("username", user)
		return nil
	}
}

// JWT accepts handshakes carrying an HS256 token signed with secret, taken
// from auth.token or a bearer Authorization header. The subject becomes the
// "username" attribute.
func JWT(secret []byte) Middleware {
	return func(_ context.Context, hs *Handshake) error {
		raw := hs.AuthString("token")
		if raw == "" {
			raw = bearerToken(hs.Header)
		}
		if raw == "" {
			return Reject("missing token")
		}

		claims := &jwt.RegisteredClaims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid {
			return Reject("invalid token")
		}
		if claims.Subject == "" {
			return Reject("token has no subject")
		}

		hs.Set("username", claims.Subject)
		return nil
	}
}

// IssueToken signs an HS256 token for subject, accepted by JWT(secret).
func IssueToken(secret []byte, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ConnectionLimit rejects handshakes once the namespace holds max connected
// sockets. Handshakes being admitted at the same time count too.
func ConnectionLimit(max int) Middleware {
	return func(_ context.Context, hs *Handshake) error {
		if max > 0 && !hs.reserveSlot(max) {
			return Reject("too many connections")
		}
		return nil
	}
}

func bearerToken(h http.Header) string {
	value := h.Get("Authorization")
	if len(value) > 7 && strings.EqualFold(value[:7], "bearer ") {
		return strings.TrimSpace(value[7:])
	}
	return ""
}
