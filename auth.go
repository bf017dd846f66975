package growlog

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const credentialStoreKey = "auth.credential"

// ============================================================================
// Credentials
// ============================================================================

// AuthCredential is the bearer credential pair attached to every request.
type AuthCredential struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

// Expired reports whether the access token is past its expiry. A zero
// expiry never expires.
func (c *AuthCredential) Expired(now time.Time) bool {
	return !c.Expiry.IsZero() && now.After(c.Expiry)
}

// RefreshFunc exchanges a refresh token for a new credential over the
// network.
type RefreshFunc func(ctx context.Context, refreshToken string) (*AuthCredential, error)

// ============================================================================
// TokenGuard
// ============================================================================

// TokenGuard holds the current credential, decorates outgoing requests, and
// runs the refresh flow. Concurrent Refresh callers share a single in-flight
// refresh: the first caller performs the network call, the rest wait on its
// result.
type TokenGuard struct {
	mu        sync.RWMutex
	cred      *AuthCredential
	refreshFn RefreshFunc
	store     BlobStore
	flight    singleflight.Group
	log       logrus.FieldLogger
}

// NewTokenGuard creates a guard. A non-nil store persists credentials across
// restarts; refreshFn may be nil when the caller only ever sets static
// tokens.
func NewTokenGuard(refreshFn RefreshFunc, store BlobStore, log logrus.FieldLogger) *TokenGuard {
	if log == nil {
		log = discardLogger()
	}
	g := &TokenGuard{refreshFn: refreshFn, store: store, log: log}
	g.restore()
	return g
}

func (g *TokenGuard) restore() {
	if g.store == nil {
		return
	}
	data, err := g.store.Read(credentialStoreKey)
	if err != nil || data == nil {
		return
	}
	var cred AuthCredential
	if json.Unmarshal(data, &cred) == nil && cred.AccessToken != "" {
		g.cred = &cred
	}
}

// SetCredential replaces the current credential and persists it.
func (g *TokenGuard) SetCredential(cred *AuthCredential) {
	g.mu.Lock()
	g.cred = cred
	g.mu.Unlock()
	if g.store != nil && cred != nil {
		if data, err := json.Marshal(cred); err == nil {
			if err := g.store.Write(credentialStoreKey, data); err != nil {
				g.log.WithError(err).Warn("failed to persist credential")
			}
		}
	}
}

// Credential returns the current credential, or nil when unauthenticated.
func (g *TokenGuard) Credential() *AuthCredential {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cred
}

// Decorate attaches the Authorization header to req. Requests without a
// credential go out unauthenticated; the server decides.
func (g *TokenGuard) Decorate(req *http.Request) {
	g.mu.RLock()
	cred := g.cred
	g.mu.RUnlock()
	if cred != nil && cred.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	}
}

// Refresh runs the refresh flow and installs the new credential. When N
// goroutines call Refresh concurrently, exactly one underlying refresh call
// is made and every caller observes its outcome.
func (g *TokenGuard) Refresh(ctx context.Context) (*AuthCredential, error) {
	v, err, _ := g.flight.Do(credentialStoreKey, func() (interface{}, error) {
		g.mu.RLock()
		cred := g.cred
		fn := g.refreshFn
		g.mu.RUnlock()

		if fn == nil {
			return nil, newError(KindAuthentication, "no refresh flow configured")
		}
		refreshToken := ""
		if cred != nil {
			refreshToken = cred.RefreshToken
		}
		if refreshToken == "" {
			return nil, newError(KindAuthentication, "no refresh token available")
		}

		g.log.Debug("refreshing access token")
		fresh, err := fn(ctx, refreshToken)
		if err != nil {
			g.log.WithError(err).Warn("token refresh failed")
			return nil, &Error{Kind: KindAuthentication, Message: "token refresh failed", Err: err}
		}
		g.SetCredential(fresh)
		return fresh, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*AuthCredential), nil
}
