package session

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/gob"
	"errors"
	"io"
	mrand "math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

var (
	// ErrSessionTooLarge is returned when the session data exceeds the configured MaxSessionBytes.
	ErrSessionTooLarge = errors.New("session data too large")

	// ErrInvalidSessionID is returned when the session ID format is invalid.
	ErrInvalidSessionID = errors.New("invalid session id")
)

// Manager glues the Handler contract to HTTP: cookie lifecycle, session
// identifiers, value serialization and expired-record collection.
type Manager struct {
	handler         Handler
	ttl             time.Duration
	cookie          string
	cookiePath      string
	cookieDomain    string
	cleanup         time.Duration
	gcProbability   float64
	stopChan        chan struct{}
	httpOnly        bool
	secure          *bool
	sameSite        http.SameSite
	maxSessionBytes int
	log             zerolog.Logger
}

type Config struct {
	Handler         Handler
	TTL             time.Duration
	CookieName      string
	CookiePath      string
	CookieDomain    string
	CleanupInterval time.Duration // Background collection period. 0 disables the worker.
	GCProbability   float64       // Chance per Save of triggering collection. 0 means DefaultGCProbability; negative disables.
	HttpOnly        *bool
	Secure          *bool
	SameSite        http.SameSite
	MaxSessionBytes int // Maximum size in bytes of the serialized session data. 0 means unlimited.
	Logger          *zerolog.Logger
}

func NewManager(cfg Config) *Manager {
	if cfg.CookieName == "" {
		cfg.CookieName = "session_id"
	}
	if cfg.CookiePath == "" {
		cfg.CookiePath = "/"
	}
	if cfg.TTL == 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.GCProbability == 0 {
		cfg.GCProbability = DefaultGCProbability
	}
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}

	m := &Manager{
		handler:         cfg.Handler,
		ttl:             cfg.TTL,
		cookie:          cfg.CookieName,
		cookiePath:      cfg.CookiePath,
		cookieDomain:    cfg.CookieDomain,
		cleanup:         cfg.CleanupInterval,
		gcProbability:   cfg.GCProbability,
		stopChan:        make(chan struct{}),
		httpOnly:        true, // Default
		secure:          cfg.Secure,
		sameSite:        http.SameSiteLaxMode, // Default
		maxSessionBytes: cfg.MaxSessionBytes,
		log:             log,
	}

	if cfg.HttpOnly != nil {
		m.httpOnly = *cfg.HttpOnly
	}

	if cfg.SameSite != 0 {
		m.sameSite = cfg.SameSite
	}

	// Browsers reject SameSite=None cookies if the Secure attribute is
	// missing, so Secure is enforced even when not explicitly set.
	if m.sameSite == http.SameSiteNoneMode {
		secure := true
		m.secure = &secure
	}

	if m.cleanup > 0 {
		go m.cleanupWorker()
	}

	return m
}

func (m *Manager) cleanupWorker() {
	ticker := time.NewTicker(m.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if _, err := m.handler.GC(ctx, m.ttl); err != nil {
				m.log.Warn().Err(err).Msg("background session collection failed")
			}
			cancel()
		case <-m.stopChan:
			return
		}
	}
}

func (m *Manager) Close() error {
	close(m.stopChan)
	return m.handler.Close()
}

func (m *Manager) Get(r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(m.cookie)
	if err != nil {
		return m.New(), nil
	}

	// Input validation: Ensure the session ID matches the expected format
	// (26 Crockford base32 characters). This prevents invalid or malicious
	// keys from reaching the backend.
	if !isValidID(cookie.Value) {
		return m.New(), nil
	}

	data, err := m.handler.Read(r.Context(), cookie.Value)
	if err != nil {
		return nil, err
	}

	// A fresh record: keep the presented id so the record created by Read
	// is the one this session saves into.
	if len(data) == 0 {
		return m.sessionWithID(cookie.Value), nil
	}

	env, err := decodeEnvelope(data)
	if err != nil {
		// A payload this manager cannot decode is useless; start over
		// rather than failing every request that presents it.
		m.log.Warn().Str("id", cookie.Value).Err(err).Msg("undecodable session payload, starting fresh")
		return m.New(), nil
	}

	// Expiration is enforced here as well as in the backend: SQL records
	// outlive their lifetime until the reaper removes them, and cache
	// backends may expire lazily.
	if env.ExpiresAt.Before(time.Now()) {
		return m.New(), nil
	}

	values := env.Values
	if values == nil {
		values = make(map[string]any)
	}

	return &Session{
		ID:        cookie.Value,
		Values:    values,
		CreatedAt: env.CreatedAt,
		ExpiresAt: env.ExpiresAt,
	}, nil
}

func (m *Manager) Save(w http.ResponseWriter, r *http.Request, s *Session) error {
	// Acquire lock to prevent race conditions with concurrent Session.Set/Delete calls.
	// This ensures s.Values is not mutated while it is being encoded.
	s.mu.Lock()
	defer s.mu.Unlock()

	if !isValidID(s.ID) {
		return ErrInvalidSessionID
	}

	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.ExpiresAt = now.Add(m.ttl)

	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer PutBuffer(buf)

	env := sessionEnvelope{
		Values:    s.Values,
		CreatedAt: s.CreatedAt,
		ExpiresAt: s.ExpiresAt,
	}
	if err := gob.NewEncoder(buf).Encode(env); err != nil {
		return err
	}

	if m.maxSessionBytes > 0 && buf.Len() > m.maxSessionBytes {
		return ErrSessionTooLarge
	}

	// The handler must consume the buffer before returning; Write is
	// synchronous, so the buffer can be wiped and pooled afterwards.
	if err := m.handler.Write(r.Context(), s.ID, buf.Bytes()); err != nil {
		return err
	}

	secure := r.TLS != nil
	if m.secure != nil {
		secure = *m.secure
	}

	http.SetCookie(w, &http.Cookie{
		Name:     m.cookie,
		Value:    s.ID,
		Path:     m.cookiePath,
		Domain:   m.cookieDomain,
		Expires:  s.ExpiresAt,
		MaxAge:   int(m.ttl.Seconds()),
		HttpOnly: m.httpOnly,
		Secure:   secure,
		SameSite: m.sameSite,
	})

	m.maybeCollect()

	return nil
}

// Regenerate regenerates the session ID to prevent session fixation attacks.
// It saves the session under a new ID and removes the old record from the
// backend.
func (m *Manager) Regenerate(w http.ResponseWriter, r *http.Request, s *Session) error {
	oldID := s.ID
	newID, err := generateID()
	if err != nil {
		return err
	}
	s.ID = newID

	if err := m.Save(w, r, s); err != nil {
		s.ID = oldID // Restore old ID on failure
		return err
	}

	if err := m.handler.Destroy(r.Context(), oldID); err != nil {
		// Leaving the old record valid would keep a fixation handle
		// alive, so fail closed: drop the new record and clear the
		// cookie.
		_ = m.handler.Destroy(r.Context(), newID)

		secure := r.TLS != nil
		if m.secure != nil {
			secure = *m.secure
		}

		http.SetCookie(w, &http.Cookie{
			Name:     m.cookie,
			Value:    "",
			Path:     m.cookiePath,
			Domain:   m.cookieDomain,
			MaxAge:   -1,
			HttpOnly: m.httpOnly,
			Secure:   secure,
			SameSite: m.sameSite,
		})

		return err
	}

	return nil
}

func (m *Manager) Destroy(w http.ResponseWriter, r *http.Request, s *Session) error {
	// Always clear the cookie, even if the backend delete fails, so the
	// client side is logged out.
	secure := r.TLS != nil
	if m.secure != nil {
		secure = *m.secure
	}

	http.SetCookie(w, &http.Cookie{
		Name:     m.cookie,
		Value:    "",
		Path:     m.cookiePath,
		Domain:   m.cookieDomain,
		MaxAge:   -1,
		HttpOnly: m.httpOnly,
		Secure:   secure,
		SameSite: m.sameSite,
	})

	// Session values are wiped from memory whether or not the backend
	// delete succeeds.
	defer s.Clear()

	if err := m.handler.Destroy(r.Context(), s.ID); err != nil {
		return err
	}

	return nil
}

func (m *Manager) New() *Session {
	id, err := generateID()
	if err != nil {
		panic(err)
	}
	return m.sessionWithID(id)
}

func (m *Manager) sessionWithID(id string) *Session {
	now := time.Now()
	return &Session{
		ID:        id,
		Values:    make(map[string]any),
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}
}

// maybeCollect triggers expired-record collection on a small fraction of
// saves. It runs off the request path and its failure never surfaces to the
// triggering request.
func (m *Manager) maybeCollect() {
	if m.gcProbability <= 0 {
		return
	}
	if !drawWithProbability(m.gcProbability) {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		removed, err := m.handler.GC(ctx, m.ttl)
		if err != nil {
			m.log.Warn().Err(err).Msg("session collection failed")
			return
		}
		if removed > 0 {
			m.log.Debug().Int64("removed", removed).Msg("collected expired sessions")
		}
	}()
}

// rngPool reuses *math/rand/v2.Rand instances to amortize the cost of
// seeding from crypto/rand. This keeps the per-save collection draw off the
// syscall path.
var rngPool = sync.Pool{}

func drawWithProbability(p float64) bool {
	if p >= 1 {
		return true
	}

	v := rngPool.Get()
	var rng *mrand.Rand
	if v == nil {
		// First time use or pool is empty: seed a new generator from crypto/rand.
		var seed [32]byte
		if _, err := io.ReadFull(rand.Reader, seed[:]); err != nil {
			// No entropy, no draw; a later save will trigger collection.
			return false
		}
		rng = mrand.New(mrand.NewChaCha8(seed))
	} else {
		rng = v.(*mrand.Rand)
	}

	ok := rng.Float64() < p
	rngPool.Put(rng)
	return ok
}

// generateID returns a new 26-character session identifier (a ULID).
func generateID() (string, error) {
	id, err := ulid.New(ulid.Timestamp(time.Now()), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// validIDChars is a lookup table for Crockford base32 (digits and uppercase
// letters excluding I, L, O and U), the session identifier alphabet.
var validIDChars = [256]bool{}

func init() {
	for _, c := range []byte("0123456789ABCDEFGHJKMNPQRSTVWXYZ") {
		validIDChars[c] = true
	}
}

func isValidID(id string) bool {
	if len(id) != sessionIDLength {
		return false
	}
	// Iterate exactly sessionIDLength times so the compiler can eliminate
	// bounds checks for id[i] inside the loop.
	for i := 0; i < sessionIDLength; i++ {
		// Lookup table is faster than multiple comparisons
		if !validIDChars[id[i]] {
			return false
		}
	}
	return true
}
