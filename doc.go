/*
Package session provides database-backed session storage for Go web applications.

It offers a unified Handler API for session persistence with support for multiple
backends, including SQLite (CGO-free), PostgreSQL, Memcached, and Redis. Records
are created on first read, payloads survive any byte sequence losslessly, and
expired records are removed in bounded batches by a probabilistically triggered
reaper.

Key Features:

  - Modular Storage: Pluggable Handler architecture supporting SQLite, PostgreSQL, Memcached, and Redis.
  - Lossless Payloads: Binary session data is stored as-is when the connection
    accepts it and transparently base64-encoded when it does not.
  - Race-Safe Creation: Reading an unknown session ID creates its record exactly
    once, even under concurrent first requests.
  - Security First:
  - Session ID regeneration to prevent session fixation attacks.
  - Strict session ID validation.
  - Secure default cookie settings (HttpOnly, SameSite).
  - Context-aware storage operations.
  - Bounded Cleanup: Expired records are collected in fixed-size batches, either
    probabilistically on save or by a background worker.

Usage:

To use session, first initialize a storage backend (Handler) and then create a Manager with your desired configuration.

	// Initialize SQLite store
	store, err := session.NewSQLiteStore("sessions.db")
	if err != nil {
		log.Fatal(err)
	}

	// Create session manager
	mgr := session.NewManager(session.Config{
		Handler:    store,
		TTL:        24 * time.Hour,
		CookieName: "session_id",
	})
	defer mgr.Close()

	// Use in HTTP handlers
	http.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		s, _ := mgr.Get(r)
		s.Set("authenticated", true)
		s.Set("user_id", 42)
		if err := mgr.Save(w, r, s); err != nil {
			http.Error(w, "Failed to save session", http.StatusInternalServerError)
		}
	})

Handler Implementations:

  - SQLite: Uses modernc.org/sqlite for a CGO-free, embedded database experience.
  - PostgreSQL: uses github.com/lib/pq for robust, relational database storage.
  - Memcached: Uses github.com/bradfitz/gomemcache for high-performance, in-memory caching.
  - Redis: Uses github.com/redis/go-redis for distributed caching with native key expiry.

Thread Safety:

The Manager and Handler implementations are safe for concurrent use by multiple
goroutines. Session values are guarded by the Set, Get, Delete, and Clear
accessors, though a Session is normally scoped to a single request.
*/
package session
