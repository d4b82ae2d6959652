// Package session owns the client's credential and identity.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/oauth2"

	"github.com/pavelanni/examclient/internal/gateway"
	"github.com/pavelanni/examclient/internal/model"
	"github.com/pavelanni/examclient/internal/store"
)

// ErrNoCredential is returned when an operation needs a credential and
// there is none.
var ErrNoCredential = errors.New("no credential")

// State is the lifecycle state of a Session.
type State int32

const (
	Uninitialized State = iota
	Initializing
	Authenticated
	Unauthenticated
	// Degraded means a valid credential is held but the identity could not
	// be fetched or recovered. Consumers treat it as "not ready", not as
	// "logged out".
	Degraded
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "UNINITIALIZED"
	case Initializing:
		return "INITIALIZING"
	case Authenticated:
		return "AUTHENTICATED"
	case Unauthenticated:
		return "UNAUTHENTICATED"
	case Degraded:
		return "DEGRADED"
	}
	return "State(" + strconv.Itoa(int(s)) + ")"
}

// Authenticator is the auth collaborator.
type Authenticator interface {
	// Authenticate exchanges credentials for a bearer token.
	Authenticate(ctx context.Context, email, password string) (string, error)
	// Me returns the identity the current bearer token belongs to.
	Me(ctx context.Context) (*model.Identity, error)
}

type Options struct {
	Primary store.KV
	Backup  store.KV
	Auth    Authenticator
	Now     func() time.Time
	// CheckInterval is how often Run validates the credential. Default 5m.
	CheckInterval time.Duration
	// IdentityTolerance is how old a cached identity may be and still be
	// used when the identity fetch fails. Default 24h.
	IdentityTolerance time.Duration
	Logger            *slog.Logger
}

// LoginResult reports the outcome of Login. Login never returns an error.
type LoginResult struct {
	OK       bool
	Identity *model.Identity
	Err      error
	// Message is the server's explanation of a failure, if it gave one.
	Message string
}

type loginInput struct {
	Email    string `validate:"required,email"`
	Password string `validate:"required"`
}

type Session struct {
	primary   store.KV
	backup    store.KV
	auth      Authenticator
	now       func() time.Time
	interval  time.Duration
	tolerance time.Duration
	logger    *slog.Logger
	validate  *validator.Validate

	mu       sync.Mutex
	state    State
	initDone bool
	cred     *model.Credential
	identity *model.Identity
	// gen increments whenever the credential is replaced or cleared. A
	// check that started under an older generation must not act.
	gen           uint64
	recoveryTried bool
	recoveryGen   uint64

	changed chan struct{}
	ready   chan struct{}
}

func New(opts Options) (*Session, error) {
	if opts.Primary == nil || opts.Backup == nil {
		return nil, errors.New("session: primary and backup stores are required")
	}
	if opts.Auth == nil {
		return nil, errors.New("session: authenticator is required")
	}
	s := &Session{
		primary:   opts.Primary,
		backup:    opts.Backup,
		auth:      opts.Auth,
		now:       opts.Now,
		interval:  opts.CheckInterval,
		tolerance: opts.IdentityTolerance,
		logger:    opts.Logger,
		validate:  validator.New(),
		changed:   make(chan struct{}, 1),
		ready:     make(chan struct{}),
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.interval <= 0 {
		s.interval = 5 * time.Minute
	}
	if s.tolerance <= 0 {
		s.tolerance = 24 * time.Hour
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s, nil
}

// Initialize restores the session from durable storage. It runs once;
// later calls return the current state.
func (s *Session) Initialize(ctx context.Context) State {
	s.mu.Lock()
	if s.initDone || s.state == Initializing {
		st := s.state
		s.mu.Unlock()
		return st
	}
	if s.cred != nil {
		// A login completed before initialization; nothing to restore.
		s.initDone = true
		st := s.state
		s.mu.Unlock()
		close(s.ready)
		return st
	}
	s.state = Initializing
	gen := s.gen
	s.mu.Unlock()

	st := s.initialize(ctx, gen)

	s.mu.Lock()
	s.initDone = true
	s.mu.Unlock()
	close(s.ready)
	s.logger.Info("session initialized", "state", st)
	return st
}

func (s *Session) initialize(ctx context.Context, gen uint64) State {
	tok, ok := s.readDurable()
	if !ok {
		return s.finish(gen, Unauthenticated, nil, nil)
	}
	cred, err := Decode(tok)
	if err != nil || cred.Expired(s.now()) {
		if err != nil {
			s.logger.Warn("stored credential is unreadable, clearing", "error", err)
		} else {
			s.logger.Info("stored credential expired, clearing", "expired_at", cred.ExpiresAt)
		}
		s.mu.Lock()
		if s.gen == gen {
			s.clearDurableLocked()
		}
		s.mu.Unlock()
		return s.finish(gen, Unauthenticated, nil, nil)
	}

	// Adopt before the identity fetch so the gateway attaches it.
	s.mu.Lock()
	if s.gen == gen {
		s.cred = &cred
	}
	s.mu.Unlock()

	id, err := s.auth.Me(ctx)
	if err == nil {
		return s.finish(gen, Authenticated, &cred, id)
	}
	s.logger.Warn("identity fetch failed during initialization", "error", err)
	if cached, ok := s.cachedIdentity(); ok {
		s.logger.Info("using cached identity", "user_id", cached.ID)
		return s.finish(gen, Authenticated, &cred, cached)
	}
	return s.finish(gen, Degraded, &cred, nil)
}

// finish applies the outcome of initialization unless the credential
// changed underneath it.
func (s *Session) finish(gen uint64, st State, cred *model.Credential, id *model.Identity) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return s.state
	}
	s.state = st
	s.cred = cred
	s.identity = id
	if id != nil {
		s.cacheIdentityLocked(id)
	}
	return st
}

// Login exchanges credentials for a token, stores it durably and adopts the
// identity behind it.
func (s *Session) Login(ctx context.Context, email, password string) LoginResult {
	if err := s.validate.Struct(loginInput{Email: email, Password: password}); err != nil {
		return LoginResult{Err: fmt.Errorf("%w: %w", gateway.ErrBadRequest, err), Message: err.Error()}
	}
	tok, err := s.auth.Authenticate(ctx, email, password)
	if err != nil {
		s.logger.Warn("login failed", "email", email, "error", err)
		return LoginResult{Err: err, Message: gateway.Detail(err)}
	}
	cred, err := Decode(tok)
	if err != nil {
		return LoginResult{Err: err, Message: err.Error()}
	}
	if cred.Expired(s.now()) {
		err := fmt.Errorf("%w: server issued an expired token", gateway.ErrAuthExpired)
		return LoginResult{Err: err, Message: err.Error()}
	}

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.cred = &cred
	s.identity = nil
	// The fetch below is this generation's one identity fetch.
	s.recoveryTried, s.recoveryGen = true, gen
	if err := s.persistLocked(cred); err != nil {
		s.gen++
		s.cred = nil
		s.mu.Unlock()
		return LoginResult{Err: fmt.Errorf("store credential: %w", err), Message: err.Error()}
	}
	s.mu.Unlock()
	s.notify()

	id, err := s.auth.Me(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return LoginResult{Err: errors.New("session changed during login")}
	}
	if err != nil {
		// The token is stored; the validity check recovers the identity.
		s.logger.Warn("identity fetch after login failed", "error", err)
		s.state = Degraded
		s.recoveryTried = false
		return LoginResult{OK: true}
	}
	s.identity = id
	s.state = Authenticated
	s.cacheIdentityLocked(id)
	s.logger.Info("logged in", "user_id", id.ID, "role", id.Role)
	return LoginResult{OK: true, Identity: cloneIdentity(id)}
}

// Logout clears the credential and identity from memory and both stores.
func (s *Session) Logout() {
	s.mu.Lock()
	s.logoutLocked()
	s.mu.Unlock()
	s.notify()
}

func (s *Session) logoutLocked() {
	s.gen++
	s.cred = nil
	s.identity = nil
	if s.state != Uninitialized {
		s.state = Unauthenticated
	}
	s.clearDurableLocked()
	s.logger.Info("logged out")
}

// expire logs out only if the credential is still the one observed at gen.
func (s *Session) expire(gen uint64) bool {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		s.logger.Debug("credential changed during check, not logging out")
		return false
	}
	s.logoutLocked()
	s.mu.Unlock()
	s.notify()
	return true
}

// Refresh re-fetches the identity for the current credential.
func (s *Session) Refresh(ctx context.Context) error {
	s.mu.Lock()
	gen := s.gen
	cred := s.cred
	s.mu.Unlock()
	if cred == nil {
		return ErrNoCredential
	}
	id, err := s.auth.Me(ctx)
	if err != nil {
		return fmt.Errorf("refresh identity: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return nil
	}
	s.identity = id
	s.state = Authenticated
	s.cacheIdentityLocked(id)
	return nil
}

// Validate is the validity check. It logs out on expiry and makes one
// identity recovery attempt per credential when a durable credential exists
// without a matching in-memory session.
func (s *Session) Validate(ctx context.Context) {
	s.mu.Lock()
	if !s.initDone {
		s.mu.Unlock()
		s.logger.Debug("skipping validation during initialization")
		return
	}
	gen := s.gen
	cred := s.cred
	hasIdentity := s.identity != nil
	s.mu.Unlock()

	now := s.now()
	durable, ok := s.readDurable()

	if cred != nil {
		if cred.Expired(now) {
			s.logger.Info("credential expired, logging out", "expired_at", cred.ExpiresAt)
			s.expire(gen)
			return
		}
		if !ok {
			s.mu.Lock()
			if s.gen == gen {
				s.logger.Warn("durable credential missing, restoring from memory")
				_ = s.persistLocked(*cred)
			}
			s.mu.Unlock()
		}
		if !hasIdentity {
			s.recover(ctx, gen, *cred)
		}
		return
	}

	if !ok {
		return
	}
	c, err := Decode(durable)
	if err != nil || c.Expired(now) {
		s.logger.Info("durable credential invalid or expired, logging out")
		s.expire(gen)
		return
	}
	s.recover(ctx, gen, c)
}

// recover makes at most one identity fetch per credential generation.
func (s *Session) recover(ctx context.Context, gen uint64, cred model.Credential) {
	s.mu.Lock()
	if s.gen != gen || (s.recoveryTried && s.recoveryGen == gen) {
		s.mu.Unlock()
		return
	}
	s.recoveryTried, s.recoveryGen = true, gen
	if s.cred == nil {
		s.cred = &cred
	}
	s.mu.Unlock()

	s.logger.Info("recovering identity for stored credential")
	id, err := s.auth.Me(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	if err != nil {
		s.logger.Warn("identity recovery failed", "error", err)
		if s.identity == nil {
			s.state = Degraded
		}
		return
	}
	s.identity = id
	s.state = Authenticated
	s.cacheIdentityLocked(id)
}

// Run validates the credential every check interval and whenever it
// changes, until ctx is done.
func (s *Session) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Validate(ctx)
		case <-s.changed:
			s.Validate(ctx)
		}
	}
}

// ExpireIfInvalid decodes the current credential and clears the session when
// it is absent or expired. It reports whether the credential still looks
// valid. Only the request gateway calls it.
func (s *Session) ExpireIfInvalid() bool {
	s.mu.Lock()
	gen := s.gen
	tok := ""
	if s.cred != nil {
		tok = s.cred.Token
	}
	s.mu.Unlock()

	if tok == "" {
		tok, _ = s.readDurable()
	}
	if tok != "" {
		c, err := Decode(tok)
		if err == nil && !c.Expired(s.now()) {
			return true
		}
	}
	s.expire(gen)
	return false
}

// Token implements oauth2.TokenSource.
func (s *Session) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cred == nil {
		return nil, ErrNoCredential
	}
	return &oauth2.Token{
		AccessToken: s.cred.Token,
		TokenType:   "Bearer",
		Expiry:      s.cred.ExpiresAt,
	}, nil
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ready is closed once initialization has finished.
func (s *Session) Ready() <-chan struct{} {
	return s.ready
}

// Settled reports whether the state is final, so screens can stop waiting.
func (s *Session) Settled() bool {
	st := s.State()
	return st == Authenticated || st == Unauthenticated
}

func (s *Session) Credential() (model.Credential, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cred == nil {
		return model.Credential{}, false
	}
	return *s.cred, true
}

func (s *Session) Identity() *model.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneIdentity(s.identity)
}

// UserID returns the id of the signed-in user, preferring the fetched
// identity over the token claims and the cached id.
func (s *Session) UserID() int64 {
	s.mu.Lock()
	id, cred := s.identity, s.cred
	s.mu.Unlock()
	if id != nil && id.ID > 0 {
		return id.ID
	}
	if cred != nil && cred.UserID > 0 {
		return cred.UserID
	}
	if v, ok, err := s.primary.Get(store.KeyUserID); err == nil && ok {
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	}
	return 0
}

func (s *Session) notify() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

// readDurable returns the stored credential, restoring the primary store
// from the backup when only the backup has it.
func (s *Session) readDurable() (string, bool) {
	v, ok, err := s.primary.Get(store.KeyToken)
	if err != nil {
		s.logger.Error("read primary credential", "error", err)
	}
	if ok && v != "" {
		return v, true
	}
	v, ok, err = s.backup.Get(store.KeyTokenBackup)
	if err != nil {
		s.logger.Error("read backup credential", "error", err)
		return "", false
	}
	if !ok || v == "" {
		return "", false
	}
	s.logger.Info("restoring credential from backup store")
	if err := s.primary.Set(store.KeyToken, v); err != nil {
		s.logger.Error("restore primary credential", "error", err)
	}
	return v, true
}

// persistLocked writes the credential to both stores. It fails only when
// neither write succeeded.
func (s *Session) persistLocked(c model.Credential) error {
	errP := s.primary.Set(store.KeyToken, c.Token)
	if errP != nil {
		s.logger.Error("store credential in primary store", "error", errP)
	}
	if errP == nil && c.UserID > 0 {
		if err := s.primary.Set(store.KeyUserID, strconv.FormatInt(c.UserID, 10)); err != nil {
			s.logger.Error("store user id", "error", err)
		}
	}
	errB := s.backup.Set(store.KeyTokenBackup, c.Token)
	if errB != nil {
		s.logger.Error("store credential in backup store", "error", errB)
	}
	if errP != nil && errB != nil {
		return errors.Join(errP, errB)
	}
	return nil
}

func (s *Session) clearDurableLocked() {
	if err := s.primary.Delete(store.KeyToken, store.KeyUserID); err != nil {
		s.logger.Error("clear primary store", "error", err)
	}
	if err := s.backup.Delete(store.KeyTokenBackup, store.KeyLastAuthUser, store.KeyLastAuthTime); err != nil {
		s.logger.Error("clear backup store", "error", err)
	}
}

func (s *Session) cacheIdentityLocked(id *model.Identity) {
	data, err := json.Marshal(id)
	if err != nil {
		s.logger.Error("encode identity", "error", err)
		return
	}
	if err := s.backup.Set(store.KeyLastAuthUser, string(data)); err != nil {
		s.logger.Error("cache identity", "error", err)
		return
	}
	if err := s.backup.Set(store.KeyLastAuthTime, s.now().Format(time.RFC3339Nano)); err != nil {
		s.logger.Error("cache identity time", "error", err)
	}
	if id.ID > 0 {
		if err := s.primary.Set(store.KeyUserID, strconv.FormatInt(id.ID, 10)); err != nil {
			s.logger.Error("store user id", "error", err)
		}
	}
}

// cachedIdentity returns the last known identity if it is within tolerance.
func (s *Session) cachedIdentity() (*model.Identity, bool) {
	raw, ok, err := s.backup.Get(store.KeyLastAuthUser)
	if err != nil || !ok {
		return nil, false
	}
	at, ok, err := s.backup.Get(store.KeyLastAuthTime)
	if err != nil || !ok {
		return nil, false
	}
	cachedAt, err := time.Parse(time.RFC3339Nano, at)
	if err != nil || s.now().Sub(cachedAt) > s.tolerance {
		return nil, false
	}
	var id model.Identity
	if err := json.Unmarshal([]byte(raw), &id); err != nil {
		s.logger.Warn("cached identity is unreadable", "error", err)
		return nil, false
	}
	return &id, true
}

func cloneIdentity(id *model.Identity) *model.Identity {
	if id == nil {
		return nil
	}
	c := *id
	return &c
}
