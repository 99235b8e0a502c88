// Package devicetoken issues and validates signed bearer tokens for
// hardware nodes. Signatures are checked without any lookup; revocation,
// expiry bookkeeping and last use are tracked in memory by token id and
// persisted to a MetadataStore.
package devicetoken

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	mrand "math/rand/v2"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"shop-monitor-backend/config"
	"shop-monitor-backend/internal/apperr"
	"shop-monitor-backend/internal/log"
	"shop-monitor-backend/internal/metrics"
)

// Scopes understood by the API.
const (
	ScopeBasic       = "read:basic"
	ScopeIntegration = "integration"
	ScopeAdmin       = "admin"
)

var (
	ErrInvalidToken = apperr.New(apperr.KindToken, "invalid token")
	ErrUnknownToken = apperr.New(apperr.KindToken, "unknown token")
	ErrRevokedToken = apperr.New(apperr.KindToken, "token revoked")
	ErrExpiredToken = apperr.New(apperr.KindToken, "token expired")
)

// Claims is the signed claim set.
type Claims struct {
	Scopes []string `json:"scopes"`
	NodeID string   `json:"node,omitempty"`
	jwt.RegisteredClaims
}

// IssueRequest describes a token to mint. Zero TTL and empty scopes take
// the defaults.
type IssueRequest struct {
	MachineID *int64
	NodeID    string
	TTL       time.Duration
	Scopes    []string
}

// Service is the device token service. Each instance owns its own
// metadata map.
type Service struct {
	secret      []byte
	issuer      string
	defaultTTL  time.Duration
	sweepChance float64
	flushEvery  time.Duration

	store  MetadataStore
	logger zerolog.Logger
	now    func() time.Time
	roll   func() float64

	mu    sync.RWMutex
	meta  map[string]*Metadata
	dirty map[string]struct{}

	// persistMu is held from snapshot to store write so writes reach the
	// store in the order their snapshots were taken. Acquire before mu.
	persistMu sync.Mutex
}

// NewService loads existing metadata from st and returns the service.
func NewService(cfg *config.TokenConfig, st MetadataStore) (*Service, error) {
	logger := log.WithComponent("devicetoken")

	secret := []byte(cfg.Secret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("failed to generate token secret: %w", err)
		}
		logger.Warn().Msg("No token secret configured; issued tokens will not survive a restart")
	}

	s := &Service{
		secret:      secret,
		issuer:      cfg.Issuer,
		defaultTTL:  time.Duration(cfg.DefaultTTLDays) * 24 * time.Hour,
		sweepChance: cfg.CleanupProbability,
		flushEvery:  cfg.FlushInterval,
		store:       st,
		logger:      logger,
		now:         time.Now,
		roll:        mrand.Float64,
		dirty:       make(map[string]struct{}),
	}

	loaded, err := st.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to load token metadata: %w", err)
	}
	s.meta = loaded
	logger.Info().Int("tokens", len(loaded)).Msg("Token metadata loaded")
	return s, nil
}

// SetClock overrides the time source used for claims and expiry checks.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Issue signs a new token and records its metadata.
func (s *Service) Issue(req IssueRequest) (string, *Metadata, error) {
	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	scopes := req.Scopes
	if len(scopes) == 0 {
		scopes = []string{ScopeBasic}
	}

	now := s.now()
	meta := &Metadata{
		TokenID:   uuid.NewString(),
		MachineID: req.MachineID,
		NodeID:    req.NodeID,
		Scopes:    append([]string(nil), scopes...),
		Created:   now,
		Expires:   now.Add(ttl),
	}

	claims := Claims{
		Scopes: meta.Scopes,
		NodeID: req.NodeID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			ExpiresAt: jwt.NewNumericDate(meta.Expires),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        meta.TokenID,
		},
	}
	if req.MachineID != nil {
		claims.Subject = strconv.FormatInt(*req.MachineID, 10)
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign token: %w", err)
	}

	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.Lock()
	s.meta[meta.TokenID] = meta
	s.mu.Unlock()

	if err := s.store.Put(meta.clone()); err != nil {
		return "", nil, fmt.Errorf("failed to persist token metadata: %w", err)
	}
	s.logger.Info().Str("token_id", meta.TokenID).Str("node_id", req.NodeID).Strs("scopes", scopes).Msg("Token issued")
	return signed, meta.clone(), nil
}

func (s *Service) parse(raw string, opts ...jwt.ParserOption) (*Claims, error) {
	claims := &Claims{}
	opts = append(opts,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithTimeFunc(s.now),
	)
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// Validate checks the signature and claims, then the metadata record, and
// records the use.
func (s *Service) Validate(raw string) (*Metadata, error) {
	claims, err := s.parse(raw, jwt.WithExpirationRequired())
	if err != nil {
		result := "invalid"
		if errors.Is(err, jwt.ErrTokenExpired) {
			result = "expired"
		}
		metrics.TokenValidations.WithLabelValues(result).Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, ok := s.meta[claims.ID]
	switch {
	case !ok:
		metrics.TokenValidations.WithLabelValues("unknown").Inc()
		return nil, ErrUnknownToken
	case meta.Revoked:
		metrics.TokenValidations.WithLabelValues("revoked").Inc()
		return nil, ErrRevokedToken
	case !now.Before(meta.Expires):
		metrics.TokenValidations.WithLabelValues("expired").Inc()
		return nil, ErrExpiredToken
	}

	meta.LastUsed = &now
	s.dirty[meta.TokenID] = struct{}{}
	metrics.TokenValidations.WithLabelValues("valid").Inc()
	return meta.clone(), nil
}

// Revoke revokes the token's id. The signature must verify; expiry is
// ignored so stale tokens can still be revoked. It reports whether the id
// was known.
func (s *Service) Revoke(raw string) (bool, error) {
	claims, err := s.parse(raw, jwt.WithoutClaimsValidation())
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return s.RevokeID(claims.ID)
}

// RevokeID marks the id revoked. Revoking twice is harmless.
func (s *Service) RevokeID(id string) (bool, error) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.Lock()
	meta, ok := s.meta[id]
	if !ok {
		s.mu.Unlock()
		return false, nil
	}
	already := meta.Revoked
	meta.Revoked = true
	snapshot := meta.clone()
	delete(s.dirty, id)
	s.mu.Unlock()

	if already {
		return true, nil
	}
	if err := s.store.Put(snapshot); err != nil {
		return true, fmt.Errorf("failed to persist revocation: %w", err)
	}
	s.logger.Info().Str("token_id", id).Msg("Token revoked")
	return true, nil
}

// Lookup returns a copy of the metadata for id.
func (s *Service) Lookup(id string) (*Metadata, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.meta[id]
	if !ok {
		return nil, false
	}
	return m.clone(), true
}

// List returns copies of all metadata records.
func (s *Service) List() []*Metadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Metadata, 0, len(s.meta))
	for _, m := range s.meta {
		out = append(out, m.clone())
	}
	return out
}

// Sweep purges expired records and returns how many were removed.
func (s *Service) Sweep() int {
	now := s.now()
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.Lock()
	var expired []string
	for id, m := range s.meta {
		if !now.Before(m.Expires) {
			expired = append(expired, id)
			delete(s.meta, id)
			delete(s.dirty, id)
		}
	}
	s.mu.Unlock()

	if len(expired) == 0 {
		return 0
	}
	if err := s.store.Delete(expired...); err != nil {
		s.logger.Error().Err(err).Msg("Failed to delete expired tokens from store")
	}
	s.logger.Debug().Int("removed", len(expired)).Msg("Expired tokens swept")
	return len(expired)
}

// MaybeSweep runs Sweep with the configured probability. Request handlers
// call it instead of a dedicated timer.
func (s *Service) MaybeSweep() int {
	if s.roll() >= s.sweepChance {
		return 0
	}
	return s.Sweep()
}

// Flush persists last-use updates recorded since the previous flush.
func (s *Service) Flush() error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.Lock()
	batch := make([]*Metadata, 0, len(s.dirty))
	for id := range s.dirty {
		if m, ok := s.meta[id]; ok {
			batch = append(batch, m.clone())
		}
	}
	s.dirty = make(map[string]struct{})
	s.mu.Unlock()

	if err := s.store.Put(batch...); err != nil {
		// Put the ids back so the next flush retries them.
		s.mu.Lock()
		for _, m := range batch {
			s.dirty[m.TokenID] = struct{}{}
		}
		s.mu.Unlock()
		return fmt.Errorf("failed to flush token metadata: %w", err)
	}
	return nil
}

// Run flushes periodically until ctx is cancelled, then flushes once more.
func (s *Service) Run(ctx context.Context) {
	interval := s.flushEvery
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := s.Flush(); err != nil {
				s.logger.Error().Err(err).Msg("Final token flush failed")
			}
			return
		case <-ticker.C:
			if err := s.Flush(); err != nil {
				s.logger.Error().Err(err).Msg("Token flush failed")
			}
		}
	}
}

// Close flushes pending updates and closes the store.
func (s *Service) Close() error {
	flushErr := s.Flush()
	if err := s.store.Close(); err != nil {
		return err
	}
	return flushErr
}
