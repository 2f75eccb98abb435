// Package enroll issues enrollment tokens and turns them into nodes with
// agent credentials.
package enroll

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/EternisAI/silo-fleet/internal/apperr"
	"github.com/EternisAI/silo-fleet/internal/clock"
	"github.com/EternisAI/silo-fleet/internal/store"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	tokenPrefix    = "et_"
	agentKeyPrefix = "ak_"
	secretLength   = 32

	DefaultTokenTTL = 24 * time.Hour
	MaxTokenTTL     = 30 * 24 * time.Hour
)

// Enroller creates a node from a token in one step. *nodes.Registry
// implements it.
type Enroller interface {
	Enroll(ctx context.Context, tokenHash string, node *store.Node) error
}

type Store interface {
	store.EnrollmentStore
	GetNode(ctx context.Context, id string) (*store.Node, error)
}

type Service struct {
	store    Store
	enroller Enroller
	clock    clock.Clock
	cost     int
}

func NewService(st Store, enroller Enroller, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.Real()
	}
	return &Service{
		store:    st,
		enroller: enroller,
		clock:    clk,
		cost:     bcrypt.DefaultCost,
	}
}

// GenerateSecret returns prefix followed by 256 random bits.
func GenerateSecret(prefix string) (string, error) {
	b := make([]byte, secretLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return prefix + base64.RawURLEncoding.EncodeToString(b), nil
}

// HashToken is the stored form of an enrollment token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Fingerprint identifies an agent key without revealing it.
func Fingerprint(agentKey string) string {
	sum := sha256.Sum256([]byte(agentKey))
	return "SHA256:" + base64.RawStdEncoding.EncodeToString(sum[:])
}

// CreateToken stores a new single-use token. The plaintext is returned
// once and never persisted.
func (s *Service) CreateToken(ctx context.Context, name string, ttl time.Duration) (*store.EnrollmentToken, string, error) {
	switch {
	case ttl <= 0:
		ttl = DefaultTokenTTL
	case ttl > MaxTokenTTL:
		return nil, "", fmt.Errorf("token ttl above %s: %w", MaxTokenTTL, apperr.ErrInvalid)
	}

	plain, err := GenerateSecret(tokenPrefix)
	if err != nil {
		return nil, "", err
	}

	now := s.clock.Now()
	token := &store.EnrollmentToken{
		ID:        uuid.NewString(),
		TokenHash: HashToken(plain),
		Name:      name,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	if err := s.store.CreateEnrollmentToken(ctx, token); err != nil {
		return nil, "", fmt.Errorf("create enrollment token: %w", err)
	}

	slog.Info("Enrollment token created", "token_id", token.ID, "name", name, "expires_at", token.ExpiresAt)
	return token, plain, nil
}

func (s *Service) ListTokens(ctx context.Context) ([]store.EnrollmentToken, error) {
	return s.store.ListEnrollmentTokens(ctx)
}

// Facts are what a new agent reports about its host.
type Facts struct {
	Hostname     string
	IPAddress    string
	OS           string
	AgentVersion string
	MACAddress   string
}

type Result struct {
	Node     *store.Node
	AgentKey string
}

// Enroll consumes token and creates an offline node with a fresh agent
// key. The key is returned once; only its bcrypt hash is stored.
func (s *Service) Enroll(ctx context.Context, token string, facts Facts, remoteIP string) (*Result, error) {
	token = strings.TrimSpace(token)
	if !strings.HasPrefix(token, tokenPrefix) {
		slog.Warn("Enrollment attempt with malformed token", "remote_ip", remoteIP)
		return nil, fmt.Errorf("enrollment token: %w", apperr.ErrNotFound)
	}
	if facts.Hostname == "" {
		return nil, fmt.Errorf("hostname is required: %w", apperr.ErrInvalid)
	}

	agentKey, err := GenerateSecret(agentKeyPrefix)
	if err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(agentKey), s.cost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash agent key: %w", err)
	}

	ip := facts.IPAddress
	if ip == "" {
		ip = remoteIP
	}
	node := &store.Node{
		ID:                 uuid.NewString(),
		Hostname:           facts.Hostname,
		IPAddress:          ip,
		OS:                 facts.OS,
		AgentVersion:       facts.AgentVersion,
		MACAddress:         facts.MACAddress,
		AuthKeyHash:        string(hash),
		AuthKeyFingerprint: Fingerprint(agentKey),
	}
	if err := s.enroller.Enroll(ctx, HashToken(token), node); err != nil {
		slog.Warn("Enrollment rejected", "remote_ip", remoteIP, "hostname", facts.Hostname, "error", err)
		return nil, err
	}

	slog.Info("Node enrolled", "node_id", node.ID, "hostname", node.Hostname, "key_fingerprint", node.AuthKeyFingerprint)
	return &Result{Node: node, AgentKey: agentKey}, nil
}

// Authenticate checks an agent's credentials. Every failure is
// ErrForbidden so callers cannot probe for node ids.
func (s *Service) Authenticate(ctx context.Context, nodeID, agentKey string) error {
	if nodeID == "" || agentKey == "" {
		return apperr.ErrForbidden
	}
	node, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return apperr.ErrForbidden
		}
		return fmt.Errorf("authenticate: %w", err)
	}
	if node.AuthKeyHash == "" {
		return apperr.ErrForbidden
	}
	if err := bcrypt.CompareHashAndPassword([]byte(node.AuthKeyHash), []byte(agentKey)); err != nil {
		return apperr.ErrForbidden
	}
	return nil
}
