package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"ChainSentry/pkg/logger"
)

const jwtHeaderJSON = `{"alg":"HS256","typ":"JWT"}`

// encodedJWTHeader 是编码后的 JWT 头部。
var encodedJWTHeader = base64.RawURLEncoding.EncodeToString([]byte(jwtHeaderJSON))

// Service 负责 HTTP 端点的身份验证和授权。
type Service struct {
	mode   Mode
	tokens map[string]*Subject
	jwt    *jwtManager
	audit  *slog.Logger
}

// NewService 构造身份认证服务实例。
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(string(cfg.Mode)))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{
		mode:  mode,
		audit: logger.Audit(),
	}

	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeStatic:
		if len(cfg.Tokens) == 0 {
			return nil, errors.New("static mode requires at least one token")
		}
		svc.tokens = make(map[string]*Subject, len(cfg.Tokens))
		for _, entry := range cfg.Tokens {
			token := strings.TrimSpace(entry.Token)
			if token == "" {
				return nil, errors.New("static token must not be empty")
			}
			if _, exists := svc.tokens[token]; exists {
				return nil, fmt.Errorf("duplicate static token for %s", entry.Name)
			}
			svc.tokens[token] = &Subject{
				Name:        entry.Name,
				Roles:       append([]string(nil), entry.Roles...),
				Permissions: append([]string(nil), entry.Permissions...),
				Disabled:    entry.Disabled,
			}
		}
	case ModeJWT:
		if strings.TrimSpace(cfg.JWT.Secret) == "" {
			return nil, errors.New("jwt secret must be configured")
		}
		ttl := cfg.JWT.AccessTTL
		if ttl <= 0 {
			ttl = 3600
		}
		svc.jwt = &jwtManager{
			secret:    []byte(cfg.JWT.Secret),
			issuer:    cfg.JWT.Issuer,
			accessTTL: time.Duration(ttl) * time.Second,
		}
	default:
		return nil, fmt.Errorf("unsupported auth mode: %s", cfg.Mode)
	}
	return svc, nil
}

// Mode 返回当前身份认证服务的工作模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// IssueToken 在 JWT 模式下为主体签发访问令牌，供运维工具使用。
func (s *Service) IssueToken(subject *Subject) (string, error) {
	if s == nil || s.jwt == nil {
		return "", errors.New("jwt manager not initialised")
	}
	return s.jwt.Generate(subject)
}

// AuthenticateRequest 校验 Authorization 头并返回主体信息。
func (s *Service) AuthenticateRequest(_ context.Context, authorization string) (*Subject, error) {
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil, ErrMissingToken
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return nil, ErrMissingToken
	}

	switch s.mode {
	case ModeStatic:
		subject, ok := s.tokens[token]
		if !ok {
			return nil, ErrInvalidToken
		}
		if subject.Disabled {
			return nil, ErrSubjectRevoked
		}
		subject.normalise()
		return subject, nil
	case ModeJWT:
		claims, err := s.jwt.Verify(token)
		if err != nil {
			return nil, err
		}
		subject := &Subject{
			Name:        claims.Subject,
			Roles:       claims.Roles,
			Permissions: claims.Permissions,
		}
		subject.normalise()
		return subject, nil
	default:
		return nil, ErrInvalidToken
	}
}

// jwtManager 负责 HMAC-SHA256 令牌的签发与校验。
type jwtManager struct {
	secret    []byte
	issuer    string
	accessTTL time.Duration
}

// jwtClaims 定义 JWT 令牌的声明结构。
type jwtClaims struct {
	Subject     string   `json:"sub"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	Issuer      string   `json:"iss,omitempty"`
	IssuedAt    int64    `json:"iat,omitempty"`
	ExpiresAt   int64    `json:"exp,omitempty"`
}

// Generate 为主体签发访问令牌。
func (m *jwtManager) Generate(subject *Subject) (string, error) {
	if subject == nil {
		return "", errors.New("subject required")
	}
	subject.normalise()
	now := time.Now().Unix()
	claims := jwtClaims{
		Subject:     subject.Name,
		Roles:       append([]string(nil), subject.Roles...),
		Permissions: append([]string(nil), subject.Permissions...),
		Issuer:      m.issuer,
		IssuedAt:    now,
		ExpiresAt:   now + int64(m.accessTTL.Seconds()),
	}
	return m.sign(claims)
}

// sign 使用 HMAC-SHA256 签名 JWT 令牌。
func (m *jwtManager) sign(claims jwtClaims) (string, error) {
	payloadBytes, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("encode claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadBytes)
	signature := m.signature(encodedJWTHeader, payload)
	return strings.Join([]string{encodedJWTHeader, payload, base64.RawURLEncoding.EncodeToString(signature)}, "."), nil
}

// signature 计算 JWT 令牌的签名部分。
func (m *jwtManager) signature(header, payload string) []byte {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(header))
	mac.Write([]byte("."))
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

// Verify 验证 JWT 令牌的有效性并返回其声明。
func (m *jwtManager) Verify(token string) (*jwtClaims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrInvalidToken
	}
	expected := m.signature(parts[0], parts[1])
	actual, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, ErrInvalidToken
	}
	if subtle.ConstantTimeCompare(expected, actual) != 1 {
		return nil, ErrInvalidToken
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrInvalidToken
	}
	var claims jwtClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, ErrInvalidToken
	}

	now := time.Now().Unix()
	if claims.ExpiresAt != 0 && now > claims.ExpiresAt {
		return nil, ErrInvalidToken
	}
	if m.issuer != "" && claims.Issuer != "" && !strings.EqualFold(m.issuer, claims.Issuer) {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}
