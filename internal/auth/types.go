package auth

import (
	"errors"
	"fmt"
	"strings"
)

// 身份认证子系统的公共错误。
var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrMissingToken     = errors.New("missing bearer token")
	ErrPermissionDenied = errors.New("permission denied")
	ErrSubjectRevoked   = errors.New("subject is disabled")
)

// Mode 表示身份认证服务的工作模式。
type Mode string

const (
	// ModeDisabled 关闭认证，所有请求直接放行。
	ModeDisabled Mode = "disabled"
	// ModeStatic 校验配置中静态登记的 Bearer 令牌。
	ModeStatic Mode = "static"
	// ModeJWT 校验 HMAC-SHA256 签名的 JWT 令牌。
	ModeJWT Mode = "jwt"
)

// Config 描述身份认证服务的启动参数。
type Config struct {
	Mode   Mode          `json:"mode"`
	Tokens []StaticToken `json:"tokens,omitempty"`
	JWT    JWTOptions    `json:"jwt"`
}

// StaticToken 是静态模式下登记的一个访问令牌。
type StaticToken struct {
	Token       string   `json:"token"`
	Name        string   `json:"name"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	Disabled    bool     `json:"disabled,omitempty"`
}

// JWTOptions 配置 JWT 模式的签名与校验参数。
type JWTOptions struct {
	Secret    string `json:"secret"`
	Issuer    string `json:"issuer,omitempty"`
	AccessTTL int64  `json:"access_ttl_seconds,omitempty"`
}

// Subject 是令牌校验后注入请求上下文的主体信息。
type Subject struct {
	Name        string
	Roles       []string
	Permissions []string
	Disabled    bool

	permissionsSet map[string]struct{}
}

// normalise 构建权限查找集合。
func (s *Subject) normalise() {
	if s == nil {
		return
	}
	if s.permissionsSet == nil {
		s.permissionsSet = make(map[string]struct{}, len(s.Permissions))
		for _, perm := range s.Permissions {
			s.permissionsSet[strings.ToLower(strings.TrimSpace(perm))] = struct{}{}
		}
	}
}

// HasPermission 判断主体是否持有指定权限。
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	_, ok := s.permissionsSet[strings.ToLower(strings.TrimSpace(permission))]
	return ok
}

// Authorize 校验主体持有全部给定权限。
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	if s.Disabled {
		return ErrSubjectRevoked
	}
	for _, perm := range perms {
		if perm == "" {
			continue
		}
		if !s.HasPermission(perm) {
			return fmt.Errorf("%w: missing %s", ErrPermissionDenied, perm)
		}
	}
	return nil
}

// Clone 返回可安全嵌入令牌的主体副本。
func (s *Subject) Clone() *Subject {
	if s == nil {
		return nil
	}
	clone := &Subject{
		Name:        s.Name,
		Roles:       append([]string(nil), s.Roles...),
		Permissions: append([]string(nil), s.Permissions...),
		Disabled:    s.Disabled,
	}
	clone.normalise()
	return clone
}
