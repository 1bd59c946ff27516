package auth

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"AgentPay/pkg/logger"
)

// Service 负责识别调用方身份并校验管理员密钥。
type Service struct {
	mode     Mode
	secret   []byte
	issuer   string
	header   string
	adminKey string
	audit    *slog.Logger
	now      func() time.Time
}

// NewService 构造身份认证服务实例。
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{
		mode:     mode,
		issuer:   strings.TrimSpace(cfg.Issuer),
		header:   strings.TrimSpace(cfg.Header),
		adminKey: cfg.AdminKey,
		audit:    logger.Audit(),
		now:      time.Now,
	}
	if svc.header == "" {
		svc.header = DefaultIdentityHeader
	}

	switch mode {
	case ModeDisabled:
	case ModeJWT:
		if strings.TrimSpace(cfg.Secret) == "" {
			return nil, fmt.Errorf("jwt secret must be configured")
		}
		svc.secret = []byte(cfg.Secret)
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

// Identify 返回请求的调用方身份。
func (s *Service) Identify(r *http.Request) (string, error) {
	if s == nil || s.mode == ModeDisabled {
		header := DefaultIdentityHeader
		if s != nil {
			header = s.header
		}
		identity := strings.TrimSpace(r.Header.Get(header))
		if identity == "" {
			return "", ErrMissingIdentity
		}
		return identity, nil
	}

	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	token, ok := strings.CutPrefix(raw, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return "", ErrMissingToken
	}
	return s.parse(strings.TrimSpace(token))
}

// Issue 为 identity 签发有效期为 ttl 的访问令牌。
func (s *Service) Issue(identity string, ttl time.Duration) (string, error) {
	if s == nil || s.mode != ModeJWT {
		return "", fmt.Errorf("token issuance requires jwt mode")
	}
	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:   identity,
		Issuer:    s.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// IsAdmin 判断请求是否携带正确的管理员密钥。未配置密钥时管理接口全部拒绝。
func (s *Service) IsAdmin(r *http.Request) bool {
	if s == nil || s.adminKey == "" {
		return false
	}
	provided := r.Header.Get(AdminKeyHeader)
	return subtle.ConstantTimeCompare([]byte(provided), []byte(s.adminKey)) == 1
}

func (s *Service) parse(raw string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		return "", ErrInvalidToken
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return "", ErrInvalidToken
	}
	return subject, nil
}
