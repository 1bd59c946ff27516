package auth

import "context"

// identityKey 是上下文中存储调用方身份的键类型。
type identityKey struct{}

// WithIdentity 将经过验证的调用方身份存储到上下文中。
func WithIdentity(ctx context.Context, identity string) context.Context {
	if identity == "" {
		return ctx
	}
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext 从上下文中提取调用方身份。
func IdentityFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	identity, _ := ctx.Value(identityKey{}).(string)
	return identity
}
