package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"agentdesk/internal/domain/port"
	applog "agentdesk/internal/platform/log"
)

// JWTConfig JWT 鉴权配置
type JWTConfig struct {
	Secret string // HMAC 签名密钥
	Issuer string // 可选签发者校验
}

// authMiddleware JWT 鉴权中间件
// 验证 Authorization: Bearer <token>，把租户作用域注入 context，存储层据此过滤。
func authMiddleware(cfg *JWTConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeErrorCode(w, http.StatusUnauthorized, "unauthorized", "Missing Authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				writeErrorCode(w, http.StatusUnauthorized, "unauthorized", "Invalid Authorization header format")
				return
			}
			tokenStr := parts[1]

			parserOpts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
			if cfg.Issuer != "" {
				parserOpts = append(parserOpts, jwt.WithIssuer(cfg.Issuer))
			}

			token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
				}
				return []byte(cfg.Secret), nil
			}, parserOpts...)

			if err != nil || !token.Valid {
				applog.Warn("[Auth] Invalid JWT token", "error", err)
				writeErrorCode(w, http.StatusUnauthorized, "unauthorized", "Invalid or expired token")
				return
			}

			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok {
				writeErrorCode(w, http.StatusUnauthorized, "unauthorized", "Invalid token claims")
				return
			}

			tenantID, _ := claims["tenant_id"].(string)
			subject, _ := claims["sub"].(string)
			if strings.TrimSpace(tenantID) == "" {
				writeErrorCode(w, http.StatusForbidden, "forbidden_scope", "Missing tenant_id in token")
				return
			}

			var roles []string
			if rolesRaw, ok := claims["roles"].([]any); ok {
				for _, r := range rolesRaw {
					if s, ok := r.(string); ok {
						roles = append(roles, s)
					}
				}
			}

			ctx := WithScope(r.Context(), &Scope{
				TenantID: tenantID,
				Subject:  subject,
				Roles:    roles,
			})
			ctx = port.WithTenantScope(ctx, tenantID)

			applog.Debug("[Auth] Scope injected",
				"tenant_id", tenantID,
				"subject", subject,
			)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// requireRole 要求调用方拥有指定角色
func requireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scope, err := ScopeFrom(r.Context())
			if err != nil || !scope.HasRole(role) {
				writeErrorCode(w, http.StatusForbidden, "forbidden_role", "Role "+role+" is required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
