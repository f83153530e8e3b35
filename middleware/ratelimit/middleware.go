package ratelimit

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"form-gateway/middleware/ratelimit/domain"
)

// CanonicalLoopback é a forma única usada para qualquer endereço de loopback
// (::1, 127.0.0.0/8, ::ffff:127.0.0.1).
const CanonicalLoopback = "127.0.0.1"

type KeyFunc func(r *http.Request) string

// Checker é o que o middleware precisa do limiter (application.Limiter implementa).
type Checker interface {
	CheckAndRecord(ctx context.Context, id domain.Identity) (domain.Verdict, error)
}

type Options struct {
	Limiter            Checker
	Stats              domain.StatsStore
	KeyFn              KeyFunc
	KeyHeader          string
	TrustXForwardedFor bool
	// Methods lista os métodos contados como envio (padrão: POST). Os demais passam direto.
	Methods []string
	// RejectStatus é usado quando a política nega (padrão 429).
	RejectStatus int
	// UnavailableStatus é usado quando o storage falha (padrão 503). Nunca libera.
	UnavailableStatus   int
	AddRateLimitHeaders bool
	Logger              *zap.Logger
}

type policyInfo interface {
	EffectivePolicy() domain.Policy
}

// NormalizeIdentity colapsa loopback em CanonicalLoopback e IPv4 mapeado em
// IPv6 para IPv4. Valores que não são IP voltam apenas sem espaços.
func NormalizeIdentity(addr string) string {
	addr = strings.TrimSpace(addr)
	ip := net.ParseIP(strings.Trim(addr, "[]"))
	if ip == nil {
		return addr
	}
	if ip.IsLoopback() {
		return CanonicalLoopback
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	return ip.String()
}

func DefaultKeyFunc(keyHeader string, trustXFF bool) KeyFunc {
	return func(r *http.Request) string {
		if keyHeader != "" {
			if v := strings.TrimSpace(r.Header.Get(keyHeader)); v != "" {
				return v
			}
		}

		if trustXFF {
			// primeiro IP do X-Forwarded-For é o cliente original
			if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
				first, _, _ := strings.Cut(xff, ",")
				if ip := strings.TrimSpace(first); ip != "" {
					return NormalizeIdentity(ip)
				}
			}
		}

		host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
		if err == nil && host != "" {
			return NormalizeIdentity(host)
		}
		if r.RemoteAddr != "" {
			return NormalizeIdentity(r.RemoteAddr)
		}
		return "unknown"
	}
}

func Middleware(opts Options) func(next http.Handler) http.Handler {
	if opts.RejectStatus == 0 {
		opts.RejectStatus = http.StatusTooManyRequests
	}
	if opts.UnavailableStatus == 0 {
		opts.UnavailableStatus = http.StatusServiceUnavailable
	}
	if opts.KeyFn == nil {
		opts.KeyFn = DefaultKeyFunc(opts.KeyHeader, opts.TrustXForwardedFor)
	}
	if len(opts.Methods) == 0 {
		opts.Methods = []string{http.MethodPost}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	counted := make(map[string]bool, len(opts.Methods))
	for _, m := range opts.Methods {
		counted[strings.ToUpper(strings.TrimSpace(m))] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !counted[r.Method] {
				next.ServeHTTP(w, r)
				return
			}

			id := domain.Identity(opts.KeyFn(r))
			if opts.AddRateLimitHeaders {
				w.Header().Set("X-RateLimit-Key", string(id))
				if pi, ok := opts.Limiter.(policyInfo); ok {
					w.Header().Set("X-RateLimit-Limit", formatInt(pi.EffectivePolicy().MaxRequests))
				}
			}

			dec, err := check(r.Context(), opts.Limiter, id)
			recordStats(r, opts, id, dec.Allowed, err != nil)

			if err != nil {
				opts.Logger.Error("rate limit unavailable, denying",
					zap.String("identity", string(id)),
					zap.String("path", r.URL.Path),
					zap.Error(err))
				http.Error(w, http.StatusText(opts.UnavailableStatus), opts.UnavailableStatus)
				return
			}

			if opts.AddRateLimitHeaders {
				w.Header().Set("X-RateLimit-Remaining", formatInt(dec.Remaining))
			}
			if !dec.Allowed {
				opts.Logger.Info("rate limit exceeded",
					zap.String("identity", string(id)),
					zap.String("path", r.URL.Path),
					zap.Duration("retry_after", dec.RetryAfter))
				w.Header().Set("Retry-After", formatSeconds(dec.RetryAfter))
				http.Error(w, http.StatusText(opts.RejectStatus), opts.RejectStatus)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func check(ctx context.Context, lim Checker, id domain.Identity) (domain.Verdict, error) {
	if lim == nil {
		return domain.Verdict{Allowed: true}, nil
	}
	return lim.CheckAndRecord(ctx, id)
}

func recordStats(r *http.Request, opts Options, id domain.Identity, allowed, failed bool) {
	if opts.Stats == nil {
		return
	}
	err := opts.Stats.Record(r.Context(), domain.StatsEvent{
		Identity: id,
		Allowed:  allowed,
		Failed:   failed,
		Method:   r.Method,
		Path:     r.URL.Path,
		At:       time.Now(),
	})
	if err != nil {
		opts.Logger.Debug("rate limit stats not recorded", zap.Error(err))
	}
}
