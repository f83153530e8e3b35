// Package ratelimit fornece o adapter HTTP (net/http) do rate limit de envios de formulário.
//
// Visão geral (camadas):
//
//   - domain: contratos e tipos do domínio (Identity, Snapshot, WindowStore, Verdict)
//   - application: a regra (janela deslizante, decisão, varredura) sem net/http
//   - infra: WindowStores concretos (arquivo+flock, SQLite, Redis, memória) e estatísticas
//   - ratelimit (este pacote): middleware HTTP + extração/normalização da identity + status/headers
//
// Fluxo no gateway:
//
//  1. Só requests com método contado (padrão POST) passam pelo limiter
//  2. Extrai e normaliza a identity (header/XFF/RemoteAddr; loopback vira 127.0.0.1)
//  3. Chama application.Limiter.CheckAndRecord
//  4. Negado pela política: 429 + Retry-After; falha de storage: 503 (nunca libera)
//  5. Permitido: chama o próximo handler (ex: reverse proxy para o formulário)
//
// Variáveis de ambiente do binário gateway (cmd/gateway) controlam o comportamento,
// como RATE_WINDOW, RATE_MAX_REQUESTS, RATE_STORE e RATE_STORE_PATH.
package ratelimit
