// Package application contém o caso de uso do rate limit de envios.
//
// Ele depende apenas do pacote domain e não conhece net/http nem o storage concreto.
// Ex.: Limiter.CheckAndRecord(ctx, identity) retorna um Verdict (allow/deny + retry-after).
package application
