// Package domain define contratos e tipos de domínio do rate limit de envios:
// Identity, Snapshot, Clock, WindowStore, Policy e Verdict.
//
// Este pacote não depende de net/http nem de implementações concretas de storage.
package domain
