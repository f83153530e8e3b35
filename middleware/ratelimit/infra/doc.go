// Package infra contém implementações concretas (infraestrutura) para os contratos
// definidos no pacote domain.
//
// WindowStore:
//   - FileStore: arquivo JSON + flock em "<path>.lock" (vários processos, mesma máquina)
//   - SQLStore: SQLite via gorm, transações BEGIN IMMEDIATE
//   - RedisStore: uma chave Redis com WATCH/MULTI/EXEC (vários hosts)
//   - MemoryStore: processo único
//
// StatsStore:
//   - MemoryStatsStore e RedisStatsStore
package infra
