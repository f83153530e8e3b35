package infra

import (
	"bytes"
	"encoding/json"
	"sort"

	"form-gateway/middleware/ratelimit/domain"
)

// Formato persistido: {"<identity>": [<unix seconds>, ...]}.
//
// A decodificação é tolerante: conteúdo vazio, "null" ou "[]" viram snapshot
// vazio; um registro gravado como objeto ({"0": 123, "3": 456}) também é
// aceito. Qualquer outra coisa é tratada como corrompida.

func encodeSnapshot(snap domain.Snapshot) ([]byte, error) {
	out := make(map[string][]int64, len(snap))
	for id, ts := range snap {
		vals := make([]int64, len(ts))
		for i, t := range ts {
			vals[i] = int64(t)
		}
		out[string(id)] = vals
	}
	return json.Marshal(out)
}

// decodeSnapshot nunca falha; corrupt=true indica que o conteúdo foi descartado.
func decodeSnapshot(data []byte) (snap domain.Snapshot, corrupt bool) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) || bytes.Equal(data, []byte("[]")) {
		return domain.Snapshot{}, false
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return domain.Snapshot{}, true
	}

	snap = make(domain.Snapshot, len(raw))
	for id, msg := range raw {
		ts, ok := decodeRecord(msg)
		if !ok {
			return domain.Snapshot{}, true
		}
		if len(ts) > 0 {
			snap[domain.Identity(id)] = ts
		}
	}
	return snap, false
}

func decodeRecord(msg json.RawMessage) ([]domain.Timestamp, bool) {
	var list []int64
	if err := json.Unmarshal(msg, &list); err == nil {
		return toTimestamps(list), true
	}

	var indexed map[string]int64
	if err := json.Unmarshal(msg, &indexed); err != nil {
		return nil, false
	}
	list = make([]int64, 0, len(indexed))
	for _, v := range indexed {
		list = append(list, v)
	}
	sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	return toTimestamps(list), true
}

func toTimestamps(list []int64) []domain.Timestamp {
	out := make([]domain.Timestamp, len(list))
	for i, v := range list {
		out[i] = domain.Timestamp(v)
	}
	return out
}
