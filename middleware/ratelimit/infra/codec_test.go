package infra

import (
	"testing"

	"github.com/stretchr/testify/require"

	"form-gateway/middleware/ratelimit/domain"
)

func TestDecodeSnapshot(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		want    domain.Snapshot
		corrupt bool
	}{
		{name: "empty", in: "", want: domain.Snapshot{}},
		{name: "whitespace", in: " \n", want: domain.Snapshot{}},
		{name: "null", in: "null", want: domain.Snapshot{}},
		{name: "empty array", in: "[]", want: domain.Snapshot{}},
		{name: "list", in: `{"a":[1,2],"b":[3]}`, want: domain.Snapshot{"a": {1, 2}, "b": {3}}},
		{name: "indexed record", in: `{"a":{"5":30,"1":10}}`, want: domain.Snapshot{"a": {10, 30}}},
		{name: "empty record dropped", in: `{"a":[],"b":[7]}`, want: domain.Snapshot{"b": {7}}},
		{name: "garbage", in: "{oops", want: domain.Snapshot{}, corrupt: true},
		{name: "top-level list", in: "[1,2]", want: domain.Snapshot{}, corrupt: true},
		{name: "bad record", in: `{"a":"x"}`, want: domain.Snapshot{}, corrupt: true},
		{name: "fractional", in: `{"a":[1.5]}`, want: domain.Snapshot{}, corrupt: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, corrupt := decodeSnapshot([]byte(tc.in))
			require.Equal(t, tc.corrupt, corrupt)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestEncodeSnapshot_KeepsTimestampsExact(t *testing.T) {
	snap := domain.Snapshot{"::ffff:10.0.0.1": {1<<53 + 1, 0, -5}}

	data, err := encodeSnapshot(snap)
	require.NoError(t, err)
	require.JSONEq(t, `{"::ffff:10.0.0.1":[9007199254740993,0,-5]}`, string(data))

	back, corrupt := decodeSnapshot(data)
	require.False(t, corrupt)
	require.Equal(t, snap, back)
}
