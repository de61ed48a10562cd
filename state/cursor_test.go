package state

import (
	"encoding/json"
	"testing"

	"github.com/matrix-org/complement/must"
)

func TestCursorCodec(t *testing.T) {
	testCases := []struct {
		name   string
		cursor json.RawMessage
		want   string
	}{
		{name: "object", cursor: json.RawMessage(`{"x":12,"y":3.5}`), want: `{"x":12,"y":3.5}`},
		{name: "offset", cursor: json.RawMessage(`42`), want: `42`},
		{name: "nested", cursor: json.RawMessage(`{"table":"users","column":{"name":"id","idx":0}}`), want: `{"column":{"idx":0,"name":"id"},"table":"users"}`},
		{name: "null", cursor: json.RawMessage(`null`), want: `null`},
	}
	for _, tc := range testCases {
		stored, err := EncodeCursor(tc.cursor)
		must.NotError(t, tc.name+": EncodeCursor", err)
		got, err := DecodeCursor(stored)
		must.NotError(t, tc.name+": DecodeCursor", err)
		must.Equal(t, string(got), tc.want, tc.name)
	}
}

func TestCursorCodecNil(t *testing.T) {
	stored, err := EncodeCursor(nil)
	must.NotError(t, "EncodeCursor", err)
	if stored != nil {
		t.Fatalf("nil cursor encoded to %v, want nil", stored)
	}
	got, err := DecodeCursor(nil)
	must.NotError(t, "DecodeCursor", err)
	if got != nil {
		t.Fatalf("nil stored cursor decoded to %s, want nil", got)
	}
}

func TestCursorCodecRejectsInvalidJSON(t *testing.T) {
	if _, err := EncodeCursor(json.RawMessage(`{"x":`)); err == nil {
		t.Fatalf("EncodeCursor accepted truncated JSON")
	}
}
