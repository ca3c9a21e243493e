package wire_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/gsi-hb/saftbus/wire"

	"github.com/google/go-cmp/cmp"
)

func TestSerializerEncoding(t *testing.T) {
	tests := []struct {
		name string
		in   func(*wire.Serializer)
		want []byte
	}{
		{
			"bool",
			func(s *wire.Serializer) { s.PutBool(true); s.PutBool(false) },
			[]byte{1, 0},
		},
		{
			"uint32 little endian",
			func(s *wire.Serializer) { s.PutUint32(0x01020304) },
			[]byte{0x04, 0x03, 0x02, 0x01},
		},
		{
			"bytes",
			func(s *wire.Serializer) { s.PutBytes([]byte{1, 2, 3}) },
			[]byte{3, 0, 0, 0, 1, 2, 3},
		},
		{
			"string",
			func(s *wire.Serializer) { s.PutString("hi") },
			[]byte{2, 0, 0, 0, 'h', 'i'},
		},
		{
			"uint32 slice",
			func(s *wire.Serializer) { s.PutUint32Slice([]uint32{1, 2}) },
			[]byte{2, 0, 0, 0, 1, 0, 0, 0, 2, 0, 0, 0},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := wire.NewSerializer(0)
			tc.in(s)
			if !bytes.Equal(s.Bytes(), tc.want) {
				t.Errorf("got % x, want % x", s.Bytes(), tc.want)
			}
		})
	}
}

// round-trip property from §8 invariant 5: Deserializer(Serializer(xs)) == xs.
func TestRoundTrip(t *testing.T) {
	s := wire.NewSerializer(0)
	s.PutUint32(7)
	s.PutBool(true)
	s.PutString("/de/gsi/saftlib")
	s.PutBytes([]byte{0xde, 0xad})
	s.PutUint32Slice([]uint32{1, 1, 2, 3, 5})
	s.PutStringSlice([]string{"a", "bb", ""})

	d := wire.NewDeserializer(s.Bytes())
	if v, err := d.GetUint32(); err != nil || v != 7 {
		t.Fatalf("GetUint32() = %d, %v; want 7, nil", v, err)
	}
	if v, err := d.GetBool(); err != nil || v != true {
		t.Fatalf("GetBool() = %v, %v; want true, nil", v, err)
	}
	if v, err := d.GetString(); err != nil || v != "/de/gsi/saftlib" {
		t.Fatalf("GetString() = %q, %v; want /de/gsi/saftlib, nil", v, err)
	}
	if v, err := d.GetBytes(); err != nil || !bytes.Equal(v, []byte{0xde, 0xad}) {
		t.Fatalf("GetBytes() = % x, %v; want de ad, nil", v, err)
	}
	if v, err := d.GetUint32Slice(); err != nil || len(v) != 5 || v[4] != 5 {
		t.Fatalf("GetUint32Slice() = %v, %v; want [1 1 2 3 5], nil", v, err)
	}
	if v, err := d.GetStringSlice(); err != nil || len(v) != 3 || v[1] != "bb" {
		t.Fatalf("GetStringSlice() = %v, %v; want [a bb ], nil", v, err)
	}
	if d.Len() != 0 {
		t.Fatalf("Len() = %d after consuming every value, want 0", d.Len())
	}
}

func TestProtocolErrorOnUnderrun(t *testing.T) {
	s := wire.NewSerializer(0)
	s.PutUint32(1)
	d := wire.NewDeserializer(s.Bytes())

	if _, err := d.GetUint32(); err != nil {
		t.Fatalf("first read failed unexpectedly: %v", err)
	}
	if _, err := d.GetUint32(); !errors.Is(err, wire.ErrProtocol) {
		t.Fatalf("reading past the end of the message: got %v, want ErrProtocol", err)
	}
}

func TestSequence(t *testing.T) {
	type point struct{ x, y uint32 }
	pts := []point{{1, 2}, {3, 4}, {5, 6}}

	s := wire.NewSerializer(0)
	s.PutSequence(len(pts), func(i int) {
		s.PutUint32(pts[i].x)
		s.PutUint32(pts[i].y)
	})

	d := wire.NewDeserializer(s.Bytes())
	var got []point
	n, err := d.GetSequence(func(i int) error {
		x, err := d.GetUint32()
		if err != nil {
			return err
		}
		y, err := d.GetUint32()
		if err != nil {
			return err
		}
		got = append(got, point{x, y})
		return nil
	})
	if err != nil {
		t.Fatalf("GetSequence: %v", err)
	}
	if n != len(pts) {
		t.Fatalf("GetSequence returned n=%d, want %d", n, len(pts))
	}
	for i := range pts {
		if got[i] != pts[i] {
			t.Errorf("element %d = %+v, want %+v", i, got[i], pts[i])
		}
	}
}

// A signal payload decoded into a struct the caller cares about round
// trips exactly; cmp.Diff pinpoints which field regressed instead of
// just failing on the first mismatch, which matters once a payload
// has more than a couple of fields.
func TestStructPayloadRoundTrip(t *testing.T) {
	type reading struct {
		Identity uint32
		Value    int32
		Label    string
		Tags     []string
	}
	want := reading{Identity: 42, Value: -17, Label: "counter", Tags: []string{"demo", "tick"}}

	s := wire.NewSerializer(0)
	s.PutUint32(want.Identity)
	s.PutInt32(want.Value)
	s.PutString(want.Label)
	s.PutStringSlice(want.Tags)

	d := wire.NewDeserializer(s.Bytes())
	var got reading
	var err error
	if got.Identity, err = d.GetUint32(); err != nil {
		t.Fatalf("GetUint32: %v", err)
	}
	if got.Value, err = d.GetInt32(); err != nil {
		t.Fatalf("GetInt32: %v", err)
	}
	if got.Label, err = d.GetString(); err != nil {
		t.Fatalf("GetString: %v", err)
	}
	if got.Tags, err = d.GetStringSlice(); err != nil {
		t.Fatalf("GetStringSlice: %v", err)
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}
