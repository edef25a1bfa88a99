package codec

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"google.golang.org/protobuf/testing/protocmp"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type profile struct {
	Name  string            `json:"name" msgpack:"name" cbor:"name"`
	Roles []string          `json:"roles" msgpack:"roles" cbor:"roles"`
	Meta  map[string]string `json:"meta" msgpack:"meta" cbor:"meta"`
	Seen  time.Time         `json:"seen" msgpack:"seen" cbor:"seen"`
}

func sample() profile {
	return profile{
		Name:  "ada",
		Roles: []string{"admin", "mod"},
		Meta:  map[string]string{"tz": "UTC", "lang": "en"},
		Seen:  time.Date(2026, 3, 1, 12, 0, 0, 5, time.UTC),
	}
}

func TestStructCodecsRoundTrip(t *testing.T) {
	codecs := map[string]Codec[profile]{
		"json":    JSON[profile]{},
		"cbor":    MustCBOR[profile](true),
		"msgpack": Msgpack[profile]{},
	}
	for name, cd := range codecs {
		b, err := cd.Encode(sample())
		if err != nil {
			t.Fatalf("%s encode: %v", name, err)
		}
		got, err := cd.Decode(b)
		if err != nil {
			t.Fatalf("%s decode: %v", name, err)
		}
		if diff := cmp.Diff(sample(), got); diff != "" {
			t.Fatalf("%s round trip (-want +got):\n%s", name, diff)
		}
	}
}

func TestJSONRejectsTrailingData(t *testing.T) {
	for _, in := range []string{"1 2", "1]", "1}", "1 ]", `{"a":1}}`} {
		if _, err := (JSON[any]{}).Decode([]byte(in)); err == nil {
			t.Fatalf("trailing data accepted in %q", in)
		}
	}
	if v, err := (JSON[int]{}).Decode([]byte(" 7\n")); err != nil || v != 7 {
		t.Fatalf("whitespace-padded value: %v %v", v, err)
	}
}

func TestJSONUseNumber(t *testing.T) {
	v, err := JSON[any]{UseNumber: true}.Decode([]byte(`{"n": 12345678901234567890}`))
	if err != nil {
		t.Fatal(err)
	}
	n, ok := v.(map[string]any)["n"].(json.Number)
	if !ok || n.String() != "12345678901234567890" {
		t.Fatalf("n = %#v", v)
	}
}

func TestCBORDeterministic(t *testing.T) {
	cd := MustCBOR[map[string]int](true)
	a, err := cd.Encode(map[string]int{"b": 2, "a": 1, "c": 3})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		b, _ := cd.Encode(map[string]int{"c": 3, "a": 1, "b": 2})
		if string(a) != string(b) {
			t.Fatal("deterministic encoding differs between runs")
		}
	}
}

func TestCBORDecodesMapsAsStringKeyed(t *testing.T) {
	cd := MustCBOR[any](false)
	b, err := cd.Encode(map[string]any{"a": "x"})
	if err != nil {
		t.Fatal(err)
	}
	v, err := cd.Decode(b)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := v.(map[string]any); !ok {
		t.Fatalf("decoded %T, want map[string]any", v)
	}
}

func TestProtobuf(t *testing.T) {
	cd := NewProtobuf(func() *structpb.Struct { return &structpb.Struct{} })
	in, err := structpb.NewStruct(map[string]any{"a": 1.0, "b": "two"})
	if err != nil {
		t.Fatal(err)
	}
	b1, err := cd.Encode(in)
	if err != nil {
		t.Fatal(err)
	}
	b2, _ := cd.Encode(in)
	if string(b1) != string(b2) {
		t.Fatal("map field encoding is not stable")
	}
	out, err := cd.Decode(b1)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(in, out, protocmp.Transform()); diff != "" {
		t.Fatalf("round trip (-want +got):\n%s", diff)
	}

	w := NewProtobuf(func() *wrapperspb.StringValue { return &wrapperspb.StringValue{} })
	if _, err := w.Encode(nil); err == nil {
		t.Fatal("nil message encoded")
	}
}

func TestLimitCodec(t *testing.T) {
	cd := LimitCodec[string]{Inner: String{}, MaxEncode: 4, MaxDecode: 3}
	if _, err := cd.Encode("12345"); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("encode over limit: %v", err)
	}
	if _, err := cd.Decode([]byte("1234")); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("decode over limit: %v", err)
	}
	if v, err := cd.Decode([]byte("123")); err != nil || v != "123" {
		t.Fatalf("decode at limit: %q %v", v, err)
	}

	open := LimitCodec[string]{Inner: String{}}
	if _, err := open.Encode(string(make([]byte, 1<<16))); err != nil {
		t.Fatalf("zero limits should not bound: %v", err)
	}
}

func TestIdentityCodecs(t *testing.T) {
	b, _ := Bytes{}.Encode([]byte{0, 1, 2})
	if got, _ := (Bytes{}).Decode(b); string(got) != "\x00\x01\x02" {
		t.Fatalf("bytes = %v", got)
	}
	s, _ := String{}.Encode("héllo")
	if got, _ := (String{}).Decode(s); got != "héllo" {
		t.Fatalf("string = %q", got)
	}
}
