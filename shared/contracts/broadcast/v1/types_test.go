package v1

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestEnvelope_Validate(t *testing.T) {
	t.Parallel()

	valid := Envelope{V: Version, Type: TypeMessageSend}

	cases := []struct {
		name    string
		env     Envelope
		wantErr string
	}{
		{"valid", valid, ""},
		{"missing version", Envelope{Type: TypeHello}, "missing field: v"},
		{"blank version", Envelope{V: "   ", Type: TypeHello}, "missing field: v"},
		{"wrong version", Envelope{V: "v2", Type: TypeHello}, "unsupported protocol version"},
		{"missing type", Envelope{V: Version}, "missing field: type"},
		{"unknown type", Envelope{V: Version, Type: "bogus"}, "unknown type"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := tc.env.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestEnvelope_Validate_AllKnownTypes(t *testing.T) {
	t.Parallel()

	for _, typ := range []string{
		TypeHello, TypeHelloAck, TypeNameSet,
		TypeMessageSend, TypeMessageAck, TypeMessageNew,
		TypeHistoryBatch, TypeError,
	} {
		if err := (Envelope{V: Version, Type: typ}).Validate(); err != nil {
			t.Fatalf("type %q rejected: %v", typ, err)
		}
	}
}

func TestEnvelope_JSONShape(t *testing.T) {
	t.Parallel()

	payload, _ := json.Marshal(MessageSendPayload{ClientMsgID: "t1", Text: "hi"})
	env := Envelope{
		V:       Version,
		Type:    TypeMessageSend,
		ID:      "abc",
		TS:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Payload: payload,
	}

	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal as map: %v", err)
	}
	for _, key := range []string{"v", "type", "id", "ts", "payload"} {
		if _, ok := m[key]; !ok {
			t.Fatalf("wire object missing key %q: %s", key, b)
		}
	}

	var back Envelope
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	var p MessageSendPayload
	if err := json.Unmarshal(back.Payload, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if p.ClientMsgID != "t1" || p.Text != "hi" {
		t.Fatalf("payload = %+v", p)
	}
}

func TestEnvelope_OptionalFieldsOmitted(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(Envelope{V: Version, Type: TypeError})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	// ts is a struct and is never omitted; only string/slice fields drop out.
	for _, key := range []string{"id", "payload"} {
		if strings.Contains(string(b), `"`+key+`"`) {
			t.Fatalf("empty %q should be omitted: %s", key, b)
		}
	}
}
