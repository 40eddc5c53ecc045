package webhook

import (
	"errors"
	"testing"
)

func TestParseMessageShapes(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantText string
		wantN    int
	}{
		{
			name: "object conversation",
			body: `{"event":"messages.upsert","instance":"shop","server_url":"https://evo.example/",
				"data":{"key":{"remoteJid":"5511999@s.whatsapp.net","fromMe":false,"id":"M1"},
				"message":{"conversation":"hello"},"messageTimestamp":1700000000}}`,
			wantText: "hello",
			wantN:    1,
		},
		{
			name: "legacy upper-snake event name",
			body: `{"event":"MESSAGES_UPSERT","instance":"shop",
				"data":{"key":{"remoteJid":"5511999@s.whatsapp.net","id":"M1"},
				"message":{"extendedTextMessage":{"text":"quoted reply"}}}}`,
			wantText: "quoted reply",
			wantN:    1,
		},
		{
			name: "array data",
			body: `{"event":"messages.upsert","instance":"shop","data":[
				{"key":{"remoteJid":"5511999@s.whatsapp.net","id":"M1"},"message":{"conversation":"one"}},
				{"key":{"id":"broken"}},
				{"key":{"remoteJid":"5511999@s.whatsapp.net","id":"M2"},"message":{"conversation":"two"}}]}`,
			wantText: "one",
			wantN:    2,
		},
		{
			name: "wrapped messages array",
			body: `{"event":"messages.upsert","instance":{"instanceName":"shop"},"data":{"messages":[
				{"key":{"remoteJid":"5511999@s.whatsapp.net","id":"M1"},"message":{"conversation":"wrapped"}}]}}`,
			wantText: "wrapped",
			wantN:    1,
		},
		{
			name: "image caption",
			body: `{"event":"messages.upsert","instance":"shop",
				"data":{"key":{"remoteJid":"5511999@s.whatsapp.net","id":"M1"},
				"message":{"imageMessage":{"url":"https://mmg/x","mediaKey":"k","mimetype":"image/jpeg","caption":"look"}}}}`,
			wantText: "look",
			wantN:    1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Parse([]byte(tt.body))
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			me, ok := ev.(MessageEvent)
			if !ok {
				t.Fatalf("got %T, want MessageEvent", ev)
			}
			if me.InstanceID != "shop" {
				t.Errorf("instance = %q, want shop", me.InstanceID)
			}
			if len(me.Messages) != tt.wantN {
				t.Fatalf("messages = %d, want %d", len(me.Messages), tt.wantN)
			}
			m := me.Messages[0]
			if m.Sender != "5511999" {
				t.Errorf("sender = %q, want 5511999", m.Sender)
			}
			if m.Text == nil || *m.Text != tt.wantText {
				t.Errorf("text = %v, want %q", m.Text, tt.wantText)
			}
		})
	}
}

func TestParseMediaWithoutCaption(t *testing.T) {
	body := `{"event":"messages.upsert","instance":"shop",
		"data":{"key":{"remoteJid":"5511999@s.whatsapp.net","id":"A1"},
		"message":{"audioMessage":{"url":"https://mmg/a","mediaKey":"k","mimetype":"audio/ogg; codecs=opus","ptt":true}}}}`
	ev, err := Parse([]byte(body))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	m := ev.(MessageEvent).Messages[0]
	if m.Text != nil {
		t.Errorf("text = %q, want nil", *m.Text)
	}
	if !m.IsAudio() || !m.Media.Voice || m.Media.DecryptionKey != "k" {
		t.Errorf("media = %+v", m.Media)
	}
}

func TestParseGroupAndFromMe(t *testing.T) {
	body := `{"event":"messages.upsert","instance":"shop",
		"data":{"key":{"remoteJid":"12036@g.us","participant":"5511888@s.whatsapp.net","fromMe":true,"id":"G1"},
		"message":{"conversation":"hi all"}}}`
	ev, err := Parse([]byte(body))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	m := ev.(MessageEvent).Messages[0]
	if !m.IsGroup || !m.FromMe || m.Sender != "5511888" {
		t.Errorf("got group=%v fromMe=%v sender=%q", m.IsGroup, m.FromMe, m.Sender)
	}
}

func TestParseControlEvents(t *testing.T) {
	ev, err := Parse([]byte(`{"event":"connection.update","instance":"shop","data":{"state":"open","statusReason":200}}`))
	if err != nil {
		t.Fatalf("Parse connection: %v", err)
	}
	if c, ok := ev.(ConnectionEvent); !ok || c.State != "open" || c.InstanceID != "shop" {
		t.Errorf("connection event = %#v", ev)
	}

	ev, err = Parse([]byte(`{"event":"QRCODE_UPDATED","instance":"shop","data":{"qrcode":{"code":"2@abc","base64":"data:image/png"}}}`))
	if err != nil {
		t.Fatalf("Parse qrcode: %v", err)
	}
	if q, ok := ev.(QRCodeEvent); !ok || q.Code != "2@abc" {
		t.Errorf("qrcode event = %#v", ev)
	}

	ev, err = Parse([]byte(`{"event":"presence.update","instance":"shop","data":{}}`))
	if err != nil {
		t.Fatalf("Parse unknown: %v", err)
	}
	if u, ok := ev.(UnknownEvent); !ok || u.Name != "presence.update" {
		t.Errorf("unknown event = %#v", ev)
	}
}

func TestParseMalformed(t *testing.T) {
	tests := map[string]string{
		"invalid json":     `{"event":`,
		"missing instance": `{"event":"messages.upsert","data":{"key":{"remoteJid":"5511@s.whatsapp.net","id":"x"}}}`,
		"missing sender":   `{"event":"messages.upsert","instance":"shop","data":{"key":{"id":"x"}}}`,
		"empty array":      `{"event":"messages.upsert","instance":"shop","data":[]}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(body))
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("err = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestParseForInstanceFallback(t *testing.T) {
	body := `{"event":"messages.upsert","data":{"key":{"remoteJid":"5511@s.whatsapp.net","id":"x"},"message":{"conversation":"hi"}}}`
	ev, err := ParseForInstance([]byte(body), "from-path")
	if err != nil {
		t.Fatalf("ParseForInstance: %v", err)
	}
	if ev.Instance() != "from-path" {
		t.Errorf("instance = %q", ev.Instance())
	}
}

func TestStripJID(t *testing.T) {
	for in, want := range map[string]string{
		"5511999@s.whatsapp.net":   "5511999",
		"5511999:12@s.whatsapp.net": "5511999",
		"5511999":                  "5511999",
	} {
		if got := StripJID(in); got != want {
			t.Errorf("StripJID(%q) = %q, want %q", in, got, want)
		}
	}
}
