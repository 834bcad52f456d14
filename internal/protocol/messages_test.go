package protocol

import (
	"encoding/json"
	"testing"
)

func TestParseClientMessage(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		wantType string
		wantErr  bool
	}{
		{
			name:     "join",
			data:     `{"type":"join","userId":"42"}`,
			wantType: TypeJoin,
		},
		{
			name:     "typing",
			data:     `{"type":"typing","userId":"42","chatWithId":"7"}`,
			wantType: TypeTyping,
		},
		{
			name:     "stop typing",
			data:     `{"type":"stopTyping","userId":"42","chatWithId":"7"}`,
			wantType: TypeStopTyping,
		},
		{
			name:     "new message",
			data:     `{"type":"message:new","chatId":"c1","content":"hi"}`,
			wantType: TypeNewMessage,
		},
		{
			name:     "read message",
			data:     `{"type":"message:read","chatId":"c1","messageId":99}`,
			wantType: TypeReadMessage,
		},
		{
			name:     "ping",
			data:     `{"type":"ping"}`,
			wantType: TypePing,
		},
		{
			name:    "unknown type",
			data:    `{"type":"bogus"}`,
			wantErr: true,
		},
		{
			name:    "server-only type",
			data:    `{"type":"userTyping","userId":"42","typing":true}`,
			wantErr: true,
		},
		{
			name:    "missing type",
			data:    `{"userId":"42"}`,
			wantErr: true,
		},
		{
			name:    "not json",
			data:    `hello`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tt.data))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got type=%q msg=%+v", msgType, msg)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tt.wantType {
				t.Errorf("type = %q, want %q", msgType, tt.wantType)
			}
			if msg == nil {
				t.Error("expected non-nil decoded message")
			}
		})
	}
}

func TestParseClientMessage_Payloads(t *testing.T) {
	_, msg, err := ParseClientMessage([]byte(`{"type":"message:new","chatId":"c1","content":"hello"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	send, ok := msg.(SendMessageMsg)
	if !ok {
		t.Fatalf("expected SendMessageMsg, got %T", msg)
	}
	if send.ChatID != "c1" || send.Content != "hello" {
		t.Errorf("unexpected payload: %+v", send)
	}

	_, msg, err = ParseClientMessage([]byte(`{"type":"message:read","chatId":"c1","messageId":12345}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	read := msg.(ReadMessageMsg)
	if read.MessageID != 12345 {
		t.Errorf("messageId = %d, want 12345", read.MessageID)
	}
}

func TestNewServerMessage(t *testing.T) {
	data, err := NewServerMessage(TypeUserTyping, UserTypingMsg{
		UserID: "42",
		Typing: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded["type"] != TypeUserTyping {
		t.Errorf("type = %v, want %q", decoded["type"], TypeUserTyping)
	}
	if decoded["userId"] != "42" {
		t.Errorf("userId = %v, want 42", decoded["userId"])
	}
	if decoded["typing"] != true {
		t.Errorf("typing = %v, want true", decoded["typing"])
	}
}

func TestNewServerMessage_InjectsTypeOverPayload(t *testing.T) {
	// The struct's own Type field is empty; the helper must fill it in.
	data, err := NewServerMessage(TypePong, PongMsg{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if decoded["type"] != TypePong {
		t.Errorf("type = %v, want %q", decoded["type"], TypePong)
	}
}
