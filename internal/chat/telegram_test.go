package chat_test

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/p-n-ai/pai-eval/internal/chat"
)

func TestSplitMessage(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		maxLen int
		want   []string
	}{
		{"empty", "", 4096, nil},
		{"fits", "Pregunta 1 de 5", 4096, []string{"Pregunta 1 de 5"}},
		{"exact", "Hola", 4, []string{"Hola"}},
		{"on space", "Hola profe Ana", 10, []string{"Hola ", "profe Ana"}},
		{"on newline", "¿Explica bien?\n1 - Nunca", 18, []string{"¿Explica bien?\n", "1 - Nunca"}},
		{"hard cut keeps runes", "ññññ", 3, []string{"ñ", "ñ", "ñ", "ñ"}},
		{"hard cut ascii", "abcdefgh", 3, []string{"abc", "def", "gh"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := chat.SplitMessage(tt.text, tt.maxLen)
			if len(got) != len(tt.want) {
				t.Fatalf("SplitMessage() = %q, want %q", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("part[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestSplitMessage_ValidUTF8(t *testing.T) {
	text := strings.Repeat("evaluación", 500)
	parts := chat.SplitMessage(text, 4096)

	if strings.Join(parts, "") != text {
		t.Fatal("parts do not rebuild the original text")
	}
	for i, part := range parts {
		if len(part) > 4096 {
			t.Errorf("part[%d] len=%d exceeds 4096", i, len(part))
		}
		if !utf8.ValidString(part) {
			t.Errorf("part[%d] is not valid UTF-8", i)
		}
	}
}

func TestNewTelegramChannel(t *testing.T) {
	tests := []struct {
		token   string
		wantErr bool
	}{
		{"", true},
		{"123:abc", false},
	}
	for _, tt := range tests {
		ch, err := chat.NewTelegramChannel(tt.token)
		if (err != nil) != tt.wantErr {
			t.Errorf("NewTelegramChannel(%q) error = %v, wantErr %v", tt.token, err, tt.wantErr)
		}
		if err == nil && ch == nil {
			t.Errorf("NewTelegramChannel(%q) returned nil", tt.token)
		}
	}
}
