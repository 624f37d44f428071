package adapter

import (
	"strings"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"
)

func TestSplitMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		in    string
		limit int
		html  bool
		wantN int
	}{
		{"short", "hello", 10, false, 1},
		{"newline split", strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6), 10, false, 2},
		{"hard split", strings.Repeat("x", 25), 10, false, 3},
		{"html tag kept whole", strings.Repeat("a", 8) + "<b>bold</b>", 10, true, 3},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := splitMessage(tt.in, tt.limit, tt.html)
			if len(got) != tt.wantN {
				t.Fatalf("chunks = %q, want %d chunks", got, tt.wantN)
			}
			for _, c := range got {
				if len([]rune(c)) > tt.limit {
					t.Fatalf("chunk %q longer than %d", c, tt.limit)
				}
				if tt.html && strings.Count(c, "<") != strings.Count(c, ">") {
					t.Fatalf("chunk %q splits a tag", c)
				}
			}
		})
	}
}

func TestToMessage(t *testing.T) {
	t.Parallel()

	if toMessage(&tele.Message{Chat: &tele.Chat{ID: -1}}) != nil {
		t.Fatalf("toMessage without sender != nil")
	}
	m := toMessage(&tele.Message{
		ID:       7,
		Unixtime: 1772400000,
		Chat:     &tele.Chat{ID: -100, Type: tele.ChatSuperGroup},
		Sender:   &tele.User{ID: 42, FirstName: "Ada", LastName: "L", Username: "ada"},
		Text:     "hi",
	})
	if m == nil || m.FromName != "Ada L" || !m.IsGroup || m.ChatID != -100 || !m.At.Equal(time.Unix(1772400000, 0)) {
		t.Fatalf("toMessage = %+v", m)
	}
	m = toMessage(&tele.Message{Chat: &tele.Chat{ID: 5, Type: tele.ChatPrivate}, Sender: &tele.User{ID: 5, Username: "bob"}})
	if m.FromName != "bob" || m.IsGroup {
		t.Fatalf("private toMessage = %+v", m)
	}
}
