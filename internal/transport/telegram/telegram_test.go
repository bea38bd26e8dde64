package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kit "shopwatch/internal/transport"
	logx "shopwatch/pkg/logx"
)

func TestSplitText(t *testing.T) {
	t.Parallel()

	require.Equal(t, []string{"short"}, splitText("short", 10, ""))

	long := strings.Repeat("a", 25)
	chunks := splitText(long, 10, "")
	require.Equal(t, []string{strings.Repeat("a", 10), strings.Repeat("a", 10), strings.Repeat("a", 5)}, chunks)

	lines := "first line\nsecond line\nthird line"
	chunks = splitText(lines, 15, "")
	require.Equal(t, "first line", chunks[0])
	for _, c := range chunks {
		require.LessOrEqual(t, utf8.RuneCountInString(c), 15)
		require.False(t, strings.HasPrefix(c, "\n"))
	}

	html := "xxxxxxx <b>bold</b>"
	chunks = splitText(html, 10, "HTML")
	require.Equal(t, "xxxxxxx ", chunks[0], "tags are not cut")

	multi := strings.Repeat("ż", 12)
	chunks = splitText(multi, 5, "")
	require.Len(t, chunks, 3)
	require.Equal(t, 5, utf8.RuneCountInString(chunks[0]))
}

func TestNewRejectsEmptyToken(t *testing.T) {
	t.Parallel()
	_, err := New(Config{Token: "  "}, logx.Nop())
	require.Error(t, err)
}

func TestSendTextSplitsAndTargetsThread(t *testing.T) {
	t.Parallel()
	var (
		mu   sync.Mutex
		sent []map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/sendMessage"), r.URL.Path)
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		sent = append(sent, body)
		id := len(sent)
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok": true,
			"result": map[string]any{
				"message_id": id,
				"date":       0,
				"chat":       map[string]any{"id": 42, "type": "supergroup"},
			},
		})
	}))
	defer srv.Close()

	a, err := New(Config{Token: "123:abc", URL: srv.URL}, logx.Nop())
	require.NoError(t, err)

	text := strings.Repeat("line of alert text\n", 400)
	ref, err := a.SendText(context.Background(), kit.ChatTarget{ChatID: 42, ThreadID: 7}, text, &kit.SendOptions{ParseMode: "HTML"})
	require.NoError(t, err)
	require.Equal(t, kit.MessageRef{ChatID: 42, ThreadID: 7, MessageID: 1}, ref)

	mu.Lock()
	defer mu.Unlock()
	require.Greater(t, len(sent), 1)
	for _, body := range sent {
		require.EqualValues(t, "42", body["chat_id"])
		require.EqualValues(t, "7", body["message_thread_id"])
	}
}
