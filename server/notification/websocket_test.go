package notification

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/boardsaver/boardsaver/server/internal"
	"github.com/boardsaver/boardsaver/server/internal/duplicates"
	"github.com/boardsaver/boardsaver/server/internal/events"
	"github.com/boardsaver/boardsaver/server/internal/notify"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type received struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func TestWebSocketStreamsBatch(t *testing.T) {
	progress := notify.New[internal.ProgressSnapshot](8)
	dups := notify.New[duplicates.State](8)

	r := chi.NewRouter()
	r.Route("/ws", NewHub(progress, dups).ApplyRouter())

	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/?batch=b1"
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer c.Close()

	require.Eventually(t, func() bool { return progress.Subscribers() == 1 }, time.Second, 10*time.Millisecond)

	progress.Publish(internal.ProgressSnapshot{BatchID: "other", TotalCount: 9})
	progress.Publish(internal.ProgressSnapshot{BatchID: "b1", TotalCount: 2, DownloadedCount: 1})
	dups.Publish(duplicates.State{BatchID: "b1", Kind: duplicates.Empty})

	c.SetReadDeadline(time.Now().Add(2 * time.Second))

	var got []received
	for len(got) < 2 {
		var msg received
		require.NoError(t, c.ReadJSON(&msg))
		got = append(got, msg)
	}

	types := []string{got[0].Type, got[1].Type}
	assert.ElementsMatch(t, []string{"progress", "duplicates"}, types)

	for _, msg := range got {
		if msg.Type != "progress" {
			continue
		}
		var s internal.ProgressSnapshot
		require.NoError(t, json.Unmarshal(msg.Payload, &s))
		assert.Equal(t, "b1", s.BatchID)
		assert.Equal(t, 1, s.DownloadedCount)
	}

	c.Close()
	assert.Eventually(t, func() bool { return progress.Subscribers() == 0 }, time.Second, 10*time.Millisecond)
}

func TestLogSummaries(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	bus := events.NewBus()
	require.NoError(t, LogSummaries(bus, logger))

	bus.Publish(events.TopicBatchCompleted, events.BatchCompleted{
		Snapshot: internal.ProgressSnapshot{
			BatchID:         "b1",
			Completed:       true,
			TotalCount:      1200,
			DownloadedCount: 1200,
			OutputDirectory: "/srv/images/g",
			Summary:         "example/g/100 (1200)",
		},
	})

	out := buf.String()
	assert.Contains(t, out, "batch finished")
	assert.Contains(t, out, "downloaded=1,200")
	assert.Contains(t, out, `summary="example/g/100 (1200)"`)

	buf.Reset()
	bus.Publish(events.TopicBatchCompleted, events.BatchCompleted{
		Snapshot: internal.ProgressSnapshot{BatchID: "b2", Completed: true, HasDirectoryAccessError: true},
	})
	assert.Contains(t, buf.String(), "level=ERROR")
}
