package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHub(buffer int) *Hub {
	return NewHub(Options{
		Buffer:  buffer,
		Welcome: func() any { return map[string]int{"conditions": 2} },
	}, zerolog.Nop())
}

func next(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events:
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return Event{}
	}
}

func TestHubWelcomeThenEventsInOrder(t *testing.T) {
	hub := testHub(8)
	hub.Publish(EventPing, nil)

	sub := hub.Subscribe()
	welcome := next(t, sub)
	assert.Equal(t, EventWelcome, welcome.Type)
	assert.Equal(t, map[string]int{"conditions": 2}, welcome.Data)

	hub.Publish(EventAlert, "a")
	hub.Publish(EventSummary, "b")

	first := next(t, sub)
	second := next(t, sub)
	assert.Equal(t, EventAlert, first.Type)
	assert.Equal(t, EventSummary, second.Type)
	assert.Less(t, welcome.ID, first.ID)
	assert.Less(t, first.ID, second.ID)
}

func TestHubEvictsSlowSubscriber(t *testing.T) {
	hub := testHub(2)
	slow := hub.Subscribe()
	fast := hub.Subscribe()
	next(t, fast)

	for i := 0; i < 5; i++ {
		hub.Publish(EventChange, i)
		next(t, fast)
	}

	assert.Equal(t, 1, hub.Len())
	drained := 0
	for range slow.Events {
		drained++
	}
	assert.True(t, slow.Evicted())
	assert.Equal(t, 3, drained)
	assert.False(t, fast.Evicted())
}

func TestHubCloseEndsSubscriptions(t *testing.T) {
	hub := testHub(4)
	sub := hub.Subscribe()
	next(t, sub)

	hub.Close()
	_, ok := <-sub.Events
	assert.False(t, ok)
	assert.False(t, sub.Evicted())

	late := hub.Subscribe()
	_, ok = <-late.Events
	assert.False(t, ok)

	hub.Publish(EventPing, nil)
	hub.Unsubscribe(sub)
}

func TestSSEHandlerStreamsEvents(t *testing.T) {
	hub := testHub(8)
	srv := httptest.NewServer(NewSSEHandler(hub, zerolog.Nop()))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readEvent := func() (string, Event) {
		var name string
		var ev Event
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event: "):
				name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
			case line == "" && name != "":
				return name, ev
			}
		}
	}

	name, ev := readEvent()
	assert.Equal(t, "welcome", name)
	assert.Equal(t, EventWelcome, ev.Type)

	require.Eventually(t, func() bool { return hub.Len() == 1 }, time.Second, 10*time.Millisecond)
	hub.Publish(EventAlert, map[string]string{"protocol": "kamino"})

	name, ev = readEvent()
	assert.Equal(t, "alert", name)
	assert.Equal(t, map[string]any{"protocol": "kamino"}, ev.Data)

	hub.Close()
	_, err = reader.ReadString('\n')
	for err == nil {
		_, err = reader.ReadString('\n')
	}
}

func TestWSHandlerStreamsEvents(t *testing.T) {
	hub := testHub(8)
	srv := httptest.NewServer(NewWSHandler(hub, nil, zerolog.Nop()))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, EventWelcome, ev.Type)

	hub.Publish(EventHealth, []string{"ok"})
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, EventHealth, ev.Type)

	hub.Close()
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}
