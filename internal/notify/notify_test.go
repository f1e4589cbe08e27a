package notify_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jules-labs/libralend/internal/clock"
	"github.com/jules-labs/libralend/internal/database"
	"github.com/jules-labs/libralend/internal/notify"
)

type recordingPublisher struct {
	mu   sync.Mutex
	got  []*notify.Notification
	fail bool
}

func (p *recordingPublisher) Publish(_ context.Context, n *notify.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("broker down")
	}
	p.got = append(p.got, n)
	return nil
}

func newService(pubs ...notify.Publisher) notify.Service {
	clk := clock.NewFake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	return notify.NewService(notify.NewMemoryRepository(), clk, zerolog.Nop(), pubs...)
}

func TestSendOnceDeliversExactlyOnce(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	svc := newService(pub)
	msg := notify.Message{UserID: uuid.New(), Kind: notify.KindFine, ReferenceID: uuid.New(), Title: "Overdue"}

	created, err := svc.SendOnce(ctx, msg)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = svc.SendOnce(ctx, msg)
	require.NoError(t, err)
	assert.False(t, created)

	list, err := svc.List(ctx, msg.UserID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
	assert.Len(t, pub.got, 1)
}

func TestSendOnceSurvivesClear(t *testing.T) {
	ctx := context.Background()
	svc := newService()
	msg := notify.Message{UserID: uuid.New(), Kind: notify.KindFine, ReferenceID: uuid.New()}

	_, err := svc.SendOnce(ctx, msg)
	require.NoError(t, err)
	cleared, err := svc.Clear(ctx, msg.UserID)
	require.NoError(t, err)
	assert.Equal(t, 1, cleared)

	created, err := svc.SendOnce(ctx, msg)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestSendPublisherFailureIsSwallowed(t *testing.T) {
	ctx := context.Background()
	svc := newService(&recordingPublisher{fail: true})
	user := uuid.New()

	svc.Send(ctx, notify.Message{UserID: user, Kind: notify.KindBorrowApproved, Title: "Approved"})

	list, err := svc.List(ctx, user)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestMarkRead(t *testing.T) {
	ctx := context.Background()
	svc := newService()
	user := uuid.New()
	svc.Send(ctx, notify.Message{UserID: user, Kind: notify.KindBorrowApproved})
	svc.Send(ctx, notify.Message{UserID: user, Kind: notify.KindReturnApproved})

	list, _ := svc.List(ctx, user)
	require.Len(t, list, 2)
	require.NoError(t, svc.MarkRead(ctx, user, list[0].ID))
	assert.Error(t, svc.MarkRead(ctx, uuid.New(), list[1].ID))

	n, err := svc.MarkAllRead(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestHubPushesToConnectedUser(t *testing.T) {
	hub := notify.NewHub(zerolog.Nop())
	user := uuid.New()
	srv := httptest.NewServer(httpHandler(hub, user))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Connected(user) == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Publish(context.Background(), &notify.Notification{ID: uuid.New(), UserID: user, Kind: notify.KindFine}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, body, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(body), `"kind":"FINE"`)
}

func TestHubRejectsCrossOriginHandshake(t *testing.T) {
	hub := notify.NewHub(zerolog.Nop())
	user := uuid.New()
	srv := httptest.NewServer(httpHandler(hub, user))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://elsewhere.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Zero(t, hub.Connected(user))

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {srv.URL}})
	require.NoError(t, err)
	conn.Close()
}

func TestPostgresRepositoryOnceKey(t *testing.T) {
	db := database.OpenTestDB(t)
	ctx := context.Background()
	svc := notify.NewService(notify.NewPostgresRepository(db), clock.Real(), zerolog.Nop())
	msg := notify.Message{UserID: uuid.New(), Kind: notify.KindFine, ReferenceID: uuid.New(), Title: "t", Body: "b"}

	created, err := svc.SendOnce(ctx, msg)
	require.NoError(t, err)
	assert.True(t, created)
	created, err = svc.SendOnce(ctx, msg)
	require.NoError(t, err)
	assert.False(t, created)
}
