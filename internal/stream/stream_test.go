package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/streetviewlocate/geosync/internal/config"
	"github.com/streetviewlocate/geosync/internal/geo"
	"github.com/streetviewlocate/geosync/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type inbox struct {
	mu      sync.Mutex
	secrets []string
	got     []Envelope
}

func (in *inbox) add(env Envelope) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.got = append(in.got, env)
}

func (in *inbox) envelopes() []Envelope {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]Envelope(nil), in.got...)
}

// liveMap records every envelope and acks session boundaries when ack is true.
func liveMap(t *testing.T, ack bool) (*httptest.Server, *inbox) {
	t.Helper()
	in := &inbox{}
	upgrader := ws.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		in.mu.Lock()
		in.secrets = append(in.secrets, r.URL.Query().Get("secret"))
		in.mu.Unlock()

		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			_, raw, err := c.ReadMessage()
			if err != nil {
				return
			}
			var env Envelope
			if json.Unmarshal(raw, &env) != nil {
				continue
			}
			in.add(env)
			if ack && (env.Type == TypeStartSession || env.Type == TypeEndSession) {
				reply, _ := json.Marshal(AckMessage{Type: TypeAck, For: env.Type})
				if c.WriteMessage(ws.TextMessage, reply) != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, in
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func sample(source string, lat float64) telemetry.Sample {
	return telemetry.Sample{
		Session:  "s-1",
		Document: "dwg-1",
		CRS:      "UTM84-43N",
		Source:   source,
		Pose:     geo.GeoPose{Latitude: lat, Longitude: 77.209, Heading: 210.5},
		Point:    geo.ProjectedPoint{Easting: 715000, Northing: 3168000},
		Rotation: 2.6,
		Time:     time.Now(),
	}
}

func TestNew_RejectsNonWebsocketURL(t *testing.T) {
	_, err := New(config.StreamConfig{URL: "http://localhost:5000"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ws or wss")
}

func TestSessionLifecycle(t *testing.T) {
	srv, in := liveMap(t, true)

	s, err := New(config.StreamConfig{URL: wsURL(srv), Secret: "hunter2"}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Connect())
	defer s.Close()

	require.NoError(t, s.StartSession(SessionPayload{Session: "s-1", Document: "dwg-1", CRS: "UTM84-43N"}))
	require.NoError(t, s.RecordPose(context.Background(), sample(telemetry.SourceViewer, 28.6139)))
	require.NoError(t, s.RecordPose(context.Background(), sample(telemetry.SourcePick, 28.6140)))
	require.NoError(t, s.EndSession())

	msgs := in.envelopes()
	require.Len(t, msgs, 4)
	assert.Equal(t, TypeStartSession, msgs[0].Type)
	assert.Equal(t, TypePose, msgs[1].Type)
	assert.Equal(t, TypePose, msgs[2].Type)
	assert.Equal(t, TypeEndSession, msgs[3].Type)

	var hello SessionPayload
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &hello))
	assert.Equal(t, "dwg-1", hello.Document)

	var second PosePayload
	require.NoError(t, json.Unmarshal(msgs[2].Payload, &second))
	assert.Equal(t, uint64(2), second.Seq)
	assert.Equal(t, telemetry.SourcePick, second.Source)
	assert.InDelta(t, 28.6140, second.Latitude, 1e-9)

	in.mu.Lock()
	assert.Equal(t, []string{"hunter2"}, in.secrets)
	in.mu.Unlock()
}

func TestStartSession_NoAck(t *testing.T) {
	srv, _ := liveMap(t, false)

	s, err := New(config.StreamConfig{URL: wsURL(srv)}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Connect())
	defer s.Close()

	start := time.Now()
	err = s.StartSession(SessionPayload{Session: "s-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no ack")
	assert.GreaterOrEqual(t, time.Since(start), ackTimeout)
}

func TestConnect_Unreachable(t *testing.T) {
	srv, _ := liveMap(t, true)
	url := wsURL(srv)
	srv.Close()

	s, err := New(config.StreamConfig{URL: url}, nil)
	require.NoError(t, err)
	assert.Error(t, s.Connect())
	assert.NoError(t, s.Close())
}

func TestClose_Idempotent(t *testing.T) {
	srv, _ := liveMap(t, true)

	s, err := New(config.StreamConfig{URL: wsURL(srv)}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Connect())

	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}
