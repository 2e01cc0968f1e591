package notify_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"driftline/internal/domain"
	"driftline/internal/notify"
)

func startNatsServer(t *testing.T) *natsserver.Server {
	t.Helper()
	serv, err := natsserver.NewServer(&natsserver.Options{Host: "127.0.0.1", Port: -1})
	require.NoError(t, err)
	go serv.Start()
	if !serv.ReadyForConnections(2 * time.Second) {
		t.Fatalf("nats-io server failed to start")
	}
	t.Cleanup(serv.Shutdown)
	return serv
}

func TestNATSPublishesDriftAndApproval(t *testing.T) {
	serv := startNatsServer(t)

	sub, err := nats.Connect(serv.ClientURL())
	require.NoError(t, err)
	defer sub.Close()
	msgs := make(chan *nats.Msg, 4)
	_, err = sub.ChanSubscribe("dl.>", msgs)
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	n, err := notify.NewNATS(notify.NATSConfig{URL: serv.ClientURL(), SubjectPrefix: "dl"}, nil)
	require.NoError(t, err)
	defer n.Close()

	ctx := context.Background()
	n.DriftDetected(ctx, domain.DriftEvent{ID: "d-1", ServiceID: "svc", InstanceID: "i-1", Status: domain.DriftDetected})
	n.ApprovalTransition(ctx, domain.ApprovalRequest{ID: "r-1", Status: domain.ApprovalApproved})

	got := map[string][]byte{}
	for len(got) < 2 {
		select {
		case m := <-msgs:
			got[m.Subject] = m.Data
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out, received %v", got)
		}
	}
	var ev domain.DriftEvent
	require.NoError(t, json.Unmarshal(got["dl.drift.detected"], &ev))
	require.Equal(t, "d-1", ev.ID)
	var req domain.ApprovalRequest
	require.NoError(t, json.Unmarshal(got["dl.approval.approved"], &req))
	require.Equal(t, "r-1", req.ID)
}

func TestNewNATSFailsWithoutServer(t *testing.T) {
	_, err := notify.NewNATS(notify.NATSConfig{URL: "nats://127.0.0.1:1", ConnectTimeout: 200 * time.Millisecond}, nil)
	require.Error(t, err)
}
