package sink

import (
	"context"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cognicore/triage/pkg/triage/decision"
	"github.com/cognicore/triage/pkg/triage/internalerr"
)

// startTestNATSServer starts an embedded NATS server on a random port.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}
	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "triage.auto_publish", Subject("triage", decision.AutoPublish))
	assert.Equal(t, "feeds.sec.review", Subject("feeds.sec", decision.Review))
	assert.Equal(t, "triage.drop", Subject("triage", decision.Drop))
}

func TestNATSPublish(t *testing.T) {
	server := startTestNATSServer(t)

	sub, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer sub.Close()
	ch := make(chan *nats.Msg, 4)
	s, err := sub.ChanSubscribe("triage.>", ch)
	require.NoError(t, err)
	defer s.Unsubscribe()
	require.NoError(t, sub.Flush())

	cfg := DefaultConfig()
	cfg.Backend = BackendNATS
	cfg.URL = server.ClientURL()
	pub, err := Open(cfg, nil)
	require.NoError(t, err)
	defer pub.Close()

	body := []byte(`{"doc_id":"doc-1"}`)
	require.NoError(t, pub.Publish(context.Background(), Event{DocID: "doc-1", Action: decision.Review, Body: body}))

	select {
	case msg := <-ch:
		assert.Equal(t, "triage.review", msg.Subject)
		assert.JSONEq(t, string(body), string(msg.Data))
		assert.Equal(t, "doc-1", msg.Header.Get(HeaderDocID))
		assert.Equal(t, "doc-1:REVIEW", msg.Header.Get(HeaderMsgID))
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
	}
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Backend = "kafka"
	assert.ErrorIs(t, cfg.Validate(), internalerr.ErrInvalidConfig)

	cfg = DefaultConfig()
	cfg.Backend = BackendNATS
	cfg.SubjectPrefix = "triage.*"
	assert.ErrorIs(t, cfg.Validate(), internalerr.ErrInvalidConfig)

	pub, err := Open(DefaultConfig(), nil)
	require.NoError(t, err)
	assert.IsType(t, Nop{}, pub)
	assert.NoError(t, pub.Publish(context.Background(), Event{DocID: "x", Action: decision.Drop}))
}
