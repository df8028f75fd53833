package ingest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"go.uber.org/zap"
)

func startNATS(t *testing.T) *server.Server {
	t.Helper()
	ns, err := server.NewServer(&server.Options{
		Host:   "127.0.0.1",
		Port:   server.RANDOM_PORT,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		t.Fatalf("new nats server: %v", err)
	}
	ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		t.Fatal("nats server not ready for connections")
	}
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return ns
}

func TestConsumer_RepliesWithSummary(t *testing.T) {
	ns := startNATS(t)
	n, store, _, _ := setupNormalizer(t, Options{}, gpt4Prompt())

	nc, err := Connect(ns.ClientURL())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer nc.Close()

	c := NewConsumer(nc, "costops.usage", n, nil, time.Second, zap.NewNop())
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	body := rec("s1", 1000, "") + "\n" + rec("s2", 500, "")
	msg, err := nc.Request("costops.usage", []byte(body), 5*time.Second)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	var sum Summary
	if err := json.Unmarshal(msg.Data, &sum); err != nil {
		t.Fatalf("Failed to decode reply: %v", err)
	}
	if sum.Accepted != 2 {
		t.Errorf("Expected 2 accepted, got %+v", sum)
	}
	if _, err := store.Get(context.Background(), "s2"); err != nil {
		t.Errorf("Expected s2 to be stored, got %v", err)
	}
}

func TestConsumer_RepliesWithBatchError(t *testing.T) {
	ns := startNATS(t)
	n, _, _, _ := setupNormalizer(t, Options{})

	nc, err := Connect(ns.ClientURL())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer nc.Close()

	c := NewConsumer(nc, "costops.usage", n, nil, time.Second, zap.NewNop())
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	msg, err := nc.Request("costops.usage", []byte("[]"), 5*time.Second)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	var reply struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		t.Fatalf("Failed to decode reply: %v", err)
	}
	if reply.Error == "" {
		t.Error("Expected an error for an empty batch")
	}
}

func TestConsumer_ParksFailuresWithoutReply(t *testing.T) {
	ns := startNATS(t)
	n, _, _, _ := setupNormalizer(t, Options{}, gpt4Prompt())
	ctx := context.Background()
	if _, err := n.Ingest(ctx, []byte(rec("p1", 1000, ""))); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	dlq := NewMemoryDeadLetterStore()

	nc, err := Connect(ns.ClientURL())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer nc.Close()

	c := NewConsumer(nc, "costops.usage", n, NewDeadLetters(dlq, n, DeadLetterOptions{}), time.Second, zap.NewNop())
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	// same id, different tokens: a conflict nobody is waiting to hear about
	if err := nc.Publish("costops.usage", []byte(rec("p1", 2000, "")+"\n"+rec("p2", 10, ""))); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	nc.Flush()

	var parked []DeadLetter
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		parked, _ = dlq.List(ctx, "", 0)
		if len(parked) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(parked) != 1 {
		t.Fatalf("Expected 1 parked record, got %d", len(parked))
	}
	if parked[0].RecordID != "p1" || parked[0].Status != DeadLetterReview || parked[0].Kind != KindConflict {
		t.Errorf("Unexpected dead letter: %+v", parked[0])
	}
}
