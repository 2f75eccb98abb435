package main

import (
	"context"
	"flag"
	"io"
	"log"
	"sync"
	"time"

	"github.com/EternisAI/silo-fleet/internal/grpc/wire"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

var (
	address    = flag.String("address", "localhost:9090", "gRPC server address")
	nodeID     = flag.String("node-id", "", "Enrolled node id")
	agentKey   = flag.String("agent-key", "", "Agent key returned by enrollment")
	heartbeats = flag.Int("heartbeats", 3, "Number of heartbeats to send after the hello")
	delay      = flag.Duration("delay", 2*time.Second, "Delay between heartbeats")
)

// Pongs and heartbeats are sent from different goroutines.
var sendMu sync.Mutex

func send(stream wire.ClientStream, msg *wire.Message) error {
	sendMu.Lock()
	defer sendMu.Unlock()
	return stream.Send(msg)
}

func main() {
	flag.Parse()
	if *nodeID == "" || *agentKey == "" {
		log.Fatal("-node-id and -agent-key are required")
	}

	log.Printf("Connecting to gRPC server at %s", *address)

	conn, err := grpc.NewClient(*address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	stream, err := wire.Connect(ctx, conn)
	if err != nil {
		log.Fatalf("Failed to create stream: %v", err)
	}

	hello := &wire.Message{
		ID:   uuid.NewString(),
		Type: wire.TypeHello,
		Hello: &wire.Hello{
			NodeID:   *nodeID,
			AgentKey: *agentKey,
			Facts:    wire.Heartbeat{Hostname: "smoke-test", AgentVersion: "smoke"},
		},
	}
	if err := stream.Send(hello); err != nil {
		log.Fatalf("Failed to send hello: %v", err)
	}
	log.Printf("Sent hello id=%s node_id=%s", hello.ID, *nodeID)

	done := make(chan struct{})
	errChan := make(chan error, 1)

	go receiveMessages(stream, done, errChan)

	sendHeartbeats(stream, *heartbeats, *delay)

	if err := stream.CloseSend(); err != nil {
		log.Printf("Error closing send: %v", err)
	}

	select {
	case err := <-errChan:
		if err != nil && err != io.EOF {
			log.Printf("Receive error: %v", err)
		}
	case <-time.After(5 * time.Second):
		log.Println("Timeout waiting for the server to close the stream")
	}

	close(done)
	log.Println("Smoke client finished")
}

// receiveMessages logs server frames and answers pings so the node stays
// online while the client runs.
func receiveMessages(stream wire.ClientStream, done chan struct{}, errChan chan error) {
	for {
		select {
		case <-done:
			return
		default:
			msg, err := stream.Recv()
			if err != nil {
				errChan <- err
				return
			}

			switch msg.Type {
			case wire.TypeHelloAck:
				log.Printf("Received hello_ack heartbeat_interval=%s", msg.HelloAck.HeartbeatInterval)
			case wire.TypeError:
				log.Printf("Received error code=%s message=%s", msg.Error.Code, msg.Error.Message)
			case wire.TypePing:
				log.Printf("Received ping id=%s", msg.ID)
				pong := &wire.Message{ID: uuid.NewString(), Type: wire.TypePong, ReplyTo: msg.ID, Pong: &wire.Pong{}}
				if err := send(stream, pong); err != nil {
					log.Printf("Failed to send pong: %v", err)
				}
			case wire.TypeCommand:
				log.Printf("Received command id=%s type=%s (not executed)", msg.Command.CommandID, msg.Command.Type)
			default:
				log.Printf("Received message type=%s id=%s", msg.Type, msg.ID)
			}
		}
	}
}

func sendHeartbeats(stream wire.ClientStream, count int, delay time.Duration) {
	for i := 0; i < count; i++ {
		time.Sleep(delay)

		hb := &wire.Message{
			ID:        uuid.NewString(),
			Type:      wire.TypeHeartbeat,
			Heartbeat: &wire.Heartbeat{Hostname: "smoke-test", AgentVersion: "smoke"},
		}
		if err := send(stream, hb); err != nil {
			log.Printf("Failed to send heartbeat: %v", err)
			return
		}
		log.Printf("Sent heartbeat id=%s", hb.ID)
	}
}
