package yamuxinterop

import (
	"context"
	"net"
	"testing"
	"time"

	hyamux "github.com/hashicorp/yamux"
)

func TestRunServerAndRunClient_WindowUpdateRace(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() {
		_ = clientConn.Close()
		_ = serverConn.Close()
	})

	clientSess, err := hyamux.Client(clientConn, hyamux.DefaultConfig())
	if err != nil {
		t.Fatalf("yamux client session: %v", err)
	}
	serverSess, err := hyamux.Server(serverConn, hyamux.DefaultConfig())
	if err != nil {
		t.Fatalf("yamux server session: %v", err)
	}

	scenario := Scenario{
		Scenario:       ScenarioWindowUpdateRace,
		Streams:        2,
		BytesPerStream: 4096,
		ChunkBytes:     512,
		Direction:      DirectionTsToGo,
		DeadlineMs:     2000,
	}
	if err := scenario.Normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(scenario.DeadlineMs)*time.Millisecond)
	defer cancel()

	serverDone := make(chan Result, 1)
	serverErr := make(chan error, 1)
	go func() {
		res, err := RunServer(ctx, serverSess, scenario)
		serverErr <- err
		serverDone <- res
	}()

	clientRes, err := RunClient(ctx, clientSess, scenario)
	if err != nil {
		t.Fatalf("RunClient: %v", err)
	}
	if clientRes.BytesWritten != int64(scenario.Streams*scenario.BytesPerStream) {
		t.Fatalf("client wrote %d bytes, want %d", clientRes.BytesWritten, scenario.Streams*scenario.BytesPerStream)
	}

	select {
	case err := <-serverErr:
		if err != nil {
			t.Fatalf("RunServer: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("RunServer did not finish")
	}
	serverRes := <-serverDone
	if serverRes.StreamsAccepted != int64(scenario.Streams) {
		t.Fatalf("server accepted %d streams, want %d", serverRes.StreamsAccepted, scenario.Streams)
	}
	if serverRes.BytesRead != int64(scenario.Streams*scenario.BytesPerStream) {
		t.Fatalf("server read %d bytes, want %d", serverRes.BytesRead, scenario.Streams*scenario.BytesPerStream)
	}
}
