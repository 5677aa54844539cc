package wire

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// newTestServer serves only the given versions over websocket upgrade,
// answering every other /drop/<n> path with 404 so Dial's version
// fallback has something real to exercise.
func newTestServer(t *testing.T, serve ...Version) (*httptest.Server, string) {
	t.Helper()
	served := make(map[Version]bool)
	for _, v := range serve {
		served[v] = true
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/drop/", func(w http.ResponseWriter, r *http.Request) {
		v, ok := VersionFromPath(r.URL.Path)
		if !ok || !served[v] {
			http.Error(w, "unsupported version", http.StatusNotFound)
			return
		}
		conn, err := Upgrade(w, r, v)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			frame, err := conn.ReadFrame()
			if err != nil || frame.Kind == FrameClosed {
				return
			}
			switch frame.Kind {
			case FrameControl:
				_ = conn.WriteControl(frame.Control) // echo
			case FrameChunk:
				_ = conn.WriteChunk(frame.ChunkID, frame.ChunkData) // echo
			}
		}
	})

	srv := httptest.NewServer(mux)
	addr := strings.TrimPrefix(srv.URL, "http://")
	return srv, addr
}

func TestDialConnectsAtHighestServedVersion(t *testing.T) {
	srv, addr := newTestServer(t, V2, V3)
	defer srv.Close()

	conn, err := Dial(context.Background(), addr, DialConfig{ConnectTimeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if conn.Version() != V3 {
		t.Fatalf("negotiated %v, want v3 (highest served)", conn.Version())
	}
}

func TestDialFallsBackOnClientError(t *testing.T) {
	srv, addr := newTestServer(t, V1)
	defer srv.Close()

	conn, err := Dial(context.Background(), addr, DialConfig{ConnectTimeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if conn.Version() != V1 {
		t.Fatalf("negotiated %v, want v1", conn.Version())
	}
}

func TestDialFailsWhenNoVersionServed(t *testing.T) {
	srv, addr := newTestServer(t)
	defer srv.Close()

	_, err := Dial(context.Background(), addr, DialConfig{
		ConnectTimeout: 50 * time.Millisecond,
		InitialBackoff: time.Millisecond,
	})
	if err == nil {
		t.Fatal("expected error when peer serves no version")
	}
}

func TestControlAndChunkRoundTripOverConn(t *testing.T) {
	srv, addr := newTestServer(t, V3)
	defer srv.Close()

	conn, err := Dial(context.Background(), addr, DialConfig{ConnectTimeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if err := conn.WriteControl(Control{Cancel: &Cancel{File: "f1"}}); err != nil {
		t.Fatal(err)
	}
	frame, err := conn.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	if frame.Kind != FrameControl || frame.Control.Cancel == nil || frame.Control.Cancel.File != "f1" {
		t.Fatalf("unexpected echoed control: %+v", frame)
	}

	if err := conn.WriteChunk("f1", []byte("hello")); err != nil {
		t.Fatal(err)
	}
	frame, err = conn.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	if frame.Kind != FrameChunk || frame.ChunkID != "f1" || string(frame.ChunkData) != "hello" {
		t.Fatalf("unexpected echoed chunk: %+v", frame)
	}
}
