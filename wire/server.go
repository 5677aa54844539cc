package wire

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// VersionFromPath parses the trailing "/drop/<n>" path segment into a
// Version, reporting false for anything else (so the caller can answer
// with a 4xx the client treats as "version unsupported").
func VersionFromPath(path string) (Version, bool) {
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return 0, false
	}
	n, err := strconv.Atoi(path[i+1:])
	if err != nil || n < int(V1) || n > int(V4) {
		return 0, false
	}
	return Version(n), true
}

// Upgrade completes the websocket handshake for an incoming request
// already routed to version v's path, returning the framed Conn.
func Upgrade(w http.ResponseWriter, r *http.Request, v Version) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("wire: upgrade: %w", err)
	}
	return newConn(ws, v), nil
}
