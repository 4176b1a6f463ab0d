package ndt5test

import (
	"net"
	"net/http"
	"net/http/httptest"

	"github.com/gorilla/websocket"

	"github.com/m-lab/ndt5-client/ndt5/protocol"
)

// ListenWS serves websocket control channels on a loopback port. Every
// request to /ndt_protocol is upgraded with the "ndt" subprotocol and handed
// to script as a stream of frames. The caller must Close the server.
func ListenWS(script func(r *http.Request, conn net.Conn)) (*httptest.Server, int) {
	upgrader := &websocket.Upgrader{
		ReadBufferSize:  1 << 16,
		WriteBufferSize: 1 << 16,
		Subprotocols:    []string{"ndt"},
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ndt_protocol", func(w http.ResponseWriter, r *http.Request) {
		wsc, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := protocol.WsStream(wsc)
		defer conn.Close()
		script(r, conn)
	})
	srv := httptest.NewServer(mux)
	return srv, srv.Listener.Addr().(*net.TCPAddr).Port
}
