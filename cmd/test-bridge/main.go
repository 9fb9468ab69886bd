// Command test-bridge is a manual test for the watchlink application channel.
// It connects, sends one request, prints the reply and then prints every
// event that arrives until the wait expires.
//
// Usage:
//
//	go run ./cmd/test-bridge [--method startAdvertising] [--codec json|cbor]
//	go run ./cmd/test-bridge --method sendNotification --hex 0102
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/revmetrix/watchlink/internal/ble"
	"github.com/revmetrix/watchlink/internal/bridge"
	"github.com/revmetrix/watchlink/internal/transport/ws"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8765", "watchlink channel address")
	path := flag.String("path", "/channel", "watchlink channel path")
	method := flag.String("method", "startAdvertising", "request name")
	service := flag.String("service", ble.ServiceUUID.String(), "service UUID for sendNotification")
	char := flag.String("char", ble.NotifyUUID.String(), "characteristic UUID for sendNotification")
	hexValue := flag.String("hex", "", "notification payload as hex")
	codecName := flag.String("codec", "json", "frame codec: json or cbor")
	wait := flag.Duration("wait", 10*time.Second, "how long to print events")
	flag.Parse()

	codec, err := ws.CodecByName(*codecName)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	value, err := hex.DecodeString(*hexValue)
	if err != nil {
		fmt.Printf("Error: bad --hex: %v\n", err)
		return
	}

	u := url.URL{Scheme: "ws", Host: *addr, Path: *path, RawQuery: "codec=" + codec.Name()}
	fmt.Printf("Connecting to %s...\n", u.String())
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	defer conn.Close()

	req := ws.Request{ID: 1, Method: *method}
	if *method == "sendNotification" {
		req.Args = bridge.Args{ServiceUUID: *service, CharUUID: *char, Value: value}
	}
	data, err := codec.Marshal(req)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	if err := conn.WriteMessage(codec.FrameType(), data); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Printf("Sent %s\n", *method)

	deadline := time.Now().Add(*wait)
	conn.SetReadDeadline(deadline)
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if time.Now().After(deadline) {
				fmt.Println("\nDone!")
			} else {
				fmt.Printf("Error: %v\n", err)
			}
			return
		}
		printFrame(codec, msg)
	}
}

// printFrame prints a reply or an event.
func printFrame(codec ws.Codec, msg []byte) {
	var frame struct {
		ws.Reply
		Event string `json:"event" cbor:"event"`
		Args  any    `json:"args" cbor:"args"`
	}
	if err := codec.Unmarshal(msg, &frame); err != nil {
		fmt.Printf("  undecodable frame (%d bytes): %v\n", len(msg), err)
		return
	}
	if frame.Event != "" {
		fmt.Printf("  event  %-24s %v\n", frame.Event, frame.Args)
		return
	}
	fmt.Printf("  reply  id=%d status=%s %s\n", frame.ID, frame.Status, frame.Error)
}
