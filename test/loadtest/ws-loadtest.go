// WebSocket load testing tool for tablesync.
// Usage: go run test/loadtest/ws-loadtest.go -url ws://127.0.0.1:8787/signal/ -rooms 10 -conns 100 -duration 60s
// Run the server with connection rate limiting off and max_connections_per_ip above -conns.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/tablesync/tablesync/internal/protocol"
)

func main() {
	base := flag.String("url", "ws://127.0.0.1:8787/signal/", "Room endpoint; the room id is appended")
	rooms := flag.Int("rooms", 5, "Number of rooms to spread connections over")
	conns := flag.Int("conns", 10, "Number of concurrent connections")
	duration := flag.Duration("duration", 30*time.Second, "Test duration")
	msgInterval := flag.Duration("interval", 1*time.Second, "Message send interval per connection")
	accessKey := flag.String("key", "loadtest", "Access key used for every room")
	flag.Parse()

	fmt.Printf("tablesync Load Test\n")
	fmt.Printf("  URL:          %s<roomId>\n", *base)
	fmt.Printf("  Rooms:        %d\n", *rooms)
	fmt.Printf("  Connections:  %d\n", *conns)
	fmt.Printf("  Duration:     %s\n", *duration)
	fmt.Printf("  Msg interval: %s\n", *msgInterval)
	fmt.Println()

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		cancel()
	}()

	var (
		connected    atomic.Int64
		sent         atomic.Int64
		received     atomic.Int64
		errors       atomic.Int64
		connectFails atomic.Int64
		closedByPeer atomic.Int64
	)

	roomIDs := make([]string, *rooms)
	for i := range roomIDs {
		roomIDs[i] = uuid.NewString()
	}

	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < *conns; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			q := url.Values{
				"userId":         {uuid.NewString()},
				"clientKey":      {uuid.NewString()},
				"sessionVersion": {"1"},
				"role":           {"player"},
				"accessKey":      {*accessKey},
			}
			target := *base + roomIDs[id%len(roomIDs)] + "?" + q.Encode()

			c, _, err := websocket.Dial(ctx, target, nil)
			if err != nil {
				connectFails.Add(1)
				return
			}
			connected.Add(1)
			defer c.CloseNow()

			go func() {
				for {
					_, _, err := c.Read(ctx)
					if err != nil {
						if websocket.CloseStatus(err) != -1 {
							closedByPeer.Add(1)
						}
						return
					}
					received.Add(1)
				}
			}()

			ticker := time.NewTicker(*msgInterval)
			defer ticker.Stop()

			// Alternate presence and document frames; every document
			// update is distinct so the room keeps it.
			presenceID := uint64(id) + 1
			for seq := uint64(1); ; seq++ {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					var frame []byte
					if seq%2 == 0 {
						frame = protocol.EncodePresence(protocol.EncodePresenceUpdate([]protocol.PresenceEntry{
							{ID: presenceID, Clock: seq, State: `{"conn":` + strconv.Itoa(id) + `}`},
						}))
					} else {
						update := protocol.AppendVarUint([]byte{1}, uint64(id)<<32|seq)
						frame = protocol.EncodeSyncUpdate(update)
					}
					if err := c.Write(ctx, websocket.MessageBinary, frame); err != nil {
						errors.Add(1)
						return
					}
					sent.Add(1)
				}
			}
		}(i)
	}

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				elapsed := time.Since(start).Round(time.Second)
				fmt.Printf("[%s] connected=%d sent=%d recv=%d errors=%d connect_fails=%d closed=%d\n",
					elapsed, connected.Load(), sent.Load(), received.Load(), errors.Load(), connectFails.Load(), closedByPeer.Load())
			}
		}
	}()

	wg.Wait()
	elapsed := time.Since(start)

	fmt.Println()
	fmt.Println("Results:")
	fmt.Printf("  Duration:        %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("  Connected:       %d / %d\n", connected.Load(), *conns)
	fmt.Printf("  Connect fails:   %d\n", connectFails.Load())
	fmt.Printf("  Closed by server: %d\n", closedByPeer.Load())
	fmt.Printf("  Messages sent:   %d\n", sent.Load())
	fmt.Printf("  Messages recv:   %d\n", received.Load())
	fmt.Printf("  Errors:          %d\n", errors.Load())
	if elapsed.Seconds() > 0 {
		fmt.Printf("  Send rate:       %.1f msg/s\n", float64(sent.Load())/elapsed.Seconds())
		fmt.Printf("  Recv rate:       %.1f msg/s\n", float64(received.Load())/elapsed.Seconds())
	}

	if connectFails.Load() > 0 || errors.Load() > 0 {
		log.Fatal("Load test completed with errors")
	}
}
