// cmd/wsstub is a local stand-in for the bridge's streaming endpoint. It
// speaks the op/args wire protocol: auth, subscribe acks tagged with req_id,
// application pings, order acknowledgements, and a simple market data
// generator for subscribed orderbook topics.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"mt5flow/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type inbound struct {
	ReqID string            `json:"req_id"`
	Op    string            `json:"op"`
	Args  []json.RawMessage `json:"args"`
}

type conn struct {
	ws  *websocket.Conn
	log *logger.Log

	mu     sync.Mutex
	topics map[string]bool
	authed bool
}

func main() {
	addr := flag.String("addr", ":8765", "listen address")
	flag.Parse()

	log := logger.GetLogger()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/realtime", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.WithComponent("wsstub").WithError(err).Warn("upgrade failed")
			return
		}
		c := &conn{ws: ws, log: log, topics: make(map[string]bool)}
		go c.feed()
		c.serve()
	})

	log.WithComponent("wsstub").WithFields(logger.Fields{"addr": *addr}).Info("listening")
	if err := http.ListenAndServe(*addr, mux); err != nil {
		log.WithComponent("wsstub").WithError(err).Error("server stopped")
		os.Exit(1)
	}
}

func (c *conn) serve() {
	defer c.ws.Close()
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var req inbound
		if err := json.Unmarshal(raw, &req); err != nil {
			continue
		}
		c.handle(req)
	}
}

func (c *conn) handle(req inbound) {
	switch {
	case req.Op == "ping":
		c.send(map[string]interface{}{"op": "pong", "success": true})

	case req.Op == "auth":
		c.mu.Lock()
		c.authed = true
		c.mu.Unlock()
		c.send(map[string]interface{}{"op": "auth", "success": true, "ret_msg": ""})

	case req.Op == "subscribe" || req.Op == "unsubscribe":
		topics := make([]string, 0, len(req.Args))
		for _, arg := range req.Args {
			var t string
			if err := json.Unmarshal(arg, &t); err == nil {
				topics = append(topics, t)
			}
		}
		c.mu.Lock()
		for _, t := range topics {
			if req.Op == "subscribe" {
				c.topics[t] = true
			} else {
				delete(c.topics, t)
			}
		}
		c.mu.Unlock()
		c.send(map[string]interface{}{
			"op": req.Op, "success": true, "ret_msg": "", "req_id": req.ReqID,
		})

	case strings.HasPrefix(req.Op, "order."):
		entries := make([]map[string]string, 0, len(req.Args))
		for _, arg := range req.Args {
			var params struct {
				OrderLinkID string `json:"orderLinkId"`
			}
			if err := json.Unmarshal(arg, &params); err != nil {
				continue
			}
			entries = append(entries, map[string]string{
				"orderLinkId": params.OrderLinkID,
				"orderId":     fmt.Sprintf("stub-%d", time.Now().UnixNano()),
			})
		}
		// Batch ops answer with one list entry per order; single ops keep
		// the flat object shape.
		if strings.HasSuffix(req.Op, "-batch") {
			c.send(map[string]interface{}{
				"op": req.Op, "retCode": 0, "retMsg": "OK",
				"data": map[string]interface{}{"list": entries},
			})
		} else if len(entries) > 0 {
			c.send(map[string]interface{}{
				"op": req.Op, "retCode": 0, "retMsg": "OK",
				"data": entries[0],
			})
		}
	}
}

// feed pushes synthetic depth-1 orderbook frames for every subscribed
// orderbook topic.
func (c *conn) feed() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		c.mu.Lock()
		topics := make([]string, 0, len(c.topics))
		for t := range c.topics {
			if strings.HasPrefix(t, "orderbook.") {
				topics = append(topics, t)
			}
		}
		c.mu.Unlock()

		for _, t := range topics {
			parts := strings.Split(t, ".")
			if len(parts) != 3 {
				continue
			}
			mid := 1.1 + rand.Float64()/1000
			if err := c.send(map[string]interface{}{
				"topic": t,
				"type":  "snapshot",
				"ts":    time.Now().UnixMilli(),
				"data": map[string]interface{}{
					"s": parts[2],
					"b": [][]string{{fmt.Sprintf("%.5f", mid-0.0001), "1.5"}},
					"a": [][]string{{fmt.Sprintf("%.5f", mid+0.0001), "2.0"}},
					"u": 1,
				},
			}); err != nil {
				return
			}
		}
	}
}

func (c *conn) send(v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}
