// cmd/httpstub is a local stand-in for the bridge's HTTP API. It serves the
// same envelope and endpoint shapes so the adapter can be exercised without
// a live terminal.
package main

import (
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"mt5flow/logger"
)

type envelope struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type stub struct {
	log *logger.Log

	mu     sync.Mutex
	tokens map[string]bool
	orders map[string]map[string]interface{}
}

func main() {
	addr := flag.String("addr", ":8000", "listen address")
	flag.Parse()

	log := logger.GetLogger()
	s := &stub{
		log:    log,
		tokens: make(map[string]bool),
		orders: make(map[string]map[string]interface{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.root)
	mux.HandleFunc("/health", s.health)
	mux.HandleFunc("/login", s.login)
	mux.HandleFunc("/account/info", s.authed(s.accountInfo))
	mux.HandleFunc("/symbols", s.authed(s.symbols))
	mux.HandleFunc("/rates", s.authed(s.rates))
	mux.HandleFunc("/positions", s.authed(s.positions))
	mux.HandleFunc("/trades", s.authed(s.trades))
	mux.HandleFunc("/order/create", s.authed(s.orderCreate))
	mux.HandleFunc("/order/modify", s.authed(s.orderModify))
	mux.HandleFunc("/order/cancel", s.authed(s.orderCancel))

	log.WithComponent("httpstub").WithFields(logger.Fields{"addr": *addr}).Info("listening")
	if err := http.ListenAndServe(*addr, mux); err != nil {
		log.WithComponent("httpstub").WithError(err).Error("server stopped")
		os.Exit(1)
	}
}

func writeJSON(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(env)
}

func (s *stub) root(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeJSON(w, http.StatusNotFound, envelope{Message: "not found"})
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]string{"service": "mt5flow-httpstub"}})
}

func (s *stub) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]string{"status": "ok"}})
}

func (s *stub) login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, envelope{Message: "method not allowed"})
		return
	}
	var body struct {
		Login    string `json:"login"`
		Password string `json:"password"`
		Server   string `json:"server"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Login == "" || body.Password == "" {
		writeJSON(w, http.StatusBadRequest, envelope{Message: "login and password are required"})
		return
	}
	token := uuid.NewString()
	s.mu.Lock()
	s.tokens[token] = true
	s.mu.Unlock()
	s.log.WithComponent("httpstub").WithFields(logger.Fields{"login": body.Login}).Info("login")
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]string{"token": token}})
}

func (s *stub) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		s.mu.Lock()
		ok := token != header && s.tokens[token]
		s.mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusUnauthorized, envelope{Message: "unauthorized"})
			return
		}
		next(w, r)
	}
}

func (s *stub) accountInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]interface{}{
		"account_id": "stub-1",
		"login":      "1000001",
		"server":     "Stub-Server",
		"currency":   "USD",
		"balance":    "100000",
		"equity":     "100000",
	}})
}

func (s *stub) symbols(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: []map[string]interface{}{
		{
			"symbol": "EURUSD", "category": "spot",
			"base_currency": "EUR", "quote_currency": "USD",
			"digits": 5, "volume_digits": 2,
			"tick_size": "0.00001", "volume_step": "0.01",
			"volume_min": "0.01", "volume_max": "500",
		},
		{
			"symbol": "XAUUSD", "category": "spot",
			"base_currency": "XAU", "quote_currency": "USD",
			"digits": 2, "volume_digits": 2,
			"tick_size": "0.01", "volume_step": "0.01",
			"volume_min": "0.01", "volume_max": "100",
		},
	}})
}

func (s *stub) rates(w http.ResponseWriter, r *http.Request) {
	now := time.Now().Unix()
	bars := make([]map[string]interface{}, 0, 10)
	for i := 9; i >= 0; i-- {
		bars = append(bars, map[string]interface{}{
			"time": now - int64(i)*60,
			"open": 1.1000, "high": 1.1010, "low": 1.0990, "close": 1.1005,
			"tick_volume": 120.0,
		})
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: bars})
}

func (s *stub) positions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: []map[string]interface{}{}})
}

func (s *stub) trades(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: []map[string]interface{}{}})
}

func (s *stub) orderCreate(w http.ResponseWriter, r *http.Request) {
	var body map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Message: "bad request"})
		return
	}
	orderID := uuid.NewString()
	s.mu.Lock()
	s.orders[orderID] = body
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]string{"order": orderID}})
}

func (s *stub) orderModify(w http.ResponseWriter, r *http.Request) {
	s.orderMutate(w, r, "modify")
}

func (s *stub) orderCancel(w http.ResponseWriter, r *http.Request) {
	s.orderMutate(w, r, "cancel")
}

func (s *stub) orderMutate(w http.ResponseWriter, r *http.Request, op string) {
	var body struct {
		Order string `json:"order"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Order == "" {
		writeJSON(w, http.StatusBadRequest, envelope{Message: "order is required"})
		return
	}
	s.mu.Lock()
	_, ok := s.orders[body.Order]
	if ok && op == "cancel" {
		delete(s.orders, body.Order)
	}
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusBadRequest, envelope{Message: "unknown order"})
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true})
}
