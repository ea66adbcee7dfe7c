package main

import (
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	defaultMaxConnsPerIP = 5
	defaultMaxTotalConns = 1000
)

// Hub manages all connected dashboards and subscribes them to the Runner
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	runner     *Runner
	// Connection limiting (mutex-protected, accessed from HTTP handlers)
	connMu        sync.Mutex
	ipConns       map[string]int
	totalConns    int
	maxConnsPerIP int
	maxTotalConns int
	// Auth & DB
	db   *DB
	auth *Auth
}

// NewHub creates a new Hub. db and auth may be nil.
func NewHub(runner *Runner, db *DB, auth *Auth) *Hub {
	return &Hub{
		clients:       make(map[*Client]bool),
		register:      make(chan *Client, 64),
		unregister:    make(chan *Client, 64),
		runner:        runner,
		ipConns:       make(map[string]int),
		maxConnsPerIP: defaultMaxConnsPerIP,
		maxTotalConns: defaultMaxTotalConns,
		db:            db,
		auth:          auth,
	}
}

// SetConnLimits overrides the connection limits. Non-positive values keep
// the current limit.
func (h *Hub) SetConnLimits(perIP, total int) {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	if perIP > 0 {
		h.maxConnsPerIP = perIP
	}
	if total > 0 {
		h.maxTotalConns = total
	}
}

func (h *Hub) CanAccept(ip string) bool {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	if h.totalConns >= h.maxTotalConns {
		return false
	}
	if h.ipConns[ip] >= h.maxConnsPerIP {
		return false
	}
	return true
}

func (h *Hub) TrackConnect(ip string) {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	h.ipConns[ip]++
	h.totalConns++
}

func (h *Hub) TrackDisconnect(ip string) {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	h.ipConns[ip]--
	if h.ipConns[ip] <= 0 {
		delete(h.ipConns, ip)
	}
	h.totalConns--
}

// Run processes register/unregister events
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			// welcome first so the dashboard has settings before frames arrive
			client.SendJSON(Envelope{T: MsgWelcome, Data: h.Welcome()})
			h.runner.AddClient(client)
			logrus.WithField("ip", client.remoteAddr).Info("dashboard connected")

		case client := <-h.unregister:
			// unsubscribe before closing send so no broadcast hits a closed channel
			h.runner.RemoveClient(client)
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			logrus.WithField("ip", client.remoteAddr).Info("dashboard disconnected")
		}
	}
}

// Welcome builds the message sent to a newly connected dashboard
func (h *Hub) Welcome() WelcomeMsg {
	return WelcomeMsg{
		Settings:     h.runner.SettingsMsg(),
		History:      h.runner.HistoryMsg(),
		Limits:       h.runner.Limits(),
		World:        h.runner.Controller().Params(),
		AuthRequired: h.auth.Enabled(),
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// TotalConns returns the tracked connection count
func (h *Hub) TotalConns() int {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	return h.totalConns
}
