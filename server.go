package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	qrcode "github.com/skip2/go-qrcode"

	"r0sim-server/sim"
)

const (
	qrSize          = 256
	defaultRunLimit = 50
	maxRunLimit     = 500
	maxBodyBytes    = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Non-browser clients don't send Origin
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return u.Host == r.Host
	},
}

func extractIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Warn("write response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorMsg{Msg: msg})
}

// writePNG renders into memory first so a failed render becomes a 500
// instead of a truncated image.
func writePNG(w http.ResponseWriter, render func(io.Writer) error) {
	var buf bytes.Buffer
	if err := render(&buf); err != nil {
		logrus.WithError(err).Error("render png")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(buf.Bytes())
}

// bearerToken extracts the token from an "Authorization: Bearer" header
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// SetupRoutes configures HTTP routes. publicURL is encoded in the share QR
// code; staticDir may be empty to serve the API only.
func SetupRoutes(hub *Hub, staticDir, publicURL string) *http.ServeMux {
	mux := http.NewServeMux()
	ctrl := hub.runner.Controller()

	if staticDir != "" {
		// Serve static files with no-cache so browsers always revalidate
		fs := http.FileServer(http.Dir(staticDir))
		mux.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Cache-Control", "no-cache")
			fs.ServeHTTP(w, r)
		}))
	}

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"state":   ctrl.State(),
			"tick":    ctrl.CurrentTick(),
			"clients": hub.ClientCount(),
		})
	})

	// WebSocket endpoint
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ip := extractIP(r)
		if !hub.CanAccept(ip) {
			http.Error(w, "too many connections", http.StatusServiceUnavailable)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logrus.WithError(err).Warn("upgrade error")
			return
		}

		hub.TrackConnect(ip)

		client := NewClient(hub, conn, ip)
		hub.register <- client

		go client.WritePump()
		go client.ReadPump()
	})

	mux.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
		snap, err := ctrl.Snapshot()
		if errors.Is(err, sim.ErrNotInitialized) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, struct {
			sim.Snapshot
			Title       string `json:"title"`
			CounterText string `json:"counter_text"`
		}{snap, snap.Title(), snap.CounterText()})
	})

	mux.HandleFunc("/api/history", func(w http.ResponseWriter, r *http.Request) {
		msg := hub.runner.HistoryMsg()
		if s := r.URL.Query().Get("since"); s != "" {
			since, err := strconv.ParseUint(s, 10, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, "since must be a tick number")
				return
			}
			msg.Records = ctrl.HistorySince(since)
		}
		writeJSON(w, http.StatusOK, msg)
	})

	mux.HandleFunc("/api/history.png", func(w http.ResponseWriter, r *http.Request) {
		snap, err := ctrl.Snapshot()
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writePNG(w, func(out io.Writer) error {
			return RenderHistoryPNG(out, ctrl.History(), snap.Title())
		})
	})

	mux.HandleFunc("/api/settings", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, hub.runner.SettingsMsg())
	})

	mux.HandleFunc("/api/limits", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, hub.runner.Limits())
	})

	mux.HandleFunc("/api/control", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "POST only")
			return
		}
		var msg ControlMsg
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&msg); err != nil {
			writeError(w, http.StatusBadRequest, "malformed control message")
			return
		}
		if hub.auth.Enabled() {
			tok := bearerToken(r)
			if tok == "" {
				tok = msg.Token
			}
			if _, err := hub.auth.ValidateToken(tok); err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		if err := hub.runner.HandleControl(msg); err != nil {
			if errors.Is(err, sim.ErrInvalidParameter) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, hub.runner.SettingsMsg())
	})

	mux.HandleFunc("/api/login", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "POST only")
			return
		}
		if !hub.auth.Enabled() {
			writeError(w, http.StatusNotFound, "operator login is disabled")
			return
		}
		var msg LoginMsg
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&msg); err != nil {
			writeError(w, http.StatusBadRequest, "malformed login")
			return
		}
		token, exp, err := hub.auth.Login(msg.Username, msg.Password, extractIP(r))
		switch {
		case errors.Is(err, ErrRateLimited):
			writeError(w, http.StatusTooManyRequests, err.Error())
		case err != nil:
			writeError(w, http.StatusUnauthorized, ErrBadCredentials.Error())
		default:
			writeJSON(w, http.StatusOK, LoginOKMsg{Token: token, ExpiresAt: exp.Unix()})
		}
	})

	mux.HandleFunc("/api/runs", func(w http.ResponseWriter, r *http.Request) {
		if hub.db == nil {
			writeJSON(w, http.StatusOK, []RunRow{})
			return
		}
		limit := defaultRunLimit
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = int(Clamp(float64(n), 1, maxRunLimit))
		}
		runs, err := hub.db.ListRuns(limit)
		if err != nil {
			logrus.WithError(err).Error("list runs")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, runs)
	})

	mux.HandleFunc("/api/qr.png", func(w http.ResponseWriter, r *http.Request) {
		writePNG(w, func(out io.Writer) error {
			png, err := qrcode.Encode(publicURL, qrcode.Medium, qrSize)
			if err != nil {
				return err
			}
			_, err = out.Write(png)
			return err
		})
	})

	return mux
}
