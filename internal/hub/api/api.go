// Package api is hub administrative HTTP surface:
// queue append/list, last reading, history, live websocket, QR and prometheus.
package api

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/skip2/go-qrcode"
	"github.com/temoto/solarvalve/internal/hub"
	"github.com/temoto/solarvalve/internal/hub/history"
	"github.com/temoto/solarvalve/log2"
	"github.com/temoto/solarvalve/tele"
)

const (
	maxBody         = 64 << 10
	qrSize          = 256
	wsWriteTimeout  = 10 * time.Second
	wsPingInterval  = 30 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Historian is read side of history store, nil means history disabled.
type Historian interface {
	Query(timeframe string) (history.Data, error)
}

type Config struct {
	// Encoded into /api/qr, default is http://<request Host>/
	PublicURL string
}

type Server struct {
	config   Config
	log      *log2.Log
	hub      *hub.Hub
	history  Historian
	upgrader websocket.Upgrader
}

func New(config Config, h *hub.Hub, hist Historian, log *log2.Log) *Server {
	return &Server{
		config:  config,
		log:     log,
		hub:     h,
		history: hist,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/metrics", s.handleMetrics)
	mux.HandleFunc("/api/status", s.handleMetrics)
	mux.HandleFunc("/api/command", s.handleCommand)
	mux.HandleFunc("/api/data", s.handleData)
	mux.HandleFunc("/api/ws", s.handleWS)
	mux.HandleFunc("/api/qr", s.handleQR)
	mux.Handle("/metrics", promhttp.HandlerFor(s.hub.Stat().Registry, promhttp.HandlerOpts{}))
	return cors(mux)
}

// ListenAndServe blocks until ctx is done or listen fails.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}
	errch := make(chan error, 1)
	go func() { errch <- srv.ListenAndServe() }()
	s.log.Infof("api listen=%s", addr)
	select {
	case err := <-errch:
		return errors.Annotatef(err, "api listen=%s", addr)
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return errors.Annotate(err, "api shutdown")
	}
	return nil
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "*")
		h.Set("Access-Control-Expose-Headers", "*")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.hub.Cache().Current())
}

type commandList struct {
	Commands []tele.Command `json:"commands"`
	Count    int            `json:"count"`
}

type appendResult struct {
	Success     bool         `json:"success"`
	Command     tele.Command `json:"command"`
	QueueLength int          `json:"queue_length"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list, err := s.hub.Queue().List()
		if err != nil {
			s.log.Errorf("api command list err=%v", err)
			list = nil
		}
		if list == nil {
			list = []tele.Command{}
		}
		s.writeJSON(w, http.StatusOK, commandList{Commands: list, Count: len(list)})

	case http.MethodPost:
		b, err := ioutil.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
		if err != nil {
			s.writeError(w, http.StatusBadRequest, errors.Annotate(err, "read body"))
			return
		}
		cmd, err := tele.DecodeAppend(b)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		n, err := s.hub.Append(cmd)
		if err != nil {
			code := http.StatusInternalServerError
			if errors.IsNotValid(err) {
				code = http.StatusBadRequest
			}
			s.writeError(w, code, err)
			return
		}
		s.writeJSON(w, http.StatusOK, appendResult{Success: true, Command: cmd, QueueLength: n})

	default:
		allow(w, r, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	data := history.Data{Temperature: []history.Point{}, Faucet: []history.FaucetEvent{}}
	if s.history != nil {
		var err error
		if data, err = s.history.Query(r.URL.Query().Get("timeframe")); err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, data)
}

func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	text := s.config.PublicURL
	if text == "" {
		text = "http://" + r.Host + "/"
	}
	png, err := qrcode.Encode(text, qrcode.Medium, qrSize)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, errors.Annotatef(err, "qr text=%s", text))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// handleWS sends current reading, then every cache update until client goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debugf("api ws upgrade err=%v", err)
		return
	}
	defer conn.Close()
	updates, cancel := s.hub.Cache().Subscribe(4)
	defer cancel()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	send := func(reading tele.Reading) error {
		b, err := tele.MarshalReading(reading)
		if err != nil {
			return err
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteMessage(websocket.TextMessage, b)
	}
	if last, ok := s.hub.Cache().Last(); ok {
		if err = send(last); err != nil {
			return
		}
	}
	for {
		select {
		case reading := <-updates:
			if err = send(reading); err != nil {
				s.log.Debugf("api ws write err=%v", err)
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err = conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		case <-s.hub.StopChan():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "hub stopping"),
				time.Now().Add(wsWriteTimeout))
			return
		}
	}
}

func allow(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	return false
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		s.log.Errorf("api encode err=%v", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(b)
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	if code >= http.StatusInternalServerError {
		s.log.Errorf("api code=%d err=%v", code, err)
	} else {
		s.log.Debugf("api code=%d err=%v", code, err)
	}
	s.writeJSON(w, code, struct {
		Error string `json:"error"`
	}{err.Error()})
}
