// Package status reports on a running chat hub: a JSON snapshot, a
// prometheus scrape target, and a websocket stream pushing the
// snapshot at a fixed interval.
package status

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/parlorchat/parlor/internal/hub"
)

// Config specifies parameters for the status server
type Config struct {
	// Port to listen on
	Port int

	// Room identifies the hub instance in reports
	Room string

	// Registry is the hub's client registry
	Registry *hub.Registry

	// Interval between websocket pushes (default 1s)
	Interval time.Duration
}

// Report is the externally-visible status snapshot
type Report struct {
	Room    string             `json:"room"`
	Stats   hub.StatsReport    `json:"stats"`
	Clients []hub.ClientReport `json:"clients"`
}

// Service serves hub status
type Service struct {
	config   Config
	registry *hub.Registry
	prom     *prometheus.Registry
	upgrader websocket.Upgrader

	// done ends the websocket push loops; Shutdown does not wait for
	// hijacked connections so they must watch this themselves
	done chan struct{}
}

// New returns a pointer to an initialised Service
func New(config Config) *Service {

	if config.Interval == 0 {
		config.Interval = time.Second
	}

	s := &Service{
		config:   config,
		registry: config.Registry,
		prom:     prometheus.NewRegistry(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		done: make(chan struct{}),
	}

	labels := prometheus.Labels{"room": config.Room}

	s.prom.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "parlor_hub_active_clients",
		Help:        "Number of authenticated clients currently connected.",
		ConstLabels: labels,
	}, func() float64 {
		return float64(s.registry.Count())
	}))

	s.prom.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name:        "parlor_hub_broadcasts_total",
		Help:        "Number of lines broadcast by this hub.",
		ConstLabels: labels,
	}, func() float64 {
		return float64(s.registry.Stats.Bytes.Count())
	}))

	s.prom.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "parlor_hub_broadcast_audience_mean",
		Help:        "Running mean number of recipients per broadcast.",
		ConstLabels: labels,
	}, func() float64 {
		return s.registry.Stats.Audience.Mean()
	}))

	return s
}

// Router returns the status routes, exported for test servers
func (s *Service) Router() *mux.Router {

	r := mux.NewRouter()
	r.HandleFunc("/status", s.handleStatus).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(s.prom, promhttp.HandlerOpts{})).Methods("GET")
	r.HandleFunc("/ws/status", s.handleWs).Methods("GET")
	return r
}

// Serve runs the status server until ctx is cancelled. The bind error
// surfaces via the returned error; a status server failure is not
// fatal to the hub, so callers log it rather than exiting.
func (s *Service) Serve(ctx context.Context) error {

	srv := &http.Server{
		Addr:    ":" + strconv.Itoa(s.config.Port),
		Handler: s.Router(),
	}

	go func() {
		<-ctx.Done()
		close(s.done)
		if err := srv.Shutdown(context.Background()); err != nil {
			log.Errorf("status: shutdown error %s", err.Error())
		}
	}()

	log.WithField("port", s.config.Port).Info("status: serving")

	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Service) report() Report {
	stats, clients := s.registry.Report()
	return Report{
		Room:    s.config.Room,
		Stats:   stats,
		Clients: clients,
	}
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.report()); err != nil {
		log.Debugf("status: encode failed because %s", err.Error())
	}
}

// handleWs pushes the snapshot at the configured interval until the
// peer goes away or the server shuts down
func (s *Service) handleWs(w http.ResponseWriter, r *http.Request) {

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("status: websocket upgrade failed because %s", err.Error())
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := conn.WriteJSON(s.report()); err != nil {
				log.Debugf("status: websocket peer gone (%s)", err.Error())
				return
			}
		}
	}
}
