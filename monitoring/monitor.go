// Package monitoring serves a running engine and its components over HTTP so
// that they can be inspected and paused from outside.
package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"runtime/pprof"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/process"
	"github.com/syifan/goseth"
	"go.uber.org/zap"

	"github.com/sarchlab/qserver/metrics"
	"github.com/sarchlab/qserver/sim/id"
	"github.com/sarchlab/qserver/sim/queueing"
	"github.com/sarchlab/qserver/sim/timing"
)

// A Component is anything with a name that can be inspected.
type Component interface {
	Name() string
}

// Monitor can turn a simulation into a server and allows external monitoring
// controlling of the simulation.
type Monitor struct {
	engine     timing.Engine
	components []Component
	sources    map[string]metrics.Source
	buffers    []queueing.Buffer
	collector  *metrics.Collector
	registry   *prometheus.Registry
	portNumber int
	logger     *zap.Logger

	profileDuration time.Duration

	pauseLock  sync.Mutex
	userPaused bool

	progressBarsLock sync.Mutex
	progressBars     []*ProgressBar

	server *http.Server
}

// NewMonitor creates a new Monitor
func NewMonitor(logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Monitor{
		sources:         make(map[string]metrics.Source),
		collector:       metrics.NewCollector(),
		registry:        prometheus.NewRegistry(),
		logger:          logger,
		profileDuration: time.Second,
	}

	if err := metrics.Register(m.registry, m.collector); err != nil {
		panic(err)
	}

	return m
}

// WithPortNumber sets the port number of the monitor. Ports below 1000 are
// replaced by a random port.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber < 1000 {
		m.logger.Warn("monitor port not allowed, using a random port",
			zap.Int("port", portNumber))

		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// RegisterEngine registers the engine that is used in the simulation.
func (m *Monitor) RegisterEngine(e timing.Engine) {
	m.engine = e
}

// RegisterComponent registers a component to be monitored. Components that
// report stats are exported as metrics, and components that own a buffer
// show up in the buffer list.
func (m *Monitor) RegisterComponent(c Component) {
	m.components = append(m.components, c)

	if s, ok := c.(metrics.Source); ok {
		m.sources[c.Name()] = s
		m.collector.Add(s)
	}

	if b, ok := c.(interface{ Buffer() queueing.Buffer }); ok {
		m.buffers = append(m.buffers, b.Buffer())
	}
}

// CreateProgressBar creates a new progress bar.
func (m *Monitor) CreateProgressBar(name string, total uint64) *ProgressBar {
	bar := &ProgressBar{
		ID:        id.Generate(),
		Name:      name,
		StartTime: time.Now(),
		Total:     total,
	}

	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	m.progressBars = append(m.progressBars, bar)

	return bar
}

// CompleteProgressBar removes a bar to be shown on the webpage.
func (m *Monitor) CompleteProgressBar(pb *ProgressBar) {
	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	newBars := make([]*ProgressBar, 0, len(m.progressBars))
	for _, b := range m.progressBars {
		if b != pb {
			newBars = append(newBars, b)
		}
	}

	m.progressBars = newBars
}

// Router returns the HTTP routes of the monitor.
func (m *Monitor) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/api/pause", m.pauseEngine)
	r.HandleFunc("/api/continue", m.continueEngine)
	r.HandleFunc("/api/now", m.now)
	r.HandleFunc("/api/list_components", m.listComponents)
	r.HandleFunc("/api/component/{name}", m.listComponentDetails)
	r.HandleFunc("/api/field/{json}", m.listFieldValue)
	r.HandleFunc("/api/stats/{name}", m.stats)
	r.HandleFunc("/api/hangdetector/buffers", m.hangDetectorBuffers)
	r.HandleFunc("/api/progress", m.listProgressBars)
	r.HandleFunc("/api/resource", m.listResources)
	r.HandleFunc("/api/profile", m.collectProfile)
	r.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	return r
}

// StartServer starts serving in the background and returns the URL.
func (m *Monitor) StartServer() (string, error) {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(m.portNumber))
	if err != nil {
		return "", fmt.Errorf("monitor: listen: %w", err)
	}

	url := fmt.Sprintf("http://localhost:%d",
		listener.Addr().(*net.TCPAddr).Port)

	m.server = &http.Server{
		Handler:           m.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		err := m.server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("monitor stopped", zap.Error(err))
		}
	}()

	m.logger.Info("monitoring", zap.String("url", url))

	return url, nil
}

// Shutdown stops the server started by StartServer.
func (m *Monitor) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}

	return m.server.Shutdown(ctx)
}

func (m *Monitor) fail(w http.ResponseWriter, status int, err error) {
	m.logger.Debug("monitor request failed", zap.Error(err))
	http.Error(w, err.Error(), status)
}

func (m *Monitor) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(v); err != nil {
		m.logger.Debug("cannot write response", zap.Error(err))
	}
}

func (m *Monitor) pauseEngine(w http.ResponseWriter, _ *http.Request) {
	m.pauseLock.Lock()
	defer m.pauseLock.Unlock()

	if !m.userPaused {
		m.engine.Pause()
		m.userPaused = true
	}

	w.WriteHeader(http.StatusOK)
}

func (m *Monitor) continueEngine(w http.ResponseWriter, _ *http.Request) {
	m.pauseLock.Lock()
	defer m.pauseLock.Unlock()

	if m.userPaused {
		m.engine.Continue()
		m.userPaused = false
	}

	w.WriteHeader(http.StatusOK)
}

// whileEnginePaused runs fn between events so that component fields are not
// written while fn reads them. A pause requested through the API is kept.
func (m *Monitor) whileEnginePaused(fn func()) {
	m.pauseLock.Lock()
	defer m.pauseLock.Unlock()

	if m.engine != nil && !m.userPaused {
		m.engine.Pause()
		defer m.engine.Continue()
	}

	fn()
}

func (m *Monitor) now(w http.ResponseWriter, _ *http.Request) {
	m.writeJSON(w, map[string]float64{"now": m.engine.Now()})
}

func (m *Monitor) listComponents(w http.ResponseWriter, _ *http.Request) {
	names := make([]string, 0, len(m.components))
	for _, c := range m.components {
		names = append(names, c.Name())
	}

	m.writeJSON(w, names)
}

func (m *Monitor) listComponentDetails(w http.ResponseWriter, r *http.Request) {
	component := m.findComponentOr404(w, mux.Vars(r)["name"])
	if component == nil {
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(component)
	serializer.SetMaxDepth(1)

	var buf bytes.Buffer
	var err error
	m.whileEnginePaused(func() { err = serializer.Serialize(&buf) })

	if err != nil {
		m.logger.Debug("cannot serialize component", zap.Error(err))
	}

	_, _ = w.Write(buf.Bytes())
}

type fieldReq struct {
	CompName  string `json:"comp_name,omitempty"`
	FieldName string `json:"field_name,omitempty"`
}

func (m *Monitor) listFieldValue(w http.ResponseWriter, r *http.Request) {
	req := fieldReq{}

	if err := json.Unmarshal([]byte(mux.Vars(r)["json"]), &req); err != nil {
		m.fail(w, http.StatusBadRequest, err)
		return
	}

	component := m.findComponentOr404(w, req.CompName)
	if component == nil {
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(component)
	serializer.SetMaxDepth(1)

	if err := serializer.SetEntryPoint(strings.Split(req.FieldName, ".")); err != nil {
		m.fail(w, http.StatusBadRequest, err)
		return
	}

	var buf bytes.Buffer
	var err error
	m.whileEnginePaused(func() { err = serializer.Serialize(&buf) })

	if err != nil {
		m.logger.Debug("cannot serialize field", zap.Error(err))
	}

	_, _ = w.Write(buf.Bytes())
}

func (m *Monitor) stats(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	s, ok := m.sources[name]
	if !ok {
		http.Error(w, "Component not found", http.StatusNotFound)
		return
	}

	m.writeJSON(w, s.Stats())
}

type bufferRsp struct {
	Buffer string `json:"buffer"`
	Level  int    `json:"level"`
	Cap    int    `json:"cap"`
}

func (m *Monitor) hangDetectorBuffers(w http.ResponseWriter, r *http.Request) {
	sortMethod, limit, offset, err := buffersParseParams(r)
	if err != nil {
		m.fail(w, http.StatusBadRequest, err)
		return
	}

	selected := sortAndSelectBuffers(m.buffers, sortMethod, limit, offset)

	rsp := make([]bufferRsp, 0, len(selected))
	for _, b := range selected {
		rsp = append(rsp, bufferRsp{Buffer: b.Name(), Level: b.Size(), Cap: b.Capacity()})
	}

	m.writeJSON(w, rsp)
}

func buffersParseParams(r *http.Request) (sort string, limit, offset int, err error) {
	sortMethod := r.URL.Query().Get("sort")
	if sortMethod == "" {
		sortMethod = "level"
	}

	if sortMethod != "level" && sortMethod != "percent" {
		return "", 0, 0, fmt.Errorf(
			"invalid sort method %q, allowed values are level and percent",
			sortMethod)
	}

	limit, err = intParam(r, "limit")
	if err != nil {
		return "", 0, 0, err
	}

	offset, err = intParam(r, "offset")
	if err != nil {
		return "", 0, 0, err
	}

	return sortMethod, limit, offset, nil
}

func intParam(r *http.Request, key string) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return 0, nil
	}

	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q", key, s)
	}

	return n, nil
}

// bufferPercent is 0 for unbounded buffers.
func bufferPercent(b queueing.Buffer) float64 {
	if b.Capacity() == queueing.Unbounded {
		return 0
	}

	return float64(b.Size()) / float64(b.Capacity())
}

func sortAndSelectBuffers(
	buffers []queueing.Buffer,
	sortMethod string,
	limit, offset int,
) []queueing.Buffer {
	sorted := make([]queueing.Buffer, len(buffers))
	copy(sorted, buffers)

	byLevel := func(i, j int) (less, decided bool) {
		si, sj := sorted[i].Size(), sorted[j].Size()
		return si > sj, si != sj
	}

	byPercent := func(i, j int) (less, decided bool) {
		pi, pj := bufferPercent(sorted[i]), bufferPercent(sorted[j])
		return pi > pj, pi != pj
	}

	first, second := byLevel, byPercent
	if sortMethod == "percent" {
		first, second = byPercent, byLevel
	}

	sort.SliceStable(sorted, func(i, j int) bool {
		if less, ok := first(i, j); ok {
			return less
		}

		less, _ := second(i, j)

		return less
	})

	if offset > len(sorted) {
		offset = len(sorted)
	}

	end := len(sorted)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}

	return sorted[offset:end]
}

func (m *Monitor) findComponentOr404(w http.ResponseWriter, name string) Component {
	for _, c := range m.components {
		if c.Name() == name {
			return c
		}
	}

	http.Error(w, "Component not found", http.StatusNotFound)

	return nil
}

func (m *Monitor) listProgressBars(w http.ResponseWriter, _ *http.Request) {
	m.progressBarsLock.Lock()
	bars := make([]progressRsp, 0, len(m.progressBars))
	for _, b := range m.progressBars {
		bars = append(bars, b.snapshot())
	}
	m.progressBarsLock.Unlock()

	m.writeJSON(w, bars)
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		m.fail(w, http.StatusInternalServerError, err)
		return
	}

	cpuPercent, err := proc.CPUPercent()
	if err != nil {
		m.fail(w, http.StatusInternalServerError, err)
		return
	}

	memory, err := proc.MemoryInfo()
	if err != nil {
		m.fail(w, http.StatusInternalServerError, err)
		return
	}

	m.writeJSON(w, resourceRsp{CPUPercent: cpuPercent, MemorySize: memory.RSS})
}

func (m *Monitor) collectProfile(w http.ResponseWriter, _ *http.Request) {
	buf := bytes.NewBuffer(nil)

	if err := pprof.StartCPUProfile(buf); err != nil {
		m.fail(w, http.StatusConflict, err)
		return
	}

	time.Sleep(m.profileDuration)
	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	if err != nil {
		m.fail(w, http.StatusInternalServerError, err)
		return
	}

	m.writeJSON(w, prof)
}
