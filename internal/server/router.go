package server

import (
	"crypto/tls"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	mng "github.com/loykin/portpilot/internal/manager"
	"github.com/loykin/portpilot/internal/metrics"
	"github.com/loykin/portpilot/internal/process"
	"github.com/loykin/portpilot/internal/shutdown"
	tlsconf "github.com/loykin/portpilot/internal/tls"
)

// Router provides embeddable HTTP handlers for managing dev servers.
// Endpoints:
//
//	POST {basePath}/start            body: Request JSON
//	POST {basePath}/stop             query: id=... or workspace=...&port=...
//	POST {basePath}/restart          query: id=...
//	GET  {basePath}/servers
//	GET  {basePath}/ports/:port      who holds the port
//	POST {basePath}/ports/:port/free stop whoever holds the port
//	GET  {basePath}/events           server-sent lifecycle events
//	GET  {basePath}/metrics          Prometheus
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	mgr      *mng.Manager
	basePath string
}

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/api" results in /api/start, /api/stop, /api/servers.
func NewRouter(mgr *mng.Manager, basePath string) *Router {
	return &Router{mgr: mgr, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	r.Mount(g.Group(r.basePath))
	return g
}

// Mount registers the endpoints on an existing gin group.
func (r *Router) Mount(group *gin.RouterGroup) {
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.POST("/restart", r.handleRestart)
	group.GET("/servers", r.handleServers)
	group.GET("/ports/:port", r.handleWho)
	group.POST("/ports/:port/free", r.handleFree)
	group.GET("/events", r.handleEvents)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
}

// NewServer starts a standalone HTTP server on addr using this router.
// Call Shutdown or Close on the returned server to stop it.
func NewServer(addr, basePath string, mgr *mng.Manager) (*http.Server, error) {
	r := NewRouter(mgr, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server, nil
}

// NewTLSServer is NewServer over HTTPS.
func NewTLSServer(addr, basePath string, mgr *mng.Manager, tc tlsconf.Config) (*http.Server, error) {
	tlsCfg, err := tlsconf.Setup(tc)
	if err != nil {
		return nil, err
	}
	if tlsCfg == nil {
		return NewServer(addr, basePath, mgr)
	}
	ln, err := tls.Listen("tcp", addr, tlsCfg)
	if err != nil {
		return nil, err
	}
	r := NewRouter(mgr, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.Serve(ln) }()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type startErrorResp struct {
	Error        string `json:"error"`
	Kind         string `json:"kind"`
	Alternatives []int  `json:"alternatives,omitempty"`
	Stderr       string `json:"stderr,omitempty"`
}

type stopResp struct {
	OK      bool            `json:"ok"`
	Report  shutdown.Report `json:"report"`
	Warning string          `json:"warning,omitempty"`
}

func (r *Router) handleStart(c *gin.Context) {
	var req mng.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if msg := validateRequest(req); msg != "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: msg})
		return
	}
	h, err := r.mgr.Start(c.Request.Context(), req)
	if err != nil {
		writeStartError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, h.Snapshot())
}

func writeStartError(c *gin.Context, err error) {
	var se *mng.StartError
	if !errors.As(err, &se) {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	code := http.StatusUnprocessableEntity
	switch se.Kind {
	case mng.KindBusy:
		code = http.StatusConflict
	case mng.KindCancelled:
		code = http.StatusRequestTimeout
	}
	writeJSON(c, code, startErrorResp{Error: se.Error(), Kind: se.Kind.String(), Alternatives: se.Alternatives, Stderr: se.StderrExcerpt})
}

// lookup finds the handle selected by the id, or workspace and port, query parameters.
func (r *Router) lookup(c *gin.Context) (*process.Handle, bool) {
	id := c.Query("id")
	ws := c.Query("workspace")
	portStr := c.Query("port")
	switch {
	case id != "" && (ws != "" || portStr != ""):
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "use either id or workspace+port"})
		return nil, false
	case id != "":
		h, ok := r.mgr.Get(id)
		if !ok {
			writeJSON(c, http.StatusNotFound, errorResp{Error: "no running server with id " + id})
		}
		return h, ok
	case ws != "" && portStr != "":
		port, err := strconv.Atoi(portStr)
		if err != nil || !workspacePathOK(ws) {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid workspace or port"})
			return nil, false
		}
		h, ok := r.mgr.Find(ws, port)
		if !ok {
			writeJSON(c, http.StatusNotFound, errorResp{Error: "no running server for " + ws + ":" + portStr})
		}
		return h, ok
	default:
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "id or workspace+port query params required"})
		return nil, false
	}
}

func (r *Router) handleStop(c *gin.Context) {
	h, ok := r.lookup(c)
	if !ok {
		return
	}
	rep, err := r.mgr.StopReport(c.Request.Context(), h)
	if err != nil {
		writeJSON(c, http.StatusRequestTimeout, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, reportResp(rep))
}

func reportResp(rep shutdown.Report) stopResp {
	resp := stopResp{OK: true, Report: rep}
	if rep.Warning != nil {
		resp.Warning = rep.Warning.Error()
	}
	return resp
}

func (r *Router) handleRestart(c *gin.Context) {
	h, ok := r.lookup(c)
	if !ok {
		return
	}
	nh, err := r.mgr.Restart(c.Request.Context(), h)
	if err != nil {
		writeStartError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, nh.Snapshot())
}

func (r *Router) handleServers(c *gin.Context) {
	hs := r.mgr.Servers()
	out := make([]process.Info, 0, len(hs))
	for _, h := range hs {
		out = append(out, h.Snapshot())
	}
	writeJSON(c, http.StatusOK, out)
}

func portParam(c *gin.Context) (int, bool) {
	port, err := strconv.Atoi(c.Param("port"))
	if err != nil || port <= 0 || port > 65535 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid port: " + c.Param("port")})
		return 0, false
	}
	return port, true
}

func (r *Router) handleWho(c *gin.Context) {
	port, ok := portParam(c)
	if !ok {
		return
	}
	st, err := r.mgr.Who(c.Request.Context(), port)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleFree(c *gin.Context) {
	port, ok := portParam(c)
	if !ok {
		return
	}
	rep, err := r.mgr.Free(c.Request.Context(), port)
	if err != nil {
		writeJSON(c, http.StatusConflict, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, reportResp(rep))
}

// handleEvents streams lifecycle events until the client goes away.
func (r *Router) handleEvents(c *gin.Context) {
	sub := r.mgr.Subscribe(64)
	defer sub.Unsubscribe()
	events := sub.C()
	c.Stream(func(w io.Writer) bool {
		select {
		case e, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(string(e.Type), e)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
