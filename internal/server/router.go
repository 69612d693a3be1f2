// Package server provides an embeddable read-only HTTP API over a runtime:
// process stats, registry contents, supervision-tree snapshots, and the
// Prometheus scrape endpoint. It exposes no mutation.
package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/otpkit/internal/genserver"
	"github.com/loykin/otpkit/internal/metrics"
	"github.com/loykin/otpkit/internal/ref"
	"github.com/loykin/otpkit/internal/registry"
	"github.com/loykin/otpkit/internal/supervisor"
)

// Router serves introspection endpoints:
//
//	GET {basePath}/processes          all process stats
//	GET {basePath}/processes/:id      stats for one process
//	GET {basePath}/registry           entries; ?pattern= filters by glob
//	GET {basePath}/registry/:name     resolve one name
//	GET {basePath}/tree               snapshots of the registered supervisors
//	GET {basePath}/metrics            Prometheus scrape endpoint
type Router struct {
	rt       *genserver.Runtime
	roots    []*supervisor.Supervisor
	basePath string
}

// NewRouter builds a router over rt. roots are the supervision trees served
// under /tree; nil is fine for runtimes without supervision.
func NewRouter(rt *genserver.Runtime, roots []*supervisor.Supervisor, basePath string) *Router {
	return &Router{rt: rt, roots: roots, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/processes", r.handleProcesses)
	group.GET("/processes/:id", r.handleProcess)
	group.GET("/registry", r.handleRegistry)
	group.GET("/registry/:name", r.handleRegistryName)
	group.GET("/tree", r.handleTree)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr, basePath string, rt *genserver.Runtime, roots []*supervisor.Supervisor) (*http.Server, error) {
	r := NewRouter(rt, roots, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server, nil
}

type errorResp struct {
	Error string `json:"error"`
}

func (r *Router) handleProcesses(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.rt.ListStats())
}

func (r *Router) handleProcess(c *gin.Context) {
	id := c.Param("id")
	st, err := r.rt.Stats(ref.New(id))
	if err != nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, st)
}

type registryEntry struct {
	Key          string    `json:"key"`
	RefID        string    `json:"ref_id"`
	RegisteredAt time.Time `json:"registered_at"`
}

func (r *Router) handleRegistry(c *gin.Context) {
	reg := r.rt.Registry()
	pattern := c.Query("pattern")
	var entries []registry.Entry
	if pattern != "" {
		entries = reg.Match(pattern, nil)
	} else {
		for _, k := range reg.Keys() {
			entries = append(entries, reg.LookupAll(k)...)
		}
	}
	out := make([]registryEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, registryEntry{
			Key:          e.Key,
			RefID:        e.Ref.ID(),
			RegisteredAt: e.RegisteredAt,
		})
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleRegistryName(c *gin.Context) {
	name := c.Param("name")
	target, ok := r.rt.WhereIs(name)
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "name not registered: " + name})
		return
	}
	writeJSON(c, http.StatusOK, registryEntry{Key: name, RefID: target.ID()})
}

func (r *Router) handleTree(c *gin.Context) {
	out := make([]supervisor.TreeSnapshot, 0, len(r.roots))
	for _, s := range r.roots {
		out = append(out, s.Snapshot())
	}
	writeJSON(c, http.StatusOK, out)
}
