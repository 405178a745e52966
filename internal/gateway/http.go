// Package gateway exposes the daemon's HTTP and WebSocket API: workspace
// lifecycle over REST and live background-process snapshots over WebSocket.
package gateway

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/muxhq/mux/internal/bgproc"
	"github.com/muxhq/mux/internal/common/logger"
	"github.com/muxhq/mux/internal/runtime"
	"github.com/muxhq/mux/internal/workspace"
	"go.uber.org/zap"
)

// Gateway wires HTTP routes to the workspace service and process manager.
// WebSocket consumers stream through the client store so they share its
// reconnecting subscription and cached state.
type Gateway struct {
	workspaces *workspace.Service
	procs      *bgproc.Manager
	store      *bgproc.Store
	log        *logger.Logger
}

// New builds the gateway.
func New(ws *workspace.Service, procs *bgproc.Manager, store *bgproc.Store, log *logger.Logger) *Gateway {
	if log == nil {
		log = logger.Default()
	}
	return &Gateway{
		workspaces: ws,
		procs:      procs,
		store:      store,
		log:        log.WithFields(zap.String("component", "gateway")),
	}
}

// RegisterRoutes mounts the API under /api/v1 plus the WebSocket endpoint.
func (g *Gateway) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "mux"})
	})

	v1 := r.Group("/api/v1")
	{
		v1.GET("/workspaces", g.listWorkspaces)
		v1.POST("/workspaces", g.createWorkspace)
		v1.GET("/workspaces/:id", g.getWorkspace)
		v1.DELETE("/workspaces/:id", g.deleteWorkspace)
		v1.POST("/workspaces/:id/fork", g.forkWorkspace)
		v1.POST("/workspaces/:id/rename", g.renameWorkspace)

		v1.GET("/workspaces/:id/processes", g.listProcesses)
		v1.POST("/workspaces/:id/processes", g.spawnProcess)
		v1.POST("/workspaces/:id/processes/:pid/terminate", g.terminateProcess)
		v1.POST("/workspaces/:id/processes/background", g.backgroundProcess)
	}

	r.GET("/ws/workspaces/:id/processes", g.streamProcesses)
}

func (g *Gateway) listWorkspaces(c *gin.Context) {
	recs, err := g.workspaces.List(c.Request.Context(), c.Query("project"))
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workspaces": recs})
}

type createWorkspaceRequest struct {
	ProjectPath string         `json:"project_path" binding:"required"`
	Name        string         `json:"name" binding:"required"`
	Branch      string         `json:"branch" binding:"required"`
	TrunkBranch string         `json:"trunk_branch"`
	Runtime     runtime.Config `json:"runtime" binding:"required"`
}

func (g *Gateway) createWorkspace(c *gin.Context) {
	var req createWorkspaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rec, err := g.workspaces.Create(c.Request.Context(), workspace.CreateRequest{
		ProjectPath: req.ProjectPath,
		Name:        req.Name,
		Branch:      req.Branch,
		TrunkBranch: req.TrunkBranch,
		Runtime:     req.Runtime,
	})
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (g *Gateway) getWorkspace(c *gin.Context) {
	rec, err := g.workspaces.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

type forkWorkspaceRequest struct {
	Name           string `json:"name" binding:"required"`
	Branch         string `json:"branch" binding:"required"`
	PreferredTrunk string `json:"preferred_trunk"`
}

func (g *Gateway) forkWorkspace(c *gin.Context) {
	var req forkWorkspaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rec, err := g.workspaces.Fork(c.Request.Context(), workspace.ForkServiceRequest{
		SourceID:       c.Param("id"),
		NewName:        req.Name,
		Branch:         req.Branch,
		PreferredTrunk: req.PreferredTrunk,
	})
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

type renameWorkspaceRequest struct {
	Name string `json:"name" binding:"required"`
}

func (g *Gateway) renameWorkspace(c *gin.Context) {
	var req renameWorkspaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rec, err := g.workspaces.Rename(c.Request.Context(), c.Param("id"), req.Name)
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (g *Gateway) deleteWorkspace(c *gin.Context) {
	id := c.Param("id")
	force := c.Query("force") == "true"

	// Kill everything still running before the directory goes away.
	g.procs.RemoveWorkspace(id)

	if err := g.workspaces.Delete(c.Request.Context(), id, force); err != nil {
		g.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (g *Gateway) listProcesses(c *gin.Context) {
	c.JSON(http.StatusOK, g.procs.Snapshot(c.Param("id")))
}

type spawnProcessRequest struct {
	Script string            `json:"script" binding:"required"`
	Name   string            `json:"name"`
	Cwd    string            `json:"cwd"`
	Env    map[string]string `json:"env"`

	// ToolCallID marks the execution as foreground for that tool call.
	ToolCallID string `json:"tool_call_id"`
}

func (g *Gateway) spawnProcess(c *gin.Context) {
	var req spawnProcessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rec, err := g.workspaces.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		g.fail(c, err)
		return
	}
	rt, err := g.workspaces.RuntimeFor(c.Request.Context(), rec)
	if err != nil {
		g.fail(c, err)
		return
	}

	cwd := req.Cwd
	if cwd == "" {
		cwd = rec.Path
	}
	info, err := g.procs.Spawn(c.Request.Context(), rec.ID, rt, bgproc.SpawnRequest{
		Script:     req.Script,
		Name:       req.Name,
		Cwd:        cwd,
		Env:        req.Env,
		ToolCallID: req.ToolCallID,
	})
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, info)
}

func (g *Gateway) terminateProcess(c *gin.Context) {
	if err := g.procs.Terminate(c.Param("id"), c.Param("pid")); err != nil {
		g.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type backgroundProcessRequest struct {
	ToolCallID string `json:"tool_call_id" binding:"required"`
}

func (g *Gateway) backgroundProcess(c *gin.Context) {
	var req backgroundProcessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	info, err := g.procs.SendToBackground(c.Param("id"), req.ToolCallID)
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (g *Gateway) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, workspace.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, runtime.ErrWorkspaceExists):
		status = http.StatusConflict
	case errors.Is(err, runtime.ErrNotGitRepo):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		g.log.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
