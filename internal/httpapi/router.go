// Package httpapi is the optional HTTP front end spec.md §6 describes:
// read-requests are fulfilled by opening a Buffered Reader for a resolved
// (infohash, accessor, path-or-index). Grounded on the teacher's
// internal/api/router.go (gin.New + Recovery + logging middleware, route
// grouping, gin.H error responses), trimmed to the one contract spec.md
// actually requires — everything movie/show/subtitle-specific in the
// teacher's router is out of scope here.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/privatevod/tvafengine/internal/infohash"
	"github.com/privatevod/tvafengine/internal/vfs"
)

// Server is the read-range HTTP front end over the virtual filesystem.
type Server struct {
	router *gin.Engine
	fs     *vfs.VFS
	log    *slog.Logger
}

// NewServer builds a server routing spec.md §6's read-range endpoint
// through fs.
func NewServer(fs *vfs.VFS) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router: gin.New(),
		fs:     fs,
		log:    slog.With("component", "httpapi"),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.Recovery())
	s.router.Use(func(c *gin.Context) {
		c.Next()
		s.log.Info("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
		)
	})
}

func (s *Server) setupRoutes() {
	v1 := s.router.Group("/v1/:infohash/:accessor")
	v1.GET("/i/:index", s.readByIndex)
	v1.GET("/f/*path", s.readByPath)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) readByIndex(c *gin.Context) {
	p := "/v1/" + c.Param("infohash") + "/" + c.Param("accessor") + "/i/" + c.Param("index")
	s.serveRange(c, p)
}

func (s *Server) readByPath(c *gin.Context) {
	p := "/v1/" + c.Param("infohash") + "/" + c.Param("accessor") + "/f" + c.Param("path")
	s.serveRange(c, p)
}

func (s *Server) serveRange(c *gin.Context, path string) {
	if _, err := infohash.FromHexString(c.Param("infohash")); err != nil {
		errorResponse(c, http.StatusBadRequest, "bad infohash")
		return
	}

	user := c.ClientIP()
	rc, info, err := s.fs.Open(path, user)
	if err != nil {
		if err == vfs.ErrNotExist {
			errorResponse(c, http.StatusNotFound, "not found")
			return
		}
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	defer rc.Close()

	http.ServeContent(c.Writer, c.Request, info.Name(), info.ModTime(), rc)
}

func errorResponse(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message})
}
