package rendezvous

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
)

// Entry is the JSON body exchanged by Server and HTTPStore. Value is base64
// on the wire.
type Entry struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

type errorBody struct {
	Error string `json:"error"`
}

// Server exposes a MemStore over HTTP so ranks in different processes can
// bootstrap against one address.
type Server struct {
	store   *MemStore
	maxWait time.Duration
}

// NewServer serves store. Long-poll waits are capped at maxWait (default 30s).
func NewServer(store *MemStore, maxWait time.Duration) *Server {
	if store == nil {
		store = NewMemStore()
	}
	if maxWait <= 0 {
		maxWait = 30 * time.Second
	}
	return &Server{store: store, maxWait: maxWait}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/v1/kv", s.handleList)
	e.GET("/v1/kv/:key", s.handleGet)
	e.PUT("/v1/kv/:key", s.handleSet)
}

func (s *Server) handleList(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"keys": s.store.Keys()})
}

func (s *Server) handleSet(c *echo.Context) error {
	key := c.Param("key")
	if key == "" {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "missing key"})
	}
	var body Entry
	if err := decodeJSON(c.Request().Body, &body); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
	}
	if err := s.store.Set(c.Request().Context(), key, body.Value); err != nil {
		return c.JSON(http.StatusInternalServerError, errorBody{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, Entry{Key: key, Value: body.Value})
}

// handleGet long-polls for up to ?wait= (a Go duration) before answering 404.
func (s *Server) handleGet(c *echo.Context) error {
	key := c.Param("key")
	wait := time.Duration(0)
	if raw := c.QueryParam("wait"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid wait: " + err.Error()})
		}
		wait = min(d, s.maxWait)
	}

	if wait == 0 {
		if v, ok := s.store.Lookup(key); ok {
			return c.JSON(http.StatusOK, Entry{Key: key, Value: v})
		}
		return c.JSON(http.StatusNotFound, errorBody{Error: "key not set"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), wait)
	defer cancel()
	v, err := s.store.Get(ctx, key)
	if err != nil {
		return c.JSON(http.StatusNotFound, errorBody{Error: "key not set"})
	}
	return c.JSON(http.StatusOK, Entry{Key: key, Value: v})
}
