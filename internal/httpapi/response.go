// Package httpapi exposes the Task Queue, Trigger Engine, Health Monitor,
// and System lifecycle over a REST surface.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kandev/taskforge/internal/apperr"
)

// envelope is the wire shape every endpoint responds with: a success flag,
// a payload keyed by whatever the endpoint calls it, and an epoch-millisecond
// timestamp.
type envelope map[string]any

func newEnvelope() envelope {
	return envelope{
		"success":   true,
		"timestamp": time.Now().UTC().UnixMilli(),
	}
}

// ok writes a 200 envelope with the given payload fields merged in.
func ok(c *gin.Context, fields envelope) {
	env := newEnvelope()
	for k, v := range fields {
		env[k] = v
	}
	c.JSON(http.StatusOK, env)
}

// accepted writes a 202 envelope, used for actions that kick off async work.
func accepted(c *gin.Context, fields envelope) {
	env := newEnvelope()
	for k, v := range fields {
		env[k] = v
	}
	c.JSON(http.StatusAccepted, env)
}

// created writes a 201 envelope.
func created(c *gin.Context, fields envelope) {
	env := newEnvelope()
	for k, v := range fields {
		env[k] = v
	}
	c.JSON(http.StatusCreated, env)
}

// fail maps err to an HTTP status via apperr and writes a failure envelope.
func fail(c *gin.Context, err error) {
	env := newEnvelope()
	env["success"] = false
	env["error"] = string(apperr.KindOf(err))
	env["message"] = err.Error()
	c.JSON(apperr.StatusOf(err), env)
}

// badRequest writes a 400 envelope for a request that never reached a
// component capable of returning a typed apperr.Error (e.g. bad JSON, a
// missing path param).
func badRequest(c *gin.Context, message string) {
	env := newEnvelope()
	env["success"] = false
	env["error"] = string(apperr.KindInvalidInput)
	env["message"] = message
	c.JSON(http.StatusBadRequest, env)
}
