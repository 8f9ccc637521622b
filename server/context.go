package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/golang/glog"

	e "github.com/microcosm-cc/modelcache/errors"
)

// StandardResponse is the envelope every API response is wrapped in
type StandardResponse struct {
	Context string      `json:"context"`
	Status  int         `json:"status"`
	Data    interface{} `json:"data"`
	Error   []string    `json:"error"`
}

// Context carries a request and its response writer through a handler
type Context struct {
	Request        *http.Request
	ResponseWriter http.ResponseWriter
}

// MakeContext wraps a request
func MakeContext(w http.ResponseWriter, r *http.Request) *Context {
	return &Context{Request: r, ResponseWriter: w}
}

// GetHTTPMethod returns the method, honouring the X-HTTP-Method-Override
// header for clients that can only send GET and POST
func (c *Context) GetHTTPMethod() string {
	if c.Request.Header.Get("X-HTTP-Method-Override") != "" {
		return strings.ToUpper(c.Request.Header.Get("X-HTTP-Method-Override"))
	}
	return c.Request.Method
}

// Respond writes data wrapped in a StandardResponse
func (c *Context) Respond(data interface{}, statusCode int, errors []string) {
	obj := StandardResponse{
		Context: c.Request.URL.Query().Get("context"),
		Status:  statusCode,
		Data:    data,
		Error:   errors,
	}

	// Prevent content type detection, a.k.a. sniffing
	c.ResponseWriter.Header().Set("Content-Type", "application/json")

	// Status and lifecycle data changes on every reload, never cache it
	c.ResponseWriter.Header().Set("Cache-Control", "no-cache, max-age=0")

	output, err := json.Marshal(obj)
	if err != nil {
		glog.Errorf("json.Marshal(obj) %+v", err)
		http.Error(c.ResponseWriter, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	c.ResponseWriter.WriteHeader(statusCode)
	c.ResponseWriter.Write(output)
}

// RespondWithOptions responds to an OPTIONS request
func (c *Context) RespondWithOptions(options []string) {
	c.ResponseWriter.Header().Set("Allow", strings.Join(options, ","))
	c.ResponseWriter.Header().Set("Content-Length", "0")
	c.ResponseWriter.WriteHeader(http.StatusOK)
}

// RespondWithStatus responds with a status code and no data
func (c *Context) RespondWithStatus(statusCode int) {
	c.Respond(nil, statusCode, nil)
}

// RespondWithErrorMessage responds with a status code and an error message
func (c *Context) RespondWithErrorMessage(message string, statusCode int) {
	c.Respond(nil, statusCode, []string{message})
}

// RespondWithErrorDetail responds with the error itself as data so coded
// errors reach the client with their code
func (c *Context) RespondWithErrorDetail(err error, statusCode int) {
	var data interface{}
	if ce, ok := err.(*e.CacheError); ok {
		data = ce
	}
	c.Respond(data, statusCode, []string{err.Error()})
}

// RespondWithData responds with 200 and data
func (c *Context) RespondWithData(data interface{}) {
	c.Respond(data, http.StatusOK, nil)
}
