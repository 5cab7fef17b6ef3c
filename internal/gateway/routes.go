package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cast"

	"github.com/zboralski/remotenet/internal/app"
	"github.com/zboralski/remotenet/internal/diver"
	"github.com/zboralski/remotenet/internal/dumps"
	"github.com/zboralski/remotenet/internal/remote"
	"github.com/zboralski/remotenet/internal/rtti"
)

// maxImageSize bounds an uploaded PE image.
const maxImageSize = 256 << 20

func (s *Server) addRoutes(rg *gin.RouterGroup) {
	rg.GET("/domains", s.domains)
	rg.GET("/heap", s.heap)
	rg.GET("/types", s.types)
	rg.GET("/types/:name", s.typeDump)

	o := rg.Group("/objects")
	o.POST("", s.createObject)
	o.GET("/:addr", s.object)
	o.GET("/:addr/fields/:name", s.getField)
	o.PUT("/:addr/fields/:name", s.setField)
	o.POST("/:addr/invoke/:method", s.invoke)

	rg.POST("/rtti/scan", s.rttiScan)
}

// status maps an error to the HTTP status the gateway answers with.
func status(err error) int {
	var re *diver.RemoteError
	switch {
	case errors.As(err, &re):
		return re.Status
	case errors.Is(err, remote.ErrTypeNotFound), errors.Is(err, app.ErrMethodNotFound):
		return http.StatusNotFound
	case errors.Is(err, dumps.ErrNotImplemented):
		return http.StatusNotImplemented
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func abort(c *gin.Context, err error) {
	de := dumps.DiverError{Error: err.Error()}
	var re *diver.RemoteError
	if errors.As(err, &re) {
		de.StackTrace = re.StackTrace
	}
	c.Error(err)
	c.AbortWithStatusJSON(status(err), de)
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, dumps.DiverError{Error: err.Error()})
}

func addrParam(c *gin.Context) (uint64, bool) {
	addr, err := strconv.ParseUint(c.Param("addr"), 0, 64)
	if err != nil {
		badRequest(c, errors.New("addr: "+err.Error()))
		return 0, false
	}
	return addr, true
}

// typeQuery returns the required ?type= parameter.
func typeQuery(c *gin.Context) (string, bool) {
	t := c.Query("type")
	if t == "" {
		badRequest(c, errors.New("missing 'type' query parameter"))
		return "", false
	}
	return t, true
}

func (s *Server) domains(c *gin.Context) {
	d, err := s.session.Domains(c.Request.Context())
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (s *Server) heap(c *gin.Context) {
	hashcodes, err := cast.ToBoolE(c.DefaultQuery("hashcodes", "true"))
	if err != nil {
		badRequest(c, err)
		return
	}
	objs, err := s.session.QueryInstances(c.Request.Context(), c.Query("filter"), hashcodes)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, objs)
}

func (s *Server) types(c *gin.Context) {
	types, err := s.session.QueryTypes(c.Request.Context(), c.Query("filter"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, types)
}

func (s *Server) typeDump(c *gin.Context) {
	td, err := s.session.Communicator().DumpType(c.Request.Context(), c.Param("name"), c.Query("assembly"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, td)
}

// object returns an unpinned snapshot of the object.
func (s *Server) object(c *gin.Context) {
	addr, ok := addrParam(c)
	if !ok {
		return
	}
	var hashcode *int32
	if v, present := c.GetQuery("hashcode"); present {
		hc, err := cast.ToInt32E(v)
		if err != nil {
			badRequest(c, err)
			return
		}
		hashcode = &hc
	}
	od, err := s.session.Communicator().DumpObject(c.Request.Context(), addr, c.Query("type"), false, hashcode)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, od)
}

func (s *Server) getField(c *gin.Context) {
	addr, ok := addrParam(c)
	if !ok {
		return
	}
	typeName, ok := typeQuery(c)
	if !ok {
		return
	}
	res, err := s.session.Communicator().GetField(c.Request.Context(), addr, typeName, c.Param("name"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) setField(c *gin.Context) {
	addr, ok := addrParam(c)
	if !ok {
		return
	}
	typeName, ok := typeQuery(c)
	if !ok {
		return
	}
	var value dumps.ObjectOrRemoteAddress
	if err := c.ShouldBindJSON(&value); err != nil {
		badRequest(c, err)
		return
	}
	res, err := s.session.Communicator().SetField(c.Request.Context(), addr, typeName, c.Param("name"), value)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// InvokeBody is the body of an invoke call.
type InvokeBody struct {
	GenericArgs []string                      `json:"genericArgs"`
	Args        []dumps.ObjectOrRemoteAddress `json:"args"`
}

func (s *Server) invoke(c *gin.Context) {
	addr, ok := addrParam(c)
	if !ok {
		return
	}
	typeName, ok := typeQuery(c)
	if !ok {
		return
	}
	var body InvokeBody
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			badRequest(c, err)
			return
		}
	}
	res, err := s.session.Communicator().InvokeMethod(c.Request.Context(), addr, typeName, c.Param("method"), body.GenericArgs, body.Args)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// CreateBody is the body of a create call.
type CreateBody struct {
	Type string                        `json:"type" binding:"required"`
	Args []dumps.ObjectOrRemoteAddress `json:"args"`
}

func (s *Server) createObject(c *gin.Context) {
	var body CreateBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	res, err := s.session.Communicator().CreateObject(c.Request.Context(), body.Type, body.Args)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// ScanResponse lists the classes found in an uploaded image.
type ScanResponse struct {
	Module string          `json:"module"`
	Base   uint64          `json:"base"`
	Is32   bool            `json:"is32"`
	Types  []rtti.TypeInfo `json:"types"`
}

// rttiScan scans an uploaded PE image, sent as the multipart field "image".
func (s *Server) rttiScan(c *gin.Context) {
	fh, err := c.FormFile("image")
	if err != nil {
		badRequest(c, err)
		return
	}
	if fh.Size > maxImageSize {
		badRequest(c, errors.New("image too large"))
		return
	}
	f, err := fh.Open()
	if err != nil {
		badRequest(c, err)
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		badRequest(c, err)
		return
	}
	img, err := rtti.MapImage(fh.Filename, data)
	if err != nil {
		badRequest(c, err)
		return
	}
	sc := &rtti.Scanner{Reader: img, Is32: img.Header.Is32, Workers: s.conf.Workers, Logger: s.log}
	res, err := sc.ScanModules(c.Request.Context(), []rtti.Module{img.Module})
	if err != nil {
		abort(c, err)
		return
	}
	types := res[img.Module.Name]
	if types == nil {
		types = []rtti.TypeInfo{}
	}
	c.JSON(http.StatusOK, ScanResponse{Module: img.Module.Name, Base: img.Module.Base, Is32: img.Header.Is32, Types: types})
}
