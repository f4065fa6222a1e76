// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

// Package server exposes the saga coordinator as a JSON HTTP API.
package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/zoowii/sagas-go/internal/sagaserver/service"
	"github.com/zoowii/sagas-go/pkg/logger"
	"github.com/zoowii/sagas-go/pkg/saga/api"
)

// Server wires the coordinator service into a gin HTTP server. Every
// endpoint replies 200 with an envelope carrying the protocol code; HTTP
// status codes stay out of the protocol.
type Server struct {
	svc        *service.SagaService
	engine     *gin.Engine
	httpServer *http.Server
}

// NewServer creates a server over svc. A non-nil registry additionally
// exposes its metrics on /metrics.
func NewServer(svc *service.SagaService, registry *prometheus.Registry) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{svc: svc, engine: engine}
	s.registerRoutes(registry)
	return s
}

// Handler returns the HTTP handler, usable directly with httptest.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until Shutdown.
func (s *Server) Run(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.engine}
	logger.GetLogger().Info("saga server listening", zap.String("addr", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes(registry *prometheus.Registry) {
	s.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if registry != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}

	v1 := s.engine.Group("/api/v1/saga")
	{
		v1.POST("/global", s.createGlobalTx)
		v1.POST("/global/list", s.listGlobalTxs)
		v1.GET("/global/:xid", s.queryGlobalTx)
		v1.PUT("/global/:xid/state", s.submitGlobalTxState)
		v1.PUT("/global/:xid/end_branches", s.endGlobalTxBranches)

		v1.POST("/branch", s.createBranchTx)
		v1.GET("/branch/:branchId", s.queryBranchTx)
		v1.PUT("/branch/:branchId/state", s.submitBranchTxState)

		v1.PUT("/data/:xid", s.initSagaData)
		v1.GET("/data/:xid", s.getSagaData)
	}
}

func (s *Server) createGlobalTx(c *gin.Context) {
	var req api.CreateGlobalTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusOK, &api.CreateGlobalTransactionReply{Code: api.CodeServerError, Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.svc.CreateGlobalTx(c.Request.Context(), &req))
}

func (s *Server) createBranchTx(c *gin.Context) {
	var req api.CreateBranchTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusOK, &api.CreateBranchTransactionReply{Code: api.CodeServerError, Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.svc.CreateBranchTx(c.Request.Context(), &req))
}

func (s *Server) queryGlobalTx(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.QueryGlobalTx(c.Request.Context(), c.Param("xid")))
}

func (s *Server) queryBranchTx(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.QueryBranchTx(c.Request.Context(), c.Param("branchId")))
}

func (s *Server) submitGlobalTxState(c *gin.Context) {
	var req api.SubmitGlobalTransactionStateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusOK, &api.SubmitGlobalTransactionStateReply{Code: api.CodeServerError, Error: err.Error()})
		return
	}
	req.Xid = c.Param("xid")
	c.JSON(http.StatusOK, s.svc.SubmitGlobalTxState(c.Request.Context(), &req))
}

func (s *Server) endGlobalTxBranches(c *gin.Context) {
	req := api.EndGlobalTransactionBranchesRequest{Xid: c.Param("xid")}
	c.JSON(http.StatusOK, s.svc.EndGlobalTxBranches(c.Request.Context(), &req))
}

func (s *Server) submitBranchTxState(c *gin.Context) {
	var req api.SubmitBranchTransactionStateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusOK, &api.SubmitBranchTransactionStateReply{Code: api.CodeServerError, Error: err.Error()})
		return
	}
	req.BranchID = c.Param("branchId")
	c.JSON(http.StatusOK, s.svc.SubmitBranchTxState(c.Request.Context(), &req))
}

func (s *Server) listGlobalTxs(c *gin.Context) {
	var req api.ListGlobalTransactionsOfStatesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusOK, &api.ListGlobalTransactionsOfStatesReply{Code: api.CodeServerError, Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.svc.ListGlobalTxsOfStates(c.Request.Context(), &req))
}

func (s *Server) initSagaData(c *gin.Context) {
	var req api.InitSagaDataRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusOK, &api.InitSagaDataReply{Code: api.CodeServerError, Error: err.Error()})
		return
	}
	req.Xid = c.Param("xid")
	c.JSON(http.StatusOK, s.svc.InitSagaData(c.Request.Context(), &req))
}

func (s *Server) getSagaData(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.GetSagaData(c.Request.Context(), c.Param("xid")))
}
