package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	accounts "github.com/swaptacular/swpt-accounts"
)

// Api is the fetch API server: the tiny HTTP surface that peer shards call
// to check the reachability of accounts owned by this shard.
type Api struct {
	svc    *accounts.Service
	router *gin.Engine
}

func NewAPI(svc *accounts.Service) *Api {
	gin.SetMode(gin.ReleaseMode)
	r := gin.Default()

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, "server running...")
	})
	r.GET("/healthz", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	return &Api{svc: svc, router: r}
}

func (a *Api) Router() *gin.Engine {
	router := a.router
	router.GET("/accounts/:debtorId/:creditorId/reachable", a.GetAccountReachability)
	return a.router
}
