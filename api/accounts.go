package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/swaptacular/swpt-accounts/database"
	"github.com/swaptacular/swpt-accounts/model"
)

// GetAccountReachability reports whether an account owned by this shard can
// receive transfers: 204 when it can, 404 when it does not exist (or lives
// on another shard), 409 when it is scheduled for deletion.
func (a *Api) GetAccountReachability(c *gin.Context) {
	debtorID, err := model.ParseU64String(c.Param("debtorId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid debtor id"})
		return
	}
	creditorID, err := model.ParseU64String(c.Param("creditorId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid creditor id"})
		return
	}
	if !a.svc.Realm().Owns(debtorID, creditorID) {
		c.Status(http.StatusNotFound)
		return
	}

	account, err := a.svc.Datasource().GetAccount(c.Request.Context(), debtorID, creditorID)
	if err == database.ErrNotFound {
		c.Status(http.StatusNotFound)
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	switch {
	case account.IsDeleted():
		c.Status(http.StatusNotFound)
	case account.IsScheduledForDeletion():
		c.Status(http.StatusConflict)
	default:
		c.Status(http.StatusNoContent)
	}
}
