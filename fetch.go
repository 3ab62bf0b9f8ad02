package accounts

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/swaptacular/swpt-accounts/config"
	"github.com/swaptacular/swpt-accounts/database"
	"github.com/swaptacular/swpt-accounts/internal/cache"
	"github.com/swaptacular/swpt-accounts/model"
)

// AccountStatus is the reachability of a recipient account, as reported by
// the fetch API of the shard that owns it.
type AccountStatus string

const (
	AccountStatusReachable            AccountStatus = "reachable"
	AccountStatusUnreachable          AccountStatus = "unreachable"
	AccountStatusScheduledForDeletion AccountStatus = "scheduled_for_deletion"
	AccountStatusUnknown              AccountStatus = "unknown"
)

// FetchClient answers "can this account receive a transfer right now".
// Permanent transport failures yield an error, never a false positive.
type FetchClient interface {
	FetchAccountStatus(ctx context.Context, debtorID, creditorID int64) (AccountStatus, error)
}

// HTTPFetchClient resolves account reachability through the fetch API,
// caching results for a short while. Accounts owned by the local shard are
// resolved directly against the local store.
type HTTPFetchClient struct {
	baseURL    string
	client     *http.Client
	cache      cache.Cache
	cacheTTL   time.Duration
	maxRetries uint64
	datasource database.IDataSource
	realm      *model.ShardingRealm
}

func NewHTTPFetchClient(cnf *config.Configuration, ds database.IDataSource, realm *model.ShardingRealm, cch cache.Cache) *HTTPFetchClient {
	return &HTTPFetchClient{
		baseURL:    cnf.FetchAPI.Url,
		client:     &http.Client{Timeout: time.Duration(cnf.FetchAPI.TimeoutSec) * time.Second},
		cache:      cch,
		cacheTTL:   time.Duration(cnf.FetchAPI.CacheTTLSec) * time.Second,
		maxRetries: uint64(cnf.FetchAPI.MaxRetries),
		datasource: ds,
		realm:      realm,
	}
}

func (c *HTTPFetchClient) FetchAccountStatus(ctx context.Context, debtorID, creditorID int64) (AccountStatus, error) {
	if c.realm.Owns(debtorID, creditorID) {
		return c.localAccountStatus(ctx, debtorID, creditorID)
	}
	return c.remoteAccountStatus(ctx, debtorID, creditorID)
}

func (c *HTTPFetchClient) localAccountStatus(ctx context.Context, debtorID, creditorID int64) (AccountStatus, error) {
	account, err := c.datasource.GetAccount(ctx, debtorID, creditorID)
	if err == database.ErrNotFound {
		return AccountStatusUnknown, nil
	}
	if err != nil {
		return AccountStatusUnknown, err
	}
	return accountStatusOf(account), nil
}

func accountStatusOf(account *model.Account) AccountStatus {
	switch {
	case account.IsDeleted():
		return AccountStatusUnreachable
	case account.IsScheduledForDeletion():
		return AccountStatusScheduledForDeletion
	default:
		return AccountStatusReachable
	}
}

func (c *HTTPFetchClient) remoteAccountStatus(ctx context.Context, debtorID, creditorID int64) (AccountStatus, error) {
	cacheKey := fmt.Sprintf("fetch:%d:%d", debtorID, creditorID)
	if c.cache != nil {
		var cached string
		if err := c.cache.Get(ctx, cacheKey, &cached); err == nil && cached != "" {
			return AccountStatus(cached), nil
		}
	}

	url := fmt.Sprintf("%s/accounts/%s/%s/reachable",
		c.baseURL, model.U64String(debtorID), model.U64String(creditorID))

	var status AccountStatus
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		switch resp.StatusCode {
		case http.StatusNoContent, http.StatusOK:
			status = AccountStatusReachable
		case http.StatusNotFound:
			status = AccountStatusUnknown
		case http.StatusConflict:
			status = AccountStatusScheduledForDeletion
		default:
			return fmt.Errorf("fetch api returned status %d", resp.StatusCode)
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(backoff.WithInitialInterval(100*time.Millisecond)), c.maxRetries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		logrus.Errorf("fetch api call failed for account (%d, %d): %v", debtorID, creditorID, err)
		return AccountStatusUnknown, err
	}

	if c.cache != nil {
		if err := c.cache.Set(ctx, cacheKey, string(status), c.cacheTTL); err != nil {
			logrus.Warnf("failed to cache fetch result: %v", err)
		}
	}
	return status, nil
}
