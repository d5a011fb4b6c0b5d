// Package directory 实现对下游领域服务的只读访问：
// 按客户 ID 解析联系方式，结果缓存在 Redis 以降低对下游的读放大。
package directory

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/wyfcoding/vetclinic/internal/notification/domain"
	"github.com/wyfcoding/vetclinic/pkg/cache"
	"github.com/wyfcoding/vetclinic/pkg/config"
	"github.com/wyfcoding/vetclinic/pkg/logger"
)

const contactCacheKeyPrefix = "vetclinic:contact:"

// clientResponse 客户服务的响应体
type clientResponse struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	WhatsApp string `json:"whatsapp"`
}

// HTTPDirectory 基于客户服务 HTTP API 的联系方式目录
type HTTPDirectory struct {
	client   *resty.Client
	cache    *cache.RedisCache
	cacheTTL time.Duration
}

// NewHTTPDirectory 创建目录实例；cache 为 nil 时不缓存
func NewHTTPDirectory(cfg config.ServicesConfig, redisCache *cache.RedisCache) *HTTPDirectory {
	client := resty.New().
		SetBaseURL(cfg.ClientsURL).
		SetTimeout(time.Duration(cfg.Timeout) * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond)

	return &HTTPDirectory{
		client:   client,
		cache:    redisCache,
		cacheTTL: time.Duration(cfg.CacheTTL) * time.Second,
	}
}

// Resolve 实现 domain.RecipientDirectory.Resolve
func (d *HTTPDirectory) Resolve(ctx context.Context, clientID string) (domain.Recipient, error) {
	if clientID == "" {
		return domain.Recipient{}, domain.NewRecipientResolutionError(clientID, fmt.Errorf("empty client id"))
	}

	if r, ok := d.fromCache(ctx, clientID); ok {
		return r, nil
	}

	var body clientResponse
	resp, err := d.client.R().
		SetContext(ctx).
		SetResult(&body).
		Get(fmt.Sprintf("/api/v1/clients/%s", clientID))
	if err != nil {
		return domain.Recipient{}, domain.NewRecipientResolutionError(clientID, err)
	}
	if !resp.IsSuccess() {
		return domain.Recipient{}, domain.NewRecipientResolutionError(clientID,
			fmt.Errorf("clients service returned %d", resp.StatusCode()))
	}

	recipient := domain.Recipient{
		ClientID: clientID,
		Name:     body.Name,
		Email:    body.Email,
		Phone:    body.Phone,
		WhatsApp: body.WhatsApp,
	}
	d.toCache(ctx, clientID, recipient)
	return recipient, nil
}

func (d *HTTPDirectory) fromCache(ctx context.Context, clientID string) (domain.Recipient, bool) {
	if d.cache == nil {
		return domain.Recipient{}, false
	}
	var r domain.Recipient
	found, err := d.cache.GetJSON(ctx, contactCacheKeyPrefix+clientID, &r)
	if err != nil {
		logger.Warn(ctx, "contact cache read failed", "client_id", clientID, "error", err)
		return domain.Recipient{}, false
	}
	return r, found
}

func (d *HTTPDirectory) toCache(ctx context.Context, clientID string, r domain.Recipient) {
	if d.cache == nil {
		return
	}
	if err := d.cache.SetJSON(ctx, contactCacheKeyPrefix+clientID, r, d.cacheTTL); err != nil {
		logger.Warn(ctx, "contact cache write failed", "client_id", clientID, "error", err)
	}
}
