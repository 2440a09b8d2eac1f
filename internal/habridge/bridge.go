package habridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/charging-platform/ocpp-proxy/internal/logger"
)

// Client Home Assistant REST API客户端
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     *logger.Logger
}

// NewClient 创建HA客户端，url为空时返回nil（未配置HA）
func NewClient(url, token string, log *logger.Logger) *Client {
	if url == "" {
		return nil
	}
	return &Client{
		baseURL: strings.TrimRight(url, "/"),
		token:   token,
		http:    &http.Client{Timeout: 5 * time.Second},
		log:     log,
	}
}

// GetState 查询实体状态值
func (c *Client) GetState(ctx context.Context, entityID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/states/"+entityID, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ha states %s: HTTP %d", entityID, resp.StatusCode)
	}

	var state struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return "", fmt.Errorf("decode state of %s: %w", entityID, err)
	}
	return state.State, nil
}

// SendNotification 通过HA创建持久通知
func (c *Client) SendNotification(ctx context.Context, title, message string) error {
	body, err := json.Marshal(map[string]string{"title": title, "message": message})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/services/persistent_notification/create", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("ha notification: HTTP %d", resp.StatusCode)
	}
	return nil
}

// stateCache 1Hz缓存，避免每次策略评估都打HA
type stateCache struct {
	mu      sync.Mutex
	value   string
	fetched time.Time
}

const cacheTTL = time.Second

// fetch 返回缓存内状态，过期则用fn刷新。fn失败时返回空串（失效开放）。
func (c *stateCache) fetch(fn func() (string, error)) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Since(c.fetched) < cacheTTL {
		return c.value
	}
	value, err := fn()
	if err != nil {
		value = ""
	}
	c.value = value
	c.fetched = time.Now()
	return value
}

// PresenceSource 基于HA存在传感器的在家状态来源。
// HA不可达时视为不在家。
type PresenceSource struct {
	client   *Client
	entityID string
	cache    stateCache
}

// NewPresenceSource 创建在家状态来源，client为nil或实体未配置时返回nil
func NewPresenceSource(client *Client, entityID string) *PresenceSource {
	if client == nil || entityID == "" {
		return nil
	}
	return &PresenceSource{client: client, entityID: entityID}
}

// IsPresent 用户是否在家
func (p *PresenceSource) IsPresent(ctx context.Context) bool {
	state := p.cache.fetch(func() (string, error) {
		s, err := p.client.GetState(ctx, p.entityID)
		if err != nil {
			p.client.log.Debugf("presence check failed: %v", err)
		}
		return s, err
	})
	return state == "home"
}

// OverrideSource 基于HA input_boolean的管理员覆盖来源。
// HA不可达时视为未激活。
type OverrideSource struct {
	client   *Client
	entityID string
	cache    stateCache
}

// NewOverrideSource 创建覆盖来源，client为nil或实体未配置时返回nil
func NewOverrideSource(client *Client, entityID string) *OverrideSource {
	if client == nil || entityID == "" {
		return nil
	}
	return &OverrideSource{client: client, entityID: entityID}
}

// IsActive 覆盖开关是否开启
func (o *OverrideSource) IsActive(ctx context.Context) bool {
	state := o.cache.fetch(func() (string, error) {
		s, err := o.client.GetState(ctx, o.entityID)
		if err != nil {
			o.client.log.Debugf("override check failed: %v", err)
		}
		return s, err
	})
	return state == "on"
}

// Notifier 持久通知发送器，client为nil时静默
type Notifier struct {
	client *Client
	log    *logger.Logger
}

// NewNotifier 创建通知发送器
func NewNotifier(client *Client, log *logger.Logger) *Notifier {
	return &Notifier{client: client, log: log}
}

// Notify 尽力发送通知，失败只记日志
func (n *Notifier) Notify(title, message string) {
	if n == nil || n.client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.client.SendNotification(ctx, title, message); err != nil {
		n.log.Warnf("ha notification failed: %v", err)
	}
}
