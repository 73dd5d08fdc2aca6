package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"apein-client/internal/logger"
	"apein-client/internal/models"
	"apein-client/internal/network"
)

// TransportError 远端调用的网络/超时故障。
// 可恢复：重试与否由调用方决定，超时后绝不能假定动作已生效。
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("远端调用 %s 失败: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Client 游戏权威服务客户端。
// 发牌、掷骰、胜负判定全部由权威服务持有，客户端只消费解算结果。
type Client struct {
	baseURL string
	http    *http.Client
	retry   *network.RetryableHTTPClient
	logger  *logger.Logger
}

// NewClient 创建游戏权威服务客户端
func NewClient(baseURL string, httpClient *http.Client, log *logger.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    httpClient,
		retry:   network.NewRetryableHTTPClient(httpClient, nil),
		logger:  log,
	}
}

// CreateSession 创建新会话
func (c *Client) CreateSession(ctx context.Context, mode models.GameMode, playerName, walletAddress string) (*models.Session, error) {
	payload := map[string]interface{}{
		"mode":          mode,
		"playerName":    playerName,
		"walletAddress": walletAddress,
	}

	var session models.Session
	if err := c.postJSON(ctx, "/api/game/create", payload, &session); err != nil {
		return nil, err
	}

	c.logNetwork("create_session", fmt.Sprintf("会话 %s 创建成功，模式 %s", session.ID, mode))
	return &session, nil
}

// ApplyAction 提交玩家动作并获取解算结果（含对手的动作批次）。
// 非幂等：不重试，超时由调用方作为可恢复错误处理。
func (c *Client) ApplyAction(ctx context.Context, sessionID string, action models.ActionType) (*models.ActionResult, error) {
	payload := map[string]interface{}{
		"type": action,
	}

	var result models.ActionResult
	path := fmt.Sprintf("/api/game/%s/action", sessionID)
	if err := c.postJSON(ctx, path, payload, &result); err != nil {
		return nil, err
	}

	c.logNetwork("apply_action", fmt.Sprintf("会话 %s 动作 %s 已解算，对手动作 %d 条", sessionID, action, len(result.BotActions)))
	return &result, nil
}

// GetSession 拉取会话的权威快照。幂等请求，走重试通道。
func (c *Client) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	url := c.baseURL + fmt.Sprintf("/api/game/%s", sessionID)

	resp, err := c.retry.GetWithRetry(ctx, url)
	if err != nil {
		return nil, &TransportError{Op: "getSession", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, &TransportError{Op: "getSession", Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))}
	}

	var session models.Session
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, &TransportError{Op: "getSession", Err: fmt.Errorf("解析响应失败: %v", err)}
	}

	return &session, nil
}

// postJSON 发送JSON请求并解析响应（单次，不重试）
func (c *Client) postJSON(ctx context.Context, path string, payload interface{}, out interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("序列化请求失败: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return &TransportError{Op: path, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Op: path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return &TransportError{Op: path, Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &TransportError{Op: path, Err: fmt.Errorf("解析响应失败: %v", err)}
		}
	}

	return nil
}

func (c *Client) logNetwork(action, details string) {
	if c.logger != nil {
		c.logger.LogNetworkAction(action, details)
	}
}
