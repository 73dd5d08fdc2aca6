package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"apein-client/internal/logger"
	"apein-client/internal/models"
)

// ArcadeClient 拱廊Hub客户端：令牌权威与结果权威。
// 拒绝（approved:false / success:false）是正常返回值；只有传输层故障才是错误。
// 两个接口都不经过重试通道：令牌是单次使用的，盲目重试会产生重复结果。
type ArcadeClient struct {
	baseURL string
	http    *http.Client
	logger  *logger.Logger
}

// NewArcadeClient 创建拱廊Hub客户端
func NewArcadeClient(baseURL string, httpClient *http.Client, log *logger.Logger) *ArcadeClient {
	return &ArcadeClient{
		baseURL: baseURL,
		http:    httpClient,
		logger:  log,
	}
}

// RequestPlay 为排位模式申请游玩令牌
func (a *ArcadeClient) RequestPlay(ctx context.Context, request models.PlayTokenRequest) (*models.PlayTokenResponse, error) {
	var response models.PlayTokenResponse
	if err := a.post(ctx, "/api/apein/request-play", request, &response); err != nil {
		return nil, err
	}

	if response.Approved {
		a.logNetwork("request_play", fmt.Sprintf("玩家 %s 模式 %s 令牌已批准，剩余次数 %d", request.PlayerAddress, request.ModeID, response.FreePlaysRemaining))
	} else {
		a.logNetwork("request_play", fmt.Sprintf("玩家 %s 模式 %s 令牌被拒绝: %s", request.PlayerAddress, request.ModeID, response.Reason))
	}
	return &response, nil
}

// SubmitResult 提交对局结果。调用方保证同一(runId, token)只提交一次。
func (a *ArcadeClient) SubmitResult(ctx context.Context, payload models.ResultSubmission) (*models.ResultSubmissionResponse, error) {
	var response models.ResultSubmissionResponse
	if err := a.post(ctx, "/api/apein/submit-result", payload, &response); err != nil {
		return nil, err
	}

	if response.Success {
		a.logNetwork("submit_result", fmt.Sprintf("runId %s 结果 %s 提交成功", payload.RunID, payload.Result))
	} else {
		a.logNetwork("submit_result", fmt.Sprintf("runId %s 结果提交被拒绝: %s", payload.RunID, response.Error))
	}
	return &response, nil
}

// post 单次POST；非2xx状态码交由调用方按响应体内容处理
func (a *ArcadeClient) post(ctx context.Context, path string, payload interface{}, out interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("序列化请求失败: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", a.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return &TransportError{Op: path, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return &TransportError{Op: path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &TransportError{Op: path, Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransportError{Op: path, Err: fmt.Errorf("解析响应失败: %v", err)}
	}

	return nil
}

func (a *ArcadeClient) logNetwork(action, details string) {
	if a.logger != nil {
		a.logger.LogNetworkAction(action, details)
	}
}
