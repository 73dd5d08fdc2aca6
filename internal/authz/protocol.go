package authz

import (
	"context"
	"fmt"
	"sync"

	"apein-client/internal/logger"
	"apein-client/internal/models"
	"apein-client/internal/utils"
)

// State 授权协议状态
type State string

// 授权协议状态常量
const (
	StateUnauthorized    State = "unauthorized"
	StateTokenRequested  State = "token_requested"
	StateTokenApproved   State = "token_approved"
	StateResultSubmitted State = "result_submitted" // 终态
	StateDenied          State = "denied"           // 终态，会话不会开始
)

// 本地拒绝原因（与权威服务的文案保持一致，不发起网络调用）
const ReasonAddressRequired = "Player address is required"

// AuthorizationDenied 令牌申请被拒绝：该次尝试终止，展示原因，不自动重试
type AuthorizationDenied struct {
	Reason string
}

func (e *AuthorizationDenied) Error() string {
	return fmt.Sprintf("授权被拒绝: %s", e.Reason)
}

// PreconditionError 协议状态机的非法操作（调用方错误）
type PreconditionError struct {
	Op     string
	Reason string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("授权协议非法操作 %s: %s", e.Op, e.Reason)
}

// TokenAuthority 令牌权威接口
type TokenAuthority interface {
	RequestPlay(ctx context.Context, request models.PlayTokenRequest) (*models.PlayTokenResponse, error)
}

// ResultAuthority 结果权威接口
type ResultAuthority interface {
	SubmitResult(ctx context.Context, payload models.ResultSubmission) (*models.ResultSubmissionResponse, error)
}

// Protocol 一次会话尝试的授权协议状态机：
// unauthorized → token_requested → token_approved → result_submitted（终态）
// unauthorized → token_requested → denied（终态，重试意味着创建新的Protocol实例）
type Protocol struct {
	mu            sync.Mutex
	state         State
	mode          models.GameMode
	playerAddress string
	token         models.PlayToken
	submitted     bool
	tokens        TokenAuthority
	results       ResultAuthority
	logger        *logger.Logger
}

// NewProtocol 为一次会话尝试创建授权协议
func NewProtocol(mode models.GameMode, playerAddress string, tokens TokenAuthority, results ResultAuthority, log *logger.Logger) *Protocol {
	return &Protocol{
		state:         StateUnauthorized,
		mode:          mode,
		playerAddress: playerAddress,
		tokens:        tokens,
		results:       results,
		logger:        log,
	}
}

// State 当前协议状态
func (p *Protocol) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Token 当前绑定的令牌副本
func (p *Protocol) Token() models.PlayToken {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.token
}

// RunID 本次尝试的关联ID（批准后才会存在）
func (p *Protocol) RunID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.token.RunID
}

// RequestToken 申请游玩令牌。
// 非排位模式自动批准（不限次数，无网络调用）。
// 排位模式要求非空玩家地址，空地址本地直接拒绝，同样不发起网络调用。
// 拒绝是正常返回值；任何错误或拒绝都会把协议推入终态denied，绝不悬停在token_requested。
func (p *Protocol) RequestToken(ctx context.Context) (*models.PlayTokenResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateUnauthorized {
		return nil, &PreconditionError{Op: "RequestToken", Reason: fmt.Sprintf("当前状态为 %s", p.state)}
	}

	if !models.IsRankedMode(p.mode) {
		p.state = StateTokenApproved
		p.token = models.PlayToken{
			RunID:         utils.GenerateRunID(),
			PlayerAddress: p.playerAddress,
			Mode:          p.mode,
		}
		p.logAuth("request_token", fmt.Sprintf("非排位模式 %s 自动批准，runId=%s", p.mode, p.token.RunID))
		return &models.PlayTokenResponse{Approved: true}, nil
	}

	if p.playerAddress == "" {
		p.state = StateDenied
		p.logAuth("request_token", "玩家地址为空，本地拒绝")
		return &models.PlayTokenResponse{Approved: false, Reason: ReasonAddressRequired}, nil
	}

	p.state = StateTokenRequested

	response, err := p.tokens.RequestPlay(ctx, models.PlayTokenRequest{
		PlayerAddress: p.playerAddress,
		ModeID:        p.mode,
	})
	if err != nil {
		// 传输失败同样进入终态，不留下悬空的token_requested
		p.state = StateDenied
		p.logAuth("request_token", fmt.Sprintf("令牌申请传输失败: %v", err))
		return nil, err
	}

	if !response.Approved {
		p.state = StateDenied
		p.logAuth("request_token", fmt.Sprintf("令牌被拒绝: %s", response.Reason))
		return response, nil
	}

	// 批准后才铸造runId，并与令牌绑定
	p.state = StateTokenApproved
	p.token = models.PlayToken{
		Token:         response.PlayToken,
		RunID:         utils.GenerateRunID(),
		PlayerAddress: p.playerAddress,
		Mode:          p.mode,
	}
	p.logAuth("request_token", fmt.Sprintf("令牌已批准并绑定 runId=%s", p.token.RunID))
	return response, nil
}

// SubmitResult 提交对局结果，整个协议生命周期内最多发出一次。
// 失败不在本层重试：单次使用令牌的盲目重试会产生重复结果，提交尝试一旦发出即视为消耗。
func (p *Protocol) SubmitResult(ctx context.Context, result models.GameResult, meta *models.ResultMeta) (*models.ResultSubmissionResponse, error) {
	p.mu.Lock()

	if p.submitted {
		p.mu.Unlock()
		return nil, &PreconditionError{Op: "SubmitResult", Reason: "该次尝试已发出过结果提交"}
	}
	if p.state != StateTokenApproved {
		p.mu.Unlock()
		return nil, &PreconditionError{Op: "SubmitResult", Reason: fmt.Sprintf("当前状态为 %s", p.state)}
	}

	ranked := models.IsRankedMode(p.mode)
	if ranked && p.token.Token == "" {
		// 本地校验错误，绝不发到线上
		p.mu.Unlock()
		return nil, &PreconditionError{Op: "SubmitResult", Reason: "排位模式结果缺少令牌"}
	}

	// 先占用提交名额再发请求：背靠背的第二次调用拿不到名额
	p.submitted = true
	p.state = StateResultSubmitted

	payload := models.ResultSubmission{
		PlayerAddress: p.playerAddress,
		ModeID:        p.mode,
		IsRanked:      ranked,
		Result:        result,
		RunID:         p.token.RunID,
		Meta:          meta,
	}
	if ranked {
		payload.PlayToken = p.token.Token
	}
	p.mu.Unlock()

	response, err := p.results.SubmitResult(ctx, payload)
	if err != nil {
		// 名额已消耗：权威侧可能已接受该结果，重试风险由上层决策（通常是放弃）
		p.logAuth("submit_result", fmt.Sprintf("结果提交传输失败（提交名额已消耗）: %v", err))
		return nil, err
	}

	p.logAuth("submit_result", fmt.Sprintf("runId=%s 结果=%s success=%v", payload.RunID, result, response.Success))
	return response, nil
}

func (p *Protocol) logAuth(action, details string) {
	if p.logger != nil {
		p.logger.LogAuthAction(p.playerAddress, action, details)
	}
}
