package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"apein-client/internal/authz"
	"apein-client/internal/ledger"
	"apein-client/internal/models"
	"apein-client/internal/replay"
	"apein-client/internal/session"
)

// fakeAuthority 可编程的游戏权威服务假实现
type fakeAuthority struct {
	mu          sync.Mutex
	session     models.Session
	nextResult  *models.ActionResult
	createErr   error
	actionCalls []models.ActionType
}

func (f *fakeAuthority) CreateSession(ctx context.Context, mode models.GameMode, playerName, walletAddress string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.session = models.Session{
		ID:           "game_fake",
		Mode:         mode,
		Status:       models.StatusPlaying,
		IsPlayerTurn: true,
		WinningScore: 150,
		MaxRounds:    10,
	}
	copied := f.session
	return &copied, nil
}

func (f *fakeAuthority) ApplyAction(ctx context.Context, sessionID string, action models.ActionType) (*models.ActionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actionCalls = append(f.actionCalls, action)
	if f.nextResult != nil {
		result := f.nextResult
		f.nextResult = nil
		if result.Session != nil {
			f.session = *result.Session
		}
		return result, nil
	}
	copied := f.session
	return &models.ActionResult{Session: &copied, Success: true}, nil
}

func (f *fakeAuthority) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := f.session
	return &copied, nil
}

func (f *fakeAuthority) setNextResult(result *models.ActionResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextResult = result
}

func (f *fakeAuthority) actionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.actionCalls)
}

// fakeTokens 令牌权威假实现
type fakeTokens struct {
	mu          sync.Mutex
	approve     bool
	denyReason  string
	submissions []models.ResultSubmission
}

func (f *fakeTokens) RequestPlay(ctx context.Context, request models.PlayTokenRequest) (*models.PlayTokenResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.approve {
		return &models.PlayTokenResponse{Approved: false, Reason: f.denyReason}, nil
	}
	return &models.PlayTokenResponse{Approved: true, PlayToken: "token_fake"}, nil
}

func (f *fakeTokens) SubmitResult(ctx context.Context, payload models.ResultSubmission) (*models.ResultSubmissionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submissions = append(f.submissions, payload)
	return &models.ResultSubmissionResponse{Success: true}, nil
}

func (f *fakeTokens) submissionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submissions)
}

// memoryStore 内存版余额与历史存储
type memoryStore struct {
	mu       sync.Mutex
	balances map[string]models.PlayBalance
	records  []*models.SessionRecord
}

func newMemoryStore() *memoryStore {
	return &memoryStore{balances: make(map[string]models.PlayBalance)}
}

func (s *memoryStore) GetPlayBalance(playerAddress string) (*models.PlayBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if balance, ok := s.balances[playerAddress]; ok {
		copied := balance
		return &copied, nil
	}
	return nil, nil
}

func (s *memoryStore) SavePlayBalance(playerAddress string, balance *models.PlayBalance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[playerAddress] = *balance
	return nil
}

func (s *memoryStore) RecordSessionResult(record *models.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	return nil
}

func (s *memoryStore) GetRecentResults(playerAddress string, limit int) ([]*models.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records, nil
}

func (s *memoryStore) GetPlayerStats(playerAddress string) (map[models.GameResult]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := make(map[models.GameResult]int)
	for _, record := range s.records {
		stats[record.Result]++
	}
	return stats, nil
}

// instantClock 即时返回的时钟
type instantClock struct{}

func (instantClock) Sleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

type fixture struct {
	orch      *Orchestrator
	authority *fakeAuthority
	tokens    *fakeTokens
	store     *memoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	authority := &fakeAuthority{}
	tokens := &fakeTokens{approve: true}
	store := newMemoryStore()
	engine := replay.NewEngine(nil, replay.ListenerFunc(func(string, replay.Step, replay.Shadow) {}),
		replay.WithClock(instantClock{}))
	orch := New(authority, tokens, tokens, ledger.NewLedger(store, nil), store, engine, "test", nil)
	return &fixture{orch: orch, authority: authority, tokens: tokens, store: store}
}

const (
	testOwner  = "chat_1001"
	testWallet = "bc1qtestplayer"
)

// playDrawRoll 通过抽牌+成功掷骰把value计入本地回合分数
func playDrawRoll(t *testing.T, f *fixture, value int) {
	t.Helper()

	f.authority.setNextResult(&models.ActionResult{
		Card:    &models.Card{Name: "Historacle", Type: models.CardTypeHistoracle, Value: value},
		Success: true,
	})
	if _, err := f.orch.Draw(context.Background(), testOwner); err != nil {
		t.Fatalf("抽牌失败: %v", err)
	}

	f.authority.setNextResult(&models.ActionResult{Roll: 4, Success: true})
	if _, err := f.orch.Roll(context.Background(), testOwner); err != nil {
		t.Fatalf("掷骰失败: %v", err)
	}
}

func TestOrchestratorStartSession(t *testing.T) {
	t.Run("完整开局链路", func(t *testing.T) {
		f := newFixture(t)

		session, err := f.orch.StartSession(context.Background(), testOwner, models.ModeAida, "玩家", testWallet)
		if err != nil {
			t.Fatalf("开局失败: %v", err)
		}
		if session.ID != "game_fake" || !session.IsPlayerTurn {
			t.Errorf("会话状态错误: %+v", session)
		}

		// 开局消耗一次免费游玩
		balance, _ := f.orch.Balance(testWallet)
		if balance.FreePlays != ledger.InitialFreePlays-1 {
			t.Errorf("开局应扣除1次，余额 %d", balance.FreePlays)
		}
	})

	t.Run("令牌拒绝时不建局不扣费", func(t *testing.T) {
		f := newFixture(t)
		f.tokens.approve = false
		f.tokens.denyReason = "Insufficient free plays"

		_, err := f.orch.StartSession(context.Background(), testOwner, models.ModeAida, "玩家", testWallet)
		var denied *authz.AuthorizationDenied
		if !errors.As(err, &denied) {
			t.Fatalf("期望AuthorizationDenied，实际 %v", err)
		}
		if denied.Reason != "Insufficient free plays" {
			t.Errorf("拒绝原因错误: %q", denied.Reason)
		}

		balance, _ := f.orch.Balance(testWallet)
		if balance.FreePlays != ledger.InitialFreePlays {
			t.Errorf("拒绝后不应扣费，余额 %d", balance.FreePlays)
		}
	})

	t.Run("建局失败前不扣费", func(t *testing.T) {
		f := newFixture(t)
		f.authority.createErr = fmt.Errorf("connection refused")

		if _, err := f.orch.StartSession(context.Background(), testOwner, models.ModeAida, "玩家", testWallet); err == nil {
			t.Fatal("建局失败应返回错误")
		}

		balance, _ := f.orch.Balance(testWallet)
		if balance.FreePlays != ledger.InitialFreePlays {
			t.Errorf("建局失败不应扣费，余额 %d", balance.FreePlays)
		}
	})

	t.Run("余额耗尽时拒绝开局", func(t *testing.T) {
		f := newFixture(t)
		f.store.balances[testWallet] = models.PlayBalance{FreePlays: 0}

		_, err := f.orch.StartSession(context.Background(), testOwner, models.ModeAida, "玩家", testWallet)
		var insufficient *ledger.InsufficientBalance
		if !errors.As(err, &insufficient) {
			t.Fatalf("期望InsufficientBalance，实际 %v", err)
		}
	})

	t.Run("重复开局被拒绝", func(t *testing.T) {
		f := newFixture(t)

		if _, err := f.orch.StartSession(context.Background(), testOwner, models.ModeAida, "玩家", testWallet); err != nil {
			t.Fatalf("首次开局失败: %v", err)
		}
		if _, err := f.orch.StartSession(context.Background(), testOwner, models.ModeAida, "玩家", testWallet); !errors.Is(err, ErrSessionExists) {
			t.Errorf("期望ErrSessionExists，实际 %v", err)
		}
	})

	t.Run("未知模式被拒绝", func(t *testing.T) {
		f := newFixture(t)
		if _, err := f.orch.StartSession(context.Background(), testOwner, "bogus", "玩家", testWallet); err == nil {
			t.Error("未知模式应返回错误")
		}
	})
}

func TestOrchestratorFinish(t *testing.T) {
	t.Run("玩家获胜后恰好提交一次结果", func(t *testing.T) {
		f := newFixture(t)
		if _, err := f.orch.StartSession(context.Background(), testOwner, models.ModeAida, "玩家", testWallet); err != nil {
			t.Fatalf("开局失败: %v", err)
		}
		playDrawRoll(t, f, 152)

		f.authority.setNextResult(&models.ActionResult{
			Session: &models.Session{
				ID:           "game_fake",
				Mode:         models.ModeAida,
				Status:       models.StatusFinished,
				Winner:       string(models.TurnPlayer),
				PlayerScore:  152,
				WinningScore: 150,
				MaxRounds:    10,
			},
			Success: true,
		})

		if _, err := f.orch.Stack(context.Background(), testOwner); err != nil {
			t.Fatalf("入账失败: %v", err)
		}

		if got := f.tokens.submissionCount(); got != 1 {
			t.Fatalf("结果提交期望1次，实际 %d", got)
		}
		submission := f.tokens.submissions[0]
		if submission.Result != models.ResultWin || submission.PlayToken != "token_fake" {
			t.Errorf("提交载荷错误: %+v", submission)
		}

		// 历史落库
		records, _ := f.orch.RecentResults(testWallet, 10)
		if len(records) != 1 || records[0].Result != models.ResultWin {
			t.Errorf("历史记录错误: %+v", records)
		}

		// 会话已移出活跃表，可以再开
		if _, err := f.orch.Session(testOwner); !errors.Is(err, ErrNoActiveSession) {
			t.Errorf("终局后会话应移出活跃表，实际 %v", err)
		}

		// 完成计入奖励进度
		balance, _ := f.orch.Balance(testWallet)
		if balance.TotalGamesPlayed != 1 {
			t.Errorf("完成局数期望1，实际 %d", balance.TotalGamesPlayed)
		}
	})

	t.Run("弃权按FORFEIT提交", func(t *testing.T) {
		f := newFixture(t)
		if _, err := f.orch.StartSession(context.Background(), testOwner, models.ModeAida, "玩家", testWallet); err != nil {
			t.Fatalf("开局失败: %v", err)
		}

		f.authority.setNextResult(&models.ActionResult{
			Session: &models.Session{
				ID:           "game_fake",
				Mode:         models.ModeAida,
				Status:       models.StatusFinished,
				Winner:       string(models.TurnOpponent),
				PlayerScore:  30,
				WinningScore: 150,
				MaxRounds:    10,
				RoundCount:   2,
			},
			Success: true,
		})

		if _, err := f.orch.Forfeit(context.Background(), testOwner); err != nil {
			t.Fatalf("弃权失败: %v", err)
		}

		if got := f.tokens.submissionCount(); got != 1 {
			t.Fatalf("结果提交期望1次，实际 %d", got)
		}
		if f.tokens.submissions[0].Result != models.ResultForfeit {
			t.Errorf("弃权结果期望FORFEIT，实际 %s", f.tokens.submissions[0].Result)
		}
	})

	t.Run("教程模式不提交不计数", func(t *testing.T) {
		f := newFixture(t)
		if _, err := f.orch.StartSession(context.Background(), testOwner, models.ModeSandy, "玩家", testWallet); err != nil {
			t.Fatalf("开局失败: %v", err)
		}
		playDrawRoll(t, f, 150)

		f.authority.setNextResult(&models.ActionResult{
			Session: &models.Session{
				ID:           "game_fake",
				Mode:         models.ModeSandy,
				Status:       models.StatusFinished,
				Winner:       string(models.TurnPlayer),
				PlayerScore:  150,
				WinningScore: 150,
				MaxRounds:    10,
			},
			Success: true,
		})
		if _, err := f.orch.Stack(context.Background(), testOwner); err != nil {
			t.Fatalf("入账失败: %v", err)
		}

		// 非排位同样提交结果（不带令牌），但不计入奖励进度
		balance, _ := f.orch.Balance(testWallet)
		if balance.TotalGamesPlayed != 0 {
			t.Errorf("教程模式不应计入完成局数，实际 %d", balance.TotalGamesPlayed)
		}
		if got := f.tokens.submissionCount(); got != 1 {
			t.Fatalf("结果提交期望1次，实际 %d", got)
		}
		if f.tokens.submissions[0].PlayToken != "" {
			t.Error("教程模式提交不应携带令牌")
		}
	})
}

func TestOrchestratorReplay(t *testing.T) {
	t.Run("对手动作批次触发回放与对账刷新", func(t *testing.T) {
		f := newFixture(t)

		var steps []replay.StepKind
		var mu sync.Mutex
		done := make(chan struct{})
		engine := replay.NewEngine(nil, replay.ListenerFunc(func(sessionID string, step replay.Step, shadow replay.Shadow) {
			mu.Lock()
			steps = append(steps, step.Kind)
			mu.Unlock()
		}), replay.WithClock(instantClock{}))
		f.orch = New(f.authority, f.tokens, f.tokens, ledger.NewLedger(f.store, nil), f.store, engine, "test", nil)
		engine.SetCompletionCallback(func(sessionID string) {
			f.orch.onReplayComplete(sessionID)
			close(done)
		})

		if _, err := f.orch.StartSession(context.Background(), testOwner, models.ModeAida, "玩家", testWallet); err != nil {
			t.Fatalf("开局失败: %v", err)
		}
		playDrawRoll(t, f, 5)

		f.authority.setNextResult(&models.ActionResult{
			Session: &models.Session{
				ID:            "game_fake",
				Mode:          models.ModeAida,
				Status:        models.StatusPlaying,
				IsPlayerTurn:  true,
				PlayerScore:   5,
				OpponentScore: 8,
				WinningScore:  150,
				MaxRounds:     10,
				RoundCount:    1,
			},
			Success: true,
			BotActions: []models.Action{
				{Type: models.ActionDraw, Card: &models.Card{Name: "Cipher", Type: models.CardTypeCipher, Value: 8}},
				{Type: models.ActionRoll, Value: 4, Success: true, TurnScore: 8},
				{Type: models.ActionStack},
			},
		})

		if _, err := f.orch.Stack(context.Background(), testOwner); err != nil {
			t.Fatalf("入账失败: %v", err)
		}

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("回放未在期限内完成")
		}

		mu.Lock()
		defer mu.Unlock()
		if len(steps) == 0 {
			t.Fatal("回放应产生步骤")
		}
		if steps[0] != replay.StepAnnounceTurn {
			t.Errorf("回放应以回合公告开始，实际 %s", steps[0])
		}

		session, err := f.orch.Session(testOwner)
		if err != nil {
			t.Fatalf("会话查询失败: %v", err)
		}
		if session.OpponentScore != 8 {
			t.Errorf("对账后对手分数期望8，实际 %d", session.OpponentScore)
		}
	})
}

func TestOrchestratorActionGuards(t *testing.T) {
	t.Run("无会话时动作被拒绝", func(t *testing.T) {
		f := newFixture(t)
		if _, err := f.orch.Draw(context.Background(), testOwner); !errors.Is(err, ErrNoActiveSession) {
			t.Errorf("期望ErrNoActiveSession，实际 %v", err)
		}
	})

	t.Run("无待决卡牌时掷骰本地拒绝不发网络请求", func(t *testing.T) {
		f := newFixture(t)
		if _, err := f.orch.StartSession(context.Background(), testOwner, models.ModeAida, "玩家", testWallet); err != nil {
			t.Fatalf("开局失败: %v", err)
		}

		_, err := f.orch.Roll(context.Background(), testOwner)
		var pre *session.PreconditionError
		if !errors.As(err, &pre) {
			t.Fatalf("期望PreconditionError，实际 %v", err)
		}
		if got := f.authority.actionCount(); got != 0 {
			t.Errorf("非法动作不应发起网络请求，实际 %d 次", got)
		}
	})

	t.Run("回合分数为0时入账本地拒绝", func(t *testing.T) {
		f := newFixture(t)
		if _, err := f.orch.StartSession(context.Background(), testOwner, models.ModeAida, "玩家", testWallet); err != nil {
			t.Fatalf("开局失败: %v", err)
		}

		var pre *session.PreconditionError
		if _, err := f.orch.Stack(context.Background(), testOwner); !errors.As(err, &pre) {
			t.Fatalf("期望PreconditionError，实际 %v", err)
		}
		if got := f.authority.actionCount(); got != 0 {
			t.Errorf("非法动作不应发起网络请求，实际 %d 次", got)
		}
	})

	t.Run("有待决卡牌时重复抽牌本地拒绝", func(t *testing.T) {
		f := newFixture(t)
		if _, err := f.orch.StartSession(context.Background(), testOwner, models.ModeAida, "玩家", testWallet); err != nil {
			t.Fatalf("开局失败: %v", err)
		}

		f.authority.setNextResult(&models.ActionResult{
			Card:    &models.Card{Name: "Cipher", Type: models.CardTypeCipher, Value: 8},
			Success: true,
		})
		if _, err := f.orch.Draw(context.Background(), testOwner); err != nil {
			t.Fatalf("抽牌失败: %v", err)
		}

		var pre *session.PreconditionError
		if _, err := f.orch.Draw(context.Background(), testOwner); !errors.As(err, &pre) {
			t.Fatalf("期望PreconditionError，实际 %v", err)
		}
		if got := f.authority.actionCount(); got != 1 {
			t.Errorf("网络请求期望1次，实际 %d 次", got)
		}
	})

	t.Run("玩家动作经过本地状态机迁移", func(t *testing.T) {
		f := newFixture(t)
		if _, err := f.orch.StartSession(context.Background(), testOwner, models.ModeAida, "玩家", testWallet); err != nil {
			t.Fatalf("开局失败: %v", err)
		}

		// 权威结果不带会话快照：本地状态只能由状态机迁移产生
		playDrawRoll(t, f, 21)

		snapshot, err := f.orch.Session(testOwner)
		if err != nil {
			t.Fatalf("会话查询失败: %v", err)
		}
		if snapshot.PlayerTurnScore != 21 {
			t.Errorf("本地迁移后回合分数期望21，实际 %d", snapshot.PlayerTurnScore)
		}
		if snapshot.CurrentCard != nil {
			t.Error("掷骰结算后卡槽应清空")
		}
	})
}
