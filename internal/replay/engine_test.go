package replay

import (
	"context"
	"errors"
	"testing"
	"time"

	"apein-client/internal/models"
)

// fakeClock 即时返回的时钟，可在第N次Sleep时触发取消
type fakeClock struct {
	sleeps      []time.Duration
	cancelAfter int
	cancel      context.CancelFunc
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.sleeps = append(c.sleeps, d)
	if c.cancel != nil && len(c.sleeps) >= c.cancelAfter {
		c.cancel()
	}
	return ctx.Err()
}

type stepRecorder struct {
	kinds   []StepKind
	shadows []Shadow
}

func (r *stepRecorder) OnReplayStep(sessionID string, step Step, shadow Shadow) {
	r.kinds = append(r.kinds, step.Kind)
	r.shadows = append(r.shadows, shadow)
}

func successfulRoll(value, turnScore int) models.Action {
	return models.Action{Type: models.ActionRoll, Value: value, Success: true, TurnScore: turnScore}
}

func drawAction(card *models.Card) models.Action {
	return models.Action{Type: models.ActionDraw, Card: card}
}

func TestEnginePlay(t *testing.T) {
	t.Run("展示增量之和等于权威增量", func(t *testing.T) {
		batch := []models.Action{
			drawAction(&models.Card{Name: "Cipher", Type: models.CardTypeCipher, Value: 5}),
			successfulRoll(4, 5),
			drawAction(&models.Card{Name: "Cipher", Type: models.CardTypeCipher, Value: 8}),
			successfulRoll(6, 13),
			{Type: models.ActionStack},
		}

		recorder := &stepRecorder{}
		engine := NewEngine(nil, recorder, WithClock(&fakeClock{}))

		result, err := engine.Play(context.Background(), "game_1", batch, 20, 33)
		if err != nil {
			t.Fatalf("回放失败: %v", err)
		}
		if !result.Completed {
			t.Error("批次应播放完成")
		}
		if result.Delta != 13 {
			t.Errorf("展示增量期望13，实际 %d", result.Delta)
		}
		if !result.ShortCircuit {
			t.Error("stack应终止批次")
		}

		final := recorder.shadows[len(recorder.shadows)-1]
		if final.Score != 33 {
			t.Errorf("回放结束时展示分数期望33，实际 %d", final.Score)
		}
	})

	t.Run("失败的掷骰终止批次并丢弃剩余动作", func(t *testing.T) {
		batch := []models.Action{
			drawAction(&models.Card{Name: "Bearish", Type: models.CardTypeBearish, Penalty: models.PenaltyHalf}),
			{Type: models.ActionRoll, Value: 3, Success: false},
			// 回合已结束，以下动作不应被播放
			drawAction(&models.Card{Name: "Cipher", Type: models.CardTypeCipher, Value: 8}),
			{Type: models.ActionStack},
		}

		recorder := &stepRecorder{}
		engine := NewEngine(nil, recorder, WithClock(&fakeClock{}))

		result, err := engine.Play(context.Background(), "game_1", batch, 40, 20)
		if err != nil {
			t.Fatalf("回放失败: %v", err)
		}
		if result.Delta != -20 {
			t.Errorf("熊市惩罚展示增量期望-20，实际 %d", result.Delta)
		}

		for _, kind := range recorder.kinds {
			if kind == StepStack {
				t.Error("终止后的stack动作不应被播放")
			}
		}
		last := recorder.kinds[len(recorder.kinds)-1]
		if last != StepHandoff {
			t.Errorf("批次应以handoff收尾，实际 %s", last)
		}
	})

	t.Run("取消只发生在动作边界", func(t *testing.T) {
		batch := []models.Action{
			drawAction(&models.Card{Name: "Cipher", Type: models.CardTypeCipher, Value: 5}),
			successfulRoll(4, 5),
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		clock := &fakeClock{cancelAfter: 1, cancel: cancel}
		recorder := &stepRecorder{}
		engine := NewEngine(nil, recorder, WithClock(clock))

		_, err := engine.Play(ctx, "game_1", batch, 0, 5)
		if !errors.Is(err, ErrReplayAborted) {
			t.Fatalf("期望ErrReplayAborted，实际 %v", err)
		}

		// 取消发生在announce的等待中：draw动作（同属边界前）必须播完，
		// roll动作（下一个边界）不能开始
		sawDraw := false
		for _, kind := range recorder.kinds {
			if kind == StepDraw {
				sawDraw = true
			}
			if kind == StepRollStart || kind == StepRollResult {
				t.Errorf("取消后的动作不应开始: %s", kind)
			}
		}
		if !sawDraw {
			t.Error("当前动作的剩余步骤应照常应用")
		}
	})

	t.Run("最后一个动作等待中取消仍按完成处理", func(t *testing.T) {
		batch := []models.Action{
			drawAction(&models.Card{Name: "Cipher", Type: models.CardTypeCipher, Value: 5}),
			successfulRoll(4, 5),
			{Type: models.ActionStack},
		}
		total := len(BuildSteps(batch))

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// 取消落在最后一个步骤的等待中：批次已全部应用，增量已是最终值
		clock := &fakeClock{cancelAfter: total, cancel: cancel}
		recorder := &stepRecorder{}
		engine := NewEngine(nil, recorder, WithClock(clock))

		result, err := engine.Play(ctx, "game_1", batch, 0, 5)
		if err != nil {
			t.Fatalf("批次已播完，不应返回取消错误: %v", err)
		}
		if !result.Completed {
			t.Error("全部步骤应用后应按完成处理")
		}
		if result.Delta != 5 {
			t.Errorf("展示增量期望5，实际 %d", result.Delta)
		}
		if len(recorder.kinds) != total {
			t.Errorf("步骤数期望 %d，实际 %d", total, len(recorder.kinds))
		}
	})

	t.Run("完成回调在播完与取消时都会触发", func(t *testing.T) {
		batch := []models.Action{drawAction(&models.Card{Name: "Cipher", Type: models.CardTypeCipher, Value: 3})}

		var callbacks []string
		engine := NewEngine(nil, &stepRecorder{}, WithClock(&fakeClock{}))
		engine.SetCompletionCallback(func(sessionID string) {
			callbacks = append(callbacks, sessionID)
		})

		engine.Play(context.Background(), "game_1", batch, 0, 0)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		engine.Play(ctx, "game_2", batch, 0, 0)

		if len(callbacks) != 2 || callbacks[0] != "game_1" || callbacks[1] != "game_2" {
			t.Errorf("完成回调触发错误: %v", callbacks)
		}
	})

	t.Run("空批次立即完成", func(t *testing.T) {
		engine := NewEngine(nil, &stepRecorder{}, WithClock(&fakeClock{}))
		result, err := engine.Play(context.Background(), "game_1", nil, 10, 10)
		if err != nil || !result.Completed || result.Delta != 0 {
			t.Errorf("空批次结果错误: %+v, err=%v", result, err)
		}
	})

	t.Run("速度缩放只影响时长不影响增量", func(t *testing.T) {
		batch := []models.Action{
			drawAction(&models.Card{Name: "Cipher", Type: models.CardTypeCipher, Value: 5}),
			successfulRoll(2, 5),
			{Type: models.ActionStack},
		}

		clock := &fakeClock{}
		engine := NewEngine(nil, &stepRecorder{}, WithClock(clock), WithSpeed(2.0))

		result, err := engine.Play(context.Background(), "game_1", batch, 0, 5)
		if err != nil {
			t.Fatalf("回放失败: %v", err)
		}
		if result.Delta != 5 {
			t.Errorf("增量期望5，实际 %d", result.Delta)
		}
		for _, d := range clock.sleeps {
			if d > 2*time.Second {
				t.Errorf("2倍速下时长不应超过2秒: %v", d)
			}
		}
	})
}

func TestBuildSteps(t *testing.T) {
	t.Run("批次以回合公告开始", func(t *testing.T) {
		steps := BuildSteps([]models.Action{drawAction(&models.Card{Name: "Cipher", Type: models.CardTypeCipher})})
		if len(steps) == 0 || steps[0].Kind != StepAnnounceTurn {
			t.Fatal("步骤序列应以announce_turn开始")
		}
	})

	t.Run("翻倍激活展开为独立步骤", func(t *testing.T) {
		steps := BuildSteps([]models.Action{
			{Type: models.ActionApeIn, Card: &models.Card{Name: "Ape In!", Type: models.CardTypeSpecial}},
			drawAction(&models.Card{Name: "Oracle", Type: models.CardTypeOracle, Value: 13}),
		})

		var kinds []StepKind
		for _, s := range steps {
			kinds = append(kinds, s.Kind)
		}
		want := []StepKind{StepAnnounceTurn, StepApeIn, StepDraw, StepHandoff}
		if len(kinds) != len(want) {
			t.Fatalf("步骤序列期望 %v，实际 %v", want, kinds)
		}
		for i := range want {
			if kinds[i] != want[i] {
				t.Fatalf("步骤序列期望 %v，实际 %v", want, kinds)
			}
		}
	})

	t.Run("增量由连续成功掷骰的turnScore差推算", func(t *testing.T) {
		steps := BuildSteps([]models.Action{
			drawAction(&models.Card{Name: "Cipher", Type: models.CardTypeCipher, Value: 5}),
			successfulRoll(4, 5),
			drawAction(&models.Card{Name: "Oracle", Type: models.CardTypeOracle, Value: 13}),
			successfulRoll(6, 18),
		})

		var gains []int
		for _, s := range steps {
			if s.Kind == StepTurnGain {
				gains = append(gains, s.Gain)
			}
		}
		if len(gains) != 2 || gains[0] != 5 || gains[1] != 13 {
			t.Errorf("增量推算错误: %v", gains)
		}
	})

	t.Run("每个步骤都有正的展示时长", func(t *testing.T) {
		steps := BuildSteps([]models.Action{
			drawAction(&models.Card{Name: "Cipher", Type: models.CardTypeCipher, Value: 5}),
			{Type: models.ActionRoll, Value: 1, Success: false},
		})
		for _, s := range steps {
			if s.Duration <= 0 {
				t.Errorf("步骤 %s 缺少展示时长", s.Kind)
			}
		}
	})
}
