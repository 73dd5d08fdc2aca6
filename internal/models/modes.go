package models

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// GameMode 对局模式标识
type GameMode string

// 对局模式常量
const (
	ModeSandy       GameMode = "sandy"
	ModeAida        GameMode = "aida"
	ModeLana        GameMode = "lana"
	ModeEnj1n       GameMode = "enj1n"
	ModeNifty       GameMode = "nifty"
	ModePvP         GameMode = "pvp"
	ModeMultiplayer GameMode = "multiplayer"
	ModeTournament  GameMode = "tournament"
)

// ModeConfig 模式配置：排位标记、难度权重、胜利阈值
type ModeConfig struct {
	ModeID           GameMode `yaml:"mode_id"`
	DisplayName      string   `yaml:"display_name"`
	IsRanked         bool     `yaml:"is_ranked"`
	DifficultyWeight int      `yaml:"difficulty_weight,omitempty"`
	WinningScore     int      `yaml:"winning_score"`
	MaxRounds        int      `yaml:"max_rounds"`
}

// 内置模式注册表：sandy为教学模式（非排位），其余全部为排位模式
var defaultModeConfigs = map[GameMode]ModeConfig{
	ModeSandy:       {ModeID: ModeSandy, DisplayName: "Sandy", IsRanked: false, WinningScore: 150, MaxRounds: 10},
	ModeAida:        {ModeID: ModeAida, DisplayName: "Aida", IsRanked: true, DifficultyWeight: 100, WinningScore: 150, MaxRounds: 10},
	ModeLana:        {ModeID: ModeLana, DisplayName: "Lana", IsRanked: true, DifficultyWeight: 100, WinningScore: 150, MaxRounds: 10},
	ModeNifty:       {ModeID: ModeNifty, DisplayName: "Nifty", IsRanked: true, DifficultyWeight: 125, WinningScore: 150, MaxRounds: 10},
	ModeEnj1n:       {ModeID: ModeEnj1n, DisplayName: "En-J1n", IsRanked: true, DifficultyWeight: 150, WinningScore: 150, MaxRounds: 10},
	ModePvP:         {ModeID: ModePvP, DisplayName: "PvP", IsRanked: true, WinningScore: 150, MaxRounds: 10},
	ModeMultiplayer: {ModeID: ModeMultiplayer, DisplayName: "Multiplayer", IsRanked: true, WinningScore: 150, MaxRounds: 10},
	ModeTournament:  {ModeID: ModeTournament, DisplayName: "Tournament", IsRanked: true, WinningScore: 150, MaxRounds: 10},
}

var (
	modeMutex   sync.RWMutex
	modeConfigs = cloneModeConfigs()
)

func cloneModeConfigs() map[GameMode]ModeConfig {
	m := make(map[GameMode]ModeConfig, len(defaultModeConfigs))
	for k, v := range defaultModeConfigs {
		m[k] = v
	}
	return m
}

// ModeConfigFor 获取模式配置，未知模式返回false
func ModeConfigFor(mode GameMode) (ModeConfig, bool) {
	modeMutex.RLock()
	defer modeMutex.RUnlock()

	cfg, ok := modeConfigs[mode]
	return cfg, ok
}

// IsRankedMode 模式是否为排位模式（未知模式视为非排位）
func IsRankedMode(mode GameMode) bool {
	cfg, ok := ModeConfigFor(mode)
	return ok && cfg.IsRanked
}

// IsTutorialMode 是否为教学模式（不消耗次数、不计入奖励进度）
func IsTutorialMode(mode GameMode) bool {
	return mode == ModeSandy
}

// KnownModes 返回所有已注册的模式
func KnownModes() []GameMode {
	modeMutex.RLock()
	defer modeMutex.RUnlock()

	modes := make([]GameMode, 0, len(modeConfigs))
	for mode := range modeConfigs {
		modes = append(modes, mode)
	}
	sort.Slice(modes, func(i, j int) bool {
		a, b := modeConfigs[modes[i]], modeConfigs[modes[j]]
		if a.IsRanked != b.IsRanked {
			return !a.IsRanked
		}
		if a.DifficultyWeight != b.DifficultyWeight {
			return a.DifficultyWeight < b.DifficultyWeight
		}
		return modes[i] < modes[j]
	})
	return modes
}

// modeOverride 单个模式的覆盖项，省略的字段保持内置值
type modeOverride struct {
	ModeID           GameMode `yaml:"mode_id"`
	DisplayName      string   `yaml:"display_name"`
	IsRanked         *bool    `yaml:"is_ranked"`
	DifficultyWeight int      `yaml:"difficulty_weight"`
	WinningScore     int      `yaml:"winning_score"`
	MaxRounds        int      `yaml:"max_rounds"`
}

// modesFile 模式覆盖文件结构
type modesFile struct {
	Modes []modeOverride `yaml:"modes"`
}

// LoadModeOverrides 从YAML文件加载模式覆盖配置（运维开关：显示名、阈值等）。
// 教学模式的排位标记不允许被覆盖。
func LoadModeOverrides(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("读取模式配置文件失败: %v", err)
	}

	var file modesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("解析模式配置文件失败: %v", err)
	}

	modeMutex.Lock()
	defer modeMutex.Unlock()

	for _, override := range file.Modes {
		base, ok := modeConfigs[override.ModeID]
		if !ok {
			return fmt.Errorf("模式配置文件包含未知模式: %s", override.ModeID)
		}

		if override.DisplayName != "" {
			base.DisplayName = override.DisplayName
		}
		if override.WinningScore > 0 {
			base.WinningScore = override.WinningScore
		}
		if override.MaxRounds > 0 {
			base.MaxRounds = override.MaxRounds
		}
		if override.DifficultyWeight > 0 {
			base.DifficultyWeight = override.DifficultyWeight
		}
		// 教学模式永远保持非排位
		if override.IsRanked != nil && override.ModeID != ModeSandy {
			base.IsRanked = *override.IsRanked
		}

		modeConfigs[override.ModeID] = base
	}

	return nil
}

// ResetModeConfigs 恢复内置注册表（测试用）
func ResetModeConfigs() {
	modeMutex.Lock()
	defer modeMutex.Unlock()

	modeConfigs = cloneModeConfigs()
}
