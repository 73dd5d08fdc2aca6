package main

import (
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"apein-client/internal/authority"
	"apein-client/internal/bot"
	"apein-client/internal/config"
	"apein-client/internal/database"
	"apein-client/internal/https"
	"apein-client/internal/ledger"
	"apein-client/internal/logger"
	"apein-client/internal/models"
	"apein-client/internal/network"
	"apein-client/internal/orchestrator"
	"apein-client/internal/replay"
	"apein-client/internal/web"
)

func main() {
	// 加载.env文件
	if err := godotenv.Load(); err != nil {
		log.Printf("警告: 无法加载.env文件: %v", err)
	}

	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("加载配置失败:", err)
	}

	// 初始化日志
	appLogger, err := logger.NewLogger("logs")
	if err != nil {
		log.Fatal("初始化日志失败:", err)
	}
	defer appLogger.Close()

	// 加载模式注册表覆盖（可选）
	if cfg.ModesFile != "" {
		if err := models.LoadModeOverrides(cfg.ModesFile); err != nil {
			log.Fatal("加载模式配置失败:", err)
		}
	}

	// 初始化数据库
	db, err := database.Init(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("初始化数据库失败:", err)
	}
	defer db.Close()

	// 创建权威服务客户端
	httpClient := network.NewHTTPClient(cfg.RequestTimeout)
	gameAuthority := authority.NewClient(cfg.GameAuthorityURL, httpClient, appLogger)
	arcadeHub := authority.NewArcadeClient(cfg.ArcadeHubURL, httpClient, appLogger)

	// 创建免费次数账本
	playLedger := ledger.NewLedger(db, appLogger)

	// 回放引擎的监听器是机器人自身，先占位后接线
	var telegramBot *bot.Bot
	listener := replay.ListenerFunc(func(sessionID string, step replay.Step, shadow replay.Shadow) {
		if telegramBot != nil {
			telegramBot.OnReplayStep(sessionID, step, shadow)
		}
	})
	engine := replay.NewEngine(appLogger, listener, replay.WithSpeed(cfg.ReplaySpeed))

	// 创建编排层
	orch := orchestrator.New(gameAuthority, arcadeHub, arcadeHub, playLedger, db, engine, cfg.ClientVersion, appLogger)

	// 创建机器人实例
	telegramBot, err = bot.NewBot(cfg, orch, appLogger)
	if err != nil {
		log.Fatal("创建机器人失败:", err)
	}

	// 启动支付确认回调服务
	webServer := web.NewServer(orch, appLogger)
	if cfg.EnableHTTPS {
		httpsManager := https.NewManager(&https.Config{
			Domain:    cfg.Domain,
			CacheDir:  cfg.CertCacheDir,
			Email:     cfg.AdminEmail,
			HTTPSPort: ":" + cfg.HTTPSPort,
		})
		if err := httpsManager.ValidateDomain(); err != nil {
			log.Fatal("HTTPS配置错误:", err)
		}
		httpsManager.StartHTTPRedirectServer()
		go func() {
			if err := httpsManager.StartHTTPSServer(webServer); err != nil {
				log.Fatal("启动HTTPS服务失败:", err)
			}
		}()
	} else {
		go func() {
			if err := http.ListenAndServe(":"+cfg.WebPort, webServer); err != nil && err != http.ErrServerClosed {
				log.Fatal("启动回调服务失败:", err)
			}
		}()
	}

	// 启动机器人
	go telegramBot.Start()

	log.Printf("🦍 Ape In 客户端已启动")
	log.Printf("📊 配置信息:")
	log.Printf("   - 游戏权威服务: %s", cfg.GameAuthorityURL)
	log.Printf("   - 街机大厅服务: %s", cfg.ArcadeHubURL)
	log.Printf("   - 数据库: %s", cfg.DatabaseURL)
	log.Printf("   - 回放速度: %.1fx", cfg.ReplaySpeed)

	// 等待中断信号
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	log.Printf("🛑 正在关闭客户端...")
	telegramBot.Stop()
	log.Printf("✅ 客户端已关闭")
}
