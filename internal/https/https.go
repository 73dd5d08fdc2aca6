package https

import (
	"crypto/tls"
	"fmt"
	"log"
	"net/http"
	"strings"

	"golang.org/x/crypto/acme/autocert"
)

// Config HTTPS配置
type Config struct {
	Domain    string // 域名
	CacheDir  string // 证书缓存目录
	Email     string // Let's Encrypt邮箱
	HTTPSPort string // HTTPS端口
}

// Manager HTTPS管理器：为支付确认回调入口提供自动证书
type Manager struct {
	config      *Config
	certManager *autocert.Manager
}

// NewManager 创建HTTPS管理器
func NewManager(config *Config) *Manager {
	cacheDir := config.CacheDir
	if cacheDir == "" {
		cacheDir = "./certs"
	}

	certManager := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(config.Domain),
		Cache:      autocert.DirCache(cacheDir),
		Email:      config.Email,
	}

	return &Manager{
		config:      config,
		certManager: certManager,
	}
}

// GetTLSConfig 获取TLS配置
func (m *Manager) GetTLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: m.certManager.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
		MinVersion:     tls.VersionTLS12,
	}
}

// StartHTTPRedirectServer 启动HTTP重定向服务器（兼顾ACME挑战）
func (m *Manager) StartHTTPRedirectServer() {
	redirectHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		target := "https://" + r.Host + r.URL.Path
		if len(r.URL.RawQuery) > 0 {
			target += "?" + r.URL.RawQuery
		}
		http.Redirect(w, r, target, http.StatusMovedPermanently)
	})

	server := &http.Server{
		Addr:    ":80",
		Handler: m.certManager.HTTPHandler(redirectHandler),
	}

	log.Printf("🔄 HTTP重定向服务器启动在端口 :80")
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("HTTP重定向服务器错误: %v", err)
		}
	}()
}

// StartHTTPSServer 启动HTTPS服务器
func (m *Manager) StartHTTPSServer(handler http.Handler) error {
	httpsPort := m.config.HTTPSPort
	if httpsPort == "" {
		httpsPort = ":443"
	}

	server := &http.Server{
		Addr:      httpsPort,
		Handler:   handler,
		TLSConfig: m.GetTLSConfig(),
	}

	log.Printf("🔒 HTTPS服务器启动在端口 %s", httpsPort)
	log.Printf("🌐 域名: %s", m.config.Domain)

	return server.ListenAndServeTLS("", "")
}

// ValidateDomain 验证域名配置
func (m *Manager) ValidateDomain() error {
	if m.config.Domain == "" {
		return fmt.Errorf("域名不能为空")
	}
	if len(m.config.Domain) < 3 || !strings.Contains(m.config.Domain, ".") {
		return fmt.Errorf("域名格式无效: %s", m.config.Domain)
	}
	return nil
}
