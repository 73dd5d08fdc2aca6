package network

import (
	"net"
	"net/http"
	"time"
)

// NewHTTPClient 创建调优过的HTTP客户端。
// 连接池参数针对与权威服务的长会话交互：复用连接、保活、禁用HTTP/2以求稳定。
func NewHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second, // 连接超时
			KeepAlive: 60 * time.Second, // 保活时间，复用连接
		}).DialContext,
		ForceAttemptHTTP2:     false, // 使用HTTP/1.1更稳定
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 2 * time.Second,
		ResponseHeaderTimeout: 45 * time.Second,
		DisableCompression:    false,
		DisableKeepAlives:     false,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}
