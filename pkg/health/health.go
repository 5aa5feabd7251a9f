// Package health 健康检查
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Status 健康状态
type Status string

const (
	StatusUp       Status = "up"
	StatusDown     Status = "down"
	StatusDegraded Status = "degraded"
)

// Checker 依赖检查器
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// CheckResult 单项检查结果
type CheckResult struct {
	Status  Status        `json:"status"`
	Latency time.Duration `json:"latency"`
	Message string        `json:"message,omitempty"`
}

// Response 健康检查响应
type Response struct {
	Status       Status                 `json:"status"`
	Dependencies map[string]CheckResult `json:"dependencies,omitempty"`
}

// Health 健康检查聚合
type Health struct {
	checkers []Checker
	ready    atomic.Bool
}

const defaultCheckTimeout = 2 * time.Second

// New 创建健康检查
func New() *Health {
	return &Health{}
}

// Register 注册检查器
func (h *Health) Register(c Checker) {
	if c == nil {
		return
	}
	h.checkers = append(h.checkers, c)
}

// SetReady 设置就绪状态
func (h *Health) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady 是否就绪
func (h *Health) IsReady() bool {
	return h.ready.Load()
}

// Live 存活检查（只检查进程是否响应）
func (h *Health) Live() Response {
	return Response{Status: StatusUp}
}

// Ready 就绪检查（检查所有依赖）
func (h *Health) Ready(ctx context.Context) Response {
	if !h.IsReady() {
		r := Response{Status: StatusDown}
		if len(h.checkers) > 0 {
			r.Dependencies = h.runChecks(ctx)
		}
		return r
	}

	deps := h.runChecks(ctx)
	return Response{
		Status:       summarize(deps),
		Dependencies: deps,
	}
}

func (h *Health) runChecks(ctx context.Context) map[string]CheckResult {
	results := make(map[string]CheckResult, len(h.checkers))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, c := range h.checkers {
		wg.Add(1)
		go func(c Checker) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, defaultCheckTimeout)
			defer cancel()

			start := time.Now()
			result := c.Check(checkCtx)
			result.Latency = time.Since(start)

			mu.Lock()
			results[c.Name()] = result
			mu.Unlock()
		}(c)
	}
	wg.Wait()
	return results
}

func summarize(deps map[string]CheckResult) Status {
	status := StatusUp
	for _, r := range deps {
		if r.Status == StatusDown {
			return StatusDown
		}
		if r.Status == StatusDegraded {
			status = StatusDegraded
		}
	}
	return status
}

// LiveHandler 存活检查 HTTP 端点
func (h *Health) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, h.Live())
	}
}

// ReadyHandler 就绪检查 HTTP 端点
func (h *Health) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := h.Ready(r.Context())
		status := http.StatusOK
		if resp.Status == StatusDown {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, resp)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
