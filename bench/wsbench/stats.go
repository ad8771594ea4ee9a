package main

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Stats 统计数据
type Stats struct {
	mu sync.Mutex

	TotalAttempts atomic.Int64
	ReadyConns    atomic.Int64
	FailedConns   atomic.Int64
	CurrentReady  atomic.Int64
	Disconnects   atomic.Int64

	MessagesSent     atomic.Int64
	MessagesAcked    atomic.Int64
	MessagesRejected atomic.Int64
	MessagesReceived atomic.Int64

	connLatencies []int64 // 纳秒
	msgLatencies  []int64
	errors        map[string]int64

	StartTime time.Time
	EndTime   time.Time
}

func newStats() *Stats {
	return &Stats{errors: make(map[string]int64), StartTime: time.Now()}
}

func (s *Stats) addConnLatency(d time.Duration) {
	s.mu.Lock()
	s.connLatencies = append(s.connLatencies, d.Nanoseconds())
	s.mu.Unlock()
}

func (s *Stats) addMsgLatency(d time.Duration) {
	s.mu.Lock()
	s.msgLatencies = append(s.msgLatencies, d.Nanoseconds())
	s.mu.Unlock()
}

func (s *Stats) addError(msg string) {
	if len(msg) > 50 {
		msg = msg[:50]
	}
	s.mu.Lock()
	s.errors[msg]++
	s.mu.Unlock()
}

// Result 压测结果
type Result struct {
	Config Config `json:"config"`

	TotalAttempts int64   `json:"total_attempts"`
	ReadyConns    int64   `json:"ready_conns"`
	FailedConns   int64   `json:"failed_conns"`
	SuccessRate   float64 `json:"success_rate_percent"`
	Disconnects   int64   `json:"disconnects"`
	FinalConns    int64   `json:"final_conns"`

	ConnLatency LatencyStats `json:"conn_latency_ms"`
	MsgLatency  LatencyStats `json:"msg_latency_ms,omitempty"`

	MessagesSent     int64   `json:"messages_sent"`
	MessagesAcked    int64   `json:"messages_acked"`
	MessagesRejected int64   `json:"messages_rejected"`
	MessagesReceived int64   `json:"messages_received"`
	DeliveryRate     float64 `json:"delivery_rate_percent"`

	Errors map[string]int64 `json:"errors"`

	ActualTime float64 `json:"actual_time_seconds"`
}

// LatencyStats 延迟统计
type LatencyStats struct {
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Avg    float64 `json:"avg"`
	P50    float64 `json:"p50"`
	P90    float64 `json:"p90"`
	P95    float64 `json:"p95"`
	P99    float64 `json:"p99"`
	StdDev float64 `json:"std_dev"`
}

func generateResult(cfg Config, s *Stats) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := Result{
		Config:           cfg,
		TotalAttempts:    s.TotalAttempts.Load(),
		ReadyConns:       s.ReadyConns.Load(),
		FailedConns:      s.FailedConns.Load(),
		Disconnects:      s.Disconnects.Load(),
		FinalConns:       s.CurrentReady.Load(),
		MessagesSent:     s.MessagesSent.Load(),
		MessagesAcked:    s.MessagesAcked.Load(),
		MessagesRejected: s.MessagesRejected.Load(),
		MessagesReceived: s.MessagesReceived.Load(),
		ConnLatency:      calculateLatencyStats(s.connLatencies),
		MsgLatency:       calculateLatencyStats(s.msgLatencies),
		Errors:           s.errors,
		ActualTime:       s.EndTime.Sub(s.StartTime).Seconds(),
	}
	if r.TotalAttempts > 0 {
		r.SuccessRate = float64(r.ReadyConns) / float64(r.TotalAttempts) * 100
	}
	if r.MessagesSent > 0 {
		r.DeliveryRate = float64(r.MessagesReceived) / float64(r.MessagesSent) * 100
	}
	return r
}

func calculateLatencyStats(latencies []int64) LatencyStats {
	if len(latencies) == 0 {
		return LatencyStats{}
	}

	sorted := make([]int64, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	toMs := func(ns float64) float64 { return ns / 1e6 }

	var sum float64
	for _, v := range sorted {
		sum += float64(v)
	}
	avg := sum / float64(len(sorted))

	var variance float64
	for _, v := range sorted {
		diff := float64(v) - avg
		variance += diff * diff
	}
	variance /= float64(len(sorted))

	pct := func(p int) float64 { return toMs(float64(sorted[len(sorted)*p/100])) }
	return LatencyStats{
		Min:    toMs(float64(sorted[0])),
		Max:    toMs(float64(sorted[len(sorted)-1])),
		Avg:    toMs(avg),
		P50:    pct(50),
		P90:    pct(90),
		P95:    pct(95),
		P99:    pct(99),
		StdDev: toMs(math.Sqrt(variance)),
	}
}

func printProgress(s *Stats) {
	fmt.Printf("[%s] ready: %d | 失败: %d | 断开: %d | 发送/确认/收到: %d/%d/%d\n",
		time.Since(s.StartTime).Round(time.Second),
		s.CurrentReady.Load(), s.FailedConns.Load(), s.Disconnects.Load(),
		s.MessagesSent.Load(), s.MessagesAcked.Load(), s.MessagesReceived.Load())
}

func outputJSON(r Result) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "JSON 编码错误: %v\n", err)
		return
	}
	fmt.Println(string(data))
}

func printLatency(title string, l LatencyStats) {
	fmt.Printf("--- %s (ms) ---\n", title)
	fmt.Printf("Min: %.2f  Max: %.2f  Avg: %.2f  StdDev: %.2f\n", l.Min, l.Max, l.Avg, l.StdDev)
	fmt.Printf("P50: %.2f  P90: %.2f  P95: %.2f  P99: %.2f\n", l.P50, l.P90, l.P95, l.P99)
	fmt.Println()
}

func outputText(r Result) {
	fmt.Println()
	fmt.Println("==================== 压测结果 ====================")
	fmt.Println()
	fmt.Println("--- 连接统计 ---")
	fmt.Printf("尝试连接数:     %d\n", r.TotalAttempts)
	fmt.Printf("ready 连接数:   %d\n", r.ReadyConns)
	fmt.Printf("失败连接数:     %d\n", r.FailedConns)
	fmt.Printf("连接成功率:     %.2f%%\n", r.SuccessRate)
	fmt.Printf("断开次数:       %d\n", r.Disconnects)
	fmt.Printf("最终连接数:     %d\n", r.FinalConns)
	fmt.Println()
	printLatency("连接到 ready 延迟", r.ConnLatency)

	if r.Config.Mode == modeMessaging {
		fmt.Println("--- 消息统计 ---")
		fmt.Printf("发送: %d  确认: %d  拒绝: %d  收到: %d  送达率: %.2f%%\n",
			r.MessagesSent, r.MessagesAcked, r.MessagesRejected, r.MessagesReceived, r.DeliveryRate)
		fmt.Println()
		printLatency("端到端消息延迟", r.MsgLatency)
	}

	if len(r.Errors) > 0 {
		fmt.Println("--- 错误统计 ---")
		for msg, count := range r.Errors {
			fmt.Printf("%s: %d\n", msg, count)
		}
		fmt.Println()
	}

	fmt.Printf("--- 运行时间: %.2f 秒 ---\n", r.ActualTime)
	fmt.Println("=================================================")
}

func outputCSV(r Result) {
	fmt.Println("metric,value")
	fmt.Printf("mode,%s\n", r.Config.Mode)
	fmt.Printf("target,%s\n", r.Config.Target)
	fmt.Printf("target_conns,%d\n", r.Config.Conns)
	fmt.Printf("duration_seconds,%.2f\n", r.ActualTime)
	fmt.Printf("total_attempts,%d\n", r.TotalAttempts)
	fmt.Printf("ready_conns,%d\n", r.ReadyConns)
	fmt.Printf("failed_conns,%d\n", r.FailedConns)
	fmt.Printf("success_rate_percent,%.2f\n", r.SuccessRate)
	fmt.Printf("disconnects,%d\n", r.Disconnects)
	fmt.Printf("final_conns,%d\n", r.FinalConns)
	fmt.Printf("conn_latency_p50_ms,%.2f\n", r.ConnLatency.P50)
	fmt.Printf("conn_latency_p99_ms,%.2f\n", r.ConnLatency.P99)
	if r.Config.Mode == modeMessaging {
		fmt.Printf("messages_sent,%d\n", r.MessagesSent)
		fmt.Printf("messages_acked,%d\n", r.MessagesAcked)
		fmt.Printf("messages_received,%d\n", r.MessagesReceived)
		fmt.Printf("msg_latency_p50_ms,%.2f\n", r.MsgLatency.P50)
		fmt.Printf("msg_latency_p95_ms,%.2f\n", r.MsgLatency.P95)
		fmt.Printf("msg_latency_p99_ms,%.2f\n", r.MsgLatency.P99)
	}
}
