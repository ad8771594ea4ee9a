// wsbench ramps up authenticated realtime clients against a pulse node and
// optionally exchanges chat messages between neighbouring pairs.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"

	"github.com/EthanQC/pulse/pkg/protocol"
	"github.com/EthanQC/pulse/pkg/rtclient"
)

const (
	modeConnect   = "connect-only"
	modeMessaging = "messaging"
)

// Config 压测配置
type Config struct {
	Mode         string        `json:"mode"`
	Target       string        `json:"target"`
	Conns        int           `json:"conns"`
	Duration     time.Duration `json:"duration"`
	Ramp         time.Duration `json:"ramp"`
	PingInterval time.Duration `json:"ping_interval"`
	MsgRate      int           `json:"msg_rate"` // 每连接每分钟消息数
	PayloadSize  int           `json:"payload_size"`
	UserPrefix   string        `json:"user_prefix"`
	Output       string        `json:"output"`
	Verbose      bool          `json:"verbose"`
}

// benchMessage 压测消息，sentAt 用于计算端到端延迟
type benchMessage struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	SentAt int64  `json:"sentAt"`
}

func main() {
	cfg := parseFlags()

	if cfg.Verbose {
		l, _ := zap.NewDevelopment()
		zap.ReplaceGlobals(l)
	}

	fmt.Println("=== wsbench - pulse 压测工具 ===")
	fmt.Printf("模式: %s\n", cfg.Mode)
	fmt.Printf("目标: %s\n", cfg.Target)
	fmt.Printf("连接数: %d\n", cfg.Conns)
	fmt.Printf("持续时间: %s\n", cfg.Duration)
	fmt.Printf("爬坡时间: %s\n", cfg.Ramp)
	fmt.Println()

	stats := newStats()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\n收到中断信号，正在关闭...")
		cancel()
	}()

	runBench(ctx, cfg, stats)
	stats.EndTime = time.Now()

	result := generateResult(cfg, stats)
	switch cfg.Output {
	case "json":
		outputJSON(result)
	case "csv":
		outputCSV(result)
	default:
		outputText(result)
	}
}

func parseFlags() Config {
	cfg := Config{}

	flag.StringVar(&cfg.Mode, "mode", modeConnect, "压测模式: connect-only, messaging")
	flag.StringVar(&cfg.Target, "target", "ws://localhost:8084/ws", "WebSocket URL")
	flag.IntVar(&cfg.Conns, "conns", 1000, "总连接数")
	flag.DurationVar(&cfg.Duration, "duration", 5*time.Minute, "压测持续时间")
	flag.DurationVar(&cfg.Ramp, "ramp", 1*time.Minute, "爬坡时间")
	flag.DurationVar(&cfg.PingInterval, "ping-interval", 25*time.Second, "心跳间隔")
	flag.IntVar(&cfg.MsgRate, "msg-rate", 10, "每连接每分钟消息数（messaging 模式）")
	flag.IntVar(&cfg.PayloadSize, "payload-size", 128, "消息体大小（字节）")
	flag.StringVar(&cfg.UserPrefix, "user-prefix", "bench", "用户 id 前缀")
	flag.StringVar(&cfg.Output, "output", "text", "输出格式: text, json, csv")
	flag.BoolVar(&cfg.Verbose, "verbose", false, "详细输出")

	flag.Parse()
	return cfg
}

func userID(cfg Config, i int) string {
	return fmt.Sprintf("%s-%d", cfg.UserPrefix, i)
}

// partner pairs 0<->1, 2<->3, ... ; the last client of an odd count has none.
func partner(i, n int) int {
	p := i ^ 1
	if p >= n {
		return -1
	}
	return p
}

func runBench(ctx context.Context, cfg Config, stats *Stats) {
	ctx, stop := context.WithTimeout(ctx, cfg.Duration)
	defer stop()

	connsPerSecond := float64(cfg.Conns) / cfg.Ramp.Seconds()
	if connsPerSecond < 1 {
		connsPerSecond = 1
	}
	fmt.Printf("爬坡速率: %.1f 连接/秒\n\n", connsPerSecond)

	bar := progressbar.NewOptions(cfg.Conns,
		progressbar.OptionSetDescription("建立连接"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("conn"),
	)

	ticker := time.NewTicker(time.Duration(float64(time.Second) / connsPerSecond))
	defer ticker.Stop()

	var wg sync.WaitGroup
	clients := make([]*rtclient.Client, 0, cfg.Conns)

ramp:
	for id := 0; id < cfg.Conns; id++ {
		select {
		case <-ctx.Done():
			break ramp
		case <-ticker.C:
		}

		stats.TotalAttempts.Add(1)
		c, err := newBenchClient(cfg, id, stats)
		if err != nil {
			stats.FailedConns.Add(1)
			stats.addError(err.Error())
			continue
		}
		clients = append(clients, c)

		wg.Add(1)
		go func(id int, c *rtclient.Client) {
			defer wg.Done()
			runClient(ctx, cfg, id, c, stats, bar)
		}(id, c)
	}

	reportTicker := time.NewTicker(10 * time.Second)
	defer reportTicker.Stop()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	for {
		select {
		case <-done:
			_ = bar.Finish()
			return
		case <-reportTicker.C:
			printProgress(stats)
		case <-ctx.Done():
			for _, c := range clients {
				c.Close()
			}
			<-done
			_ = bar.Finish()
			return
		}
	}
}

func newBenchClient(cfg Config, id int, stats *Stats) (*rtclient.Client, error) {
	ccfg := rtclient.DefaultConfig()
	ccfg.URL = cfg.Target
	ccfg.UserID = userID(cfg, id)
	ccfg.PingInterval = cfg.PingInterval

	return rtclient.New(ccfg, rtclient.WithHandlers(rtclient.Handlers{
		OnStateChange: func(from, to rtclient.State) {
			switch {
			case to == rtclient.StateReady:
				stats.CurrentReady.Add(1)
			case from == rtclient.StateReady:
				stats.CurrentReady.Add(-1)
				stats.Disconnects.Add(1)
			}
		},
		OnMessage: func(p protocol.ReceiveMessagePayload) {
			stats.MessagesReceived.Add(1)
			var m benchMessage
			if err := json.Unmarshal(p.Message, &m); err == nil && m.SentAt > 0 {
				stats.addMsgLatency(time.Since(time.Unix(0, m.SentAt)))
			}
		},
		OnMessageSent: func(_ string, p protocol.MessageSentPayload) {
			if p.Success {
				stats.MessagesAcked.Add(1)
				return
			}
			stats.MessagesRejected.Add(1)
			stats.addError(p.Error)
		},
	}))
}

func runClient(ctx context.Context, cfg Config, id int, c *rtclient.Client, stats *Stats, bar *progressbar.ProgressBar) {
	start := time.Now()
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = c.Run(ctx)
	}()

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err := c.WaitReady(waitCtx)
	cancel()
	_ = bar.Add(1)
	if err != nil {
		stats.FailedConns.Add(1)
		stats.addError("ready: " + err.Error())
		c.Close()
		<-runDone
		return
	}
	stats.ReadyConns.Add(1)
	stats.addConnLatency(time.Since(start))

	peer := partner(id, cfg.Conns)
	if cfg.Mode != modeMessaging || cfg.MsgRate <= 0 || peer < 0 {
		<-runDone
		return
	}

	text := strings.Repeat("x", cfg.PayloadSize)
	msgTicker := time.NewTicker(time.Minute / time.Duration(cfg.MsgRate))
	defer msgTicker.Stop()

	for {
		select {
		case <-runDone:
			return
		case <-msgTicker.C:
			m := benchMessage{ID: uuid.NewString(), Text: text, SentAt: time.Now().UnixNano()}
			if _, err := c.SendMessage(userID(cfg, peer), m); err != nil {
				stats.addError(err.Error())
				continue
			}
			stats.MessagesSent.Add(1)
		}
	}
}
