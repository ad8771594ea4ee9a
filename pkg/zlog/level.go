package zlog

import (
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var levels = map[string]zapcore.Level{
	"debug": zap.DebugLevel,
	"info":  zap.InfoLevel,
	"warn":  zap.WarnLevel,
	"error": zap.ErrorLevel,
}

// 全局可变级别，所有 New 出来的 logger 共享
var dynamicLevel = zap.NewAtomicLevelAt(zap.InfoLevel)

// SetLevel 热更新日志级别，未知级别返回 false
func SetLevel(lvl string) bool {
	l, ok := levels[strings.ToLower(lvl)]
	if !ok {
		return false
	}
	dynamicLevel.SetLevel(l)
	return true
}

// GetLevel 返回当前级别字符串
func GetLevel() string {
	return dynamicLevel.Level().String()
}

// LevelHTTPHandler 注册到 /log/level
// GET 返回当前级别，PUT ?v=debug 修改
func LevelHTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.Method {
		case http.MethodGet:
		case http.MethodPut:
			lvl := r.URL.Query().Get("v")
			if lvl == "" {
				lvl = r.FormValue("v")
			}
			if !SetLevel(lvl) {
				w.WriteHeader(http.StatusBadRequest)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "unknown level " + lvl})
				return
			}
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"level": GetLevel()})
	}
}
