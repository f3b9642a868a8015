package app

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-yaml"
	"github.com/sinspired/clash-probe/check"
	"github.com/sinspired/clash-probe/config"
	"github.com/sinspired/clash-probe/utils"
)

// initHTTPServer 初始化HTTP服务器
func (app *App) initHTTPServer() error {
	cfg := config.Current()
	if cfg.APIKey == "" {
		if apiKey := os.Getenv("API_KEY"); apiKey != "" {
			cfg.APIKey = apiKey
		} else {
			cfg.APIKey = utils.GenerateRandomString(10)
			slog.Warn("未设置api-key，已随机生成", "api-key", cfg.APIKey)
		}
		config.Set(cfg)
		// 配置重载时保留
		key := cfg.APIKey
		app.overrides = append(app.overrides, func(c *config.Config) {
			if c.APIKey == "" {
				c.APIKey = key
			}
		})
	}

	srv := &http.Server{
		Addr:              cfg.ListenPort,
		Handler:           app.setupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	app.httpServer = srv

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error(fmt.Sprintf("HTTP服务器启动失败: %v", err))
		}
	}()
	slog.Info("HTTP服务器启动", "port", cfg.ListenPort)
	return nil
}

func (app *App) setupRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if utils.LogLevel.Level() <= slog.LevelDebug {
		router.Use(gin.Logger())
	}

	api := router.Group("/api")
	api.Use(app.authMiddleware())
	{
		api.GET("/status", app.getStatus)
		api.POST("/trigger-check", app.triggerCheckHandler)
		api.POST("/force-close", app.forceCloseHandler)

		api.GET("/selection", app.getSelection)
		api.GET("/stats", app.getStats)

		api.GET("/config", app.getConfig)
		api.POST("/config", app.updateConfig)

		api.GET("/version", app.getVersion)
	}
	return router
}

// authMiddleware API认证中间件
func (app *App) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("X-API-Key")
		// 每次请求读取，配置重载后立即生效
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(config.Current().APIKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "无效的API密钥"})
			return
		}
		c.Next()
	}
}

// getStatus 获取应用状态
func (app *App) getStatus(c *gin.Context) {
	lastCheck := gin.H{}
	if t, ok := app.lastCheck.time.Load().(time.Time); ok && !t.IsZero() {
		lastCheck = gin.H{
			"time":     t.Format("2006-01-02 15:04:05"),
			"duration": app.lastCheck.duration.Load(),
			"total":    app.lastCheck.total.Load(),
			"selected": app.lastCheck.selected.Load(),
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"checking":  app.checking.Load(),
		"status":    check.CurrentStatus(),
		"lastCheck": lastCheck,
		"process":   app.monitor.Last(),
	})
}

// triggerCheckHandler 手动触发检测
func (app *App) triggerCheckHandler(c *gin.Context) {
	if !app.TriggerCheck() {
		c.JSON(http.StatusConflict, gin.H{"error": "已有检测正在进行"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "已触发检测"})
}

// forceCloseHandler 停止当前检测，已有结果照常输出
func (app *App) forceCloseHandler(c *gin.Context) {
	if !app.checking.Load() {
		c.JSON(http.StatusOK, gin.H{"message": "当前没有进行中的检测"})
		return
	}
	check.ForceClose.Store(true)
	c.JSON(http.StatusOK, gin.H{"message": "已发送停止信号"})
}

// getSelection 最近一轮检测的报告
func (app *App) getSelection(c *gin.Context) {
	reports := app.LastReports()
	if len(reports) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "还没有完成的检测"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reports": reports})
}

// getStats 历史统计，参数 hours 与 provider 可选
func (app *App) getStats(c *gin.Context) {
	if app.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "结果数据库未打开"})
		return
	}
	hours := 24
	if h := c.Query("hours"); h != "" {
		n, err := strconv.Atoi(h)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "hours 必须是正整数"})
			return
		}
		hours = n
	}
	stats, err := app.store.Stats(c.Request.Context(), hours, strings.TrimSpace(c.Query("provider")))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("查询统计失败: %v", err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"hours": hours, "stats": stats})
}

// getConfig 获取配置文件内容
func (app *App) getConfig(c *gin.Context) {
	configData, err := os.ReadFile(app.configPath)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("读取配置文件失败: %v", err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"content": string(configData)})
}

// updateConfig 更新配置文件内容，写入后由配置监听重新加载
func (app *App) updateConfig(c *gin.Context) {
	var req struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的请求格式"})
		return
	}

	// 按配置结构解析，类型错误也在写入前拒绝
	if err := yaml.Unmarshal([]byte(req.Content), config.Default()); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("YAML格式错误: %v", err)})
		return
	}

	if err := os.WriteFile(app.configPath, []byte(req.Content), 0644); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("保存配置文件失败: %v", err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "配置已更新"})
}

// getVersion 获取版本号
func (app *App) getVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"version": app.version})
}
