package main

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chat-provider-hub/core"
	"chat-provider-hub/core/adapter"
	"chat-provider-hub/models"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// app 控制接口依赖的全部组件
type app struct {
	registry *core.Registry
	resolver *core.Resolver
	migrator *core.Migrator
	events   *core.AsyncEventLogger // 可为 nil
	hub      *EventHub              // 可为 nil
	log      *logrus.Logger
}

// setupRoutes 设置路由
func setupRoutes(engine *gin.Engine, a *app, token string, limiter *IPRateLimiter) {
	// 公开路由
	engine.GET("/health", handleHealth(a))

	api := engine.Group("/api")
	api.Use(tokenAuthMiddleware(token))
	if limiter != nil {
		api.Use(rateLimitMiddleware(limiter, a.log))
	}
	{
		// Provider 管理
		api.GET("/providers", handleListProviders(a))
		api.POST("/providers", handleCreateProvider(a))
		api.GET("/providers/:id", handleGetProvider(a))
		api.PATCH("/providers/:id", handleUpdateProvider(a))
		api.DELETE("/providers/:id", handleDeleteProvider(a))

		// Key 池
		api.POST("/providers/:id/keys", handleAddKey(a))
		api.PATCH("/providers/:id/keys/:key_id", handleUpdateKey(a))
		api.DELETE("/providers/:id/keys/:key_id", handleRemoveKey(a))
		api.POST("/providers/:id/keys/:key_id/current", handleSetCurrentKey(a))
		api.PUT("/providers/:id/rotation", handleSetRotation(a))
		api.GET("/providers/:id/active-key", handleActiveKey(a))
		api.POST("/providers/:id/rotate", handleRotateKey(a))
		api.POST("/providers/:id/key-error", handleKeyError(a))

		// 模型列表
		api.POST("/providers/:id/models", handleAddModels(a))
		api.DELETE("/providers/:id/models/*model_id", handleRemoveModel(a))
		api.GET("/providers/:id/remote-models", handleFetchModels(a))
		api.DELETE("/models-cache", handleClearCache(a))

		// 选择状态与解析
		api.GET("/session", handleGetSession(a))
		api.PATCH("/session", handleUpdateSession(a))
		api.GET("/session/provider", handleCurrentProvider(a))
		api.GET("/session/capabilities", handleCapabilities(a))
		api.GET("/display-name", handleDisplayName(a))

		api.POST("/migrate", handleMigrate(a))
		api.GET("/events", handleRecentEvents(a))
		if a.hub != nil {
			api.GET("/ws", a.hub.ServeWS)
		}
	}
}

// handleHealth 处理健康检查
func handleHealth(a *app) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, models.HealthResponse{
			Status:    "ok",
			Providers: a.registry.Len(),
			Timestamp: time.Now().Unix(),
		})
	}
}

func handleListProviders(a *app) gin.HandlerFunc {
	return func(c *gin.Context) {
		list := a.registry.ListProviders()
		out := make([]*models.Provider, 0, len(list))
		for _, p := range list {
			out = append(out, models.MaskedProvider(p))
		}
		c.JSON(http.StatusOK, models.NewSuccessResponse("ok", out))
	}
}

func handleCreateProvider(a *app) gin.HandlerFunc {
	return func(c *gin.Context) {
		var draft models.ProviderDraft
		if err := c.ShouldBindJSON(&draft); err != nil {
			c.JSON(http.StatusBadRequest, models.NewErrorResponse("Invalid request format: "+err.Error()))
			return
		}
		p, err := a.registry.CreateProvider(draft)
		if err != nil {
			c.JSON(http.StatusBadRequest, models.NewErrorResponse(err.Error()))
			return
		}
		c.JSON(http.StatusCreated, models.NewSuccessResponse("Provider created successfully", models.MaskedProvider(p)))
	}
}

func handleGetProvider(a *app) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := a.registry.FindProvider(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, models.NewErrorResponse("Provider not found"))
			return
		}
		c.JSON(http.StatusOK, models.NewSuccessResponse("ok", models.MaskedProvider(p)))
	}
}

func handleUpdateProvider(a *app) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		var patch models.ProviderPatch
		if err := c.ShouldBindJSON(&patch); err != nil {
			c.JSON(http.StatusBadRequest, models.NewErrorResponse("Invalid request format: "+err.Error()))
			return
		}
		if patch.WireFormat != nil && !patch.WireFormat.Valid() {
			c.JSON(http.StatusBadRequest, models.NewErrorResponse("Invalid apiFormat: "+string(*patch.WireFormat)))
			return
		}
		p, ok := a.registry.UpdateProvider(id, patch)
		if !ok {
			c.JSON(http.StatusNotFound, models.NewErrorResponse("Provider not found"))
			return
		}
		c.JSON(http.StatusOK, models.NewSuccessResponse("Provider updated successfully", models.MaskedProvider(p)))
	}
}

func handleDeleteProvider(a *app) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.registry.DeleteProvider(c.Param("id")) {
			c.JSON(http.StatusNotFound, models.NewErrorResponse("Provider not found"))
			return
		}
		c.JSON(http.StatusOK, models.NewSuccessResponse("Provider deleted successfully", nil))
	}
}

func handleAddKey(a *app) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		var req models.AddAPIKeyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, models.NewErrorResponse("Invalid request format: "+err.Error()))
			return
		}
		if !a.registry.Exists(id) {
			c.JSON(http.StatusNotFound, models.NewErrorResponse("Provider not found"))
			return
		}
		cred, ok := a.registry.AddAPIKey(id, req.Key, req.Name)
		if !ok {
			c.JSON(http.StatusBadRequest, models.NewErrorResponse("Key must not be empty"))
			return
		}
		masked := *cred
		masked.Secret = models.MaskAPIKey(masked.Secret)
		c.JSON(http.StatusCreated, models.NewSuccessResponse("Key added successfully", masked))
	}
}

func handleUpdateKey(a *app) gin.HandlerFunc {
	return func(c *gin.Context) {
		var patch models.CredentialPatch
		if err := c.ShouldBindJSON(&patch); err != nil {
			c.JSON(http.StatusBadRequest, models.NewErrorResponse("Invalid request format: "+err.Error()))
			return
		}
		if !a.registry.UpdateAPIKey(c.Param("id"), c.Param("key_id"), patch) {
			c.JSON(http.StatusNotFound, models.NewErrorResponse("Provider or key not found, or key empty"))
			return
		}
		c.JSON(http.StatusOK, models.NewSuccessResponse("Key updated successfully", nil))
	}
}

func handleRemoveKey(a *app) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.registry.RemoveAPIKey(c.Param("id"), c.Param("key_id")) {
			c.JSON(http.StatusNotFound, models.NewErrorResponse("Provider or key not found"))
			return
		}
		c.JSON(http.StatusOK, models.NewSuccessResponse("Key removed successfully", nil))
	}
}

func handleSetCurrentKey(a *app) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.registry.SetCurrentKey(c.Param("id"), c.Param("key_id")) {
			c.JSON(http.StatusNotFound, models.NewErrorResponse("Provider or enabled key not found"))
			return
		}
		c.JSON(http.StatusOK, models.NewSuccessResponse("Current key changed", nil))
	}
}

func handleSetRotation(a *app) gin.HandlerFunc {
	return func(c *gin.Context) {
		var patch models.RotationPatch
		if err := c.ShouldBindJSON(&patch); err != nil {
			c.JSON(http.StatusBadRequest, models.NewErrorResponse("Invalid request format: "+err.Error()))
			return
		}
		if patch.Strategy != nil && !patch.Strategy.Valid() {
			c.JSON(http.StatusBadRequest, models.NewErrorResponse("Invalid strategy: "+string(*patch.Strategy)))
			return
		}
		if !a.registry.SetKeyRotationConfig(c.Param("id"), patch) {
			c.JSON(http.StatusNotFound, models.NewErrorResponse("Provider not found"))
			return
		}
		c.JSON(http.StatusOK, models.NewSuccessResponse("Rotation config updated", nil))
	}
}

// handleActiveKey 返回明文 Key，供本地发送消息的代码使用
func handleActiveKey(a *app) gin.HandlerFunc {
	return func(c *gin.Context) {
		secret, ok := a.registry.GetActiveAPIKey(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, models.NewErrorResponse("Provider not found"))
			return
		}
		c.JSON(http.StatusOK, models.NewSuccessResponse("ok", gin.H{"key": secret}))
	}
}

func handleRotateKey(a *app) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		var req models.RotateKeyRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, models.NewErrorResponse("Invalid request format: "+err.Error()))
				return
			}
		}
		if !a.registry.Exists(id) {
			c.JSON(http.StatusNotFound, models.NewErrorResponse("Provider not found"))
			return
		}
		rotated := a.registry.RotateToNextKey(id, req.MarkError)
		c.JSON(http.StatusOK, models.NewSuccessResponse("ok", gin.H{"rotated": rotated}))
	}
}

func handleKeyError(a *app) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if !a.registry.Exists(id) {
			c.JSON(http.StatusNotFound, models.NewErrorResponse("Provider not found"))
			return
		}
		rotated := a.registry.ReportKeyError(id)
		c.JSON(http.StatusOK, models.NewSuccessResponse("ok", gin.H{"rotated": rotated}))
	}
}

func handleAddModels(a *app) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		var req models.AddModelsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, models.NewErrorResponse("Invalid request format: "+err.Error()))
			return
		}
		if !a.registry.Exists(id) {
			c.JSON(http.StatusNotFound, models.NewErrorResponse("Provider not found"))
			return
		}
		added, ok := a.registry.AddModelsToProvider(id, req.Models)
		if !ok {
			c.JSON(http.StatusBadRequest, models.NewErrorResponse(core.ErrInvalidModel.Error()))
			return
		}
		c.JSON(http.StatusOK, models.NewSuccessResponse("ok", gin.H{"added": added}))
	}
}

func handleRemoveModel(a *app) gin.HandlerFunc {
	return func(c *gin.Context) {
		modelID := strings.TrimPrefix(c.Param("model_id"), "/")
		if !a.registry.RemoveModelFromProvider(c.Param("id"), modelID) {
			c.JSON(http.StatusNotFound, models.NewErrorResponse("Provider or model not found"))
			return
		}
		c.JSON(http.StatusOK, models.NewSuccessResponse("Model removed successfully", nil))
	}
}

func handleFetchModels(a *app) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		force, _ := strconv.ParseBool(c.Query("refresh"))

		list, err := a.registry.FetchProviderModels(c.Request.Context(), id, force)
		if err != nil {
			var fe *adapter.FetchError
			switch {
			case errors.Is(err, core.ErrProviderNotFound):
				c.JSON(http.StatusNotFound, models.NewErrorResponse("Provider not found"))
			case errors.As(err, &fe):
				c.JSON(http.StatusBadGateway, &models.APIResponse{
					Success:   false,
					Message:   err.Error(),
					Data:      gin.H{"vendor": fe.Vendor, "upstreamStatus": fe.StatusCode},
					Timestamp: time.Now().Unix(),
				})
			default:
				c.JSON(http.StatusBadGateway, models.NewErrorResponse(err.Error()))
			}
			return
		}
		c.JSON(http.StatusOK, models.NewSuccessResponse("ok", list))
	}
}

func handleClearCache(a *app) gin.HandlerFunc {
	return func(c *gin.Context) {
		a.registry.ClearModelsCache(c.Query("providerId"))
		c.JSON(http.StatusOK, models.NewSuccessResponse("Model cache cleared", nil))
	}
}

func handleGetSession(a *app) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, models.NewSuccessResponse("ok", a.resolver.Session()))
	}
}

func handleUpdateSession(a *app) gin.HandlerFunc {
	return func(c *gin.Context) {
		var patch models.SessionPatch
		if err := c.ShouldBindJSON(&patch); err != nil {
			c.JSON(http.StatusBadRequest, models.NewErrorResponse("Invalid request format: "+err.Error()))
			return
		}
		if patch.WireFormat != nil && *patch.WireFormat != "" && !patch.WireFormat.Valid() {
			c.JSON(http.StatusBadRequest, models.NewErrorResponse("Invalid provider format: "+string(*patch.WireFormat)))
			return
		}
		if patch.CurrentProviderID != nil {
			a.resolver.PinProvider(*patch.CurrentProviderID)
		}
		if patch.SelectedModel != nil {
			a.resolver.SelectModel(*patch.SelectedModel)
		}
		if patch.WireFormat != nil {
			a.resolver.SetWireFormat(*patch.WireFormat)
		}
		c.JSON(http.StatusOK, models.NewSuccessResponse("Session updated", a.resolver.Session()))
	}
}

func handleCurrentProvider(a *app) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := a.resolver.GetCurrentProvider()
		if !ok {
			c.JSON(http.StatusNotFound, models.NewErrorResponse("No provider configured"))
			return
		}
		c.JSON(http.StatusOK, models.NewSuccessResponse("ok", models.MaskedProvider(p)))
	}
}

func handleCapabilities(a *app) gin.HandlerFunc {
	return func(c *gin.Context) {
		caps, known := a.resolver.GetCurrentModelCapabilities()
		resp := models.CapabilitiesResponse{Known: known}
		if known {
			resp.Capabilities = &caps
		}
		c.JSON(http.StatusOK, models.NewSuccessResponse("ok", resp))
	}
}

func handleDisplayName(a *app) gin.HandlerFunc {
	return func(c *gin.Context) {
		modelID := c.Query("model")
		if modelID == "" {
			c.JSON(http.StatusBadRequest, models.NewErrorResponse("model is required"))
			return
		}
		var provider *models.Provider
		if pid := c.Query("providerId"); pid != "" {
			p, ok := a.registry.FindProvider(pid)
			if !ok {
				// 未知 Provider 直接返回原始 ID
				c.JSON(http.StatusOK, models.NewSuccessResponse("ok", gin.H{"model": modelID, "name": modelID}))
				return
			}
			provider = p
		}
		name := a.resolver.GetModelDisplayName(modelID, provider)
		c.JSON(http.StatusOK, models.NewSuccessResponse("ok", gin.H{"model": modelID, "name": name}))
	}
}

func handleMigrate(a *app) gin.HandlerFunc {
	return func(c *gin.Context) {
		created, err := a.migrator.Migrate(a.resolver.Session())
		if err != nil {
			a.log.Errorf("[ERROR] Migrate | Error: %v", err)
			c.JSON(http.StatusInternalServerError, models.NewErrorResponse("Migration failed: "+err.Error()))
			return
		}
		c.JSON(http.StatusOK, models.NewSuccessResponse("ok", gin.H{"created": created}))
	}
}

func handleRecentEvents(a *app) gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.events == nil {
			c.JSON(http.StatusOK, models.NewSuccessResponse("ok", []models.EventLog{}))
			return
		}
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		logs, err := a.events.Recent(c.Query("providerId"), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, models.NewErrorResponse("Failed to load events: "+err.Error()))
			return
		}
		c.JSON(http.StatusOK, models.NewSuccessResponse("ok", logs))
	}
}
