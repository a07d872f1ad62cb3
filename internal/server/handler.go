package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/infiniteflux/vibe-sub000/internal/auth"
	"github.com/infiniteflux/vibe-sub000/internal/models"
	"github.com/infiniteflux/vibe-sub000/internal/notify"
	"github.com/infiniteflux/vibe-sub000/internal/service"
	"github.com/infiniteflux/vibe-sub000/internal/ws"
	"github.com/rs/zerolog/log"
)

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	accounts  *service.AccountService
	sessions  *service.Sessions
	hub       *ws.Hub
	registrar *notify.TokenRegistrar
}

// NewHandler 同时把会话回收与推送 Hub 连起来：空闲会话被登出时一并停止其推送。
func NewHandler(accounts *service.AccountService, sessions *service.Sessions, hub *ws.Hub, registrar *notify.TokenRegistrar) *Handler {
	sessions.OnEvict(hub.DropSession)
	return &Handler{accounts: accounts, sessions: sessions, hub: hub, registrar: registrar}
}

// writeError 把业务层错误映射为 HTTP 状态码，未知错误记日志并返回 500。
func writeError(c *gin.Context, err error, op string) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
	case errors.Is(err, service.ErrNotCreator), errors.Is(err, service.ErrNotMember):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrNotSignedIn), errors.Is(err, service.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrEmailTaken):
		c.JSON(http.StatusConflict, gin.H{"error": "email taken"})
	case errors.Is(err, notify.ErrEmptyToken):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid push token"})
	default:
		log.Error().Err(err).Str("uid", auth.GetUserID(c)).Msg(op)
		c.JSON(http.StatusInternalServerError, gin.H{"error": op + " failed"})
	}
}

// session 返回当前用户正在运行的会话，首次访问时启动全部订阅。
func (h *Handler) session(c *gin.Context) (*service.Session, bool) {
	s, err := h.sessions.Get(auth.GetUserID(c))
	if err != nil {
		writeError(c, err, "start session")
		return nil, false
	}
	return s, true
}

// Register 处理用户注册请求。
func (h *Handler) Register(c *gin.Context) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Name     string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	result, err := h.accounts.Register(c.Request.Context(), req.Email, req.Password, req.Name)
	if err != nil {
		writeError(c, err, "register")
		return
	}
	c.JSON(http.StatusOK, result)
}

// Login 处理用户登录请求。
func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Email == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	result, err := h.accounts.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		writeError(c, err, "login")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token":  result.AccessToken,
		"refresh_token": result.RefreshToken,
		"user":          gin.H{"id": result.Account.ID, "email": result.Account.Email},
	})
}

// RefreshToken 处理 token 刷新请求。
func (h *Handler) RefreshToken(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	result, err := h.accounts.RefreshTokens(c.Request.Context(), req.RefreshToken)
	if err != nil {
		log.Warn().Err(err).Msg("refresh token")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	c.JSON(http.StatusOK, result)
}

// Logout 撤销 refresh token，停止会话的全部订阅并断开推送连接。
func (h *Handler) Logout(c *gin.Context) {
	uid := auth.GetUserID(c)
	if err := h.accounts.Logout(c.Request.Context(), uid); err != nil {
		writeError(c, err, "logout")
		return
	}
	h.sessions.SignOut(uid)
	h.hub.Drop(uid)
	c.Status(http.StatusNoContent)
}

func (h *Handler) Me(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	u, err := s.Profile(c.Request.Context())
	if err != nil {
		writeError(c, err, "load profile")
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": u, "canCreateEvents": u.CanCreateEvents()})
}

// PushToken 保存设备的推送 token。
func (h *Handler) PushToken(c *gin.Context) {
	var req struct {
		Token string `json:"token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := h.registrar.Refresh(c.Request.Context(), auth.GetUserID(c), req.Token); err != nil {
		writeError(c, err, "save push token")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) ListEvents(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": s.Events.Events()})
}

// CreateEvent 只有 creator 角色可以创建，校验属于界面层面。
func (h *Handler) CreateEvent(c *gin.Context) {
	var req struct {
		Title          string     `json:"title"`
		Location       string     `json:"location"`
		Date           string     `json:"date"`
		ImageURL       string     `json:"imageUrl"`
		Category       string     `json:"category"`
		Description    string     `json:"description"`
		Host           string     `json:"host"`
		StartTimestamp *time.Time `json:"startTimestamp"`
		DurationHours  int64      `json:"durationHours"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	s, ok := h.session(c)
	if !ok {
		return
	}
	id, err := s.CreateEvent(c.Request.Context(), models.Event{
		Title:          strings.TrimSpace(req.Title),
		Location:       req.Location,
		Date:           req.Date,
		ImageURL:       req.ImageURL,
		Category:       req.Category,
		Description:    req.Description,
		Host:           req.Host,
		StartTimestamp: req.StartTimestamp,
		DurationHours:  req.DurationHours,
	})
	if err != nil {
		writeError(c, err, "create event")
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id})
}

// ToggleJoin 根据当前加入状态加入或退出活动。
func (h *Handler) ToggleJoin(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	eventID := c.Param("id")
	joined, err := s.Events.ToggleJoin(c.Request.Context(), eventID)
	if err != nil {
		writeError(c, err, "toggle join")
		return
	}
	c.JSON(http.StatusOK, gin.H{"eventId": eventID, "joined": joined})
}

func (h *Handler) ListGroups(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"groups": s.Chat.Groups()})
}

func (h *Handler) CreateGroup(c *gin.Context) {
	var req struct {
		Name           string   `json:"name"`
		RelatedEvent   string   `json:"relatedEvent"`
		MemberIDs      []string `json:"memberIds"`
		GroupAvatarURL string   `json:"groupAvatarUrl"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	s, ok := h.session(c)
	if !ok {
		return
	}
	id, err := s.Chat.CreateGroup(c.Request.Context(), models.Group{
		Name:           req.Name,
		RelatedEvent:   req.RelatedEvent,
		MemberIDs:      req.MemberIDs,
		GroupAvatarURL: req.GroupAvatarURL,
	})
	if err != nil {
		writeError(c, err, "create group")
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id})
}

func (h *Handler) AddMember(c *gin.Context) {
	var req struct {
		UserID string `json:"userId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	s, ok := h.session(c)
	if !ok {
		return
	}
	if err := s.Chat.AddMember(c.Request.Context(), c.Param("id"), req.UserID); err != nil {
		writeError(c, err, "add member")
		return
	}
	c.Status(http.StatusNoContent)
}

// ListMessages 返回最近的消息，按时间倒序。
func (h *Handler) ListMessages(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	msgs, err := s.Chat.RecentMessages(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err, "list messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (h *Handler) SendMessage(c *gin.Context) {
	var req struct {
		Text string `json:"text"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	s, ok := h.session(c)
	if !ok {
		return
	}
	if err := s.SendMessage(c.Request.Context(), c.Param("id"), req.Text); err != nil {
		writeError(c, err, "send message")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) MarkRead(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	if err := s.Chat.MarkRead(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err, "mark read")
		return
	}
	c.Status(http.StatusNoContent)
}

type notificationDTO struct {
	models.AppNotification
	Push notify.Payload `json:"push"`
}

// ListNotifications 返回通知以及客户端展示本地推送所需的载荷。
func (h *Handler) ListNotifications(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	items := s.Notifications.Notifications().Get()
	out := make([]notificationDTO, 0, len(items))
	for _, n := range items {
		out = append(out, notificationDTO{AppNotification: n, Push: notify.PayloadFor(n)})
	}
	c.JSON(http.StatusOK, gin.H{"notifications": out})
}

// NotificationChannels 列出客户端需要创建的推送分类。
func (h *Handler) NotificationChannels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"channels": notify.Channels()})
}

func (h *Handler) DismissNotification(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	if err := s.Notifications.Dismiss(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err, "dismiss notification")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) Trending(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": s.Home.Trending().Get()})
}

func (h *Handler) SubmitReport(c *gin.Context) {
	var req struct {
		ReportedUserID string `json:"reportedUserId"`
		Reason         string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	s, ok := h.session(c)
	if !ok {
		return
	}
	id, err := s.Reports.SubmitReport(c.Request.Context(), req.ReportedUserID, req.Reason)
	if err != nil {
		writeError(c, err, "submit report")
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id})
}

// ReportConnections 查询全部连接及其举报状态。
func (h *Handler) ReportConnections(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	conns, err := s.Reports.ReportConnections(c.Request.Context())
	if err != nil {
		writeError(c, err, "report connections")
		return
	}
	c.JSON(http.StatusOK, gin.H{"connections": conns})
}

func (h *Handler) VerifiedReports(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"reports": s.Reports.Wall().Get()})
}

// Online 返回当前用户的在线连接数。
func (h *Handler) Online(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"online": h.hub.Online(auth.GetUserID(c))})
}
