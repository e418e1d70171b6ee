package chat

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"orgchat/logger"
	midsec "orgchat/middleware/security"
	"orgchat/module/user"
	usersvc "orgchat/module/user/service"
	"orgchat/tools/errs"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type apiResp struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data any    `json:"data,omitempty"`
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, apiResp{Code: 0, Msg: "ok", Data: data})
}

func fail(c *gin.Context, err error) {
	status := errs.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Warn("[API] request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.AbortWithStatusJSON(status, errs.Response(err))
}

func identity(c *gin.Context) (user.Identity, bool) {
	id, found := midsec.IdentityFrom(c)
	if !found {
		fail(c, errs.ErrAuth.WrapMsg("no identity"))
	}
	return id, found
}

type loginReq struct {
	UserID   string `json:"userId" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (s *Server) login(c *gin.Context) {
	var req loginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errs.ErrArgs.WrapMsg(err.Error()))
		return
	}
	res, err := usersvc.Login(c.Request.Context(), s.dir, s.jwt, req.UserID, req.Password)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, res)
}

type openChatReq struct {
	ParticipantID string `json:"participantId" binding:"required"`
}

func (s *Server) openChat(c *gin.Context) {
	who, found := identity(c)
	if !found {
		return
	}
	var req openChatReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errs.ErrArgs.WrapMsg(err.Error()))
		return
	}
	sum, err := s.pipe.OpenChat(c.Request.Context(), who, req.ParticipantID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, sum)
}

func (s *Server) listChats(c *gin.Context) {
	who, found := identity(c)
	if !found {
		return
	}
	chats, err := s.pipe.ListChats(c.Request.Context(), who)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"items": chats})
}

func (s *Server) fetchMessages(c *gin.Context) {
	who, found := identity(c)
	if !found {
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	hist, err := s.pipe.FetchHistory(c.Request.Context(), who, c.Param("id"), page, limit)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, hist)
}

type markReadReq struct {
	MessageIDs []string `json:"messageIds"`
}

func (s *Server) markRead(c *gin.Context) {
	who, found := identity(c)
	if !found {
		return
	}
	var req markReadReq
	// 空 body 表示全部已读
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, errs.ErrArgs.WrapMsg(err.Error()))
			return
		}
	}
	receipts, err := s.pipe.MarkRead(c.Request.Context(), who, c.Param("id"), req.MessageIDs)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"receipts": receipts})
}

func (s *Server) searchUsers(c *gin.Context) {
	who, found := identity(c)
	if !found {
		return
	}
	users, err := s.pipe.SearchUsers(c.Request.Context(), who, c.Query("query"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"items": users})
}

func (s *Server) healthz(c *gin.Context) {
	deps := make(map[string]string, len(s.checks))
	status := http.StatusOK
	for name, check := range s.checks {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		err := check(ctx)
		cancel()
		if err != nil {
			deps[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}
	c.JSON(status, apiResp{Code: 0, Msg: "ok", Data: gin.H{
		"presence": s.reg.Stats(),
		"rooms":    s.coord.Stats(),
		"deps":     deps,
	}})
}
