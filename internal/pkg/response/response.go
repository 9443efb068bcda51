package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// 错误对应的默认消息
const (
	MsgParamError      = "invalid request"
	MsgAuthFailed      = "unauthorized"
	MsgNotFound        = "resource not found"
	MsgUnavailable     = "service temporarily unavailable"
	MsgServerError     = "internal server error"
	MsgAlreadyTerminal = "job already finished"
)

// Response 统一响应结构
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// OK 200 成功响应
func OK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{Success: true, Data: data})
}

// Created 201 成功响应
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Response{Success: true, Data: data})
}

// Error 错误响应，details 为 nil 时省略
func Error(c *gin.Context, status int, message string, details interface{}) {
	c.AbortWithStatusJSON(status, Response{
		Success: false,
		Error:   message,
		Details: details,
	})
}

// ParamError 参数错误
func ParamError(c *gin.Context, message string, details interface{}) {
	if message == "" {
		message = MsgParamError
	}
	Error(c, http.StatusBadRequest, message, details)
}

// AuthError 认证失败
func AuthError(c *gin.Context, message string) {
	if message == "" {
		message = MsgAuthFailed
	}
	Error(c, http.StatusUnauthorized, message, nil)
}

// NotFoundError 资源不存在
func NotFoundError(c *gin.Context, message string) {
	if message == "" {
		message = MsgNotFound
	}
	Error(c, http.StatusNotFound, message, nil)
}

// UnavailableError 存储等依赖暂时不可用
func UnavailableError(c *gin.Context, message string) {
	if message == "" {
		message = MsgUnavailable
	}
	Error(c, http.StatusServiceUnavailable, message, nil)
}

// ServerError 服务器错误；exposeDetail 为 false 时不返回内部错误信息
func ServerError(c *gin.Context, err error, exposeDetail bool) {
	var details interface{}
	if exposeDetail && err != nil {
		details = err.Error()
	}
	Error(c, http.StatusInternalServerError, MsgServerError, details)
}
