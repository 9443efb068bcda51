package handler

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/listingboost/lb_server/internal/pkg/response"
	"github.com/listingboost/lb_server/internal/service"
)

// writeError 把业务错误映射为 HTTP 状态
func writeError(c *gin.Context, err error, exposeDetail bool) {
	var verr *service.ValidationError
	switch {
	case errors.As(err, &verr):
		response.ParamError(c, response.MsgParamError, verr.Details())
	case errors.Is(err, service.ErrJobNotFound):
		response.NotFoundError(c, "job not found")
	case errors.Is(err, service.ErrAnalysisNotFound):
		response.NotFoundError(c, "analysis not found")
	case errors.Is(err, service.ErrJobAlreadyTerminal):
		response.ParamError(c, response.MsgAlreadyTerminal, nil)
	case errors.Is(err, service.ErrStoreUnavailable):
		response.UnavailableError(c, "")
	default:
		response.ServerError(c, err, exposeDetail)
	}
}
