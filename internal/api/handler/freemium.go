package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/listingboost/lb_server/internal/model/dto"
	"github.com/listingboost/lb_server/internal/pkg/response"
	"github.com/listingboost/lb_server/internal/service"
)

type FreemiumHandler struct {
	freemium     *service.FreemiumService
	exposeDetail bool
}

func NewFreemiumHandler(freemium *service.FreemiumService, exposeDetail bool) *FreemiumHandler {
	return &FreemiumHandler{
		freemium:     freemium,
		exposeDetail: exposeDetail,
	}
}

// Analyze 同步分析，直接返回完整结果
// POST /api/v1/freemium/analyze
func (h *FreemiumHandler) Analyze(c *gin.Context) {
	var req dto.FreemiumAnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, response.MsgParamError, []string{err.Error()})
		return
	}

	result, err := h.freemium.Analyze(c.Request.Context(), req.Token, req.URL)
	if err != nil {
		writeError(c, err, h.exposeDetail)
		return
	}
	response.OK(c, result)
}

// List token 名下保存的分析
// GET /api/v1/freemium/analyses?token=...&limit=20
func (h *FreemiumHandler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	items, err := h.freemium.ListAnalyses(c.Request.Context(), c.Query("token"), limit)
	if err != nil {
		writeError(c, err, h.exposeDetail)
		return
	}
	response.OK(c, items)
}

// Get 读取单条保存的分析
// GET /api/v1/freemium/analyses/:id?token=...
func (h *FreemiumHandler) Get(c *gin.Context) {
	result, err := h.freemium.GetAnalysis(c.Request.Context(), c.Param("id"), c.Query("token"))
	if err != nil {
		writeError(c, err, h.exposeDetail)
		return
	}
	response.OK(c, result)
}
