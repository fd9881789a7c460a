package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"blinkpay.com/internal/settlement/domain"
	"blinkpay.com/pkg/common"
	"blinkpay.com/pkg/xerr"
	"github.com/gin-gonic/gin"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500

	codeNoUsableCredit = 4091001
)

type handler struct {
	store   domain.Store
	credits domain.CreditStore
	ledger  domain.Ledger
	ready   func(ctx context.Context) error
}

func (h *handler) healthz(c *gin.Context) {
	if h.ready != nil {
		if err := h.ready(c.Request.Context()); err != nil {
			common.FailLogged(c, http.StatusServiceUnavailable, xerr.DbError, "not ready", err)
			return
		}
	}
	common.Success(c, gin.H{"status": "ok"})
}

func (h *handler) getPayment(c *gin.Context) {
	rec, err := h.store.FindByDedupKey(c.Request.Context(), c.Param("dedupKey"))
	if err != nil {
		common.FailFromErr(c, err)
		return
	}
	if rec == nil {
		common.Fail(c, http.StatusNotFound, xerr.RecordNotFound, xerr.MapErrMsg(xerr.RecordNotFound))
		return
	}
	common.Success(c, rec)
}

func (h *handler) listPayments(c *gin.Context) {
	status := domain.Status(c.Query("status"))
	if !status.Valid() {
		common.Fail(c, http.StatusBadRequest, xerr.RequestParamsError, "status 不合法")
		return
	}
	limit := defaultListLimit
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			common.Fail(c, http.StatusBadRequest, xerr.RequestParamsError, "limit 不合法")
			return
		}
		limit = min(n, maxListLimit)
	}
	list, err := h.store.ListByStatus(c.Request.Context(), status, limit)
	if err != nil {
		common.FailFromErr(c, err)
		return
	}
	common.Success(c, gin.H{"list": list, "count": len(list)})
}

type pairQuery struct {
	Payer string `form:"payer" json:"payer" binding:"required"`
	Payee string `form:"payee" json:"payee" binding:"required"`
}

func (h *handler) usableCredit(c *gin.Context) {
	var q pairQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		common.Fail(c, http.StatusBadRequest, xerr.RequestParamsError, "payer 和 payee 必填")
		return
	}
	ok, err := h.credits.HasUsableCredit(c.Request.Context(), q.Payer, q.Payee)
	if err != nil {
		common.FailFromErr(c, err)
		return
	}
	common.Success(c, gin.H{"usable": ok})
}

// consumeCredit 网关放行一次调用前消费一条额度
func (h *handler) consumeCredit(c *gin.Context) {
	var q pairQuery
	if err := c.ShouldBindJSON(&q); err != nil {
		common.Fail(c, http.StatusBadRequest, xerr.RequestParamsError, "payer 和 payee 必填")
		return
	}
	credit, err := h.credits.ConsumeCredit(c.Request.Context(), q.Payer, q.Payee)
	if errors.Is(err, domain.ErrNoUsableCredit) {
		common.Fail(c, http.StatusConflict, codeNoUsableCredit, "没有可用额度")
		return
	}
	if err != nil {
		common.FailFromErr(c, err)
		return
	}
	common.Success(c, credit)
}

func (h *handler) walletBalance(c *gin.Context) {
	if h.ledger == nil {
		common.Fail(c, http.StatusServiceUnavailable, xerr.LedgerUnavailable, "账本未配置")
		return
	}
	list, err := h.ledger.Balance(c.Request.Context(), c.Param("id"))
	if err != nil {
		common.FailFromErr(c, err)
		return
	}
	common.Success(c, gin.H{"wallet_id": c.Param("id"), "balances": list})
}
