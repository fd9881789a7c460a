package http

import (
	"context"
	"net/http"
	"time"

	"blinkpay.com/internal/settlement/domain"
	"blinkpay.com/pkg/middleware"
	"blinkpay.com/pkg/ratelimit"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	ginprom "github.com/zsais/go-gin-prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

type Deps struct {
	Service string
	Store   domain.Store
	Credits domain.CreditStore
	Ledger  domain.Ledger // 可为空，余额查询返回 503
	Limiter *ratelimit.Store
	// Ready 健康检查，一般是 DB ping
	Ready func(ctx context.Context) error
	// Metrics 为 false 时不挂 /metrics（测试里避免重复注册）
	Metrics bool
}

func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	if d.Metrics {
		p := ginprom.NewPrometheus("blinkpay")
		p.Use(r)
	}
	r.Use(
		otelgin.Middleware(d.Service),
		middleware.ReqId(),
		cors.Default(),
		middleware.Recover(),
		middleware.RateLimit(d.Limiter),
	)

	h := &handler{store: d.Store, credits: d.Credits, ledger: d.Ledger, ready: d.Ready}
	r.GET("/healthz", h.healthz)

	api := r.Group("/api")
	api.GET("/payments", h.listPayments)
	api.GET("/payments/:dedupKey", h.getPayment)
	api.GET("/credits/usable", h.usableCredit)
	api.POST("/credits/consume", h.consumeCredit)
	api.GET("/wallets/:id/balance", h.walletBalance)
	return r
}

func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 3 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
}
