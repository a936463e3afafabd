package handlers

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/promptreel/creditflow/internal/coalesce"
	"github.com/promptreel/creditflow/internal/ledger"
	"github.com/promptreel/creditflow/internal/metrics"
	"github.com/promptreel/creditflow/internal/provider"
	"github.com/promptreel/creditflow/internal/refundq"
	"github.com/promptreel/creditflow/internal/schedule"
	"github.com/promptreel/creditflow/internal/validation"
)

// LedgerAPI is what the handlers need from the credit ledger service.
type LedgerAPI interface {
	Reserve(ctx context.Context, userID string, cost int64) (bool, error)
	Refund(ctx context.Context, userID string, amount int64, opts ledger.RefundOpts) error
	GetBalance(ctx context.Context, userID string) (int64, error)
}

// FailureSink receives refunds that failed synchronously.
type FailureSink interface {
	UpsertFailure(ctx context.Context, rec refundq.RefundFailure) error
}

// StatusSource is a background worker health view. Nil sources (worker not
// running in this process, e.g. Lambda mode) are reported as absent.
type StatusSource interface {
	Status() schedule.Snapshot
}

// HandlerConfig groups dependencies for the billing routes.
type HandlerConfig struct {
	Ledger    LedgerAPI
	Failures  FailureSink
	Provider  provider.VideoProvider
	Coalescer *coalesce.Coalescer
	Recorder  metrics.Recorder

	Sweeper    StatusSource
	Reconciler StatusSource
}

// RegisterRoutes registers the billing HTTP surface.
func RegisterRoutes(r *gin.Engine, cfg HandlerConfig) {
	v := validation.New()

	api := r.Group("/v1", principalShim())
	api.POST("/generations", cfg.Coalescer.Middleware("generations"), generateHandler(cfg, v))
	api.GET("/credits", balanceHandler(cfg))

	r.GET("/internal/status", statusHandler(cfg))
}

// principalShim lifts the authenticated user id (set by the upstream auth
// layer as X-User-Id) into the request context. Requests without one are
// rejected before they can touch the ledger.
func principalShim() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader("X-User-Id")
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing_principal"})
			return
		}
		c.Set(coalesce.PrincipalKey, userID)
		c.Next()
	}
}

func generateHandler(cfg HandlerConfig, v *validatorv10.Validate) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		userID := c.GetString(coalesce.PrincipalKey)

		var req validation.GenerateVideoRequest
		if err := validation.BindAndValidate(c, &req, v); err != nil {
			// BindAndValidate already wrote a 400
			return
		}

		cost := validation.ModeCosts[req.Mode]

		// Reserve before touching the paid upstream. One retry on transient
		// store failure, then give up and deny the action.
		ok, err := cfg.Ledger.Reserve(ctx, userID, cost)
		if err != nil {
			ok, err = cfg.Ledger.Reserve(ctx, userID, cost)
		}
		if err != nil {
			log.Printf("[handlers] reserve failed user=%s cost=%d: %v", userID, cost, err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger_unavailable"})
			return
		}
		if !ok {
			c.JSON(http.StatusPaymentRequired, gin.H{
				"error": "insufficient_credits",
				"cost":  cost,
			})
			return
		}

		gen, genErr := cfg.Provider.StartGeneration(ctx, userID, provider.Request{
			Prompt:          req.Prompt,
			Mode:            req.Mode,
			TargetModel:     req.TargetModel,
			SkipCache:       req.SkipCache,
			DurationSeconds: req.DurationSeconds,
		})
		if genErr != nil {
			refundReserved(ctx, cfg, userID, cost, genErr)
			c.JSON(http.StatusBadGateway, gin.H{"error": "generation_failed"})
			return
		}

		c.Header("Location", fmt.Sprintf("/v1/generations/%s", gen.ID))
		c.JSON(http.StatusCreated, gin.H{
			"generation_id": gen.ID,
			"status":        gen.Status,
			"cost":          cost,
		})
	}
}

// refundReserved gives the reserved credits back after a failed generation.
// A refund that itself fails is handed to the failure store, never dropped;
// the sweeper retries it until resolved or escalated.
func refundReserved(ctx context.Context, cfg HandlerConfig, userID string, cost int64, genErr error) {
	refundKey := uuid.NewString()
	reason := "generation_failed"

	refundErr := cfg.Ledger.Refund(ctx, userID, cost, ledger.RefundOpts{
		RefundKey: refundKey,
		Reason:    reason,
	})
	if refundErr == nil {
		return
	}

	log.Printf("[handlers] sync refund failed user=%s amount=%d refund_key=%s: %v",
		userID, cost, refundKey, refundErr)

	upsertErr := cfg.Failures.UpsertFailure(ctx, refundq.RefundFailure{
		RefundKey: refundKey,
		UserID:    userID,
		Amount:    cost,
		Reason:    reason,
		LastError: refundErr.Error(),
	})
	if upsertErr != nil {
		// Both the refund and its durable record failed. This is the one path
		// where money can leak; page immediately.
		log.Printf("[handlers] CRITICAL refund not persisted user=%s amount=%d refund_key=%s: %v",
			userID, cost, refundKey, upsertErr)
		cfg.Recorder.RecordAlert(ctx, "refund_persist_failed", map[string]string{
			"user_id":    userID,
			"refund_key": refundKey,
		})
	}
}

func balanceHandler(cfg HandlerConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString(coalesce.PrincipalKey)
		credits, err := cfg.Ledger.GetBalance(c.Request.Context(), userID)
		if err != nil {
			log.Printf("[handlers] get balance failed user=%s: %v", userID, err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger_unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"user_id": userID, "credits": credits})
	}
}

func statusHandler(cfg HandlerConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp := gin.H{"coalescing": cfg.Coalescer.Stats()}
		if cfg.Sweeper != nil {
			resp["sweeper"] = cfg.Sweeper.Status()
		}
		if cfg.Reconciler != nil {
			resp["reconciler"] = cfg.Reconciler.Status()
		}
		c.JSON(http.StatusOK, resp)
	}
}
