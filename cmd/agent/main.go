// Package main runs the headless meeting agent: attendance tracking, break
// management and reaction fan-out for one joined meeting, exposed to the UI
// shell through a local HTTP control API.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/meetingpro/agent/config"
	"github.com/meetingpro/agent/internal/attendance"
	"github.com/meetingpro/agent/internal/auth"
	"github.com/meetingpro/agent/internal/controlapi"
	"github.com/meetingpro/agent/internal/middleware"
	"github.com/meetingpro/agent/internal/models"
	"github.com/meetingpro/agent/internal/reactions"
	"github.com/meetingpro/agent/internal/realtime"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if cfg.Agent.MeetingID == "" || cfg.Agent.UserID == "" {
		logger.Fatal("MEETING_ID and USER_ID are required")
	}

	ctx := context.Background()
	identity := realtime.Participant{Identity: cfg.Agent.UserID, Name: cfg.Agent.UserName}

	var channel realtime.DataChannel
	switch cfg.Realtime.Mode {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Fatal("redis", zap.Error(err))
		}
		defer rdb.Close()
		channel, err = realtime.NewRedisBridge(rdb, cfg.Agent.MeetingID, identity, logger)
	default:
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		channel, err = realtime.DialWS(dialCtx, cfg.Realtime.WSURL, cfg.Agent.MeetingID, cfg.Agent.Token, identity, logger)
		cancel()
	}
	if err != nil {
		logger.Fatal("realtime channel", zap.Error(err))
	}
	defer channel.Close()

	attendanceAPI := attendance.NewClient(cfg.Backend.AttendanceBaseURL, cfg.Backend.RequestTimeout, cfg.Backend.DetectTimeout)
	tracker := attendance.New(attendanceAPI, nil, attendance.Options{
		WarningInterval:    cfg.Attendance.WarningInterval,
		StatusPollInterval: cfg.Attendance.StatusPollInterval,
		StatusMinInterval:  cfg.Attendance.StatusMinInterval,
	}, nil, logger)
	defer tracker.Close()

	reactionAPI := reactions.NewClient(cfg.Backend.ReactionsBaseURL, cfg.Backend.RequestTimeout)
	manager := reactions.NewManager(reactionAPI, channel, nil, reactions.Options{
		DisplayDuration: cfg.Reactions.DisplayDuration,
		DedupWindow:     cfg.Reactions.DedupWindow,
		SendGate:        cfg.Reactions.SendGate,
		SweepInterval:   cfg.Reactions.SweepInterval,
		CountsRefresh:   cfg.Reactions.CountsRefresh,
		HistoryLimit:    cfg.Reactions.HistoryLimit,
	}, nil, logger)
	defer manager.Close()

	if err := manager.Start(ctx, reactions.Identity{
		MeetingID: cfg.Agent.MeetingID,
		UserID:    cfg.Agent.UserID,
		UserName:  cfg.Agent.UserName,
		Role:      models.Role(cfg.Agent.Role),
	}); err != nil {
		logger.Fatal("reactions", zap.Error(err))
	}

	verifier := auth.NewVerifier(cfg.JWT.Secret)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	handler := controlapi.NewHandler(tracker, manager, logger)
	handler.RegisterRoutes(router, verifier)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("agent listening",
			zap.String("port", cfg.Server.Port),
			zap.String("meeting_id", cfg.Agent.MeetingID))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// Stop tracking and close the reaction session before taking the API down
	// so the backends see a clean leave.
	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if _, err := tracker.StopTracking(stopCtx); err != nil {
		logger.Warn("stop tracking", zap.Error(err))
	}
	manager.Stop(stopCtx)

	if err := srv.Shutdown(stopCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("agent stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
