package main

import (
	"context"
	"flag"
	"log"
	"os"
	"path/filepath"

	"k8s.io/klog/v2"

	"github.com/weibaohui/opensheets/config"
	"github.com/weibaohui/opensheets/internal/eventbus"
	"github.com/weibaohui/opensheets/internal/handler"
	"github.com/weibaohui/opensheets/internal/pkg/database"
	"github.com/weibaohui/opensheets/internal/pkg/llm"
	"github.com/weibaohui/opensheets/internal/repository"
	"github.com/weibaohui/opensheets/internal/router"
	"github.com/weibaohui/opensheets/internal/service"
	"github.com/weibaohui/opensheets/internal/service/generation"
	"github.com/weibaohui/opensheets/internal/service/orchestrator"
	"github.com/weibaohui/opensheets/internal/service/provider"
	"github.com/weibaohui/opensheets/internal/service/store"
)

func main() {
	// 初始化 klog
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	klog.V(6).Info("服务启动中...")

	cfg := config.GetConfig()

	if cfg.Database.Type != "mysql" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.DSN), 0755); err != nil {
			log.Fatalf("Failed to create data directory: %v", err)
		}
	}

	// 初始化数据库
	db, err := database.InitDB(cfg.Database.Type, cfg.Database.DSN)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	gateway := repository.NewGormGateway(db)

	// 启动时清理上次退出时卡在 generating 的单元格
	cleanupStuckCells(gateway)

	// 推理后端
	chats := llm.NewChatModelFactory(cfg.Inference, llm.NewOpenAIChatModel)
	adapter := provider.NewRouter(chats, llm.NewImageClient(), cfg.Inference.CacheTTL)

	// 初始化 Service
	st := store.New(gateway, cfg.Generation.CellPageSize)
	dispatcher := generation.NewDispatcher(st, adapter, cfg.Generation)
	generationService := service.NewGenerationService(dispatcher, eventbus.NewDatasetEventBus())
	datasetService := service.NewDatasetService(st, generationService)
	columnService := service.NewColumnService(st, generationService)

	// 初始化全局任务编排器
	// 后台列生成共用一个协程池，每个任务内部再按 generation.concurrency 并发
	executor := &jobExecutorAdapter{generationService: generationService}
	if err := orchestrator.InitGlobalOrchestrator(cfg.Generation.MaxWorkers, executor); err != nil {
		log.Fatalf("Failed to initialize orchestrator: %v", err)
	}
	generationService.SetOrchestrator(orchestrator.GetGlobalOrchestrator())
	defer orchestrator.ShutdownGlobalOrchestrator()

	// 初始化 Handler
	datasetHandler := handler.NewDatasetHandler(datasetService)
	columnHandler := handler.NewColumnHandler(columnService)
	generationHandler := handler.NewGenerationHandler(generationService, datasetService)

	// 设置路由
	r := router.Setup(cfg, datasetHandler, columnHandler, generationHandler)

	log.Printf("Server starting on port %s...", cfg.Server.Port)
	if err := r.Run(":" + cfg.Server.Port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// cleanupStuckCells 清理启动前卡住的单元格
func cleanupStuckCells(gateway repository.Gateway) {
	affected, err := gateway.ResetGenerating(context.Background())
	if err != nil {
		klog.V(6).Infof("清理卡住单元格失败: %v", err)
		return
	}

	if affected > 0 {
		klog.V(6).Infof("启动时清理了 %d 个卡住的单元格", affected)
	}
}
