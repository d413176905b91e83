package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"am-voice-gateway/src/configs"
	"am-voice-gateway/src/core/auth"
	"am-voice-gateway/src/core/bridge"
	"am-voice-gateway/src/core/gateway"
	"am-voice-gateway/src/core/ingress"
	"am-voice-gateway/src/core/transport/udp"
	"am-voice-gateway/src/core/utils"

	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "config.yaml", "配置文件路径")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "启动失败: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	manager, err := configs.NewManager(configPath)
	if err != nil {
		return fmt.Errorf("加载配置失败: %v", err)
	}
	cfg := manager.Current()

	logger, err := utils.NewLogger(utils.LoggerOptions{
		Level:   cfg.Log.LogLevel,
		Dir:     cfg.Log.LogDir,
		File:    cfg.Log.LogFile,
		Console: true,
	})
	if err != nil {
		return fmt.Errorf("初始化日志失败: %v", err)
	}
	utils.SetDefault(logger)
	defer logger.Close()

	// 语音后端工厂，取当前配置快照，热加载对新会话生效
	var factory bridge.Factory
	switch cfg.Backend.Type {
	case "websocket":
		factory = bridge.NewWebSocketFactory(func(mac string) string {
			return manager.Current().PickWebSocketURL(mac)
		}, logger)
		logger.Info("语音后端: websocket, 服务器数=%d", len(cfg.Backend.WebSocket))
	default:
		factory = bridge.NewRoomFactory(func() configs.RoomConfig {
			return manager.Current().Backend.Room
		}, logger)
		logger.Info("语音后端: room, url=%s", cfg.Backend.Room.URL)
	}

	gw := gateway.NewGateway(factory, logger)

	udpServer := udp.NewServer(udp.ServerOptions{
		ListenHost:   cfg.UDP.ListenHost,
		ListenPort:   cfg.UDP.ListenPort,
		ExternalHost: cfg.ExternalUDPHost(),
		ExternalPort: cfg.ExternalUDPPort(),
	}, gw, logger)
	gw.AttachUDPServer(udpServer)

	// 控制通道接入方式
	var ing ingress.Ingress
	switch cfg.Mqtt.Ingress {
	case "broker":
		b, err := ingress.NewBrokerIngress(cfg, gw, logger)
		if err != nil {
			return err
		}
		ing = b
	default:
		validator := auth.NewDynamicCredentialValidator(func() string {
			return manager.Current().Mqtt.SignatureKey
		})
		ing = ingress.NewTCPServer(cfg.Mqtt.Port, gw, validator, logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	manager.OnChange(func(newCfg *configs.Config) {
		logger.Info("配置已重新加载，对新连接生效")
	})
	if err := manager.Watch(); err != nil {
		logger.Warn("启动配置热加载失败: %v", err)
	}
	defer manager.Stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := udpServer.Start(); err != nil {
			return fmt.Errorf("启动UDP服务器失败: %v", err)
		}
		<-gctx.Done()
		udpServer.Stop()
		return nil
	})

	g.Go(func() error {
		gw.Start()
		<-gctx.Done()
		gw.Stop()
		return nil
	})

	g.Go(func() error {
		if err := ing.Start(); err != nil {
			return fmt.Errorf("启动控制通道接入失败: %v", err)
		}
		logger.Info("网关已启动: ingress=%s, udp=%s:%d",
			cfg.Mqtt.Ingress, cfg.UDP.ListenHost, cfg.UDP.ListenPort)
		<-gctx.Done()
		return ing.Stop()
	})

	err = g.Wait()
	logger.Info("网关已退出")
	return err
}
